package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"mediserve/internal/apperr"
	"mediserve/internal/events"
	"mediserve/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reasonOf(t *testing.T, err error) apperr.Reason {
	t.Helper()
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae), "want *apperr.Error, got %v", err)
	return ae.Reason
}

func TestLifecycle_CartToArchive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 5, 10)
	u := f.user(t, false)

	o := f.cart(t, u, map[uint]int{med: 7})
	n, err := f.svc.Checkout(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	head, err := f.svc.HeadOfQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, head)

	_, err = f.svc.AssignDriver(ctx, o.ID, "  Ramon ")
	require.NoError(t, err)
	shipped, err := f.svc.Ship(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderShipped, shipped.Status)
	assert.Equal(t, "Ramon", shipped.Driver)
	assert.Nil(t, shipped.QueueNumber)

	head, err = f.svc.HeadOfQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, head)

	// FEFO：先到期的批次先扣完
	bs := f.batches(t, med)
	assert.Equal(t, 0, bs[0].QuantityAvailable)
	assert.Equal(t, 8, bs[1].QuantityAvailable)
	ds, err := f.svc.Dispensations(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, []int{5, 2}, []int{ds[0].Quantity, ds[1].Quantity})

	done, err := f.svc.Complete(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	ops, err := f.svc.ActiveOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	archived, err := f.svc.Archive(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	ops, err = f.svc.ActiveOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	assert.Equal(t, []events.Type{
		events.OrderPlaced, events.OrderCheckedOut, events.OrderShipped,
		events.OrderCompleted, events.OrderArchived,
	}, f.events.Types())
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := setup(t)
	o, err := f.svc.PlaceOrder(context.Background(), f.user(t, false))
	require.NoError(t, err)

	_, err = f.svc.Checkout(context.Background(), o.ID)
	require.ErrorIs(t, err, apperr.ErrPrecondition)
	assert.Equal(t, apperr.ReasonEmptyOrder, reasonOf(t, err))
}

func TestCheckout_ReportsEveryViolationAndChangesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	gone := f.medicine(t, model.OrderLimit1Week, 10)
	short := f.medicine(t, model.OrderLimit1Week, 4)
	capped := f.medicine(t, model.OrderLimit3Days, 10)
	fine := f.medicine(t, model.OrderLimit1Week, 10)

	o := f.cart(t, f.user(t, false), map[uint]int{gone: 1, short: 4, capped: 3, fine: 2})

	// 加购之后条件发生变化
	require.NoError(t, f.ledger.ArchiveMedicine(ctx, gone))
	_, err := f.alloc.Allocate(ctx, short, 2)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.OrderItem{}).
		Where("order_id = ? AND medicine_id = ?", o.ID, capped).Update("quantity", 4).Error)

	_, err = f.svc.Checkout(ctx, o.ID)
	require.ErrorIs(t, err, apperr.ErrPrecondition)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)

	got := map[uint]apperr.Reason{}
	for _, v := range ae.Violations {
		got[v.ID] = v.Reason
	}
	assert.Equal(t, map[uint]apperr.Reason{
		gone:   apperr.ReasonUnorderable,
		short:  apperr.ReasonOverStock,
		capped: apperr.ReasonOverOrderLimit,
	}, got)

	after := f.get(t, o.ID)
	assert.Equal(t, model.OrderPending, after.Status)
	assert.Nil(t, after.QueueNumber)
	assert.Nil(t, after.QueuedAt)
	assert.Empty(t, f.queueNumbers(t))
}

func TestCheckout_OnlyFromPending(t *testing.T) {
	f := setup(t)
	med := f.medicine(t, model.OrderLimit1Week, 10)
	o := f.queued(t, f.user(t, false), map[uint]int{med: 1})

	_, err := f.svc.Checkout(context.Background(), o.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, map[uint]int{o.ID: 1}, f.queueNumbers(t))

	_, err = f.svc.Checkout(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCheckout_PriorityUsersAheadOfRegular(t *testing.T) {
	f := setup(t)
	med := f.medicine(t, model.OrderLimit1Week, 100)

	r1 := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	r2 := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	p1 := f.queued(t, f.user(t, true), map[uint]int{med: 1})
	p2 := f.queued(t, f.user(t, true), map[uint]int{med: 1})
	r3 := f.queued(t, f.user(t, false), map[uint]int{med: 1})

	assert.Equal(t, map[uint]int{p1.ID: 1, p2.ID: 2, r1.ID: 3, r2.ID: 4, r3.ID: 5}, f.queueNumbers(t))
	assert.True(t, p1.QueuePriority)
	assert.False(t, r1.QueuePriority)

	pos, ok, err := f.svc.QueuePosition(context.Background(), r2.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, pos)
}

func TestCheckout_ConcurrentStaysGapless(t *testing.T) {
	f := setup(t)
	med := f.medicine(t, model.OrderLimit1Week, 500)

	const n = 24
	carts := make([]*model.Order, n)
	priority := make(map[uint]bool, n)
	for i := range carts {
		isPrio := i%4 == 0
		carts[i] = f.cart(t, f.user(t, isPrio), map[uint]int{med: 1})
		priority[carts[i].ID] = isPrio
	}

	var wg sync.WaitGroup
	for _, o := range carts {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			_, err := f.svc.Checkout(context.Background(), id)
			assert.NoError(t, err)
		}(o.ID)
	}
	wg.Wait()

	nums := f.queueNumbers(t)
	require.Len(t, nums, n)
	seen := make([]int, 0, n)
	maxPrio, minRegular := 0, n+1
	for id, q := range nums {
		seen = append(seen, q)
		if priority[id] {
			maxPrio = max(maxPrio, q)
		} else {
			minRegular = min(minRegular, q)
		}
	}
	sort.Ints(seen)
	for i, q := range seen {
		assert.Equal(t, i+1, q)
	}
	assert.Less(t, maxPrio, minRegular)
}

func TestShip_RequiresDriver(t *testing.T) {
	f := setup(t, "Ramon", "Liza")
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 10)
	o := f.queued(t, f.user(t, false), map[uint]int{med: 2})

	_, err := f.svc.Ship(ctx, o.ID, "")
	require.ErrorIs(t, err, apperr.ErrPrecondition)
	assert.Equal(t, apperr.ReasonDriverRequired, reasonOf(t, err))

	_, err = f.svc.Ship(ctx, o.ID, "Bob")
	assert.Equal(t, apperr.ReasonUnknownDriver, reasonOf(t, err))
	_, err = f.svc.AssignDriver(ctx, o.ID, "Bob")
	assert.Equal(t, apperr.ReasonUnknownDriver, reasonOf(t, err))
	_, err = f.svc.AssignDriver(ctx, o.ID, " ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, 10, f.available(t, med))

	shipped, err := f.svc.Ship(ctx, o.ID, "Liza")
	require.NoError(t, err)
	assert.Equal(t, "Liza", shipped.Driver)
	assert.Equal(t, 8, f.available(t, med))

	_, err = f.svc.AssignDriver(ctx, o.ID, "Ramon")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestShip_OutOfOrderChangesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 5, 10)
	first := f.queued(t, f.user(t, false), map[uint]int{med: 3})
	second := f.queued(t, f.user(t, false), map[uint]int{med: 4})
	before := f.batches(t, med)

	_, err := f.svc.Ship(ctx, second.ID, "Ramon")
	require.ErrorIs(t, err, apperr.ErrOutOfOrder)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, first.ID, ae.RelatedID)

	after := f.get(t, second.ID)
	assert.Equal(t, model.OrderProcessing, after.Status)
	require.NotNil(t, after.QueueNumber)
	assert.Equal(t, 2, *after.QueueNumber)
	assert.Empty(t, after.Driver)
	assert.Equal(t, before, f.batches(t, med))

	// 队首发货后，第二个订单才能发货
	_, err = f.svc.Ship(ctx, first.ID, "Ramon")
	require.NoError(t, err)
	_, err = f.svc.Ship(ctx, second.ID, "Ramon")
	require.NoError(t, err)
	assert.Equal(t, 8, f.available(t, med))
}

func TestShip_ShortfallOnAnyLineRollsBackAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	plenty := f.medicine(t, model.OrderLimit1Week, 20)
	scarce := f.medicine(t, model.OrderLimit1Week, 3)
	o := f.queued(t, f.user(t, false), map[uint]int{plenty: 5, scarce: 3})

	// 结算与发货之间库存被其他渠道扣走
	_, err := f.alloc.Allocate(ctx, scarce, 2)
	require.NoError(t, err)

	_, err = f.svc.Ship(ctx, o.ID, "Ramon")
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	assert.Equal(t, 20, f.available(t, plenty))
	assert.Equal(t, 1, f.available(t, scarce))
	after := f.get(t, o.ID)
	assert.Equal(t, model.OrderProcessing, after.Status)
	require.NotNil(t, after.QueueNumber)
	assert.Equal(t, 1, *after.QueueNumber)
	ds, err := f.svc.Dispensations(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestCancel_RetiresAndCompacts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 50)
	a := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	b := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	c := f.queued(t, f.user(t, false), map[uint]int{med: 1})

	cancelled, err := f.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.Nil(t, cancelled.QueueNumber)
	assert.Equal(t, map[uint]int{a.ID: 1, c.ID: 2}, f.queueNumbers(t))

	_, ok, err := f.svc.QueuePosition(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.Cancel(ctx, b.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// Pending 购物车也可取消，它从未持有队列号
	cart := f.cart(t, f.user(t, false), map[uint]int{med: 1})
	_, err = f.svc.Cancel(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int{a.ID: 1, c.ID: 2}, f.queueNumbers(t))
}

func TestReopen_HonoursCurrentPriority(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 50)
	late := f.user(t, false)

	o := f.queued(t, late, map[uint]int{med: 1})
	_, err := f.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)

	b := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	c := f.queued(t, f.user(t, false), map[uint]int{med: 1})

	_, err = f.svc.Reopen(ctx, b.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// 订单取消期间用户提交了残障证
	doc := "PWD-1234"
	require.NoError(t, f.users.SetDocuments(ctx, late, nil, &doc))

	n, err := f.svc.Reopen(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[uint]int{o.ID: 1, b.ID: 2, c.ID: 3}, f.queueNumbers(t))

	reopened := f.get(t, o.ID)
	assert.Equal(t, model.OrderProcessing, reopened.Status)
	assert.True(t, reopened.QueuePriority)
	assert.Equal(t, events.OrderReopened, f.events.Types()[len(f.events.Types())-1])
}

func TestReopen_CompletedOrderIsNotDispensedTwice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 10)
	o := f.queued(t, f.user(t, false), map[uint]int{med: 4})

	_, err := f.svc.Ship(ctx, o.ID, "Ramon")
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.svc.Archive(ctx, o.ID)
	require.NoError(t, err)

	n, err := f.svc.Reopen(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	reopened := f.get(t, o.ID)
	assert.False(t, reopened.IsArchived)
	assert.Nil(t, reopened.CompletedAt)

	_, err = f.svc.Ship(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 6, f.available(t, med))
}

func TestReopen_CancelledCartIsValidatedLikeCheckout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t.Run("empty cart", func(t *testing.T) {
		o, err := f.svc.PlaceOrder(ctx, f.user(t, false))
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, o.ID)
		require.NoError(t, err)

		_, err = f.svc.Reopen(ctx, o.ID)
		require.ErrorIs(t, err, apperr.ErrPrecondition)
		assert.Equal(t, apperr.ReasonEmptyOrder, reasonOf(t, err))

		got := f.get(t, o.ID)
		assert.Equal(t, model.OrderCancelled, got.Status)
		assert.Nil(t, got.QueueNumber)
		assert.Empty(t, f.queueNumbers(t))
	})

	t.Run("medicine became prescription only", func(t *testing.T) {
		med := f.medicine(t, model.OrderLimit1Week, 10)
		o := f.cart(t, f.user(t, false), map[uint]int{med: 3})
		_, err := f.svc.Cancel(ctx, o.ID)
		require.NoError(t, err)
		require.NoError(t, f.db.Model(&model.Medicine{}).Where("id = ?", med).
			Update("prescription_type", model.Prescription).Error)

		_, err = f.svc.Reopen(ctx, o.ID)
		require.ErrorIs(t, err, apperr.ErrPrecondition)
		assert.Equal(t, apperr.ReasonUnorderable, reasonOf(t, err))
		assert.Equal(t, model.OrderCancelled, f.get(t, o.ID).Status)
		assert.Empty(t, f.queueNumbers(t))

		_, err = f.svc.Ship(ctx, o.ID, "Ramon")
		require.ErrorIs(t, err, apperr.ErrInvalidTransition)
		assert.Equal(t, 10, f.available(t, med))
	})

	t.Run("valid cart reopens into the queue", func(t *testing.T) {
		med := f.medicine(t, model.OrderLimit1Week, 10)
		o := f.cart(t, f.user(t, false), map[uint]int{med: 2})
		_, err := f.svc.Cancel(ctx, o.ID)
		require.NoError(t, err)

		n, err := f.svc.Reopen(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, model.OrderProcessing, f.get(t, o.ID).Status)
	})
}

func TestComplete_OnlyFromShipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 10)
	o := f.queued(t, f.user(t, false), map[uint]int{med: 1})

	_, err := f.svc.Complete(ctx, o.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.svc.Archive(ctx, o.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.svc.Complete(ctx, 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRequeueAll_RepairsNumbering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 50)
	regular := f.user(t, false)
	a := f.queued(t, regular, map[uint]int{med: 1})
	b := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	p := f.queued(t, f.user(t, true), map[uint]int{med: 1})

	// 人为破坏：制造空号，并在结算后提交证件
	require.NoError(t, f.db.Model(&model.Order{}).Where("id = ?", b.ID).Update("queue_number", 9).Error)
	doc := "SC-9"
	require.NoError(t, f.users.SetDocuments(ctx, regular, &doc, nil))

	out, err := f.svc.RequeueAll(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, map[uint]int{a.ID: 1, p.ID: 2, b.ID: 3}, f.queueNumbers(t))
	assert.True(t, out[0].Priority)
	assert.Equal(t, regular, out[0].UserID)
	assert.Contains(t, f.events.Types(), events.QueueRebuilt)
}

func TestActiveOperations_QueueOrderFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	med := f.medicine(t, model.OrderLimit1Week, 50)
	shipped := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	_, err := f.svc.Ship(ctx, shipped.ID, "Ramon")
	require.NoError(t, err)
	r := f.queued(t, f.user(t, false), map[uint]int{med: 1})
	p := f.queued(t, f.user(t, true), map[uint]int{med: 1})
	f.cart(t, f.user(t, false), map[uint]int{med: 1})

	ops, err := f.svc.ActiveOperations(ctx)
	require.NoError(t, err)
	ids := make([]uint, len(ops))
	for i, o := range ops {
		ids[i] = o.ID
	}
	assert.Equal(t, []uint{p.ID, r.ID, shipped.ID}, ids, fmt.Sprint(ids))
}
