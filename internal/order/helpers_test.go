package order

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"mediserve/internal/clock"
	"mediserve/internal/events"
	"mediserve/internal/identity"
	"mediserve/internal/inventory"
	"mediserve/internal/lock"
	"mediserve/internal/model"
	"mediserve/internal/queue"
	"mediserve/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

// ticker 每次读取前进一分钟，保证入队时间互不相同。
type ticker struct {
	mu  sync.Mutex
	now time.Time
}

func (c *ticker) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	ledger *inventory.Ledger
	alloc  *inventory.Allocator
	users  *identity.Directory
	events *events.Recorder
	nUsers int
}

func setup(t *testing.T, drivers ...string) *fixture {
	t.Helper()
	db, err := store.Open(store.MemoryDSN())
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)

	locker := lock.NewLocal()
	clk := &ticker{now: t0}
	f := &fixture{
		db:     db,
		ledger: inventory.NewLedger(db, locker, clock.Fixed(t0), log),
		alloc:  inventory.NewAllocator(db, locker),
		users:  identity.NewDirectory(db),
		events: &events.Recorder{},
	}
	f.svc = NewService(Deps{
		DB:        db,
		Locker:    locker,
		Registry:  queue.NewRegistry(locker),
		Allocator: f.alloc,
		Priority:  f.users,
		Clock:     clk,
		Events:    f.events,
		Log:       log,
		Drivers:   drivers,
	})
	return f
}

func (f *fixture) user(t *testing.T, priority bool) uint {
	t.Helper()
	f.nUsers++
	u := &model.User{Email: fmt.Sprintf("user%d@example.com", f.nUsers)}
	if priority {
		doc := fmt.Sprintf("SC-%04d", f.nUsers)
		u.SeniorCitizenID = &doc
	}
	require.NoError(t, f.users.Register(context.Background(), u))
	return u.ID
}

// medicine 注册一个可下单药品，每个数量对应一个批次，到期日依次相隔一个月。
func (f *fixture) medicine(t *testing.T, limit model.OrderLimit, quantities ...int) uint {
	t.Helper()
	ctx := context.Background()
	m, err := f.ledger.CreateMedicine(ctx, inventory.NewMedicineInput{
		Name: "Cetirizine", PrescriptionType: model.NonPrescription, OrderLimit: limit,
	})
	require.NoError(t, err)
	for i, q := range quantities {
		_, err := f.ledger.ReceiveBatch(ctx, inventory.ReceiveInput{
			MedicineID:   m.ID,
			DateReceived: t0.AddDate(0, 0, -1),
			ExpiryDate:   t0.AddDate(0, i+1, 0),
			Quantity:     q,
		})
		require.NoError(t, err)
	}
	return m.ID
}

// cart 为用户创建包含指定订单行的 Pending 订单。
func (f *fixture) cart(t *testing.T, userID uint, lines map[uint]int) *model.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.svc.PlaceOrder(ctx, userID)
	require.NoError(t, err)
	for medID, qty := range lines {
		_, err := f.svc.AddItem(ctx, AddItemInput{OrderID: o.ID, MedicineID: medID, Quantity: qty})
		require.NoError(t, err)
	}
	return o
}

// queued 创建购物车并结算。
func (f *fixture) queued(t *testing.T, userID uint, lines map[uint]int) *model.Order {
	t.Helper()
	o := f.cart(t, userID, lines)
	_, err := f.svc.Checkout(context.Background(), o.ID)
	require.NoError(t, err)
	return f.get(t, o.ID)
}

func (f *fixture) get(t *testing.T, id uint) *model.Order {
	t.Helper()
	o, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) available(t *testing.T, medicineID uint) int {
	t.Helper()
	n, err := f.ledger.TotalAvailable(context.Background(), medicineID)
	require.NoError(t, err)
	return n
}

func (f *fixture) batches(t *testing.T, medicineID uint) []model.Batch {
	t.Helper()
	bs, err := f.ledger.Batches(context.Background(), medicineID)
	require.NoError(t, err)
	return bs
}

// queueNumbers 所有排队订单的 ID 到队列号映射。
func (f *fixture) queueNumbers(t *testing.T) map[uint]int {
	t.Helper()
	var orders []model.Order
	require.NoError(t, f.db.Where("queue_number IS NOT NULL").Find(&orders).Error)
	out := make(map[uint]int, len(orders))
	for _, o := range orders {
		out[o.ID] = *o.QueueNumber
	}
	return out
}
