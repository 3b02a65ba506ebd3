package order

import (
	"context"
	"fmt"
	"sort"

	"mediserve/internal/apperr"
	"mediserve/internal/events"
	"mediserve/internal/lock"
	"mediserve/internal/model"
	rediskey "mediserve/pkg/redis"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AssignDriver 发货前指派配送员。
func (s *Service) AssignDriver(ctx context.Context, orderID uint, driver string) (*model.Order, error) {
	driver = normalizeDriver(driver)
	if driver == "" {
		return nil, apperr.Validation("driver is required", nil)
	}
	if err := s.checkDriver(orderID, driver); err != nil {
		return nil, err
	}
	var o *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = findOrder(tx, orderID); err != nil {
			return err
		}
		if o.Status != model.OrderPending && o.Status != model.OrderProcessing {
			return apperr.InvalidTransition(o.ID, "assign driver", string(o.Status))
		}
		o.Driver = driver
		return setOrder(tx, o.ID, map[string]any{"driver": driver})
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Checkout 将 Pending 购物车转为 Processing 并返回队列号。
// 所有不合格的行一次性报告，拒绝时不做任何修改。
func (s *Service) Checkout(ctx context.Context, orderID uint) (int, error) {
	unlock, err := s.lockCartAndQueue(ctx, orderID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	pre, err := findOrder(s.db.WithContext(ctx), orderID)
	if err != nil {
		return 0, err
	}
	prio, err := s.isPriority(ctx, pre.UserID)
	if err != nil {
		return 0, err
	}

	var o *model.Order
	var n int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = findOrderWithItems(tx, orderID); err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return apperr.InvalidTransition(o.ID, "checkout", string(o.Status))
		}
		if err := checkItems(tx, o); err != nil {
			return err
		}

		if n, err = s.registry.Insert(tx, o, prio, s.clock.Now()); err != nil {
			return err
		}
		o.Status = model.OrderProcessing
		return setOrder(tx, o.ID, map[string]any{"status": o.Status})
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "queue_number": n, "priority": prio}).Info("order checked out")
	s.publish(ctx, events.OrderCheckedOut, o)
	return n, nil
}

// checkItems 结算前校验：订单非空，且每一行都可下单、不超限额、不超库存。
// 所有违规一次性返回。
func checkItems(tx *gorm.DB, o *model.Order) error {
	if len(o.Items) == 0 {
		return apperr.Precondition(apperr.ReasonEmptyOrder, "order", o.ID, "order has no items")
	}
	var vs []apperr.Violation
	for _, it := range o.Items {
		lineVs, err := lineViolations(tx, it.MedicineID, it.Quantity)
		if err != nil {
			return err
		}
		vs = append(vs, lineVs...)
	}
	if len(vs) == 0 {
		return nil
	}
	return &apperr.Error{
		Kind:       apperr.KindPrecondition,
		Reason:     vs[0].Reason,
		Entity:     "order",
		ID:         o.ID,
		Msg:        fmt.Sprintf("%d line item violation(s)", len(vs)),
		Violations: vs,
	}
}

// Ship 按 FEFO 扣减每一行并将订单移出队列，订单必须位于队首。
// 库存、队列、状态要么一起变更，要么都不变；已扣过库存的订单（发货、完成后重开）不会重复扣减。
func (s *Service) Ship(ctx context.Context, orderID uint, driver string) (*model.Order, error) {
	driver = normalizeDriver(driver)
	if driver != "" {
		if err := s.checkDriver(orderID, driver); err != nil {
			return nil, err
		}
	}

	unlock, err := s.lockCartAndQueue(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 离开 Pending 后订单行不再变化；持有购物车锁保证此前也不会被修改
	pre, err := findOrderWithItems(s.db.WithContext(ctx), orderID)
	if err != nil {
		return nil, err
	}
	unlockMeds, err := lock.All(ctx, s.locker, medicineKeys(pre.Items)...)
	if err != nil {
		return nil, err
	}
	defer unlockMeds()

	var o *model.Order
	var dispensed []model.Dispensation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = findOrderWithItems(tx, orderID); err != nil {
			return err
		}
		if o.Status != model.OrderProcessing {
			return apperr.InvalidTransition(o.ID, "ship", string(o.Status))
		}
		if driver == "" {
			driver = o.Driver
		}
		if driver == "" {
			return apperr.Precondition(apperr.ReasonDriverRequired, "order", o.ID, "assign a driver before shipping")
		}

		headID, headNo, ok, err := s.registry.Head(tx)
		if err != nil {
			return err
		}
		if !ok || headID != o.ID {
			return &apperr.Error{
				Kind:      apperr.KindPrecondition,
				Reason:    apperr.ReasonOutOfOrder,
				Entity:    "order",
				ID:        o.ID,
				RelatedID: headID,
				Msg:       fmt.Sprintf("order %d (queue number %d) must ship first", headID, headNo),
			}
		}

		var already int64
		if err := tx.Model(&model.Dispensation{}).Where("order_id = ?", o.ID).Count(&already).Error; err != nil {
			return fmt.Errorf("count dispensations: %w", err)
		}
		if already == 0 {
			if dispensed, err = s.dispense(tx, o); err != nil {
				return err
			}
		}

		if err := s.registry.Retire(tx, o); err != nil {
			return err
		}
		o.Status, o.Driver = model.OrderShipped, driver
		return setOrder(tx, o.ID, map[string]any{"status": o.Status, "driver": o.Driver})
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "driver": o.Driver, "draws": len(dispensed)}).Info("order shipped")
	s.publish(ctx, events.OrderShipped, o)
	return o, nil
}

// dispense 逐行扣减并写入扣减记录。
func (s *Service) dispense(tx *gorm.DB, o *model.Order) ([]model.Dispensation, error) {
	var rows []model.Dispensation
	for _, it := range o.Items {
		draws, err := s.allocator.AllocateTx(tx, it.MedicineID, it.Quantity)
		if err != nil {
			return nil, err
		}
		for _, d := range draws {
			rows = append(rows, model.Dispensation{
				OrderID:     o.ID,
				OrderItemID: it.ID,
				MedicineID:  it.MedicineID,
				BatchID:     d.BatchID,
				BatchNo:     d.BatchNo,
				Quantity:    d.Quantity,
			})
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := tx.Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("record dispensations: %w", err)
	}
	return rows, nil
}

func medicineKeys(items []model.OrderItem) []string {
	ids := make([]uint, 0, len(items))
	seen := make(map[uint]bool, len(items))
	for _, it := range items {
		if !seen[it.MedicineID] {
			seen[it.MedicineID] = true
			ids = append(ids, it.MedicineID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rediskey.MedicineLockKey(id)
	}
	return keys
}

func setOrder(tx *gorm.DB, id uint, updates map[string]any) error {
	if err := tx.Model(&model.Order{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update order %d: %w", id, err)
	}
	return nil
}

// Complete 完成已发货订单。
func (s *Service) Complete(ctx context.Context, orderID uint) (*model.Order, error) {
	now := s.clock.Now()
	o, err := s.guardedUpdate(ctx, orderID, "complete",
		[]model.OrderStatus{model.OrderShipped},
		map[string]any{"status": model.OrderCompleted, "completed_at": now})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.OrderCompleted, o)
	return o, nil
}

// Archive 将已完成订单从作业列表隐藏，不影响队列和库存，可重复归档。
func (s *Service) Archive(ctx context.Context, orderID uint) (*model.Order, error) {
	o, err := s.guardedUpdate(ctx, orderID, "archive",
		[]model.OrderStatus{model.OrderCompleted},
		map[string]any{"is_archived": true})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.OrderArchived, o)
	return o, nil
}

// guardedUpdate 仅当订单状态属于 from 时才更新。
func (s *Service) guardedUpdate(ctx context.Context, orderID uint, action string, from []model.OrderStatus, updates map[string]any) (*model.Order, error) {
	var o *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).Where("id = ? AND status IN ?", orderID, from).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("%s order %d: %w", action, orderID, res.Error)
		}
		var err error
		if o, err = findOrder(tx, orderID); err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return apperr.InvalidTransition(o.ID, action, string(o.Status))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel 取消 Pending 或 Processing 订单，并释放队列号。
func (s *Service) Cancel(ctx context.Context, orderID uint) (*model.Order, error) {
	unlock, err := s.lockCartAndQueue(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var o *model.Order
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = findOrder(tx, orderID); err != nil {
			return err
		}
		if o.Status != model.OrderPending && o.Status != model.OrderProcessing {
			return apperr.InvalidTransition(o.ID, "cancel", string(o.Status))
		}
		if o.Queued() {
			if err := s.registry.Retire(tx, o); err != nil {
				return err
			}
		}
		o.Status = model.OrderCancelled
		return setOrder(tx, o.ID, map[string]any{"status": o.Status})
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("order_id", o.ID).Info("order cancelled")
	s.publish(ctx, events.OrderCancelled, o)
	return o, nil
}

// Reopen 将已完成或已取消的订单按用户当前优先级重新入队，已扣减的库存不退回。
func (s *Service) Reopen(ctx context.Context, orderID uint) (int, error) {
	unlock, err := s.lockCartAndQueue(ctx, orderID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	pre, err := findOrder(s.db.WithContext(ctx), orderID)
	if err != nil {
		return 0, err
	}
	prio, err := s.isPriority(ctx, pre.UserID)
	if err != nil {
		return 0, err
	}

	var o *model.Order
	var n int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = findOrderWithItems(tx, orderID); err != nil {
			return err
		}
		if o.Status != model.OrderCompleted && o.Status != model.OrderCancelled {
			return apperr.InvalidTransition(o.ID, "reopen", string(o.Status))
		}
		// 购物车阶段取消的订单从未通过结算校验，重开前补做一次
		if o.QueuedAt == nil {
			if err := checkItems(tx, o); err != nil {
				return err
			}
		}
		if n, err = s.registry.Insert(tx, o, prio, s.clock.Now()); err != nil {
			return err
		}
		o.Status, o.IsArchived, o.CompletedAt = model.OrderProcessing, false, nil
		return setOrder(tx, o.ID, map[string]any{
			"status":       o.Status,
			"is_archived":  false,
			"completed_at": nil,
		})
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "queue_number": n, "priority": prio}).Info("order reopened")
	s.publish(ctx, events.OrderReopened, o)
	return n, nil
}
