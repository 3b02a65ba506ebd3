package order

import (
	"context"
	"fmt"

	"mediserve/internal/events"
	"mediserve/internal/model"
	"mediserve/internal/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func (s *Service) Get(ctx context.Context, orderID uint) (*model.Order, error) {
	return findOrderWithItems(s.db.WithContext(ctx), orderID)
}

// QueuePosition 订单在队列中的名次；不在队列中时 ok 为 false。
func (s *Service) QueuePosition(ctx context.Context, orderID uint) (int, bool, error) {
	db := s.db.WithContext(ctx)
	if _, err := findOrder(db, orderID); err != nil {
		return 0, false, err
	}
	return s.registry.PositionOf(db, orderID)
}

// HeadOfQueue 当前服务的队列号，队列为空时为 0。
func (s *Service) HeadOfQueue(ctx context.Context) (int, error) {
	return s.registry.HeadNumber(s.db.WithContext(ctx))
}

// ActiveOperations 员工作业列表：所有未归档且已离开购物车阶段的订单，排队中的按队列号在前。
func (s *Service) ActiveOperations(ctx context.Context) ([]model.Order, error) {
	var out []model.Order
	err := s.db.WithContext(ctx).Preload("Items").
		Where("is_archived = ? AND status <> ?", false, model.OrderPending).
		Order("queue_number IS NULL, queue_number ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return out, nil
}

// Dispensations 订单发货时的批次扣减记录。
func (s *Service) Dispensations(ctx context.Context, orderID uint) ([]model.Dispensation, error) {
	var out []model.Dispensation
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list dispensations of order %d: %w", orderID, err)
	}
	return out, nil
}

// batchLookup 可一次查询多个用户的优先级。
type batchLookup interface {
	PriorityUsers(ctx context.Context, userIDs []uint) (map[uint]bool, error)
}

func (s *Service) priorityOf(ctx context.Context, userIDs []uint) (map[uint]bool, error) {
	if bl, ok := s.priority.(batchLookup); ok {
		return bl.PriorityUsers(ctx, userIDs)
	}
	out := make(map[uint]bool, len(userIDs))
	for _, id := range userIDs {
		p, err := s.isPriority(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// RequeueAll 按当前优先级从头重排整个队列，用于证件变更或手工修数后修复编号。
func (s *Service) RequeueAll(ctx context.Context) ([]queue.Assignment, error) {
	unlock, err := s.registry.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var userIDs []uint
	err = s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ?", model.OrderProcessing).
		Distinct().Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("list queued users: %w", err)
	}
	prio, err := s.priorityOf(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	var out []queue.Assignment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.registry.Rebuild(tx, func(userID uint) bool { return prio[userID] }, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"queued": len(out)}).Info("queue rebuilt")

	ev := events.New(events.QueueRebuilt, &model.Order{}, s.clock.Now())
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).Warn("publish queue rebuild")
	}
	return out, nil
}
