// Package order 订单状态机：Pending → Processing → Shipped → Completed，另有取消与重开。
// 队列登记表和 FEFO 分配器只由本包调用。
//
// 加锁顺序（由外到内）：购物车（按用户）、队列、药品（按 ID 升序）。
// 先加锁再开事务，事务内只使用 tx，不访问根 DB。
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mediserve/internal/apperr"
	"mediserve/internal/clock"
	"mediserve/internal/config"
	"mediserve/internal/events"
	"mediserve/internal/identity"
	"mediserve/internal/inventory"
	"mediserve/internal/lock"
	"mediserve/internal/model"
	"mediserve/internal/queue"
	rediskey "mediserve/pkg/redis"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps Service 的依赖；Clock、Events、Log 缺省时分别使用系统时钟、Nop 和标准 logger。
type Deps struct {
	DB        *gorm.DB
	Locker    lock.Locker
	Registry  *queue.Registry
	Allocator *inventory.Allocator
	Priority  identity.PriorityLookup
	Clock     clock.Clock
	Events    events.Publisher
	Log       logrus.FieldLogger
	// 配送员名单，为空时接受任意名字
	Drivers []string
}

type Service struct {
	db        *gorm.DB
	locker    lock.Locker
	registry  *queue.Registry
	allocator *inventory.Allocator
	priority  identity.PriorityLookup
	clock     clock.Clock
	events    events.Publisher
	log       logrus.FieldLogger
	drivers   map[string]struct{}
	validate  *validator.Validate
}

func NewService(d Deps) *Service {
	s := &Service{
		db:        d.DB,
		locker:    d.Locker,
		registry:  d.Registry,
		allocator: d.Allocator,
		priority:  d.Priority,
		clock:     d.Clock,
		events:    d.Events,
		log:       d.Log,
		validate:  validator.New(),
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.registry == nil {
		s.registry = queue.NewRegistry(d.Locker)
	}
	if s.allocator == nil {
		s.allocator = inventory.NewAllocator(d.DB, d.Locker)
	}
	if len(d.Drivers) > 0 {
		s.drivers = make(map[string]struct{}, len(d.Drivers))
		for _, name := range d.Drivers {
			s.drivers[name] = struct{}{}
		}
	}
	return s
}

func findOrder(tx *gorm.DB, id uint) (*model.Order, error) {
	var o model.Order
	if err := tx.First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order", id)
		}
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return &o, nil
}

func findOrderWithItems(tx *gorm.DB, id uint) (*model.Order, error) {
	var o model.Order
	err := tx.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("medicine_id ASC") }).
		First(&o, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order", id)
		}
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return &o, nil
}

// lockCart 读取订单所属用户并获取其购物车锁。
func (s *Service) lockCart(ctx context.Context, orderID uint) (func(), error) {
	o, err := findOrder(s.db.WithContext(ctx), orderID)
	if err != nil {
		return nil, err
	}
	return s.locker.Lock(ctx, rediskey.CartLockKey(o.UserID))
}

// lockCartAndQueue 先购物车锁，再队列锁。
func (s *Service) lockCartAndQueue(ctx context.Context, orderID uint) (func(), error) {
	unlockCart, err := s.lockCart(ctx, orderID)
	if err != nil {
		return nil, err
	}
	unlockQueue, err := s.registry.Lock(ctx)
	if err != nil {
		unlockCart()
		return nil, err
	}
	return func() {
		unlockQueue()
		unlockCart()
	}, nil
}

// isPriority 查询用户优先级；用户不存在时视为普通用户。
func (s *Service) isPriority(ctx context.Context, userID uint) (bool, error) {
	ok, err := s.priority.IsPriorityUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("priority of user %d: %w", userID, err)
	}
	return ok, nil
}

func (s *Service) checkDriver(orderID uint, driver string) error {
	if s.drivers == nil {
		return nil
	}
	if _, ok := s.drivers[driver]; !ok {
		return apperr.Precondition(apperr.ReasonUnknownDriver, "order", orderID,
			fmt.Sprintf("driver %q is not on the roster", driver))
	}
	return nil
}

// publish 在提交后执行，失败只记录日志，不返回错误。
func (s *Service) publish(ctx context.Context, t events.Type, o *model.Order) {
	ev := events.New(t, o, s.clock.Now())
	if err := s.events.Publish(ctx, ev); err != nil {
		config.LogError(s.log, "order", "publish", string(t), map[string]any{"order_id": o.ID, "event_id": ev.EventID}, err)
	}
}

func normalizeDriver(driver string) string { return strings.TrimSpace(driver) }
