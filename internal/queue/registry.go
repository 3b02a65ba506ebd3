package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"mediserve/internal/lock"
	"mediserve/internal/model"
	rediskey "mediserve/pkg/redis"

	"gorm.io/gorm"
)

// ErrAlreadyQueued 订单已持有队列号。每行只存一个队列号，再次插入前必须先 Retire。
var ErrAlreadyQueued = errors.New("order already queued")

// Registry 将 Line 持久化到 orders 表。Insert、Retire、Rebuild 会重排整个队列；
// 调用方持有 Lock 并传入事务，每次重排整体提交或回滚。
type Registry struct {
	locker lock.Locker
}

func NewRegistry(locker lock.Locker) *Registry {
	return &Registry{locker: locker}
}

// Lock 重排队列的唯一串行化入口。
func (r *Registry) Lock(ctx context.Context) (func(), error) {
	return r.locker.Lock(ctx, rediskey.QueueLockKey())
}

type queuedRow struct {
	ID            uint
	UserID        uint
	QueueNumber   int
	QueuePriority bool
	QueuedAt      *time.Time
}

func (r *Registry) load(tx *gorm.DB) (*Line, map[uint]int, error) {
	var rows []queuedRow
	err := tx.Model(&model.Order{}).
		Select("id", "user_id", "queue_number", "queue_priority", "queued_at").
		Where("queue_number IS NOT NULL").
		Order("queue_number ASC, id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load queue: %w", err)
	}
	entries := make([]Entry, len(rows))
	current := make(map[uint]int, len(rows))
	for i, row := range rows {
		entries[i] = Entry{OrderID: row.ID, Priority: row.QueuePriority}
		current[row.ID] = row.QueueNumber
	}
	return NewLine(entries), current, nil
}

// flush 只写入发生变化的队列号。
func (r *Registry) flush(tx *gorm.DB, line *Line, current map[uint]int) error {
	for id, n := range line.Numbers() {
		if current[id] == n {
			continue
		}
		if err := tx.Model(&model.Order{}).Where("id = ?", id).
			Update("queue_number", n).Error; err != nil {
			return fmt.Errorf("renumber order %d: %w", id, err)
		}
	}
	return nil
}

// Insert 按指定类别入队并返回队列号。
// QueuedAt 只在首次入队时写入，重开后保持不变。
func (r *Registry) Insert(tx *gorm.DB, order *model.Order, isPriority bool, now time.Time) (int, error) {
	line, current, err := r.load(tx)
	if err != nil {
		return 0, err
	}
	if _, ok := current[order.ID]; ok {
		return 0, fmt.Errorf("insert order %d: %w", order.ID, ErrAlreadyQueued)
	}
	n := line.Insert(Entry{OrderID: order.ID, Priority: isPriority})

	updates := map[string]any{"queue_priority": isPriority}
	if order.QueuedAt == nil {
		updates["queued_at"] = now
	}
	if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("queue order %d: %w", order.ID, err)
	}
	if err := r.flush(tx, line, current); err != nil {
		return 0, err
	}

	order.QueueNumber = &n
	order.QueuePriority = isPriority
	if order.QueuedAt == nil {
		order.QueuedAt = &now
	}
	return n, nil
}

// Retire 清除订单的队列号并补齐空位，不在队列中时无操作。
func (r *Registry) Retire(tx *gorm.DB, order *model.Order) error {
	line, current, err := r.load(tx)
	if err != nil {
		return err
	}
	if !line.Retire(order.ID) {
		order.QueueNumber = nil
		return nil
	}
	if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).
		Update("queue_number", nil).Error; err != nil {
		return fmt.Errorf("retire order %d: %w", order.ID, err)
	}
	delete(current, order.ID)
	if err := r.flush(tx, line, current); err != nil {
		return err
	}
	order.QueueNumber = nil
	return nil
}

// PositionOf 订单在队列中的名次（从 1 开始）。
func (r *Registry) PositionOf(tx *gorm.DB, orderID uint) (int, bool, error) {
	line, _, err := r.load(tx)
	if err != nil {
		return 0, false, err
	}
	n, ok := line.Position(orderID)
	return n, ok, nil
}

// HeadNumber 最小的队列号，空队列为 0。
func (r *Registry) HeadNumber(tx *gorm.DB) (int, error) {
	var head sql.NullInt64
	if err := tx.Model(&model.Order{}).
		Where("queue_number IS NOT NULL").
		Select("MIN(queue_number)").
		Row().Scan(&head); err != nil {
		return 0, fmt.Errorf("queue head: %w", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return int(head.Int64), nil
}

// Head 持有最小队列号的订单。
func (r *Registry) Head(tx *gorm.DB) (uint, int, bool, error) {
	var o model.Order
	err := tx.Select("id", "queue_number").
		Where("queue_number IS NOT NULL").
		Order("queue_number ASC, id ASC").
		Limit(1).
		Find(&o).Error
	if err != nil {
		return 0, 0, false, fmt.Errorf("queue head: %w", err)
	}
	if o.ID == 0 || o.QueueNumber == nil {
		return 0, 0, false, nil
	}
	return o.ID, *o.QueueNumber, true, nil
}

// Assignment 重排结果中的一行。
type Assignment struct {
	OrderID  uint `json:"order_id"`
	UserID   uint `json:"user_id"`
	Number   int  `json:"queue_number"`
	Priority bool `json:"priority"`
}

// Rebuild 从头重排所有 Processing 订单：优先用户在前，普通用户在后，同类按首次入队时间。
// 已结束的订单清除残留队列号。isPriority 反映用户当前的证件情况。
func (r *Registry) Rebuild(tx *gorm.DB, isPriority func(userID uint) bool, now time.Time) ([]Assignment, error) {
	var rows []queuedRow
	err := tx.Model(&model.Order{}).
		Select("id", "user_id", "queue_number", "queue_priority", "queued_at").
		Where("status = ?", model.OrderProcessing).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load processing orders: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := queuedTime(rows[i]), queuedTime(rows[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].ID < rows[j].ID
	})

	line := &Line{}
	users := make(map[uint]uint, len(rows))
	for _, row := range rows {
		line.Insert(Entry{OrderID: row.ID, Priority: isPriority(row.UserID)})
		users[row.ID] = row.UserID
	}

	if err := tx.Model(&model.Order{}).
		Where("status <> ? AND queue_number IS NOT NULL", model.OrderProcessing).
		Update("queue_number", nil).Error; err != nil {
		return nil, fmt.Errorf("clear finalized numbers: %w", err)
	}

	out := make([]Assignment, 0, line.Len())
	for i, e := range line.Entries() {
		n := i + 1
		updates := map[string]any{"queue_number": n, "queue_priority": e.Priority}
		if err := tx.Model(&model.Order{}).Where("id = ?", e.OrderID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("renumber order %d: %w", e.OrderID, err)
		}
		if err := tx.Model(&model.Order{}).Where("id = ? AND queued_at IS NULL", e.OrderID).
			Update("queued_at", now).Error; err != nil {
			return nil, fmt.Errorf("stamp order %d: %w", e.OrderID, err)
		}
		out = append(out, Assignment{OrderID: e.OrderID, UserID: users[e.OrderID], Number: n, Priority: e.Priority})
	}
	return out, nil
}

func queuedTime(row queuedRow) time.Time {
	if row.QueuedAt == nil {
		return time.Time{}
	}
	return *row.QueuedAt
}
