// Package events 把订单状态变更发送到引擎外部：
// 事务提交后写入 Redis Stream outbox，再由 relay 异步转发到 Kafka。
package events

import (
	"fmt"
	"strconv"
	"time"

	"mediserve/internal/model"

	"github.com/google/uuid"
)

// Type 状态变更类型。
type Type string

const (
	OrderPlaced     Type = "order.placed"
	OrderCheckedOut Type = "order.checked_out"
	OrderShipped    Type = "order.shipped"
	OrderCompleted  Type = "order.completed"
	OrderCancelled  Type = "order.cancelled"
	OrderReopened   Type = "order.reopened"
	OrderArchived   Type = "order.archived"
	QueueRebuilt    Type = "queue.rebuilt"
)

// OrderEvent 是写入 Stream / Kafka 的订单状态变更事件。
type OrderEvent struct {
	EventID     string            `json:"event_id"`
	Type        Type              `json:"type"`
	OrderID     uint              `json:"order_id"`
	UserID      uint              `json:"user_id"`
	Status      model.OrderStatus `json:"status"`
	QueueNumber int               `json:"queue_number"` // 0 表示不在队列中
	Driver      string            `json:"driver,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// New 以状态变更后的订单生成事件。
func New(t Type, o *model.Order, at time.Time) OrderEvent {
	ev := OrderEvent{
		EventID:    uuid.NewString(),
		Type:       t,
		OrderID:    o.ID,
		UserID:     o.UserID,
		Status:     o.Status,
		Driver:     o.Driver,
		OccurredAt: at.UTC(),
	}
	if o.QueueNumber != nil {
		ev.QueueNumber = *o.QueueNumber
	}
	return ev
}

// Validate 做最小字段校验，防止 relay 转发脏消息。
func (e OrderEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.OrderID == 0 && e.Type != QueueRebuilt {
		return fmt.Errorf("order_id is required")
	}
	if e.QueueNumber < 0 {
		return fmt.Errorf("queue_number must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Values 写入 Stream 条目的扁平字段。
func (e OrderEvent) Values() map[string]any {
	return map[string]any{
		"event_id":     e.EventID,
		"type":         string(e.Type),
		"order_id":     strconv.FormatUint(uint64(e.OrderID), 10),
		"user_id":      strconv.FormatUint(uint64(e.UserID), 10),
		"status":       string(e.Status),
		"queue_number": strconv.Itoa(e.QueueNumber),
		"driver":       e.Driver,
		"occurred_at":  e.OccurredAt.Format(time.RFC3339Nano),
	}
}

func parseOrderEvent(values map[string]any) (OrderEvent, error) {
	fields := make(map[string]string, 8)
	for _, key := range []string{"event_id", "type", "order_id", "user_id", "status", "queue_number", "occurred_at"} {
		v, err := getStreamString(values, key)
		if err != nil {
			return OrderEvent{}, err
		}
		fields[key] = v
	}
	// 指派前 driver 为空，字段可能缺失
	driver, _ := getStreamString(values, "driver")

	orderID, err := strconv.ParseUint(fields["order_id"], 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid order_id %q", fields["order_id"])
	}
	userID, err := strconv.ParseUint(fields["user_id"], 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid user_id %q", fields["user_id"])
	}
	number, err := strconv.Atoi(fields["queue_number"])
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid queue_number %q", fields["queue_number"])
	}
	at, err := time.Parse(time.RFC3339Nano, fields["occurred_at"])
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid occurred_at %q", fields["occurred_at"])
	}

	ev := OrderEvent{
		EventID:     fields["event_id"],
		Type:        Type(fields["type"]),
		OrderID:     uint(orderID),
		UserID:      uint(userID),
		Status:      model.OrderStatus(fields["status"]),
		QueueNumber: number,
		Driver:      driver,
		OccurredAt:  at,
	}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
