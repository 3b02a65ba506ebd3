package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer 封装 Kafka 写入器。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者：
// - Hash + order_id 作 key：同一订单的事件落在同一分区，保证顺序。
// - RequireAll: 等待 ISR 副本确认。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条事件。EventID 放在 header 中，下游可据此对 relay 重试去重。
func (p *Producer) Publish(ctx context.Context, ev OrderEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(strconv.FormatUint(uint64(ev.OrderID), 10)),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(ev.EventID)}},
	})
}
