package events

import (
	"context"
	"fmt"
	"sync"

	rd "github.com/redis/go-redis/v9"
)

// Publisher 在状态变更提交后接收事件。
type Publisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// Nop 丢弃所有事件，未配置 Redis 时使用。
type Nop struct{}

func (Nop) Publish(context.Context, OrderEvent) error { return nil }

// StreamPublisher 将事件追加到 Redis Stream，由 Relay 转发到 Kafka。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *rd.Client, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev OrderEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	err := p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: ev.Values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Recorder 在内存中保存已发布的事件。
type Recorder struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (r *Recorder) Publish(_ context.Context, ev OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OrderEvent(nil), r.events...)
}

// Types 按发布顺序列出事件类型。
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
