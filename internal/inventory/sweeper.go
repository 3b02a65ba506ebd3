package inventory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper 定时归档过期批次。
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	log      logrus.FieldLogger
	// OnSwept 接收库存变化的药品，例如用于清理库存缓存
	OnSwept func(ctx context.Context, medicineIDs []uint)
}

func NewSweeper(ledger *Ledger, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{ledger: ledger, interval: interval, log: log}
}

// Run 启动时先清理一次，之后每个 interval 执行，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	ids, err := s.ledger.SweepExpired(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.WithError(err).Error("expiry sweep")
	}
	if len(ids) > 0 && s.OnSwept != nil {
		s.OnSwept(ctx, ids)
	}
}
