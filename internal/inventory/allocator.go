package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"mediserve/internal/apperr"
	"mediserve/internal/lock"
	"mediserve/internal/model"
	rediskey "mediserve/pkg/redis"

	"gorm.io/gorm"
)

// errStaleBatch 带条件的扣减没有命中任何行：计数在持锁期间被改动，正常情况下不会发生。
var errStaleBatch = errors.New("batch changed during allocation")

// Draw 从单个批次扣减的数量。
type Draw struct {
	BatchID  uint
	BatchNo  int
	Quantity int
}

// Allocator 按先到期先出（FEFO）扣减库存。
type Allocator struct {
	db     *gorm.DB
	locker lock.Locker
}

func NewAllocator(db *gorm.DB, locker lock.Locker) *Allocator {
	return &Allocator{db: db, locker: locker}
}

// Allocate 获取药品锁，在独立事务中扣减 qty。
func (a *Allocator) Allocate(ctx context.Context, medicineID uint, qty int) ([]Draw, error) {
	unlock, err := a.locker.Lock(ctx, rediskey.MedicineLockKey(medicineID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var draws []Draw
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		draws, err = a.AllocateTx(tx, medicineID, qty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return draws, nil
}

// AllocateTx 在调用方事务中扣减 qty，调用方需已持有药品锁。
// 库存不足时不写入任何数据。
func (a *Allocator) AllocateTx(tx *gorm.DB, medicineID uint, qty int) ([]Draw, error) {
	if qty < 0 {
		return nil, apperr.Validation("quantity must not be negative", nil)
	}
	if qty == 0 {
		return nil, nil
	}

	var batches []model.Batch
	err := tx.Where("medicine_id = ? AND status = ? AND quantity_available > 0", medicineID, model.Active).
		Order("expiry_date ASC, batch_no ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("load batches of medicine %d: %w", medicineID, err)
	}

	draws, err := Plan(medicineID, batches, qty)
	if err != nil {
		return nil, err
	}

	for _, d := range draws {
		res := tx.Model(&model.Batch{}).
			Where("id = ? AND quantity_available >= ?", d.BatchID, d.Quantity).
			Updates(map[string]any{
				"quantity_available": gorm.Expr("quantity_available - ?", d.Quantity),
				"quantity_dispensed": gorm.Expr("quantity_dispensed + ?", d.Quantity),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("deduct batch %d: %w", d.BatchID, res.Error)
		}
		if res.RowsAffected != 1 {
			return nil, fmt.Errorf("deduct batch %d: %w", d.BatchID, errStaleBatch)
		}
	}
	return draws, nil
}

// Plan 纯计算：按（到期日, 批次号）顺序选出扣减方案，跳过已归档和已耗尽的批次。
func Plan(medicineID uint, batches []model.Batch, qty int) ([]Draw, error) {
	usable := make([]model.Batch, 0, len(batches))
	total := 0
	for _, b := range batches {
		if b.Status != model.Active || b.QuantityAvailable <= 0 {
			continue
		}
		usable = append(usable, b)
		total += b.QuantityAvailable
	}
	if total < qty {
		return nil, apperr.InsufficientStock(medicineID, qty, total)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if !usable[i].ExpiryDate.Equal(usable[j].ExpiryDate) {
			return usable[i].ExpiryDate.Before(usable[j].ExpiryDate)
		}
		return usable[i].BatchNo < usable[j].BatchNo
	})

	var draws []Draw
	remaining := qty
	for _, b := range usable {
		if remaining == 0 {
			break
		}
		take := min(b.QuantityAvailable, remaining)
		draws = append(draws, Draw{BatchID: b.ID, BatchNo: b.BatchNo, Quantity: take})
		remaining -= take
	}
	return draws, nil
}
