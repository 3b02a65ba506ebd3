// Package inventory 管理药品批次库存：入库、归档、过期清理与 FEFO 出库。
// quantity_available 只由本包写入。
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediserve/internal/apperr"
	"mediserve/internal/clock"
	"mediserve/internal/lock"
	"mediserve/internal/model"
	rediskey "mediserve/pkg/redis"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Ledger 记录每个批次的可用量与已发量。
type Ledger struct {
	db       *gorm.DB
	locker   lock.Locker
	clock    clock.Clock
	log      logrus.FieldLogger
	validate *validator.Validate
}

func NewLedger(db *gorm.DB, locker lock.Locker, clk clock.Clock, log logrus.FieldLogger) *Ledger {
	return &Ledger{db: db, locker: locker, clock: clk, log: log, validate: validator.New()}
}

// NewMedicineInput 新增药品的入参。
type NewMedicineInput struct {
	Name             string                 `validate:"required,max=255"`
	Brand            string                 `validate:"max=255"`
	Category         string                 `validate:"max=255"`
	PrescriptionType model.PrescriptionType `validate:"required,oneof=non_prescription prescription"`
	OrderLimit       model.OrderLimit       `validate:"required,oneof=3_days 1_week"`
}

func (l *Ledger) CreateMedicine(ctx context.Context, in NewMedicineInput) (*model.Medicine, error) {
	if err := l.validate.Struct(in); err != nil {
		return nil, apperr.Validation("invalid medicine", err)
	}
	m := &model.Medicine{
		Name:             in.Name,
		Brand:            in.Brand,
		Category:         in.Category,
		PrescriptionType: in.PrescriptionType,
		OrderLimit:       in.OrderLimit,
		Status:           model.Active,
	}
	if err := l.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("create medicine: %w", err)
	}
	return m, nil
}

func (l *Ledger) GetMedicine(ctx context.Context, id uint) (*model.Medicine, error) {
	return FindMedicine(l.db.WithContext(ctx), id)
}

// FindMedicine 在调用方事务中读取药品。
func FindMedicine(tx *gorm.DB, id uint) (*model.Medicine, error) {
	var m model.Medicine
	if err := tx.First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("medicine", id)
		}
		return nil, fmt.Errorf("load medicine %d: %w", id, err)
	}
	return &m, nil
}

// ReceiveInput 入库单，日期按 UTC 截断到天。
type ReceiveInput struct {
	MedicineID   uint      `validate:"required"`
	ExpiryDate   time.Time `validate:"required"`
	DateReceived time.Time `validate:"required"`
	Quantity     int       `validate:"required,min=1"`
}

// ReceiveBatch 新建批次并分配该药品的下一个批次号。
func (l *Ledger) ReceiveBatch(ctx context.Context, in ReceiveInput) (*model.Batch, error) {
	if err := l.validate.Struct(in); err != nil {
		return nil, apperr.Validation("invalid batch", err)
	}
	today := clock.Today(l.clock)
	received, expiry := clock.Date(in.DateReceived), clock.Date(in.ExpiryDate)
	switch {
	case received.After(today):
		return nil, apperr.Validation("date received is in the future", nil)
	case !expiry.After(received):
		return nil, apperr.Validation("expiry date must be after date received", nil)
	case !expiry.After(today):
		return nil, apperr.Validation("batch is already expired", nil)
	}

	unlock, err := l.locker.Lock(ctx, rediskey.MedicineLockKey(in.MedicineID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var b *model.Batch
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := FindMedicine(tx, in.MedicineID)
		if err != nil {
			return err
		}
		if m.Status != model.Active {
			return apperr.Precondition(apperr.ReasonArchived, "medicine", m.ID, "medicine is archived")
		}
		no := m.LastBatchNo + 1
		if err := tx.Model(m).Update("last_batch_no", no).Error; err != nil {
			return fmt.Errorf("advance batch counter: %w", err)
		}
		b = &model.Batch{
			MedicineID:        m.ID,
			BatchNo:           no,
			ExpiryDate:        expiry,
			DateReceived:      received,
			QuantityReceived:  in.Quantity,
			QuantityAvailable: in.Quantity,
			Status:            model.Active,
		}
		if err := tx.Create(b).Error; err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"medicine_id": b.MedicineID, "batch": b.Code(), "quantity": b.QuantityReceived}).
		Info("batch received")
	return b, nil
}

func (l *Ledger) GetBatch(ctx context.Context, batchID uint) (*model.Batch, error) {
	var b model.Batch
	if err := l.db.WithContext(ctx).First(&b, batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("batch", batchID)
		}
		return nil, fmt.Errorf("load batch %d: %w", batchID, err)
	}
	return &b, nil
}

// Batches 按 FEFO 顺序列出药品的全部批次（含已归档）。
func (l *Ledger) Batches(ctx context.Context, medicineID uint) ([]model.Batch, error) {
	var out []model.Batch
	err := l.db.WithContext(ctx).Where("medicine_id = ?", medicineID).
		Order("expiry_date ASC, batch_no ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

// TotalAvailable 汇总药品所有有效批次的可用量。
func (l *Ledger) TotalAvailable(ctx context.Context, medicineID uint) (int, error) {
	return TotalAvailable(l.db.WithContext(ctx), medicineID)
}

// TotalAvailable 事务内版本。
func TotalAvailable(tx *gorm.DB, medicineID uint) (int, error) {
	var total int
	err := tx.Model(&model.Batch{}).
		Where("medicine_id = ? AND status = ?", medicineID, model.Active).
		Select("COALESCE(SUM(quantity_available), 0)").
		Row().Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum stock of medicine %d: %w", medicineID, err)
	}
	return total, nil
}

// ArchiveBatch 归档后批次不再参与分配，重复归档无副作用。
func (l *Ledger) ArchiveBatch(ctx context.Context, batchID uint) error {
	b, err := l.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	unlock, err := l.locker.Lock(ctx, rediskey.MedicineLockKey(b.MedicineID))
	if err != nil {
		return err
	}
	defer unlock()
	return archiveBatches(l.db.WithContext(ctx), "id = ?", batchID)
}

// RestoreBatch 恢复已归档批次；已过期或药品已归档时拒绝。
func (l *Ledger) RestoreBatch(ctx context.Context, batchID uint) error {
	b, err := l.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !b.ExpiryDate.After(clock.Today(l.clock)) {
		return apperr.Precondition(apperr.ReasonExpired, "batch", b.ID, "batch has expired")
	}
	unlock, err := l.locker.Lock(ctx, rediskey.MedicineLockKey(b.MedicineID))
	if err != nil {
		return err
	}
	defer unlock()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := FindMedicine(tx, b.MedicineID)
		if err != nil {
			return err
		}
		if m.Status != model.Active {
			return apperr.Precondition(apperr.ReasonArchived, "medicine", m.ID, "medicine is archived")
		}
		return tx.Model(&model.Batch{}).Where("id = ?", batchID).Update("status", model.Active).Error
	})
}

// ArchiveMedicine 归档药品及其全部批次。
func (l *Ledger) ArchiveMedicine(ctx context.Context, medicineID uint) error {
	unlock, err := l.locker.Lock(ctx, rediskey.MedicineLockKey(medicineID))
	if err != nil {
		return err
	}
	defer unlock()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := FindMedicine(tx, medicineID)
		if err != nil {
			return err
		}
		if err := tx.Model(m).Update("status", model.Archived).Error; err != nil {
			return fmt.Errorf("archive medicine %d: %w", medicineID, err)
		}
		return archiveBatches(tx, "medicine_id = ?", medicineID)
	})
}

// RestoreMedicine 恢复药品，批次保持归档，需逐个恢复。
func (l *Ledger) RestoreMedicine(ctx context.Context, medicineID uint) error {
	res := l.db.WithContext(ctx).Model(&model.Medicine{}).Where("id = ?", medicineID).
		Update("status", model.Active)
	if res.Error != nil {
		return fmt.Errorf("restore medicine %d: %w", medicineID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("medicine", medicineID)
	}
	return nil
}

func archiveBatches(tx *gorm.DB, query string, args ...any) error {
	err := tx.Model(&model.Batch{}).
		Where(query, args...).
		Where("status = ?", model.Active).
		Update("status", model.Archived).Error
	if err != nil {
		return fmt.Errorf("archive batches: %w", err)
	}
	return nil
}

// ExpiringSoon 列出 windowDays 天内到期且仍有库存的有效批次。
func (l *Ledger) ExpiringSoon(ctx context.Context, windowDays int) ([]model.Batch, error) {
	today := clock.Today(l.clock)
	var batches []model.Batch
	err := l.db.WithContext(ctx).
		Where("status = ? AND quantity_available > 0 AND expiry_date > ? AND expiry_date <= ?",
			model.Active, today, today.AddDate(0, 0, windowDays)).
		Order("expiry_date ASC, medicine_id ASC, batch_no ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring batches: %w", err)
	}
	return batches, nil
}

// SweepExpired 归档所有已到期的有效批次，幂等；返回库存发生变化的药品。
func (l *Ledger) SweepExpired(ctx context.Context) ([]uint, error) {
	today := clock.Today(l.clock)
	var medicineIDs []uint
	err := l.db.WithContext(ctx).Model(&model.Batch{}).
		Where("status = ? AND expiry_date <= ?", model.Active, today).
		Distinct().Order("medicine_id").Pluck("medicine_id", &medicineIDs).Error
	if err != nil {
		return nil, fmt.Errorf("find expired batches: %w", err)
	}

	swept := make([]uint, 0, len(medicineIDs))
	for _, id := range medicineIDs {
		if err := l.sweepMedicine(ctx, id, today); err != nil {
			return swept, err
		}
		swept = append(swept, id)
	}
	if len(swept) > 0 {
		l.log.WithFields(logrus.Fields{"medicines": swept, "today": today.Format(time.DateOnly)}).
			Info("expired batches archived")
	}
	return swept, nil
}

func (l *Ledger) sweepMedicine(ctx context.Context, medicineID uint, today time.Time) error {
	unlock, err := l.locker.Lock(ctx, rediskey.MedicineLockKey(medicineID))
	if err != nil {
		return err
	}
	defer unlock()
	return archiveBatches(l.db.WithContext(ctx), "medicine_id = ? AND expiry_date <= ?", medicineID, today)
}
