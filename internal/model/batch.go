package model

import (
	"fmt"
	"time"
)

// Batch 药品的一次入库批次。
// 始终满足 QuantityAvailable + QuantityDispensed == QuantityReceived。
type Batch struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MedicineID uint `gorm:"not null;uniqueIndex:idx_batches_medicine_no" json:"medicine_id"`
	BatchNo    int  `gorm:"not null;uniqueIndex:idx_batches_medicine_no" json:"batch_no"`

	ExpiryDate   time.Time `gorm:"not null;index" json:"expiry_date"`
	DateReceived time.Time `gorm:"not null" json:"date_received"`

	QuantityReceived  int       `gorm:"not null" json:"quantity_received"`
	QuantityAvailable int       `gorm:"not null" json:"quantity_available"`
	QuantityDispensed int       `gorm:"not null;default:0" json:"quantity_dispensed"`
	Status            Lifecycle `gorm:"size:16;not null;default:active;index" json:"status"`
}

func (Batch) TableName() string { return "batches" }

// Code 对外展示的批次编号。
func (b Batch) Code() string { return fmt.Sprintf("B%04d", b.BatchNo) }

// DaysToExpiry 从 today（UTC 日期）到到期日的整天数。
func (b Batch) DaysToExpiry(today time.Time) int {
	return int(b.ExpiryDate.Sub(today).Hours() / 24)
}

// IsExpiringSoon 0 < 剩余天数 <= window。
func (b Batch) IsExpiringSoon(today time.Time, windowDays int) bool {
	d := b.DaysToExpiry(today)
	return d > 0 && d <= windowDays
}

// StockPercentage 剩余可用量占入库量的百分比。
func (b Batch) StockPercentage() float64 {
	if b.QuantityReceived == 0 {
		return 0
	}
	return float64(b.QuantityAvailable) / float64(b.QuantityReceived) * 100
}
