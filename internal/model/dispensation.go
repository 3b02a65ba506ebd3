package model

import "time"

// Dispensation 一次 FEFO 扣减记录：哪个批次、多少数量、给了哪一行。
type Dispensation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID     uint `gorm:"not null;index" json:"order_id"`
	OrderItemID uint `gorm:"not null;index" json:"order_item_id"`
	MedicineID  uint `gorm:"not null;index" json:"medicine_id"`
	BatchID     uint `gorm:"not null;index" json:"batch_id"`
	BatchNo     int  `gorm:"not null" json:"batch_no"`
	Quantity    int  `gorm:"not null" json:"quantity"`
}

func (Dispensation) TableName() string { return "dispensations" }
