package model

import "time"

// PrescriptionType 决定药品能否在线下单。
type PrescriptionType string

const (
	NonPrescription PrescriptionType = "non_prescription"
	Prescription    PrescriptionType = "prescription"
)

// OrderLimit 单笔订单可覆盖的用药周期。
type OrderLimit string

const (
	OrderLimit3Days OrderLimit = "3_days"
	OrderLimit1Week OrderLimit = "1_week"
)

// MaxQuantity 用药周期对应的单笔上限，未知取值为 0。
func (l OrderLimit) MaxQuantity() int {
	switch l {
	case OrderLimit3Days:
		return 3
	case OrderLimit1Week:
		return 7
	default:
		return 0
	}
}

// Lifecycle 药品与批次共用的状态。
type Lifecycle string

const (
	Active   Lifecycle = "active"
	Archived Lifecycle = "archived"
)

// Medicine 药品目录条目，Name/Brand/Category 仅用于展示。
type Medicine struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name             string           `gorm:"size:255;not null" json:"name"`
	Brand            string           `gorm:"size:255" json:"brand"`
	Category         string           `gorm:"size:255" json:"category"`
	PrescriptionType PrescriptionType `gorm:"size:32;not null;default:non_prescription" json:"prescription_type"`
	OrderLimit       OrderLimit       `gorm:"size:16;not null;default:3_days" json:"order_limit"`
	Status           Lifecycle        `gorm:"size:16;not null;default:active;index" json:"status"`
	// LastBatchNo 只增不减，归档批次的编号不会被复用。
	LastBatchNo int `gorm:"not null;default:0" json:"last_batch_no"`
}

func (Medicine) TableName() string { return "medicines" }

func (m Medicine) IsOrderable() bool {
	return m.PrescriptionType == NonPrescription && m.Status == Active
}

func (m Medicine) MaxOrderQuantity() int { return m.OrderLimit.MaxQuantity() }
