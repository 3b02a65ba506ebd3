package model

import "time"

// OrderStatus 订单状态机。
type OrderStatus string

const (
	OrderPending    OrderStatus = "Pending"
	OrderProcessing OrderStatus = "Processing"
	OrderShipped    OrderStatus = "Shipped"
	OrderCompleted  OrderStatus = "Completed"
	OrderCancelled  OrderStatus = "Cancelled"
)

// Order 履约订单，Pending 状态即用户的购物车。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint        `gorm:"not null;index" json:"user_id"`
	Status OrderStatus `gorm:"size:20;not null;default:Pending;index" json:"status"`

	// QueueNumber、QueuePriority、QueuedAt 只由队列登记表写入
	QueueNumber   *int       `gorm:"index" json:"queue_number"`
	QueuePriority bool       `gorm:"not null;default:false" json:"queue_priority"`
	QueuedAt      *time.Time `json:"queued_at"`

	Driver      string     `gorm:"size:255" json:"driver"`
	IsArchived  bool       `gorm:"not null;default:false;index" json:"is_archived"`
	CompletedAt *time.Time `json:"completed_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
}

func (Order) TableName() string { return "orders" }

// Queued 当前是否持有队列号。
func (o Order) Queued() bool { return o.QueueNumber != nil }

func (o Order) TotalQuantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// OrderItem 订单行，(OrderID, MedicineID) 唯一。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID        uint   `gorm:"not null;uniqueIndex:idx_order_items_order_medicine" json:"order_id"`
	MedicineID     uint   `gorm:"not null;uniqueIndex:idx_order_items_order_medicine" json:"medicine_id"`
	Quantity       int    `gorm:"not null;default:1" json:"quantity"`
	SpecialRequest string `gorm:"size:1024" json:"special_request"`
}

func (OrderItem) TableName() string { return "order_items" }
