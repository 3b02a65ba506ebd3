package order

import (
	"context"
	"errors"
	"fmt"

	"mediserve/internal/apperr"
	"mediserve/internal/events"
	"mediserve/internal/inventory"
	"mediserve/internal/model"
	rediskey "mediserve/pkg/redis"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PlaceOrder 返回用户的 Pending 购物车，不存在时创建。
func (s *Service) PlaceOrder(ctx context.Context, userID uint) (*model.Order, error) {
	if userID == 0 {
		return nil, apperr.Validation("user id is required", nil)
	}
	unlock, err := s.locker.Lock(ctx, rediskey.CartLockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	db := s.db.WithContext(ctx)
	var cart model.Order
	err = db.Preload("Items").
		Where("user_id = ? AND status = ?", userID, model.OrderPending).
		Order("id ASC").Limit(1).Find(&cart).Error
	if err != nil {
		return nil, fmt.Errorf("find cart of user %d: %w", userID, err)
	}
	if cart.ID != 0 {
		return &cart, nil
	}

	cart = model.Order{UserID: userID, Status: model.OrderPending}
	if err := db.Create(&cart).Error; err != nil {
		return nil, fmt.Errorf("create cart of user %d: %w", userID, err)
	}
	s.publish(ctx, events.OrderPlaced, &cart)
	return &cart, nil
}

// AddItemInput 向 Pending 订单加入 Quantity 件药品。
type AddItemInput struct {
	OrderID    uint   `json:"order_id" validate:"required"`
	MedicineID uint   `json:"medicine_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"required,min=1"`
	Note       string `json:"note" validate:"max=1024"`
}

// AddItem 同一药品合并到已有订单行。这里只做提前校验，结算时会按当时库存重新校验。
func (s *Service) AddItem(ctx context.Context, in AddItemInput) (*model.OrderItem, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Validation("invalid item", err)
	}
	unlock, err := s.lockCart(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var item model.OrderItem
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := findOrder(tx, in.OrderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return apperr.InvalidTransition(o.ID, "add item", string(o.Status))
		}
		err = tx.Where("order_id = ? AND medicine_id = ?", o.ID, in.MedicineID).Limit(1).Find(&item).Error
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		qty := item.Quantity + in.Quantity
		if err := checkLine(tx, o.ID, in.MedicineID, qty); err != nil {
			return err
		}
		if item.ID == 0 {
			item = model.OrderItem{OrderID: o.ID, MedicineID: in.MedicineID}
		}
		item.Quantity = qty
		if in.Note != "" {
			item.SpecialRequest = in.Note
		}
		if err := tx.Save(&item).Error; err != nil {
			return fmt.Errorf("save item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"order_id": in.OrderID, "medicine_id": in.MedicineID, "quantity": item.Quantity}).
		Debug("item added")
	return &item, nil
}

// UpdateItem 修改订单行数量，qty <= 0 删除该行；删除时返回 nil。
func (s *Service) UpdateItem(ctx context.Context, orderID, medicineID uint, qty int) (*model.OrderItem, error) {
	if qty <= 0 {
		_, err := s.RemoveItem(ctx, orderID, medicineID)
		return nil, err
	}
	unlock, err := s.lockCart(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var item model.OrderItem
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := findOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return apperr.InvalidTransition(o.ID, "update item", string(o.Status))
		}
		if err := findItem(tx, orderID, medicineID, &item); err != nil {
			return err
		}
		if err := checkLine(tx, orderID, medicineID, qty); err != nil {
			return err
		}
		item.Quantity = qty
		return tx.Save(&item).Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// RemoveItem 删除订单行；删除最后一行时连同购物车一起删除，cartDeleted 为 true。
func (s *Service) RemoveItem(ctx context.Context, orderID, medicineID uint) (cartDeleted bool, err error) {
	unlock, err := s.lockCart(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := findOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return apperr.InvalidTransition(o.ID, "remove item", string(o.Status))
		}
		var item model.OrderItem
		if err := findItem(tx, orderID, medicineID, &item); err != nil {
			return err
		}
		if err := tx.Delete(&item).Error; err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		var left int64
		if err := tx.Model(&model.OrderItem{}).Where("order_id = ?", orderID).Count(&left).Error; err != nil {
			return fmt.Errorf("count items: %w", err)
		}
		if left > 0 {
			return nil
		}
		cartDeleted = true
		return deleteOrder(tx, o)
	})
	return cartDeleted, err
}

// deleteOrder 删除订单及其订单行。
func deleteOrder(tx *gorm.DB, o *model.Order) error {
	if err := tx.Where("order_id = ?", o.ID).Delete(&model.OrderItem{}).Error; err != nil {
		return fmt.Errorf("delete items of order %d: %w", o.ID, err)
	}
	if err := tx.Delete(o).Error; err != nil {
		return fmt.Errorf("delete order %d: %w", o.ID, err)
	}
	return nil
}

func findItem(tx *gorm.DB, orderID, medicineID uint, item *model.OrderItem) error {
	err := tx.Where("order_id = ? AND medicine_id = ?", orderID, medicineID).First(item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("order item", medicineID)
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	return nil
}

// checkLine 加购时按数量 qty 校验单行上限。
func checkLine(tx *gorm.DB, orderID, medicineID uint, qty int) error {
	vs, err := lineViolations(tx, medicineID, qty)
	if err != nil {
		return err
	}
	if len(vs) == 0 {
		return nil
	}
	return &apperr.Error{
		Kind:       apperr.KindPrecondition,
		Reason:     vs[0].Reason,
		Entity:     "order",
		ID:         orderID,
		Msg:        fmt.Sprintf("medicine %d cannot be ordered at quantity %d", medicineID, qty),
		Violations: vs,
	}
}

// lineViolations 列出单行的全部违规（可下单性、限额、库存）。
// 药品不可下单时只报告这一条。
func lineViolations(tx *gorm.DB, medicineID uint, qty int) ([]apperr.Violation, error) {
	m, err := inventory.FindMedicine(tx, medicineID)
	if err != nil {
		return nil, err
	}
	if !m.IsOrderable() {
		return []apperr.Violation{{Entity: "medicine", ID: m.ID, Reason: apperr.ReasonUnorderable, Requested: qty}}, nil
	}
	var vs []apperr.Violation
	if limit := m.MaxOrderQuantity(); qty > limit {
		vs = append(vs, apperr.Violation{Entity: "medicine", ID: m.ID, Reason: apperr.ReasonOverOrderLimit, Requested: qty, Limit: limit})
	}
	available, err := inventory.TotalAvailable(tx, m.ID)
	if err != nil {
		return nil, err
	}
	if qty > available {
		vs = append(vs, apperr.Violation{Entity: "medicine", ID: m.ID, Reason: apperr.ReasonOverStock, Requested: qty, Limit: available})
	}
	return vs, nil
}
