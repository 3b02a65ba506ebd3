// Package identity 只回答引擎关心的一个问题：用户是否享有优先服务。
package identity

import (
	"context"
	"errors"
	"fmt"

	"mediserve/internal/apperr"
	"mediserve/internal/model"

	"gorm.io/gorm"
)

// PriorityLookup 供订单流程与队列重排使用。
type PriorityLookup interface {
	IsPriorityUser(ctx context.Context, userID uint) (bool, error)
}

// Directory 从用户表读取账户信息。
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory { return &Directory{db: db} }

var _ PriorityLookup = (*Directory)(nil)

func (d *Directory) IsPriorityUser(ctx context.Context, userID uint) (bool, error) {
	u, err := d.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsPriority(), nil
}

func (d *Directory) Get(ctx context.Context, userID uint) (*model.User, error) {
	var u model.User
	if err := d.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user", userID)
		}
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return &u, nil
}

// PriorityUsers 一次查询返回所有用户的优先级标记，表中不存在的用户视为普通用户。
func (d *Directory) PriorityUsers(ctx context.Context, userIDs []uint) (map[uint]bool, error) {
	out := make(map[uint]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var users []model.User
	if err := d.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u.IsPriority()
	}
	return out, nil
}

// Register 创建用户。账户管理不在引擎内，这里只用于初始化数据和测试。
func (d *Directory) Register(ctx context.Context, u *model.User) error {
	if u.Email == "" {
		return apperr.Validation("email is required", nil)
	}
	return d.db.WithContext(ctx).Create(u).Error
}

// SetDocuments 替换用户的优先证件，nil 或 "" 表示清除。
func (d *Directory) SetDocuments(ctx context.Context, userID uint, seniorCitizenID, pwdID *string) error {
	res := d.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).
		Updates(map[string]any{"senior_citizen_id": seniorCitizenID, "pwd_id": pwdID})
	if res.Error != nil {
		return fmt.Errorf("update documents: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user", userID)
	}
	return nil
}
