// Package apperr 履约引擎统一的错误分类。
// 拒绝类错误携带 Kind、可选的 Reason 以及出错实体的 ID，文案由调用方决定。
package apperr

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindPrecondition
	KindInsufficientStock
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition_failed"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type Reason string

const (
	ReasonOutOfOrder        Reason = "out_of_order"
	ReasonDriverRequired    Reason = "driver_required"
	ReasonUnknownDriver     Reason = "unknown_driver"
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonEmptyOrder        Reason = "empty_order"
	ReasonUnorderable       Reason = "unorderable"
	ReasonOverOrderLimit    Reason = "over_order_limit"
	ReasonOverStock         Reason = "over_stock"
	ReasonExpired           Reason = "expired"
	ReasonArchived          Reason = "archived"
)

// Violation 指出一个违规实体，例如结算时不合格的订单行。
type Violation struct {
	Entity    string `json:"entity"`
	ID        uint   `json:"id"`
	Reason    Reason `json:"reason"`
	Requested int    `json:"requested,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type Error struct {
	Kind   Kind
	Reason Reason
	Entity string
	ID     uint
	// RelatedID 关联的另一个实体，例如必须先发货的队首订单。
	RelatedID  uint
	Msg        string
	Violations []Violation
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, ": %s %d", e.Entity, e.ID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Kind 匹配哨兵错误；目标设置了 Reason 时还需 Reason 相同。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrPrecondition      = &Error{Kind: KindPrecondition}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrOutOfOrder        = &Error{Kind: KindPrecondition, Reason: ReasonOutOfOrder}
	ErrInvalidTransition = &Error{Kind: KindPrecondition, Reason: ReasonInvalidTransition}
)

func Validation(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Err: err}
}

func NotFound(entity string, id uint) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func Precondition(reason Reason, entity string, id uint, msg string) *Error {
	return &Error{Kind: KindPrecondition, Reason: reason, Entity: entity, ID: id, Msg: msg}
}

// InvalidTransition 当前状态不允许该操作。
func InvalidTransition(orderID uint, action, from string) *Error {
	return &Error{
		Kind:   KindPrecondition,
		Reason: ReasonInvalidTransition,
		Entity: "order",
		ID:     orderID,
		Msg:    fmt.Sprintf("cannot %s from %s", action, from),
	}
}

func InsufficientStock(medicineID uint, requested, available int) *Error {
	return &Error{
		Kind:   KindInsufficientStock,
		Entity: "medicine",
		ID:     medicineID,
		Msg:    fmt.Sprintf("requested %d, available %d", requested, available),
		Violations: []Violation{{
			Entity: "medicine", ID: medicineID, Reason: ReasonOverStock,
			Requested: requested, Limit: available,
		}},
	}
}
