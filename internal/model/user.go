package model

import "time"

// User 引擎需要的账户信息：身份以及两种可获得优先排队的证件。
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email     string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	FirstName string `gorm:"size:100" json:"first_name"`
	LastName  string `gorm:"size:100" json:"last_name"`

	SeniorCitizenID *string `gorm:"size:255" json:"senior_citizen_id"`
	PWDID           *string `gorm:"size:255" json:"pwd_id"`
}

func (User) TableName() string { return "users" }

// IsPriority 持有老年证或残障证即为优先用户，空字符串视为未提交。
func (u User) IsPriority() bool {
	return hasDocument(u.SeniorCitizenID) || hasDocument(u.PWDID)
}

func hasDocument(ref *string) bool { return ref != nil && *ref != "" }
