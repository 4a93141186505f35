package models

import "time"

// User is an authenticated storefront customer or operator.
type User struct {
	BaseModel
	Email           string     `gorm:"uniqueIndex" json:"email"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	PhoneVerifiedAt *time.Time `json:"phone_verified_at"`
	PasswordHash    string     `json:"-"`
	IsAdmin         bool       `json:"is_admin"`
	Orders          []Order    `json:"orders,omitempty"`
}
