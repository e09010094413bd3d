package models

import (
	"time"

	"gorm.io/gorm"
)

// Privilege values. Exactly one per user.
const (
	PrivilegeUser = "user"
	PrivilegeGod  = "god"
)

// User represents an account. Passwords are stored as bcrypt hashes only.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Privilege    string    `gorm:"size:16;not null;default:'user'" json:"privilege"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Privilege == "" {
		u.Privilege = PrivilegeUser
	}
	return nil
}

// IsGod reports whether the user carries the elevated privilege.
func (u *User) IsGod() bool {
	return u.Privilege == PrivilegeGod
}
