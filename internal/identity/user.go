package identity

import (
	"strings"
	"time"
)

// User is a local account. Admin grants override authority over every
// deck, including shared ones.
type User struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	Admin        bool      `gorm:"column:is_admin;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// normalize canonicalizes a username: usernames are case-insensitive
// and stored lowercased.
func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
