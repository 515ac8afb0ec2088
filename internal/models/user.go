package models

import "time"

// User mirrors the identity system's users table. This service only reads it.
type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username  string    `gorm:"type:varchar(64);index" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// DisplayName is what other participants see for this user.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}
