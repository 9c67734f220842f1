package models

import (
	"time"
)

// User 用户模型
type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// Profile 对外展示的用户资料，只读
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Profile 转换为展示资料
func (u User) Profile() Profile {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return Profile{ID: u.ID, DisplayName: name, AvatarURL: u.AvatarURL}
}
