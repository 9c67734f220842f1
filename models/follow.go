package models

import "time"

// Follow 关注关系，follower_id != followed_id
type Follow struct {
	FollowerID string    `gorm:"primaryKey;type:varchar(36)" json:"follower_id"`
	FollowedID string    `gorm:"primaryKey;type:varchar(36);index" json:"followed_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Follow) TableName() string { return "follows" }
