package models

import "time"

// ConversationParticipant 会话成员（membership）
type ConversationParticipant struct {
	ConversationID string    `gorm:"primaryKey;type:varchar(36)" json:"conversation_id"`
	UserID         string    `gorm:"primaryKey;type:varchar(36);index" json:"user_id"` // 用户 ID
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`                  // 用户加入会话的时间
}

func (ConversationParticipant) TableName() string { return "conversation_participants" }
