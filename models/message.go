package models

import "time"

type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);index:idx_messages_conversation_created" json:"conversation_id"`
	SenderID       string    `gorm:"type:varchar(36)" json:"sender_id"`
	Content        string    `gorm:"type:text" json:"content"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Before reports whether m sorts before other in (created_at, id) order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
