package models

import (
	"sort"
	"strings"
	"time"
)

// Conversation 私聊会话
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DirectKey *string   `gorm:"type:varchar(80);uniqueIndex" json:"direct_key,omitempty"` // 两个成员 id 排序后拼接，保证一对用户只有一个会话
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// DirectKey 生成私聊会话的唯一键，与参数顺序无关
func DirectKey(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// DirectKeyMembers 解析 DirectKey
func DirectKeyMembers(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// HasDirectMember reports whether userID is one of the two ids encoded in the key.
// Conversations without a key accept anyone.
func (c Conversation) HasDirectMember(userID string) bool {
	if c.DirectKey == nil || *c.DirectKey == "" {
		return true
	}
	a, b, ok := DirectKeyMembers(*c.DirectKey)
	return ok && (a == userID || b == userID)
}
