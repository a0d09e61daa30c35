package models

import (
	"strconv"
	"time"
)

// ChatType distinguishes one-to-one chats from named groups.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	return t == ChatTypeDirect || t == ChatTypeGroup
}

// ChatStatus is the lifecycle state of a chat. Chats are never hard-deleted.
type ChatStatus string

const (
	ChatStatusActive   ChatStatus = "active"
	ChatStatusArchived ChatStatus = "archived"
	ChatStatusDeleted  ChatStatus = "deleted"
)

// Valid reports whether s is a known chat status.
func (s ChatStatus) Valid() bool {
	switch s {
	case ChatStatusActive, ChatStatusArchived, ChatStatusDeleted:
		return true
	}
	return false
}

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Chat represents a direct or group conversation.
type Chat struct {
	ID        string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string     `json:"name"`
	Type      ChatType   `gorm:"type:varchar(16);not null;index" json:"type"`
	CreatedBy string     `gorm:"type:varchar(64);not null" json:"createdBy"`
	Status    ChatStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	// DirectKey is the sorted participant pair of a non-deleted direct chat.
	// NULL for groups and deleted chats so the unique index only covers live pairs.
	DirectKey      *string   `gorm:"type:varchar(160);uniqueIndex" json:"-"`
	LastMessageID  *string   `gorm:"type:varchar(64)" json:"-"`
	LastActivityAt time.Time `gorm:"index" json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	Members []ChatParticipant `gorm:"foreignKey:ChatID" json:"-"`

	// Viewer-relative fields, filled by the service layer.
	Participants []string `gorm:"-" json:"participants"`
	LastMessage  *Message `gorm:"-" json:"lastMessage,omitempty"`
	UnreadCount  int      `gorm:"-" json:"unreadCount"`
	TypingUsers  []string `gorm:"-" json:"typingUsers"`
	Labels       []string `gorm:"-" json:"labels,omitempty"`
}

// ChatParticipant is the membership row for one user in one chat. Unread
// counters and labels are tracked per viewer here.
type ChatParticipant struct {
	ChatID      string     `gorm:"primaryKey;type:varchar(64)" json:"chatId"`
	UserID      string     `gorm:"primaryKey;type:varchar(64);index" json:"userId"`
	Role        string     `gorm:"type:varchar(16)" json:"role"`
	UnreadCount int        `json:"unreadCount"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	Labels      []string   `gorm:"serializer:json" json:"labels,omitempty"`
	JoinedAt    time.Time  `gorm:"autoCreateTime" json:"joinedAt"`
}

// DirectKeyFor returns the order-independent key of a direct chat between a
// and b. The first id is length-prefixed so ids containing the separator
// cannot collide with another pair.
func DirectKeyFor(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + "|" + b
}

// ParticipantIDs returns the member ids in join order.
func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// Member returns the membership row for userID.
func (c *Chat) Member(userID string) (*ChatParticipant, bool) {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i], true
		}
	}
	return nil, false
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	_, ok := c.Member(userID)
	return ok
}

// IsActive reports whether the chat still accepts messages.
func (c *Chat) IsActive() bool {
	return c.Status == ChatStatusActive
}
