package models

import (
	"strings"
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message. It only moves forward:
// sent -> delivered -> read. failed is reported to the sender only and never
// stored for an accepted message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders statuses for monotonic promotion.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// Promotes reports whether moving from s to next is a forward transition.
func (s MessageStatus) Promotes(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

// MinStatus returns the lowest status in statuses, or sent when empty.
func MinStatus(statuses []MessageStatus) MessageStatus {
	if len(statuses) == 0 {
		return MessageStatusSent
	}
	lowest := statuses[0]
	for _, s := range statuses[1:] {
		if s.Rank() < lowest.Rank() {
			lowest = s
		}
	}
	return lowest
}

// Message is one entry of a chat's append-only log.
type Message struct {
	ID       string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ChatID   string `gorm:"type:varchar(64);not null;uniqueIndex:idx_messages_chat_seq,priority:1" json:"chatId"`
	Seq      int64  `gorm:"not null;uniqueIndex:idx_messages_chat_seq,priority:2" json:"seq"`
	SenderID string `gorm:"type:varchar(64);not null;index" json:"senderId"`
	Content  string `gorm:"type:text" json:"content"`
	// Type and Status are stored as strings.
	Type      MessageType   `gorm:"type:varchar(16);not null" json:"type"`
	Status    MessageStatus `gorm:"type:varchar(16);not null" json:"status"`
	ReplyTo   *string       `gorm:"type:varchar(64)" json:"replyTo,omitempty"`
	Edited    bool          `json:"edited,omitempty"`
	EditedAt  *time.Time    `json:"editedAt,omitempty"`
	DeletedAt *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt time.Time     `json:"timestamp"`
	UpdatedAt time.Time     `json:"-"`

	Attachments []Attachment     `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
	Receipts    []MessageReceipt `gorm:"foreignKey:MessageID" json:"-"`
}

// IsDeleted reports whether the message was soft-deleted.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Redact clears content and attachments of a soft-deleted message in place.
// The slot (id, seq, timestamp) stays so cursors remain stable.
func (m *Message) Redact() {
	if !m.IsDeleted() {
		return
	}
	m.Content = ""
	m.Attachments = nil
}

// Attachment is a file reference owned by exactly one message.
type Attachment struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	MessageID    string    `gorm:"type:varchar(64);not null;index" json:"-"`
	URL          string    `gorm:"not null" json:"url"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	ThumbnailURL *string   `json:"thumbnailUrl,omitempty"`
	CreatedAt    time.Time `json:"-"`
}

var supportedMIMEPrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"text/",
	"application/pdf",
	"application/zip",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
}

// IsSupportedMIMEType reports whether attachments of the given MIME type are accepted.
func IsSupportedMIMEType(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	for _, prefix := range supportedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

// MessageReceipt tracks delivery state of one message for one recipient.
type MessageReceipt struct {
	MessageID string        `gorm:"primaryKey;type:varchar(64)" json:"messageId"`
	UserID    string        `gorm:"primaryKey;type:varchar(64);index" json:"userId"`
	Status    MessageStatus `gorm:"type:varchar(16);not null" json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
