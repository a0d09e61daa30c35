package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	maxMessageContentLen = 10000 // 10K characters
	maxAttachments       = 10
	maxMessageIDLen      = 64
	defaultPageSize      = 50
	maxPageSize          = 100
	defaultEditWindow    = 15 * time.Minute
)

// MessageService provides the per-chat message log.
type MessageService struct {
	msgRepo    repository.MessageRepository
	chats      *ChatService
	editWindow time.Duration
	now        func() time.Time
}

// AppendInput is the input for appending a message. ID is optional; a
// client-generated id makes retries idempotent.
type AppendInput struct {
	ID          string
	ChatID      string
	SenderID    string
	Content     string
	Attachments []models.Attachment
	Type        models.MessageType
	ReplyTo     *string
}

// AppendResult is the outcome of Append. Created is false when an earlier
// attempt with the same id already stored the message.
type AppendResult struct {
	Message    *models.Message
	Chat       *models.Chat
	Recipients []string
	Created    bool
}

// Page selects a window of history ending just before the Before message.
type Page struct {
	Before string
	Limit  int
}

// StatusChange reports a message whose aggregate status moved forward.
type StatusChange struct {
	MessageID string               `json:"messageId"`
	ChatID    string               `json:"chatId"`
	SenderID  string               `json:"senderId"`
	Status    models.MessageStatus `json:"status"`
}

// NewMessageService returns a new MessageService.
func NewMessageService(msgRepo repository.MessageRepository, chats *ChatService, editWindow time.Duration) *MessageService {
	if editWindow <= 0 {
		editWindow = defaultEditWindow
	}
	return &MessageService{
		msgRepo:    msgRepo,
		chats:      chats,
		editWindow: editWindow,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Append validates and stores a user message.
func (s *MessageService) Append(ctx context.Context, in AppendInput) (*AppendResult, error) {
	if in.Type == models.MessageTypeSystem {
		return nil, models.NewValidationError("System messages cannot be sent by users")
	}
	return s.append(ctx, in)
}

// AppendSystem stores a system message such as a membership notice.
func (s *MessageService) AppendSystem(ctx context.Context, chatID, actorID, content string) (*AppendResult, error) {
	return s.append(ctx, AppendInput{
		ChatID:   chatID,
		SenderID: actorID,
		Content:  content,
		Type:     models.MessageTypeSystem,
	})
}

func (s *MessageService) append(ctx context.Context, in AppendInput) (*AppendResult, error) {
	chat, err := s.chats.GetChat(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if chat.Status == models.ChatStatusDeleted {
		return nil, models.NewNotFoundError("Chat", in.ChatID)
	}
	if in.Type != models.MessageTypeSystem && !chat.HasParticipant(in.SenderID) {
		return nil, models.NewForbiddenError("You are not a participant in this chat")
	}
	if !chat.IsActive() {
		return nil, models.NewValidationError("Chat is archived")
	}

	if in.ID != "" {
		if len(in.ID) > maxMessageIDLen {
			return nil, models.NewValidationError("Message id too long")
		}
		existing, err := s.msgRepo.GetByID(ctx, in.ID)
		switch {
		case err == nil:
			if existing.SenderID != in.SenderID || existing.ChatID != in.ChatID {
				return nil, models.NewConflictError("Message id already used")
			}
			return &AppendResult{Message: existing, Chat: chat, Created: false}, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, storageErr("append message", "Message", in.ID, err)
		}
	}

	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, models.NewValidationError("Message content is required")
	}
	if utf8.RuneCountInString(in.Content) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}
	attachments, err := validAttachments(in.Attachments)
	if err != nil {
		return nil, err
	}

	msgType := in.Type
	if msgType == "" {
		msgType = inferType(attachments)
	}
	if !msgType.Valid() {
		return nil, models.NewValidationError("Unknown message type: " + string(msgType))
	}

	if in.ReplyTo != nil && *in.ReplyTo != "" {
		parent, err := s.msgRepo.GetByID(ctx, *in.ReplyTo)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, models.NewValidationError("Reply target does not exist")
			}
			return nil, storageErr("append message", "Message", *in.ReplyTo, err)
		}
		if parent.ChatID != in.ChatID {
			return nil, models.NewValidationError("Reply target belongs to another chat")
		}
	} else {
		in.ReplyTo = nil
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	recipients := make([]string, 0, len(chat.Members))
	for _, uid := range chat.ParticipantIDs() {
		if uid != in.SenderID {
			recipients = append(recipients, uid)
		}
	}

	msg := &models.Message{
		ID:          id,
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		Type:        msgType,
		Status:      models.MessageStatusSent,
		ReplyTo:     in.ReplyTo,
		CreatedAt:   s.now(),
		Attachments: attachments,
	}
	if err := s.msgRepo.Create(ctx, msg, recipients); err != nil {
		// A concurrent retry with the same id may have won.
		if in.ID != "" {
			if existing, getErr := s.msgRepo.GetByID(ctx, in.ID); getErr == nil && existing.SenderID == in.SenderID {
				return &AppendResult{Message: existing, Chat: chat, Created: false}, nil
			}
		}
		return nil, storageErr("append message", "Message", id, err)
	}

	if err := s.chats.chatRepo.TouchActivity(ctx, chat.ID, msg.ID, msg.CreatedAt); err != nil {
		return nil, storageErr("append message", "Chat", chat.ID, err)
	}
	chat.LastMessageID = &msg.ID
	chat.LastActivityAt = msg.CreatedAt

	observability.MessageThroughput.WithLabelValues(string(msg.Type)).Inc()
	return &AppendResult{Message: msg, Chat: chat, Recipients: recipients, Created: true}, nil
}

// ListByChat returns a page of history in ascending order for a participant.
// Deleted messages keep their slot with content redacted.
func (s *MessageService) ListByChat(ctx context.Context, viewerID, chatID string, page Page) ([]*models.Message, error) {
	if _, err := s.chats.GetChatForUser(ctx, chatID, viewerID); err != nil {
		return nil, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var beforeSeq int64
	if page.Before != "" {
		cursor, err := s.msgRepo.GetByID(ctx, page.Before)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, models.NewValidationError("Unknown cursor")
			}
			return nil, storageErr("list messages", "Message", page.Before, err)
		}
		if cursor.ChatID != chatID {
			return nil, models.NewValidationError("Cursor belongs to another chat")
		}
		beforeSeq = cursor.Seq
	}

	messages, err := s.msgRepo.ListByChat(ctx, chatID, beforeSeq, limit)
	if err != nil {
		return nil, storageErr("list messages", "Chat", chatID, err)
	}
	for _, m := range messages {
		m.Redact()
	}
	return messages, nil
}

// MarkDelivered records that userID received messageIDs (all of the chat when nil).
func (s *MessageService) MarkDelivered(ctx context.Context, chatID string, messageIDs []string, userID string) ([]StatusChange, error) {
	return s.promote(ctx, chatID, messageIDs, userID, models.MessageStatusDelivered)
}

// MarkRead records that userID read messageIDs (all of the chat when nil).
func (s *MessageService) MarkRead(ctx context.Context, chatID string, messageIDs []string, userID string) ([]StatusChange, error) {
	return s.promote(ctx, chatID, messageIDs, userID, models.MessageStatusRead)
}

// promote moves userID's receipts forward and recomputes the aggregate
// status of the affected messages as the minimum over their recipients.
func (s *MessageService) promote(ctx context.Context, chatID string, messageIDs []string, userID string, status models.MessageStatus) ([]StatusChange, error) {
	if _, err := s.chats.GetChatForUser(ctx, chatID, userID); err != nil {
		return nil, err
	}
	changed, err := s.msgRepo.PromoteReceipts(ctx, chatID, messageIDs, userID, status)
	if err != nil {
		return nil, storageErr("update receipts", "Chat", chatID, err)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	messages, err := s.msgRepo.ListByIDs(ctx, chatID, changed)
	if err != nil {
		return nil, storageErr("update receipts", "Chat", chatID, err)
	}
	receipts, err := s.msgRepo.Receipts(ctx, changed)
	if err != nil {
		return nil, storageErr("update receipts", "Chat", chatID, err)
	}

	var out []StatusChange
	for _, m := range messages {
		rs := receipts[m.ID]
		statuses := make([]models.MessageStatus, 0, len(rs))
		for _, r := range rs {
			statuses = append(statuses, r.Status)
		}
		agg := models.MinStatus(statuses)
		if !m.Status.Promotes(agg) {
			continue
		}
		if err := s.msgRepo.UpdateFields(ctx, m.ID, map[string]interface{}{"status": agg}); err != nil {
			return nil, storageErr("update receipts", "Message", m.ID, err)
		}
		out = append(out, StatusChange{MessageID: m.ID, ChatID: chatID, SenderID: m.SenderID, Status: agg})
	}
	return out, nil
}

// Edit replaces the content of actorID's own message inside the edit window.
func (s *MessageService) Edit(ctx context.Context, actorID, messageID, content string) (*models.Message, error) {
	msg, err := s.ownMessage(ctx, actorID, messageID)
	if errors.Is(err, errAlreadyDeleted) {
		return nil, models.NewValidationError("Deleted messages cannot be edited")
	}
	if err != nil {
		return nil, err
	}
	if msg.Type == models.MessageTypeSystem {
		return nil, models.NewValidationError("System messages cannot be edited")
	}
	if s.now().Sub(msg.CreatedAt) > s.editWindow {
		return nil, models.NewForbiddenError("Edit window has passed")
	}
	if strings.TrimSpace(content) == "" && len(msg.Attachments) == 0 {
		return nil, models.NewValidationError("Message content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}
	if content == msg.Content {
		return msg, nil
	}

	now := s.now()
	if err := s.msgRepo.UpdateFields(ctx, messageID, map[string]interface{}{
		"content":   content,
		"edited":    true,
		"edited_at": now,
	}); err != nil {
		return nil, storageErr("edit message", "Message", messageID, err)
	}
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &now
	return msg, nil
}

// SoftDelete marks actorID's own message deleted. The slot stays in the log.
// It reports whether the message was newly deleted.
func (s *MessageService) SoftDelete(ctx context.Context, actorID, messageID string) (*models.Message, bool, error) {
	msg, err := s.ownMessage(ctx, actorID, messageID)
	if err != nil {
		if errors.Is(err, errAlreadyDeleted) {
			msg.Redact()
			return msg, false, nil
		}
		return nil, false, err
	}
	now := s.now()
	if err := s.msgRepo.UpdateFields(ctx, messageID, map[string]interface{}{
		"deleted_at": now,
		"content":    "",
	}); err != nil {
		return nil, false, storageErr("delete message", "Message", messageID, err)
	}
	msg.DeletedAt = &now
	msg.Redact()
	return msg, true, nil
}

var errAlreadyDeleted = errors.New("message already deleted")

// ownMessage loads messageID for its sender. A deleted message is returned
// together with errAlreadyDeleted.
func (s *MessageService) ownMessage(ctx context.Context, actorID, messageID string) (*models.Message, error) {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, storageErr("load message", "Message", messageID, err)
	}
	if _, err := s.chats.GetChatForUser(ctx, msg.ChatID, actorID); err != nil {
		return nil, err
	}
	if msg.SenderID != actorID {
		return nil, models.NewForbiddenError("Only the sender can change this message")
	}
	if msg.IsDeleted() {
		return msg, errAlreadyDeleted
	}
	return msg, nil
}

func validAttachments(in []models.Attachment) ([]models.Attachment, error) {
	if len(in) > maxAttachments {
		return nil, models.NewValidationError("Too many attachments (max 10)")
	}
	out := make([]models.Attachment, 0, len(in))
	for _, a := range in {
		if strings.TrimSpace(a.URL) == "" {
			return nil, models.NewValidationError("Attachment URL is required")
		}
		if !models.IsSupportedMIMEType(a.MimeType) {
			return nil, models.NewValidationError("Unsupported attachment type: " + a.MimeType)
		}
		if a.Size < 0 {
			return nil, models.NewValidationError("Attachment size must not be negative")
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Type == "" {
			a.Type = attachmentKind(a.MimeType)
		}
		out = append(out, a)
	}
	return out, nil
}

func attachmentKind(mime string) string {
	if strings.HasPrefix(strings.ToLower(mime), "image/") {
		return string(models.MessageTypeImage)
	}
	return string(models.MessageTypeFile)
}

func inferType(attachments []models.Attachment) models.MessageType {
	if len(attachments) == 0 {
		return models.MessageTypeText
	}
	for _, a := range attachments {
		if attachmentKind(a.MimeType) != string(models.MessageTypeImage) {
			return models.MessageTypeFile
		}
	}
	return models.MessageTypeImage
}

// ChatIDFor returns the chat that owns messageID.
func (s *MessageService) ChatIDFor(ctx context.Context, messageID string) (string, error) {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return "", storageErr("load message", "Message", messageID, err)
	}
	return msg.ChatID, nil
}
