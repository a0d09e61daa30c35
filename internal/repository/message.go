package repository

import (
	"context"
	"time"

	"parley/internal/models"
	"parley/internal/observability"

	"gorm.io/gorm"
)

// MessageRepository defines the interface for message log and receipt operations
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message, recipients []string) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	ListByChat(ctx context.Context, chatID string, beforeSeq int64, limit int) ([]*models.Message, error)
	ListByIDs(ctx context.Context, chatID string, ids []string) ([]*models.Message, error)
	UpdateFields(ctx context.Context, messageID string, fields map[string]interface{}) error
	PromoteReceipts(ctx context.Context, chatID string, messageIDs []string, userID string, status models.MessageStatus) ([]string, error)
	Receipts(ctx context.Context, messageIDs []string) (map[string][]models.MessageReceipt, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create appends msg to its chat's log. Seq is assigned as one past the
// current tail and CreatedAt never precedes the tail's timestamp. Attachments
// and a "sent" receipt per recipient are written in the same transaction.
func (r *messageRepository) Create(ctx context.Context, msg *models.Message, recipients []string) error {
	defer observability.TrackQuery("create", "messages")()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tail models.Message
		err := tx.Select("seq", "created_at").
			Where("chat_id = ?", msg.ChatID).
			Order("seq DESC").
			Limit(1).
			Find(&tail).Error
		if err != nil {
			return err
		}

		msg.Seq = tail.Seq + 1
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if msg.CreatedAt.Before(tail.CreatedAt) {
			msg.CreatedAt = tail.CreatedAt
		}

		attachments := msg.Attachments
		if err := tx.Omit("Attachments", "Receipts").Create(msg).Error; err != nil {
			return err
		}
		for i := range attachments {
			attachments[i].MessageID = msg.ID
		}
		if len(attachments) > 0 {
			if err := tx.Create(&attachments).Error; err != nil {
				return err
			}
		}
		msg.Attachments = attachments

		if len(recipients) > 0 {
			receipts := make([]models.MessageReceipt, 0, len(recipients))
			for _, uid := range recipients {
				receipts = append(receipts, models.MessageReceipt{
					MessageID: msg.ID,
					UserID:    uid,
					Status:    models.MessageStatusSent,
					UpdatedAt: msg.CreatedAt,
				})
			}
			if err := tx.Create(&receipts).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	defer observability.TrackQuery("get", "messages")()
	var msg models.Message
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("id = ?", id).
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListByChat returns up to limit messages with seq below beforeSeq (or the
// newest ones when beforeSeq is 0), in ascending order.
func (r *messageRepository) ListByChat(ctx context.Context, chatID string, beforeSeq int64, limit int) ([]*models.Message, error) {
	defer observability.TrackQuery("list", "messages")()
	q := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("chat_id = ?", chatID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}

	var messages []*models.Message
	if err := q.Order("seq DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Fetched newest first to page backward; callers expect oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *messageRepository) ListByIDs(ctx context.Context, chatID string, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	defer observability.TrackQuery("list_ids", "messages")()
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("chat_id = ? AND id IN ?", chatID, ids).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

func (r *messageRepository) UpdateFields(ctx context.Context, messageID string, fields map[string]interface{}) error {
	defer observability.TrackQuery("update", "messages")()
	res := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", messageID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// PromoteReceipts moves userID's receipts in chatID forward to status. A nil
// messageIDs covers every message of the chat. Receipts already at or past
// status are left alone. It returns the ids of messages whose receipt changed.
func (r *messageRepository) PromoteReceipts(ctx context.Context, chatID string, messageIDs []string, userID string, status models.MessageStatus) ([]string, error) {
	if messageIDs != nil && len(messageIDs) == 0 {
		return nil, nil
	}
	defer observability.TrackQuery("promote", "message_receipts")()

	var lower []models.MessageStatus
	for _, s := range []models.MessageStatus{models.MessageStatusSent, models.MessageStatusDelivered} {
		if s.Promotes(status) {
			lower = append(lower, s)
		}
	}
	if len(lower) == 0 {
		return nil, nil
	}

	var changed []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inChat := tx.Model(&models.Message{}).Select("id").Where("chat_id = ?", chatID)
		q := tx.Model(&models.MessageReceipt{}).
			Where("user_id = ? AND status IN ?", userID, lower).
			Where("message_id IN (?)", inChat)
		if messageIDs != nil {
			q = q.Where("message_id IN ?", messageIDs)
		}
		if err := q.Order("message_id").Pluck("message_id", &changed).Error; err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		return tx.Model(&models.MessageReceipt{}).
			Where("user_id = ? AND message_id IN ?", userID, changed).
			Updates(map[string]interface{}{
				"status":     status,
				"updated_at": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (r *messageRepository) Receipts(ctx context.Context, messageIDs []string) (map[string][]models.MessageReceipt, error) {
	out := make(map[string][]models.MessageReceipt, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	defer observability.TrackQuery("list", "message_receipts")()
	var receipts []models.MessageReceipt
	if err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("message_id, user_id").
		Find(&receipts).Error; err != nil {
		return nil, err
	}
	for _, rc := range receipts {
		out[rc.MessageID] = append(out[rc.MessageID], rc)
	}
	return out, nil
}
