// Package repository implements GORM-backed persistence for chats, messages and users.
package repository

import (
	"context"
	"time"

	"parley/internal/models"
	"parley/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for chat and membership data operations
type ChatRepository interface {
	Create(ctx context.Context, chat *models.Chat) error
	GetByID(ctx context.Context, id string) (*models.Chat, error)
	FindActiveDirect(ctx context.Context, directKey string) (*models.Chat, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Chat, error)
	UpdateFields(ctx context.Context, chatID string, fields map[string]interface{}) error
	UpdateLabels(ctx context.Context, chatID, userID string, labels []string) error
	TouchActivity(ctx context.Context, chatID, lastMessageID string, at time.Time) error
	IncrementUnread(ctx context.Context, chatID string, userIDs []string) error
	ResetUnread(ctx context.Context, chatID, userID string, at time.Time) error
	AddParticipant(ctx context.Context, p *models.ChatParticipant) error
	RemoveParticipant(ctx context.Context, chatID, userID string) error
	PeerIDs(ctx context.Context, userID string) ([]string, error)
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// Create inserts the chat and its members in one transaction.
func (r *chatRepository) Create(ctx context.Context, chat *models.Chat) error {
	defer observability.TrackQuery("create", "chats")()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members := chat.Members
		if err := tx.Omit("Members").Create(chat).Error; err != nil {
			return err
		}
		for i := range members {
			members[i].ChatID = chat.ID
		}
		if len(members) > 0 {
			if err := tx.Create(&members).Error; err != nil {
				return err
			}
		}
		chat.Members = members
		return nil
	})
}

func (r *chatRepository) GetByID(ctx context.Context, id string) (*models.Chat, error) {
	defer observability.TrackQuery("get", "chats")()
	var chat models.Chat
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Where("id = ?", id).
		First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *chatRepository) FindActiveDirect(ctx context.Context, directKey string) (*models.Chat, error) {
	defer observability.TrackQuery("find_direct", "chats")()
	var chat models.Chat
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Where("direct_key = ? AND status <> ?", directKey, models.ChatStatusDeleted).
		First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListForUser returns every non-deleted chat userID belongs to, most recent activity first.
func (r *chatRepository) ListForUser(ctx context.Context, userID string) ([]*models.Chat, error) {
	defer observability.TrackQuery("list_for_user", "chats")()
	var chats []*models.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id").
		Where("cp.user_id = ? AND chats.status <> ?", userID, models.ChatStatusDeleted).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Order("chats.last_activity_at DESC, chats.id ASC").
		Find(&chats).Error
	return chats, err
}

func (r *chatRepository) UpdateFields(ctx context.Context, chatID string, fields map[string]interface{}) error {
	defer observability.TrackQuery("update", "chats")()
	res := r.db.WithContext(ctx).Model(&models.Chat{}).Where("id = ?", chatID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *chatRepository) UpdateLabels(ctx context.Context, chatID, userID string, labels []string) error {
	defer observability.TrackQuery("update_labels", "chat_participants")()
	p := models.ChatParticipant{Labels: labels}
	res := r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Select("Labels").
		Updates(&p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *chatRepository) TouchActivity(ctx context.Context, chatID, lastMessageID string, at time.Time) error {
	defer observability.TrackQuery("touch", "chats")()
	return r.db.WithContext(ctx).Model(&models.Chat{}).Where("id = ?", chatID).
		Updates(map[string]interface{}{
			"last_message_id":  lastMessageID,
			"last_activity_at": at,
		}).Error
}

func (r *chatRepository) IncrementUnread(ctx context.Context, chatID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	defer observability.TrackQuery("increment_unread", "chat_participants")()
	return r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id IN ?", chatID, userIDs).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

func (r *chatRepository) ResetUnread(ctx context.Context, chatID, userID string, at time.Time) error {
	defer observability.TrackQuery("reset_unread", "chat_participants")()
	return r.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		UpdateColumns(map[string]interface{}{
			"unread_count": 0,
			"last_read_at": at,
		}).Error
}

func (r *chatRepository) AddParticipant(ctx context.Context, p *models.ChatParticipant) error {
	defer observability.TrackQuery("add_participant", "chat_participants")()
	// Re-adding an existing member is a no-op.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p).Error
}

func (r *chatRepository) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	defer observability.TrackQuery("remove_participant", "chat_participants")()
	return r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&models.ChatParticipant{}).Error
}

// PeerIDs returns every other user sharing an active chat with userID.
func (r *chatRepository) PeerIDs(ctx context.Context, userID string) ([]string, error) {
	defer observability.TrackQuery("peers", "chat_participants")()
	var ids []string
	err := r.db.WithContext(ctx).
		Table("chat_participants AS me").
		Joins("JOIN chat_participants AS other ON other.chat_id = me.chat_id").
		Joins("JOIN chats ON chats.id = me.chat_id").
		Where("me.user_id = ? AND other.user_id <> ? AND chats.status = ?", userID, userID, models.ChatStatusActive).
		Distinct().
		Order("other.user_id").
		Pluck("other.user_id", &ids).Error
	return ids, err
}
