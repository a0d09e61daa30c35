package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"parley/internal/models"
	"parley/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	maxChatNameLen  = 100
	maxUserIDLen    = 64
	maxLabels       = 20
	maxLabelLen     = 32
	maxGroupMembers = 256
)

// ChatService provides chat and membership business logic.
type ChatService struct {
	chatRepo repository.ChatRepository
	msgRepo  repository.MessageRepository
	userRepo repository.UserRepository
	now      func() time.Time
}

// CreateChatInput is the input for creating a chat.
type CreateChatInput struct {
	CreatorID      string
	ParticipantIDs []string
	Type           models.ChatType
	Name           string
}

// ChatPatch carries optional metadata changes. Labels apply to the acting user only.
type ChatPatch struct {
	Name   *string
	Labels *[]string
}

// NewChatService returns a new ChatService.
func NewChatService(
	chatRepo repository.ChatRepository,
	msgRepo repository.MessageRepository,
	userRepo repository.UserRepository,
) *ChatService {
	return &ChatService{
		chatRepo: chatRepo,
		msgRepo:  msgRepo,
		userRepo: userRepo,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateChat creates a direct or group chat. Creating a direct chat for a
// pair that already has a live one returns that chat with created=false.
func (s *ChatService) CreateChat(ctx context.Context, in CreateChatInput) (*models.Chat, bool, error) {
	if in.CreatorID == "" {
		return nil, false, models.NewValidationError("Creator is required")
	}
	if !in.Type.Valid() {
		return nil, false, models.NewValidationError("Chat type must be direct or group")
	}

	ids, err := normalizeParticipants(in.CreatorID, in.ParticipantIDs)
	if err != nil {
		return nil, false, err
	}

	chat := &models.Chat{
		ID:             uuid.NewString(),
		Type:           in.Type,
		CreatedBy:      in.CreatorID,
		Status:         models.ChatStatusActive,
		LastActivityAt: s.now(),
	}

	switch in.Type {
	case models.ChatTypeDirect:
		if len(ids) != 2 {
			return nil, false, models.NewValidationError("Direct chats need exactly two distinct participants")
		}
		key := models.DirectKeyFor(ids[0], ids[1])
		chat.DirectKey = &key
	case models.ChatTypeGroup:
		name, err := validChatName(in.Name)
		if err != nil {
			return nil, false, err
		}
		if len(ids) < 2 {
			return nil, false, models.NewValidationError("Group chats need at least one other participant")
		}
		if len(ids) > maxGroupMembers {
			return nil, false, models.NewValidationError("Too many participants")
		}
		chat.Name = name
	}

	for _, id := range ids {
		if _, err := s.userRepo.Ensure(ctx, id); err != nil {
			return nil, false, storageErr("create chat", "User", id, err)
		}
	}

	if chat.DirectKey != nil {
		existing, err := s.chatRepo.FindActiveDirect(ctx, *chat.DirectKey)
		switch {
		case err == nil:
			if !samePair(existing, ids) {
				return nil, false, models.NewConflictError("Direct chat key belongs to another pair")
			}
			existing, err = s.reactivate(ctx, existing)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, false, storageErr("create chat", "Chat", *chat.DirectKey, err)
		}
	}

	chat.Members = make([]models.ChatParticipant, 0, len(ids))
	for i, id := range ids {
		role := models.RoleMember
		if id == in.CreatorID {
			role = models.RoleOwner
		}
		chat.Members = append(chat.Members, models.ChatParticipant{
			UserID:   id,
			Role:     role,
			JoinedAt: chat.LastActivityAt.Add(time.Duration(i) * time.Microsecond),
		})
	}

	if err := s.chatRepo.Create(ctx, chat); err != nil {
		if chat.DirectKey != nil {
			// Lost a creation race on the unique pair key: hand back the winner.
			if existing, findErr := s.chatRepo.FindActiveDirect(ctx, *chat.DirectKey); findErr == nil && samePair(existing, ids) {
				return existing, false, nil
			}
		}
		return nil, false, storageErr("create chat", "Chat", chat.ID, err)
	}

	created, err := s.chatRepo.GetByID(ctx, chat.ID)
	if err != nil {
		return nil, false, storageErr("create chat", "Chat", chat.ID, err)
	}
	return created, true, nil
}

func (s *ChatService) reactivate(ctx context.Context, chat *models.Chat) (*models.Chat, error) {
	if chat.Status != models.ChatStatusArchived {
		return chat, nil
	}
	if err := s.chatRepo.UpdateFields(ctx, chat.ID, map[string]interface{}{"status": models.ChatStatusActive}); err != nil {
		return nil, storageErr("reactivate chat", "Chat", chat.ID, err)
	}
	chat.Status = models.ChatStatusActive
	return chat, nil
}

// GetChat returns the chat with chatID in any status.
func (s *ChatService) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	chat, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, storageErr("get chat", "Chat", chatID, err)
	}
	return chat, nil
}

// GetChatForUser returns a non-deleted chat if userID is a participant.
func (s *ChatService) GetChatForUser(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Status == models.ChatStatusDeleted {
		return nil, models.NewNotFoundError("Chat", chatID)
	}
	if !chat.HasParticipant(userID) {
		return nil, models.NewForbiddenError("You are not a participant in this chat")
	}
	return chat, nil
}

// ListChatsFor returns userID's chats, most recent activity first, decorated for that viewer.
func (s *ChatService) ListChatsFor(ctx context.Context, userID string) ([]*models.Chat, error) {
	chats, err := s.chatRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, storageErr("list chats", "Chat", userID, err)
	}
	if err := s.Decorate(ctx, userID, chats...); err != nil {
		return nil, err
	}
	return chats, nil
}

// Decorate fills the viewer-relative fields of chats: participants, unread
// counter, labels, last message and derived direct-chat names.
func (s *ChatService) Decorate(ctx context.Context, viewerID string, chats ...*models.Chat) error {
	var others []string
	for _, chat := range chats {
		chat.Participants = chat.ParticipantIDs()
		chat.UnreadCount = 0
		chat.Labels = nil
		if m, ok := chat.Member(viewerID); ok {
			chat.UnreadCount = m.UnreadCount
			chat.Labels = m.Labels
		}
		if chat.TypingUsers == nil {
			chat.TypingUsers = []string{}
		}

		chat.LastMessage = nil
		if chat.LastMessageID != nil {
			msg, err := s.msgRepo.GetByID(ctx, *chat.LastMessageID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return storageErr("load last message", "Message", *chat.LastMessageID, err)
			}
			if msg != nil {
				msg.Redact()
				chat.LastMessage = msg
			}
		}

		if chat.Type == models.ChatTypeDirect {
			if other := otherParticipant(chat, viewerID); other != "" {
				others = append(others, other)
			}
		}
	}

	if len(others) == 0 {
		return nil
	}
	users, err := s.userRepo.GetByIDs(ctx, others)
	if err != nil {
		return storageErr("load users", "User", strings.Join(others, ","), err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.DisplayName
	}
	for _, chat := range chats {
		if chat.Type != models.ChatTypeDirect {
			continue
		}
		other := otherParticipant(chat, viewerID)
		if name := names[other]; name != "" {
			chat.Name = name
		} else {
			chat.Name = other
		}
	}
	return nil
}

// UpdateMetadata renames a group chat and/or sets the actor's labels.
func (s *ChatService) UpdateMetadata(ctx context.Context, actorID, chatID string, patch ChatPatch) (*models.Chat, error) {
	chat, err := s.GetChatForUser(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		if chat.Type == models.ChatTypeDirect {
			return nil, models.NewValidationError("Direct chats cannot be renamed")
		}
		name, err := validChatName(*patch.Name)
		if err != nil {
			return nil, err
		}
		if name != chat.Name {
			if err := s.chatRepo.UpdateFields(ctx, chatID, map[string]interface{}{"name": name}); err != nil {
				return nil, storageErr("update chat", "Chat", chatID, err)
			}
			chat.Name = name
		}
	}

	if patch.Labels != nil {
		labels, err := normalizeLabels(*patch.Labels)
		if err != nil {
			return nil, err
		}
		if err := s.chatRepo.UpdateLabels(ctx, chatID, actorID, labels); err != nil {
			return nil, storageErr("update labels", "Chat", chatID, err)
		}
		if m, ok := chat.Member(actorID); ok {
			m.Labels = labels
		}
	}

	if err := s.Decorate(ctx, actorID, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// ArchiveOrDelete moves the chat to status. Deleted is terminal and frees a
// direct pair for a new chat. It reports whether the status changed.
func (s *ChatService) ArchiveOrDelete(ctx context.Context, actorID, chatID string, status models.ChatStatus) (*models.Chat, bool, error) {
	if !status.Valid() {
		return nil, false, models.NewValidationError("Unknown chat status: " + string(status))
	}
	chat, err := s.GetChatForUser(ctx, chatID, actorID)
	if err != nil {
		return nil, false, err
	}
	if chat.Status == status {
		return chat, false, nil
	}
	if status == models.ChatStatusDeleted && chat.Type == models.ChatTypeGroup && !canManage(chat, actorID) {
		return nil, false, models.NewForbiddenError("Only owners and admins can delete a group chat")
	}

	fields := map[string]interface{}{"status": status}
	if status == models.ChatStatusDeleted {
		fields["direct_key"] = nil
	}
	if err := s.chatRepo.UpdateFields(ctx, chatID, fields); err != nil {
		return nil, false, storageErr("update chat status", "Chat", chatID, err)
	}
	chat.Status = status
	if status == models.ChatStatusDeleted {
		chat.DirectKey = nil
	}
	return chat, true, nil
}

// IncrementUnread bumps the unread counter of each user in forUserIDs.
func (s *ChatService) IncrementUnread(ctx context.Context, chatID string, forUserIDs ...string) error {
	if err := s.chatRepo.IncrementUnread(ctx, chatID, forUserIDs); err != nil {
		return storageErr("increment unread", "Chat", chatID, err)
	}
	return nil
}

// ResetUnread zeroes forUserID's unread counter.
func (s *ChatService) ResetUnread(ctx context.Context, chatID, forUserID string) error {
	if err := s.chatRepo.ResetUnread(ctx, chatID, forUserID, s.now()); err != nil {
		return storageErr("reset unread", "Chat", chatID, err)
	}
	return nil
}

// AddParticipant adds userID to a group chat. It reports whether the user was newly added.
func (s *ChatService) AddParticipant(ctx context.Context, actorID, chatID, userID string) (*models.Chat, bool, error) {
	if userID == "" || len(userID) > maxUserIDLen {
		return nil, false, models.NewValidationError("Invalid participant id")
	}
	chat, err := s.GetChatForUser(ctx, chatID, actorID)
	if err != nil {
		return nil, false, err
	}
	if chat.Type != models.ChatTypeGroup {
		return nil, false, models.NewValidationError("Participants can only be added to group chats")
	}
	if !chat.IsActive() {
		return nil, false, models.NewValidationError("Chat is not active")
	}
	if chat.HasParticipant(userID) {
		return chat, false, nil
	}
	if len(chat.Members) >= maxGroupMembers {
		return nil, false, models.NewValidationError("Too many participants")
	}
	if _, err := s.userRepo.Ensure(ctx, userID); err != nil {
		return nil, false, storageErr("add participant", "User", userID, err)
	}
	if err := s.chatRepo.AddParticipant(ctx, &models.ChatParticipant{
		ChatID: chatID,
		UserID: userID,
		Role:   models.RoleMember,
	}); err != nil {
		return nil, false, storageErr("add participant", "Chat", chatID, err)
	}

	updated, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// RemoveParticipant removes userID from a group chat. Members may leave;
// owners and admins may remove others.
func (s *ChatService) RemoveParticipant(ctx context.Context, actorID, chatID, userID string) (*models.Chat, error) {
	chat, err := s.GetChatForUser(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if chat.Type != models.ChatTypeGroup {
		return nil, models.NewValidationError("Participants can only be removed from group chats")
	}
	target, ok := chat.Member(userID)
	if !ok {
		return nil, models.NewNotFoundError("Participant", userID)
	}
	if actorID != userID {
		if !canManage(chat, actorID) {
			return nil, models.NewForbiddenError("Only owners and admins can remove participants")
		}
		if target.Role == models.RoleOwner {
			return nil, models.NewForbiddenError("The chat owner cannot be removed")
		}
	}
	if err := s.chatRepo.RemoveParticipant(ctx, chatID, userID); err != nil {
		return nil, storageErr("remove participant", "Chat", chatID, err)
	}
	return s.GetChat(ctx, chatID)
}

// ParticipantIDs returns the current members of chatID.
func (s *ChatService) ParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return chat.ParticipantIDs(), nil
}

// PeerIDs returns the users sharing at least one active chat with userID.
func (s *ChatService) PeerIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.chatRepo.PeerIDs(ctx, userID)
	if err != nil {
		return nil, storageErr("load peers", "User", userID, err)
	}
	return ids, nil
}

func normalizeParticipants(creatorID string, ids []string) ([]string, error) {
	seen := map[string]struct{}{creatorID: {}}
	out := []string{creatorID}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, models.NewValidationError("Participant ids must not be empty")
		}
		if len(id) > maxUserIDLen {
			return nil, models.NewValidationError("Participant id too long")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func validChatName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", models.NewValidationError("Group chats require a name")
	}
	if utf8.RuneCountInString(name) > maxChatNameLen {
		return "", models.NewValidationError("Chat name too long (max 100 characters)")
	}
	return name, nil
}

func normalizeLabels(labels []string) ([]string, error) {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if utf8.RuneCountInString(l) > maxLabelLen {
			return nil, models.NewValidationError("Label too long (max 32 characters)")
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	if len(out) > maxLabels {
		return nil, models.NewValidationError("Too many labels (max 20)")
	}
	sort.Strings(out)
	return out, nil
}

// samePair reports whether a direct chat's members are exactly ids.
func samePair(chat *models.Chat, ids []string) bool {
	if len(chat.Members) != len(ids) {
		return false
	}
	for _, id := range ids {
		if !chat.HasParticipant(id) {
			return false
		}
	}
	return true
}

func canManage(chat *models.Chat, userID string) bool {
	m, ok := chat.Member(userID)
	return ok && (m.Role == models.RoleOwner || m.Role == models.RoleAdmin)
}

func otherParticipant(chat *models.Chat, viewerID string) string {
	for _, m := range chat.Members {
		if m.UserID != viewerID {
			return m.UserID
		}
	}
	return ""
}
