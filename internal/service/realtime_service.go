package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// RealtimeService is the ingress for every client action. It validates
// against the chat store, records the change and hands the resulting events
// to the dispatcher. Chat-mutating paths run under a per-chat lock so that
// the log order equals the fan-out order.
type RealtimeService struct {
	chats      *ChatService
	messages   *MessageService
	users      *UserService
	registry   *notifications.Registry
	presence   *notifications.PresenceTracker
	typing     *notifications.TypingCoordinator
	dispatcher *notifications.Dispatcher
	locks      *keyedMutex
}

// RealtimeDeps wires the collaborators of a RealtimeService.
type RealtimeDeps struct {
	Chats        *ChatService
	Messages     *MessageService
	Users        *UserService
	Registry     *notifications.Registry
	Presence     *notifications.PresenceTracker
	Dispatcher   *notifications.Dispatcher
	TypingWindow time.Duration
}

// TypingPayload is the body of a typing envelope.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReceiptPayload is the body of a read_receipt envelope.
type ReceiptPayload struct {
	ReaderID string               `json:"readerId"`
	Status   models.MessageStatus `json:"status"`
	Messages []StatusChange       `json:"messages"`
}

// NewRealtimeService builds the ingress and its typing coordinator.
func NewRealtimeService(deps RealtimeDeps) *RealtimeService {
	s := &RealtimeService{
		chats:      deps.Chats,
		messages:   deps.Messages,
		users:      deps.Users,
		registry:   deps.Registry,
		presence:   deps.Presence,
		dispatcher: deps.Dispatcher,
		locks:      newKeyedMutex(),
	}
	s.typing = notifications.NewTypingCoordinator(deps.TypingWindow, s.onTypingChange)
	return s
}

// Start forwards presence transitions to peers until ctx is cancelled.
func (s *RealtimeService) Start(ctx context.Context) {
	updates, cancel := s.presence.Subscribe("")
	go func() {
		<-ctx.Done()
		cancel()
	}()
	go func() {
		for rec := range updates {
			s.publishPresence(ctx, rec)
		}
	}()
}

// Stop clears typing state.
func (s *RealtimeService) Stop() {
	s.typing.Stop()
}

// Typing exposes the coordinator for inspection.
func (s *RealtimeService) Typing() *notifications.TypingCoordinator {
	return s.typing
}

// Connect registers a live connection for userID.
func (s *RealtimeService) Connect(userID string, conn notifications.Conn) (string, error) {
	return s.registry.Register(userID, conn)
}

// Disconnect drops a session. Typing flags of a user with no sessions left are cleared.
func (s *RealtimeService) Disconnect(sessionID string) {
	userID, ok := s.registry.UserFor(sessionID)
	s.registry.Unregister(sessionID)
	if ok && !s.registry.IsOnline(userID) {
		s.typing.ClearUser(userID)
	}
}

// View marks chatID as open on sessionID.
func (s *RealtimeService) View(ctx context.Context, sessionID, chatID string) error {
	userID, ok := s.registry.UserFor(sessionID)
	if !ok {
		return nil
	}
	if _, err := s.chats.GetChatForUser(ctx, chatID, userID); err != nil {
		return err
	}
	s.registry.View(sessionID, chatID)
	return nil
}

// Unview clears chatID from sessionID's open chats.
func (s *RealtimeService) Unview(sessionID, chatID string) {
	s.registry.Unview(sessionID, chatID)
}

// Touch records activity for presence.
func (s *RealtimeService) Touch(userID string) {
	s.presence.Touch(userID)
}

// CreateChat creates a chat and announces it to its participants.
func (s *RealtimeService) CreateChat(ctx context.Context, in CreateChatInput) (_ *models.Chat, created bool, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "CreateChat",
		observability.ActorKey.String(in.CreatorID), attribute.String("chat.type", string(in.Type)))
	defer func() { observability.EndSpan(span, err) }()

	chat, created, err := s.chats.CreateChat(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishChat(ctx, chat, chat.ParticipantIDs())
	}
	view, err := s.viewOf(ctx, chat, in.CreatorID)
	if err != nil {
		return nil, false, err
	}
	return view, created, nil
}

// ListChats returns userID's chats with live typing state.
func (s *RealtimeService) ListChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	chats, err := s.chats.ListChatsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		c.TypingUsers = s.typing.TypingUsersFor(c.ID, userID)
	}
	return chats, nil
}

// GetChat returns one chat as seen by userID.
func (s *RealtimeService) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, err := s.chats.GetChatForUser(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	return s.viewOf(ctx, chat, userID)
}

// UpdateChat applies metadata changes. Renames reach every participant;
// label changes only the actor.
func (s *RealtimeService) UpdateChat(ctx context.Context, actorID, chatID string, patch ChatPatch) (_ *models.Chat, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "UpdateChat",
		observability.ChatIDKey.String(chatID), observability.ActorKey.String(actorID))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, err := s.chats.UpdateMetadata(ctx, actorID, chatID, patch)
	if err != nil {
		return nil, err
	}
	recipients := []string{actorID}
	if patch.Name != nil {
		recipients = chat.ParticipantIDs()
	}
	s.publishChat(ctx, chat, recipients)
	return s.viewOf(ctx, chat, actorID)
}

// SetChatStatus archives, reactivates or deletes a chat.
func (s *RealtimeService) SetChatStatus(ctx context.Context, actorID, chatID string, status models.ChatStatus) (_ *models.Chat, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "SetChatStatus",
		observability.ChatIDKey.String(chatID), observability.ActorKey.String(actorID),
		attribute.String("chat.status", string(status)))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, changed, err := s.chats.ArchiveOrDelete(ctx, actorID, chatID, status)
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishChat(ctx, chat, chat.ParticipantIDs())
	}
	return s.viewOf(ctx, chat, actorID)
}

// AddParticipant adds userID to a group chat and posts a system notice.
func (s *RealtimeService) AddParticipant(ctx context.Context, actorID, chatID, userID string) (_ *models.Chat, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "AddParticipant",
		observability.ChatIDKey.String(chatID), observability.ActorKey.String(actorID))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, added, err := s.chats.AddParticipant(ctx, actorID, chatID, userID)
	if err != nil {
		return nil, err
	}
	if added {
		s.postSystem(ctx, chatID, actorID, fmt.Sprintf("%s added %s", actorID, userID))
		s.publishChat(ctx, chat, chat.ParticipantIDs())
	}
	return s.viewOf(ctx, chat, actorID)
}

// RemoveParticipant removes userID from a group chat (or lets them leave).
// The removed user is told once so their client can drop the chat.
func (s *RealtimeService) RemoveParticipant(ctx context.Context, actorID, chatID, userID string) (_ *models.Chat, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "RemoveParticipant",
		observability.ChatIDKey.String(chatID), observability.ActorKey.String(actorID))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, err := s.chats.RemoveParticipant(ctx, actorID, chatID, userID)
	if err != nil {
		return nil, err
	}
	s.typing.SetTyping(chatID, userID, false)

	notice := fmt.Sprintf("%s removed %s", actorID, userID)
	if actorID == userID {
		notice = fmt.Sprintf("%s left", userID)
	}
	s.postSystem(ctx, chatID, actorID, notice)
	s.publishChat(ctx, chat, append(chat.ParticipantIDs(), userID))
	return s.viewOf(ctx, chat, actorID)
}

// SendMessage appends a message, bumps unread counters of recipients who are
// not looking at the chat and fans the message out, all under the chat lock.
func (s *RealtimeService) SendMessage(ctx context.Context, in AppendInput) (_ *models.Message, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "SendMessage",
		observability.ChatIDKey.String(in.ChatID), observability.ActorKey.String(in.SenderID))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(in.ChatID)
	defer unlock()

	res, err := s.messages.Append(ctx, in)
	if err != nil {
		return nil, err
	}
	if !res.Created {
		return res.Message, nil
	}

	unread := make([]string, 0, len(res.Recipients))
	for _, uid := range res.Recipients {
		if !s.registry.IsViewing(uid, in.ChatID) {
			unread = append(unread, uid)
		}
	}
	if err := s.chats.IncrementUnread(ctx, in.ChatID, unread...); err != nil {
		middleware.Logger.WarnContext(ctx, "unread increment failed",
			slog.String("chat_id", in.ChatID), slog.String("error", err.Error()))
	}

	s.typing.SetTyping(in.ChatID, in.SenderID, false)
	s.dispatch(ctx, notifications.Event{
		Kind:    notifications.MessageCreated,
		ChatID:  in.ChatID,
		UserID:  in.SenderID,
		Payload: res.Message,
	})
	return res.Message, nil
}

// LoadMessages returns a page of history. Loading counts as delivery for the viewer.
func (s *RealtimeService) LoadMessages(ctx context.Context, viewerID, chatID string, page Page) (_ []*models.Message, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "LoadMessages", observability.ChatIDKey.String(chatID))
	defer func() { observability.EndSpan(span, err) }()

	messages, err := s.messages.ListByChat(ctx, viewerID, chatID, page)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, m := range messages {
		if m.SenderID != viewerID && m.Status == models.MessageStatusSent {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return messages, nil
	}

	changes, err := s.markStatus(ctx, chatID, ids, viewerID, models.MessageStatusDelivered)
	if err != nil {
		// History is still valid; the receipt can be retried by the client.
		middleware.Logger.WarnContext(ctx, "auto delivery receipt failed",
			slog.String("chat_id", chatID), slog.String("error", err.Error()))
		return messages, nil
	}
	byID := make(map[string]models.MessageStatus, len(changes))
	for _, c := range changes {
		byID[c.MessageID] = c.Status
	}
	for _, m := range messages {
		if st, ok := byID[m.ID]; ok {
			m.Status = st
		}
	}
	return messages, nil
}

// MarkDelivered acknowledges delivery of messageIDs (the whole chat when nil).
func (s *RealtimeService) MarkDelivered(ctx context.Context, userID, chatID string, messageIDs []string) ([]StatusChange, error) {
	return s.markStatus(ctx, chatID, messageIDs, userID, models.MessageStatusDelivered)
}

// MarkRead acknowledges reading messageIDs (the whole chat when nil) and
// resets the reader's unread counter.
func (s *RealtimeService) MarkRead(ctx context.Context, userID, chatID string, messageIDs []string) (_ []StatusChange, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "MarkRead", observability.ChatIDKey.String(chatID))
	defer func() { observability.EndSpan(span, err) }()

	changes, err := s.markStatus(ctx, chatID, messageIDs, userID, models.MessageStatusRead)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		// Other devices of the reader still need to clear their badge.
		s.dispatch(ctx, notifications.Event{
			Kind:       notifications.MessageStatusChanged,
			ChatID:     chatID,
			UserID:     userID,
			Payload:    ReceiptPayload{ReaderID: userID, Status: models.MessageStatusRead, Messages: []StatusChange{}},
			Recipients: []string{userID},
		})
	}
	return changes, nil
}

// markStatus promotes receipts under the chat lock. A read also resets the
// reader's unread counter inside the same critical section, so a send cannot
// land between the two and have its increment wiped.
func (s *RealtimeService) markStatus(ctx context.Context, chatID string, ids []string, userID string, status models.MessageStatus) ([]StatusChange, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	var (
		changes []StatusChange
		err     error
	)
	if status == models.MessageStatusRead {
		changes, err = s.messages.MarkRead(ctx, chatID, ids, userID)
		if err == nil {
			err = s.chats.ResetUnread(ctx, chatID, userID)
		}
	} else {
		changes, err = s.messages.MarkDelivered(ctx, chatID, ids, userID)
	}
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return changes, nil
	}

	recipients := []string{userID}
	for _, c := range changes {
		recipients = append(recipients, c.SenderID)
	}
	s.dispatch(ctx, notifications.Event{
		Kind:       notifications.MessageStatusChanged,
		ChatID:     chatID,
		UserID:     userID,
		Payload:    ReceiptPayload{ReaderID: userID, Status: status, Messages: changes},
		Recipients: recipients,
	})
	return changes, nil
}

// EditMessage changes the content of the actor's own message.
func (s *RealtimeService) EditMessage(ctx context.Context, actorID, messageID, content string) (_ *models.Message, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "EditMessage",
		observability.MessageIDKey.String(messageID), observability.ActorKey.String(actorID))
	defer func() { observability.EndSpan(span, err) }()

	chatID, err := s.messages.ChatIDFor(ctx, messageID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(chatID)
	defer unlock()

	msg, err := s.messages.Edit(ctx, actorID, messageID, content)
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, notifications.Event{
		Kind: notifications.MessageUpdated, ChatID: chatID, UserID: actorID, Payload: msg,
	})
	return msg, nil
}

// DeleteMessage soft-deletes the actor's own message.
func (s *RealtimeService) DeleteMessage(ctx context.Context, actorID, messageID string) (_ *models.Message, err error) {
	ctx, span := observability.StartSpan(ctx, "realtime", "DeleteMessage",
		observability.MessageIDKey.String(messageID), observability.ActorKey.String(actorID))
	defer func() { observability.EndSpan(span, err) }()

	chatID, err := s.messages.ChatIDFor(ctx, messageID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(chatID)
	defer unlock()

	msg, changed, err := s.messages.SoftDelete(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.dispatch(ctx, notifications.Event{
			Kind: notifications.MessageUpdated, ChatID: chatID, UserID: actorID, Payload: msg,
		})
	}
	return msg, nil
}

// SetTyping raises or clears userID's typing flag in chatID.
func (s *RealtimeService) SetTyping(ctx context.Context, userID, chatID string, isTyping bool) error {
	chat, err := s.chats.GetChatForUser(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if isTyping && !chat.IsActive() {
		return models.NewValidationError("Chat is archived")
	}
	s.typing.SetTyping(chatID, userID, isTyping)
	return nil
}

// SetPresence applies an explicit status for a connected user.
func (s *RealtimeService) SetPresence(ctx context.Context, userID string, status models.PresenceStatus) (models.PresenceRecord, error) {
	if err := s.presence.SetStatus(userID, status); err != nil {
		if errors.Is(err, notifications.ErrNotConnected) {
			return models.PresenceRecord{}, models.NewValidationError("Presence can only be set while connected")
		}
		return models.PresenceRecord{}, err
	}
	return s.presence.GetStatus(ctx, userID), nil
}

// GetPresence returns userID's presence as seen by viewerID. Users hiding
// their status appear offline to everyone else.
func (s *RealtimeService) GetPresence(ctx context.Context, viewerID, userID string) (models.PresenceRecord, error) {
	rec := s.presence.GetStatus(ctx, userID)
	if viewerID == userID {
		return rec, nil
	}
	if s.hidden(ctx, userID) {
		return models.PresenceRecord{UserID: userID, Status: models.PresenceOffline}, nil
	}
	return rec, nil
}

// UpdateProfile changes the caller's profile. Toggling online-status
// visibility re-announces their presence to peers.
func (s *RealtimeService) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*models.User, error) {
	user, visibilityChanged, err := s.users.UpdateProfile(ctx, userID, patch)
	if err != nil {
		return nil, err
	}
	if visibilityChanged {
		rec := s.presence.GetStatus(ctx, userID)
		if !user.Settings.ShowOnlineStatus {
			rec = models.PresenceRecord{UserID: userID, Status: models.PresenceOffline}
		}
		s.dispatch(ctx, notifications.Event{Kind: notifications.PresenceChanged, UserID: userID, Payload: rec})
	}
	return user, nil
}

func (s *RealtimeService) hidden(ctx context.Context, userID string) bool {
	user, err := s.users.GetUser(ctx, userID)
	return err == nil && !user.Settings.ShowOnlineStatus
}

func (s *RealtimeService) publishPresence(ctx context.Context, rec models.PresenceRecord) {
	s.dispatch(ctx, notifications.Event{
		Kind:       notifications.PresenceChanged,
		UserID:     rec.UserID,
		Payload:    rec,
		Recipients: []string{rec.UserID},
	})
	if s.hidden(ctx, rec.UserID) {
		return
	}
	s.dispatch(ctx, notifications.Event{Kind: notifications.PresenceChanged, UserID: rec.UserID, Payload: rec})
}

func (s *RealtimeService) onTypingChange(change notifications.TypingChange) {
	s.dispatch(context.Background(), notifications.Event{
		Kind:   notifications.TypingChanged,
		ChatID: change.ChatID,
		UserID: change.UserID,
		Payload: TypingPayload{
			ChatID:   change.ChatID,
			UserID:   change.UserID,
			IsTyping: change.IsTyping,
		},
	})
}

// publishChat sends each recipient their own view of chat.
func (s *RealtimeService) publishChat(ctx context.Context, chat *models.Chat, recipients []string) {
	seen := make(map[string]struct{}, len(recipients))
	for _, uid := range recipients {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		view, err := s.viewOf(ctx, chat, uid)
		if err != nil {
			middleware.Logger.WarnContext(ctx, "chat update skipped",
				slog.String("chat_id", chat.ID), slog.String("user_id", uid), slog.String("error", err.Error()))
			continue
		}
		s.dispatch(ctx, notifications.Event{
			Kind:       notifications.ChatUpdated,
			ChatID:     chat.ID,
			Payload:    view,
			Recipients: []string{uid},
		})
	}
}

// viewOf returns a copy of chat decorated for viewerID.
func (s *RealtimeService) viewOf(ctx context.Context, chat *models.Chat, viewerID string) (*models.Chat, error) {
	view := *chat
	view.Members = append([]models.ChatParticipant(nil), chat.Members...)
	view.TypingUsers = s.typing.TypingUsersFor(chat.ID, viewerID)
	if err := s.chats.Decorate(ctx, viewerID, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *RealtimeService) postSystem(ctx context.Context, chatID, actorID, content string) {
	res, err := s.messages.AppendSystem(ctx, chatID, actorID, content)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "system message failed",
			slog.String("chat_id", chatID), slog.String("error", err.Error()))
		return
	}
	s.dispatch(ctx, notifications.Event{
		Kind:    notifications.MessageCreated,
		ChatID:  chatID,
		UserID:  actorID,
		Payload: res.Message,
	})
}

func (s *RealtimeService) dispatch(ctx context.Context, ev notifications.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		middleware.Logger.WarnContext(ctx, "dispatch failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("chat_id", ev.ChatID),
			slog.String("error", err.Error()))
	}
}
