package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"parley/internal/middleware"
	"parley/internal/observability"
)

// EventKind names a fan-out event.
type EventKind string

const (
	MessageCreated       EventKind = "MessageCreated"
	MessageStatusChanged EventKind = "MessageStatusChanged"
	MessageUpdated       EventKind = "MessageUpdated"
	TypingChanged        EventKind = "TypingChanged"
	PresenceChanged      EventKind = "PresenceChanged"
	ChatUpdated          EventKind = "ChatUpdated"
)

// Envelope types on the wire.
const (
	EnvelopeMessage        = "message"
	EnvelopeMessageUpdated = "message_updated"
	EnvelopeReadReceipt    = "read_receipt"
	EnvelopeTyping         = "typing"
	EnvelopePresence       = "presence"
	EnvelopeChat           = "chat"
)

// EnvelopeType maps an event kind to its wire type.
func (k EventKind) EnvelopeType() string {
	switch k {
	case MessageCreated:
		return EnvelopeMessage
	case MessageStatusChanged:
		return EnvelopeReadReceipt
	case MessageUpdated:
		return EnvelopeMessageUpdated
	case TypingChanged:
		return EnvelopeTyping
	case PresenceChanged:
		return EnvelopePresence
	case ChatUpdated:
		return EnvelopeChat
	}
	return ""
}

// Event is one unit of fan-out. Recipients, when non-nil, replaces the
// recipient set the dispatcher would otherwise resolve.
type Event struct {
	Kind       EventKind
	ChatID     string
	UserID     string
	Payload    interface{}
	Recipients []string
}

// Envelope is the frame written to each connection.
type Envelope struct {
	Type    string      `json:"type"`
	ChatID  string      `json:"chatId,omitempty"`
	UserID  string      `json:"userId,omitempty"`
	Payload interface{} `json:"payload"`
}

// RecipientResolver looks up who should receive chat and presence events.
type RecipientResolver interface {
	ParticipantIDs(ctx context.Context, chatID string) ([]string, error)
	PeerIDs(ctx context.Context, userID string) ([]string, error)
}

type relayFrame struct {
	Type       string          `json:"type"`
	Recipients []string        `json:"recipients"`
	Frame      json.RawMessage `json:"frame"`
}

// Dispatcher routes events to the live sessions of their recipients. Delivery
// is best effort: dropped frames are counted and never retried.
//
// Per-chat order holds while every frame takes the same path. When a relay
// publish fails the frame is delivered locally at once, so it can overtake
// frames of the same chat still in flight through Redis, and sessions on
// other nodes miss it. Clients recover order from message sequence numbers.
type Dispatcher struct {
	registry *Registry
	resolver RecipientResolver
	notifier *Notifier
	relaying atomic.Bool
	logger   *observability.EngineLogger
}

// NewDispatcher creates a dispatcher. A nil or disabled notifier keeps
// delivery on this node.
func NewDispatcher(registry *Registry, resolver RecipientResolver, notifier *Notifier) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		resolver: resolver,
		notifier: notifier,
		logger:   observability.NewEngineLogger("dispatcher"),
	}
}

// Start subscribes to cross-node frames. Until it succeeds every event is
// delivered locally only.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.notifier.Enabled() {
		return nil
	}
	if err := d.notifier.StartSubscriber(ctx, d.handleRelay); err != nil {
		return fmt.Errorf("subscribe %s: %w", EventsChannel, err)
	}
	d.relaying.Store(true)
	d.logger.Event(ctx, "relay started", slog.String("channel", EventsChannel))
	return nil
}

// Dispatch resolves recipients for ev and delivers one frame to each of their
// sessions. It returns an error only when the event could not be routed at all.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	typ := ev.Kind.EnvelopeType()
	if typ == "" {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	recipients, err := d.recipients(ctx, ev)
	if err != nil {
		d.logger.RouteFailed(ctx, typ, ev.ChatID, ev.UserID, err)
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	frame, err := json.Marshal(Envelope{Type: typ, ChatID: ev.ChatID, UserID: ev.UserID, Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", typ, err)
	}

	if d.relaying.Load() {
		relay, err := json.Marshal(relayFrame{Type: typ, Recipients: recipients, Frame: frame})
		if err == nil {
			err = d.notifier.Publish(ctx, relay)
		}
		if err == nil {
			observability.DispatchedEnvelopes.WithLabelValues(typ, "redis").Inc()
			return nil
		}
		middleware.Logger.WarnContext(ctx, "relay publish failed, delivering locally",
			slog.String("type", typ), slog.String("error", err.Error()))
	}

	d.deliver(typ, recipients, frame)
	return nil
}

func (d *Dispatcher) recipients(ctx context.Context, ev Event) ([]string, error) {
	var ids []string
	switch {
	case ev.Recipients != nil:
		ids = ev.Recipients
	case ev.Kind == PresenceChanged:
		if d.resolver == nil {
			return nil, nil
		}
		peers, err := d.resolver.PeerIDs(ctx, ev.UserID)
		if err != nil {
			return nil, err
		}
		ids = peers
	default:
		if d.resolver == nil || ev.ChatID == "" {
			return nil, nil
		}
		members, err := d.resolver.ParticipantIDs(ctx, ev.ChatID)
		if err != nil {
			return nil, err
		}
		ids = members
	}

	exclude := ""
	if ev.Kind == TypingChanged {
		exclude = ev.UserID
	}
	return uniqueExcept(ids, exclude), nil
}

func (d *Dispatcher) handleRelay(payload string) {
	var rf relayFrame
	if err := json.Unmarshal([]byte(payload), &rf); err != nil {
		middleware.Logger.Warn("invalid relay frame", slog.String("error", err.Error()))
		return
	}
	d.deliver(rf.Type, rf.Recipients, rf.Frame)
}

// deliver writes frame to every local session of recipients.
func (d *Dispatcher) deliver(typ string, recipients []string, frame []byte) {
	delivered := 0
	for _, userID := range recipients {
		for _, conn := range d.registry.SessionsFor(userID) {
			if conn.TrySend(frame) {
				delivered++
			}
		}
	}
	if delivered > 0 {
		observability.DispatchedEnvelopes.WithLabelValues(typ, "local").Add(float64(delivered))
	}
}

func uniqueExcept(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
