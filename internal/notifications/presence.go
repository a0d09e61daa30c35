package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/observability"
)

const presenceSubscriberBuffer = 256

// ErrNotConnected is returned when a status is set for a user without a live session.
var ErrNotConnected = errors.New("user is not connected")

type presenceState struct {
	record models.PresenceRecord
	// explicit marks a user-chosen status (away, busy, invisible).
	explicit bool
}

type presenceSubscriber struct {
	userID string
	ch     chan models.PresenceRecord
}

// PresenceTracker owns the live status of every user seen by this node.
// Connection transitions come from the ConnectionManager; explicit changes
// come from users. Subscribers only see actual transitions.
type PresenceTracker struct {
	mu      sync.Mutex
	records map[string]*presenceState
	subs    map[int]*presenceSubscriber
	nextSub int

	isConnected  func(userID string) bool
	remoteOnline func(ctx context.Context, userID string) bool
	now          func() time.Time
}

// NewPresenceTracker returns a tracker that treats users for whom
// isConnected returns true as eligible for explicit status changes.
func NewPresenceTracker(isConnected func(userID string) bool) *PresenceTracker {
	return &PresenceTracker{
		records:     make(map[string]*presenceState),
		subs:        make(map[int]*presenceSubscriber),
		isConnected: isConnected,
		now:         time.Now,
	}
}

// SetRemoteLookup installs a fallback used by GetStatus for users with no
// local record, typically backed by the Redis presence mirror.
func (p *PresenceTracker) SetRemoteLookup(fn func(ctx context.Context, userID string) bool) {
	p.mu.Lock()
	p.remoteOnline = fn
	p.mu.Unlock()
}

// UserOnline records a connection transition to online. Any explicit status is cleared.
func (p *PresenceTracker) UserOnline(userID string) {
	p.transition(userID, models.PresenceOnline, false)
}

// UserOffline records a connection transition to offline.
func (p *PresenceTracker) UserOffline(userID string) {
	p.transition(userID, models.PresenceOffline, false)
}

// SetStatus applies a user-chosen status. Offline while connected hides the user.
func (p *PresenceTracker) SetStatus(userID string, status models.PresenceStatus) error {
	if !status.Valid() {
		return models.NewValidationError("unknown presence status: " + string(status))
	}
	if p.isConnected != nil && !p.isConnected(userID) {
		return ErrNotConnected
	}
	p.transition(userID, status, status != models.PresenceOnline)
	return nil
}

// Touch records user activity. Away and busy users come back online;
// invisible users stay hidden.
func (p *PresenceTracker) Touch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.records[userID]
	if !ok {
		return
	}
	st.record.LastActivity = p.now()
	switch st.record.Status {
	case models.PresenceAway, models.PresenceBusy:
		st.record.Status = models.PresenceOnline
		st.explicit = false
		p.publishLocked(st.record)
	}
}

// GetStatus returns the current record for userID. Unknown users are offline
// unless the remote lookup reports them online on another node.
func (p *PresenceTracker) GetStatus(ctx context.Context, userID string) models.PresenceRecord {
	p.mu.Lock()
	st, ok := p.records[userID]
	remote := p.remoteOnline
	var rec models.PresenceRecord
	if ok {
		rec = st.record
	}
	p.mu.Unlock()

	if ok {
		return rec
	}
	if remote != nil && remote(ctx, userID) {
		return models.PresenceRecord{UserID: userID, Status: models.PresenceOnline}
	}
	return models.PresenceRecord{UserID: userID, Status: models.PresenceOffline}
}

// Subscribe streams transitions for userID, or for every user when userID is
// empty. Slow subscribers lose events rather than block the tracker.
func (p *PresenceTracker) Subscribe(userID string) (<-chan models.PresenceRecord, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	sub := &presenceSubscriber{userID: userID, ch: make(chan models.PresenceRecord, presenceSubscriberBuffer)}
	p.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (p *PresenceTracker) transition(userID string, status models.PresenceStatus, explicit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.records[userID]
	if !ok {
		st = &presenceState{record: models.PresenceRecord{UserID: userID}}
		p.records[userID] = st
	}
	prev := st.record.Status
	st.explicit = explicit
	st.record.Status = status
	st.record.LastActivity = p.now()
	if prev != status {
		p.publishLocked(st.record)
	}
	if status == models.PresenceOffline && !explicit {
		delete(p.records, userID)
	}
}

// publishLocked fans rec out to subscribers. Callers hold p.mu, which keeps
// per-user ordering intact.
func (p *PresenceTracker) publishLocked(rec models.PresenceRecord) {
	observability.PresenceTransitions.WithLabelValues(string(rec.Status)).Inc()
	for _, sub := range p.subs {
		if sub.userID != "" && sub.userID != rec.UserID {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			observability.WebSocketBackpressureDrops.WithLabelValues("presence", "full").Inc()
		}
	}
}
