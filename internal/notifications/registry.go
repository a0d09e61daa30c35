// Package notifications provides real-time connection tracking, presence,
// typing indicators and event fan-out.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"parley/internal/observability"

	"github.com/google/uuid"
)

const (
	defaultMaxConnsPerUser = 12
	defaultMaxTotalConns   = 10000
)

var (
	ErrTooManyConnections = errors.New("too many connections for user")
	ErrServerAtCapacity   = errors.New("server connection limit reached")
)

// Conn is a live transport connection able to take outbound frames.
// TrySend must never block; it reports whether the frame was queued.
type Conn interface {
	TrySend(frame []byte) bool
	Close()
}

type session struct {
	id      string
	userID  string
	conn    Conn
	viewing map[string]struct{}
}

// Registry maps user ids to their live connections. A user may hold several
// sessions at once (one per device or tab).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[string]map[string]*session
	byConn   map[Conn]*session

	maxConnsPerUser int
	maxTotalConns   int

	onFirst func(userID string)
	onLast  func(userID string)

	logger *observability.EngineLogger
}

// NewRegistry returns an empty registry with default connection limits.
func NewRegistry() *Registry {
	return &Registry{
		sessions:        make(map[string]*session),
		byUser:          make(map[string]map[string]*session),
		byConn:          make(map[Conn]*session),
		maxConnsPerUser: defaultMaxConnsPerUser,
		maxTotalConns:   defaultMaxTotalConns,
		logger:          observability.NewEngineLogger("registry"),
	}
}

// SetLimits overrides the per-user and global connection caps. Zero keeps the current value.
func (r *Registry) SetLimits(perUser, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perUser > 0 {
		r.maxConnsPerUser = perUser
	}
	if total > 0 {
		r.maxTotalConns = total
	}
}

// SetLifecycleHooks installs callbacks fired when a user gains their first
// session or loses their last one. Hooks run outside the registry lock.
func (r *Registry) SetLifecycleHooks(onFirst, onLast func(userID string)) {
	r.mu.Lock()
	r.onFirst = onFirst
	r.onLast = onLast
	r.mu.Unlock()
}

// Register adds conn for userID and returns its session id. Registering the
// same handle twice returns the original session.
func (r *Registry) Register(userID string, conn Conn) (string, error) {
	r.mu.Lock()
	if s, ok := r.byConn[conn]; ok {
		r.mu.Unlock()
		return s.id, nil
	}
	if len(r.sessions) >= r.maxTotalConns {
		r.mu.Unlock()
		return "", ErrServerAtCapacity
	}
	userSessions := r.byUser[userID]
	if len(userSessions) >= r.maxConnsPerUser {
		r.mu.Unlock()
		return "", ErrTooManyConnections
	}

	s := &session{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		viewing: make(map[string]struct{}),
	}
	first := len(userSessions) == 0
	if userSessions == nil {
		userSessions = make(map[string]*session)
		r.byUser[userID] = userSessions
	}
	userSessions[s.id] = s
	r.sessions[s.id] = s
	r.byConn[conn] = s
	hook := r.onFirst
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	r.logger.SessionOpened(context.Background(), userID, s.id, first)
	if first && hook != nil {
		hook(userID)
	}
	return s.id, nil
}

// Unregister removes a session. Unknown session ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.byConn, s.conn)
	last := false
	if userSessions := r.byUser[s.userID]; userSessions != nil {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, s.userID)
			last = true
		}
	}
	hook := r.onLast
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Dec()
	r.logger.SessionClosed(context.Background(), s.userID, sessionID, last)
	if last && hook != nil {
		hook(s.userID)
	}
}

// SessionsFor returns the live connections of userID.
func (r *Registry) SessionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userSessions := r.byUser[userID]
	conns := make([]Conn, 0, len(userSessions))
	for _, s := range userSessions {
		conns = append(conns, s.conn)
	}
	return conns
}

// IsOnline reports whether userID has at least one live session on this node.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// UserFor returns the owner of sessionID.
func (r *Registry) UserFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.userID, true
}

// View marks chatID as open on the session. Unknown sessions are ignored.
func (r *Registry) View(sessionID, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.viewing[chatID] = struct{}{}
	return true
}

// Unview clears chatID from the session's open chats.
func (r *Registry) Unview(sessionID, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.viewing, chatID)
	}
}

// IsViewing reports whether any session of userID has chatID open.
func (r *Registry) IsViewing(userID, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byUser[userID] {
		if _, ok := s.viewing[chatID]; ok {
			return true
		}
	}
	return false
}

// OnlineUsers returns the users with live sessions on this node, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every connection and empties the registry without firing
// lifecycle hooks.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.sessions))
	for _, s := range r.sessions {
		conns = append(conns, s.conn)
	}
	n := len(r.sessions)
	r.sessions = make(map[string]*session)
	r.byUser = make(map[string]map[string]*session)
	r.byConn = make(map[Conn]*session)
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Sub(float64(n))
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Close()
	}
	r.logger.Event(ctx, "registry shutdown", slog.Int("closed", n))
	return nil
}
