package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"parley/internal/middleware"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceOnlineSetKey  = "ws:online_users"
	defaultPresenceLastSeenKeyNS = "ws:last_seen:"
	defaultPresenceTTL           = 90 * time.Second
	defaultOfflineGrace          = 5 * time.Second
	defaultReaperInterval        = 30 * time.Second
)

// ConnectionManagerConfig controls Redis presence and cleanup behavior.
type ConnectionManagerConfig struct {
	NodeID             string
	OnlineSetKey       string
	LastSeenKeyPrefix  string
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	OnUserOnline       func(userID string)
	OnUserOffline      func(userID string)
}

// ConnectionManager turns registry lifecycle hooks into online/offline
// transitions. The last disconnect only counts after a grace period so that
// reconnect churn does not flap presence. With Redis, each node records its
// claim on a user in ws:last_seen:<user> (a hash keyed by node id) and a user
// is only reported offline once no node holds a claim.
type ConnectionManager struct {
	rdb      *redis.Client
	registry *Registry
	nodeID   string

	mu            sync.Mutex
	announced     map[string]bool
	offlineTimers map[string]*graceTimer

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	offlineGrace      time.Duration
	reaperInterval    time.Duration

	onUserOnline  func(userID string)
	onUserOffline func(userID string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

type graceTimer struct {
	t *time.Timer
}

// NewConnectionManager creates a manager bound to registry and starts a Redis
// reaper when Redis is available.
func NewConnectionManager(rdb *redis.Client, registry *Registry, cfg ConnectionManagerConfig) *ConnectionManager {
	m := &ConnectionManager{
		rdb:               rdb,
		registry:          registry,
		nodeID:            cfg.NodeID,
		announced:         make(map[string]bool),
		offlineTimers:     make(map[string]*graceTimer),
		onlineSetKey:      defaultPresenceOnlineSetKey,
		lastSeenKeyPrefix: defaultPresenceLastSeenKeyNS,
		lastSeenTTL:       defaultPresenceTTL,
		offlineGrace:      defaultOfflineGrace,
		reaperInterval:    defaultReaperInterval,
		onUserOnline:      cfg.OnUserOnline,
		onUserOffline:     cfg.OnUserOffline,
		stopCh:            make(chan struct{}),
	}
	if m.nodeID == "" {
		m.nodeID = uuid.NewString()
	}
	if cfg.OnlineSetKey != "" {
		m.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		m.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		m.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGracePeriod > 0 {
		m.offlineGrace = cfg.OfflineGracePeriod
	}
	if cfg.ReaperInterval > 0 {
		m.reaperInterval = cfg.ReaperInterval
	}

	registry.SetLifecycleHooks(
		func(userID string) { m.Connected(context.Background(), userID) },
		func(userID string) { m.Disconnected(context.Background(), userID) },
	)

	if m.rdb != nil {
		go m.reaperLoop()
	}
	return m
}

// NodeID identifies this process in the Redis mirror.
func (m *ConnectionManager) NodeID() string {
	return m.nodeID
}

// Stop cancels pending grace timers and the reaper.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for userID, gt := range m.offlineTimers {
			gt.t.Stop()
			delete(m.offlineTimers, userID)
		}
		m.mu.Unlock()
	})
}

// Connected handles a user's first local session. A pending offline
// transition is cancelled, so a reconnect inside the grace window emits nothing.
func (m *ConnectionManager) Connected(ctx context.Context, userID string) {
	elsewhere := m.onlineElsewhere(ctx, userID)

	m.mu.Lock()
	if gt, ok := m.offlineTimers[userID]; ok {
		gt.t.Stop()
		delete(m.offlineTimers, userID)
	}
	wasAnnounced := m.announced[userID]
	m.announced[userID] = true
	cb := m.onUserOnline
	m.mu.Unlock()

	m.Touch(ctx, userID)
	if !wasAnnounced && !elsewhere && cb != nil {
		cb(userID)
	}
}

// Disconnected handles the loss of a user's last local session by arming the grace timer.
func (m *ConnectionManager) Disconnected(_ context.Context, userID string) {
	if m.registry.IsOnline(userID) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		return
	default:
	}
	if gt, ok := m.offlineTimers[userID]; ok {
		gt.t.Stop()
	}
	gt := &graceTimer{}
	gt.t = time.AfterFunc(m.offlineGrace, func() {
		m.finalizeOffline(context.Background(), userID, gt)
	})
	m.offlineTimers[userID] = gt
}

// Touch refreshes this node's claim on userID in Redis.
func (m *ConnectionManager) Touch(ctx context.Context, userID string) {
	if m.rdb == nil {
		return
	}
	key := m.lastSeenKey(userID)
	pipe := m.rdb.Pipeline()
	pipe.SAdd(ctx, m.onlineSetKey, userID)
	pipe.HSet(ctx, key, m.nodeID, strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, key, m.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		middleware.Logger.Warn("presence touch failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// IsOnline reports whether userID has a session on this node or a live claim on any node.
func (m *ConnectionManager) IsOnline(ctx context.Context, userID string) bool {
	if m.registry.IsOnline(userID) {
		return true
	}
	m.mu.Lock()
	_, pending := m.offlineTimers[userID]
	m.mu.Unlock()
	if pending {
		return true
	}
	if m.rdb == nil {
		return false
	}
	n, err := m.rdb.Exists(ctx, m.lastSeenKey(userID)).Result()
	return err == nil && n > 0
}

// GetOnlineUserIDs returns users online anywhere, falling back to local
// sessions when Redis is unavailable.
func (m *ConnectionManager) GetOnlineUserIDs(ctx context.Context) []string {
	local := m.registry.OnlineUsers()
	if m.rdb == nil {
		return local
	}
	members, err := m.rdb.SMembers(ctx, m.onlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[string]struct{}, len(members)+len(local))
	result := make([]string, 0, len(members)+len(local))
	for _, userID := range members {
		n, err := m.rdb.Exists(ctx, m.lastSeenKey(userID)).Result()
		if err != nil || n == 0 {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}
	for _, userID := range local {
		if _, ok := seen[userID]; !ok {
			result = append(result, userID)
		}
	}
	return result
}

func (m *ConnectionManager) onlineElsewhere(ctx context.Context, userID string) bool {
	if m.rdb == nil {
		return false
	}
	fields, err := m.rdb.HKeys(ctx, m.lastSeenKey(userID)).Result()
	if err != nil {
		return false
	}
	for _, node := range fields {
		if node != m.nodeID {
			return true
		}
	}
	return false
}

func (m *ConnectionManager) finalizeOffline(ctx context.Context, userID string, gt *graceTimer) {
	m.mu.Lock()
	if m.offlineTimers[userID] != gt {
		m.mu.Unlock()
		return
	}
	delete(m.offlineTimers, userID)
	if m.registry.IsOnline(userID) {
		m.mu.Unlock()
		return
	}
	delete(m.announced, userID)
	cb := m.onUserOffline
	m.mu.Unlock()

	if m.rdb != nil {
		key := m.lastSeenKey(userID)
		_ = m.rdb.HDel(ctx, key, m.nodeID).Err()
		if m.onlineElsewhere(ctx, userID) {
			return
		}
		_ = m.rdb.SRem(ctx, m.onlineSetKey, userID).Err()
	}

	if cb != nil {
		cb(userID)
	}
}

// reapOnce refreshes claims for local users and clears users whose claims
// expired everywhere, reporting them offline.
func (m *ConnectionManager) reapOnce(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	for _, userID := range m.registry.OnlineUsers() {
		m.Touch(ctx, userID)
	}

	members, err := m.rdb.SMembers(ctx, m.onlineSetKey).Result()
	if err != nil {
		return
	}
	for _, userID := range members {
		n, err := m.rdb.Exists(ctx, m.lastSeenKey(userID)).Result()
		if err != nil || n > 0 {
			continue
		}
		_ = m.rdb.SRem(ctx, m.onlineSetKey, userID).Err()
		if m.registry.IsOnline(userID) {
			continue
		}
		m.mu.Lock()
		delete(m.announced, userID)
		cb := m.onUserOffline
		m.mu.Unlock()
		if cb != nil {
			cb(userID)
		}
	}
}

func (m *ConnectionManager) reaperLoop() {
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *ConnectionManager) lastSeenKey(userID string) string {
	return m.lastSeenKeyPrefix + userID
}
