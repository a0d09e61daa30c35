package notifications

import (
	"sort"
	"sync"
	"time"

	"parley/internal/observability"
)

const defaultTypingWindow = time.Second

// TypingChange is emitted when a user starts or stops typing in a chat.
type TypingChange struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

type typingFlag struct {
	gen   uint64
	timer *time.Timer
}

type chatTyping struct {
	mu    sync.Mutex
	flags map[string]*typingFlag
}

// TypingCoordinator holds auto-expiring typing flags per (chat, user).
// Changes for one chat are emitted in order under that chat's lock.
type TypingCoordinator struct {
	window   time.Duration
	onChange func(TypingChange)

	mu      sync.Mutex
	chats   map[string]*chatTyping
	gen     uint64
	stopped bool
}

// NewTypingCoordinator creates a coordinator whose flags expire after window.
func NewTypingCoordinator(window time.Duration, onChange func(TypingChange)) *TypingCoordinator {
	if window <= 0 {
		window = defaultTypingWindow
	}
	return &TypingCoordinator{
		window:   window,
		onChange: onChange,
		chats:    make(map[string]*chatTyping),
	}
}

func (tc *TypingCoordinator) chat(chatID string) *chatTyping {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	ct, ok := tc.chats[chatID]
	if !ok {
		ct = &chatTyping{flags: make(map[string]*typingFlag)}
		tc.chats[chatID] = ct
	}
	return ct
}

func (tc *TypingCoordinator) nextGen() (uint64, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.gen++
	return tc.gen, tc.stopped
}

// SetTyping raises or clears the flag for userID in chatID. A repeated true
// only re-arms the expiry timer.
func (tc *TypingCoordinator) SetTyping(chatID, userID string, isTyping bool) {
	gen, stopped := tc.nextGen()
	if stopped {
		return
	}
	ct := tc.chat(chatID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	flag, active := ct.flags[userID]
	if !isTyping {
		if !active {
			return
		}
		flag.timer.Stop()
		delete(ct.flags, userID)
		observability.TypingActive.Dec()
		tc.emit(TypingChange{ChatID: chatID, UserID: userID, IsTyping: false})
		return
	}

	if active {
		flag.timer.Stop()
		flag.gen = gen
		flag.timer = time.AfterFunc(tc.window, func() { tc.expire(chatID, userID, gen) })
		return
	}

	ct.flags[userID] = &typingFlag{
		gen:   gen,
		timer: time.AfterFunc(tc.window, func() { tc.expire(chatID, userID, gen) }),
	}
	observability.TypingActive.Inc()
	tc.emit(TypingChange{ChatID: chatID, UserID: userID, IsTyping: true})
}

// expire clears a flag whose timer fired, unless it was re-armed since.
func (tc *TypingCoordinator) expire(chatID, userID string, gen uint64) {
	ct := tc.chat(chatID)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	flag, ok := ct.flags[userID]
	if !ok || flag.gen != gen {
		return
	}
	delete(ct.flags, userID)
	observability.TypingActive.Dec()
	tc.emit(TypingChange{ChatID: chatID, UserID: userID, IsTyping: false})
}

// ClearUser drops every flag held by userID, emitting a stop for each.
func (tc *TypingCoordinator) ClearUser(userID string) {
	tc.mu.Lock()
	chatIDs := make([]string, 0, len(tc.chats))
	for id := range tc.chats {
		chatIDs = append(chatIDs, id)
	}
	tc.mu.Unlock()
	sort.Strings(chatIDs)
	for _, chatID := range chatIDs {
		tc.SetTyping(chatID, userID, false)
	}
}

// TypingUsersFor returns the users typing in chatID except exclude, sorted.
func (tc *TypingCoordinator) TypingUsersFor(chatID, exclude string) []string {
	tc.mu.Lock()
	ct, ok := tc.chats[chatID]
	tc.mu.Unlock()
	users := []string{}
	if !ok {
		return users
	}
	ct.mu.Lock()
	for id := range ct.flags {
		if id != exclude {
			users = append(users, id)
		}
	}
	ct.mu.Unlock()
	sort.Strings(users)
	return users
}

// Stop cancels every pending timer without emitting. Later calls to SetTyping are ignored.
func (tc *TypingCoordinator) Stop() {
	tc.mu.Lock()
	tc.stopped = true
	chats := tc.chats
	tc.chats = make(map[string]*chatTyping)
	tc.mu.Unlock()

	for _, ct := range chats {
		ct.mu.Lock()
		for id, flag := range ct.flags {
			flag.timer.Stop()
			delete(ct.flags, id)
			observability.TypingActive.Dec()
		}
		ct.mu.Unlock()
	}
}

func (tc *TypingCoordinator) emit(change TypingChange) {
	if tc.onChange != nil {
		tc.onChange(change)
	}
}
