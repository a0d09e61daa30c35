package notifications

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type typingRecorder struct {
	mu      sync.Mutex
	changes []TypingChange
}

func (r *typingRecorder) record(c TypingChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []TypingChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TypingChange(nil), r.changes...)
}

func TestTyping_ExpiryEmitsExactlyOneStop(t *testing.T) {
	rec := &typingRecorder{}
	tc := NewTypingCoordinator(30*time.Millisecond, rec.record)
	defer tc.Stop()

	tc.SetTyping("chat-1", "alice", true)
	assert.Equal(t, []string{"alice"}, tc.TypingUsersFor("chat-1", "bob"))

	assert.Eventually(t, func() bool {
		return len(tc.TypingUsersFor("chat-1", "")) == 0
	}, testEventuallyTimeout, testPollInterval)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []TypingChange{
		{ChatID: "chat-1", UserID: "alice", IsTyping: true},
		{ChatID: "chat-1", UserID: "alice", IsTyping: false},
	}, rec.snapshot())
}

func TestTyping_RepeatedTrueReArmsWithoutBroadcast(t *testing.T) {
	rec := &typingRecorder{}
	tc := NewTypingCoordinator(80*time.Millisecond, rec.record)
	defer tc.Stop()

	tc.SetTyping("chat-1", "alice", true)
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tc.SetTyping("chat-1", "alice", true)
	}
	assert.Equal(t, []string{"alice"}, tc.TypingUsersFor("chat-1", ""))
	assert.Len(t, rec.snapshot(), 1)

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, testEventuallyTimeout, testPollInterval)
}

func TestTyping_ExplicitFalse(t *testing.T) {
	rec := &typingRecorder{}
	tc := NewTypingCoordinator(time.Hour, rec.record)
	defer tc.Stop()

	tc.SetTyping("chat-1", "alice", false)
	assert.Empty(t, rec.snapshot(), "clearing an absent flag emits nothing")

	tc.SetTyping("chat-1", "alice", true)
	tc.SetTyping("chat-1", "alice", false)
	tc.SetTyping("chat-1", "alice", false)

	assert.Equal(t, []TypingChange{
		{ChatID: "chat-1", UserID: "alice", IsTyping: true},
		{ChatID: "chat-1", UserID: "alice", IsTyping: false},
	}, rec.snapshot())
}

func TestTyping_TypingUsersForExcludesQueryingUser(t *testing.T) {
	tc := NewTypingCoordinator(time.Hour, nil)
	defer tc.Stop()

	tc.SetTyping("chat-1", "carol", true)
	tc.SetTyping("chat-1", "alice", true)
	tc.SetTyping("chat-2", "bob", true)

	assert.Equal(t, []string{"alice", "carol"}, tc.TypingUsersFor("chat-1", "bob"))
	assert.Equal(t, []string{"carol"}, tc.TypingUsersFor("chat-1", "alice"))
	assert.Equal(t, []string{}, tc.TypingUsersFor("chat-3", ""))
}

func TestTyping_ClearUserAndStop(t *testing.T) {
	rec := &typingRecorder{}
	tc := NewTypingCoordinator(time.Hour, rec.record)

	tc.SetTyping("chat-1", "alice", true)
	tc.SetTyping("chat-2", "alice", true)
	tc.ClearUser("alice")
	assert.Empty(t, tc.TypingUsersFor("chat-1", ""))
	assert.Empty(t, tc.TypingUsersFor("chat-2", ""))
	assert.Len(t, rec.snapshot(), 4)

	tc.SetTyping("chat-1", "bob", true)
	tc.Stop()
	assert.Empty(t, tc.TypingUsersFor("chat-1", ""))
	tc.SetTyping("chat-1", "bob", true)
	assert.Len(t, rec.snapshot(), 5)
}
