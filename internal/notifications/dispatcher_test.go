package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	participants map[string][]string
	peers        map[string][]string
	err          error
}

func (s *stubResolver) ParticipantIDs(_ context.Context, chatID string) ([]string, error) {
	return s.participants[chatID], s.err
}

func (s *stubResolver) PeerIDs(_ context.Context, userID string) ([]string, error) {
	return s.peers[userID], s.err
}

func connect(t *testing.T, r *Registry, userID string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	_, err := r.Register(userID, c)
	require.NoError(t, err)
	return c
}

func TestDispatcher_MessageGoesToEveryParticipantSession(t *testing.T) {
	reg := NewRegistry()
	resolver := &stubResolver{participants: map[string][]string{"chat-1": {"alice", "bob"}}}
	d := NewDispatcher(reg, resolver, nil)

	alice := connect(t, reg, "alice")
	bobPhone := connect(t, reg, "bob")
	bobLaptop := connect(t, reg, "bob")
	outsider := connect(t, reg, "carol")

	err := d.Dispatch(context.Background(), Event{
		Kind:    MessageCreated,
		ChatID:  "chat-1",
		UserID:  "alice",
		Payload: map[string]string{"content": "hello"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, alice.count())
	assert.Equal(t, 1, bobPhone.count())
	assert.Equal(t, 1, bobLaptop.count())
	assert.Equal(t, 0, outsider.count())

	env := bobPhone.envelopes(t)[0]
	assert.Equal(t, EnvelopeMessage, env.Type)
	assert.Equal(t, "chat-1", env.ChatID)
	assert.Equal(t, map[string]interface{}{"content": "hello"}, env.Payload)
}

func TestDispatcher_TypingExcludesSubject(t *testing.T) {
	reg := NewRegistry()
	resolver := &stubResolver{participants: map[string][]string{"chat-1": {"alice", "bob"}}}
	d := NewDispatcher(reg, resolver, nil)
	alice := connect(t, reg, "alice")
	bob := connect(t, reg, "bob")

	require.NoError(t, d.Dispatch(context.Background(), Event{
		Kind: TypingChanged, ChatID: "chat-1", UserID: "alice", Payload: map[string]bool{"isTyping": true},
	}))
	assert.Equal(t, 0, alice.count())
	require.Equal(t, 1, bob.count())
	env := bob.envelopes(t)[0]
	assert.Equal(t, EnvelopeTyping, env.Type)
	assert.Equal(t, "alice", env.UserID)
}

func TestDispatcher_PresenceGoesToPeersOnly(t *testing.T) {
	reg := NewRegistry()
	resolver := &stubResolver{peers: map[string][]string{"alice": {"bob"}}}
	d := NewDispatcher(reg, resolver, nil)
	bob := connect(t, reg, "bob")
	carol := connect(t, reg, "carol")

	require.NoError(t, d.Dispatch(context.Background(), Event{Kind: PresenceChanged, UserID: "alice", Payload: "online"}))
	assert.Equal(t, 1, bob.count())
	assert.Equal(t, 0, carol.count())
	assert.Equal(t, EnvelopePresence, bob.envelopes(t)[0].Type)
}

func TestDispatcher_RecipientOverrideIsDeduplicated(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &stubResolver{}, nil)
	alice := connect(t, reg, "alice")

	require.NoError(t, d.Dispatch(context.Background(), Event{
		Kind: MessageStatusChanged, ChatID: "chat-1", UserID: "bob",
		Recipients: []string{"alice", "alice", ""},
	}))
	assert.Equal(t, 1, alice.count())
	assert.Equal(t, EnvelopeReadReceipt, alice.envelopes(t)[0].Type)
}

func TestDispatcher_BestEffortDelivery(t *testing.T) {
	reg := NewRegistry()
	resolver := &stubResolver{participants: map[string][]string{"chat-1": {"alice", "bob"}}}
	d := NewDispatcher(reg, resolver, nil)
	stuck := &fakeConn{full: true}
	_, err := reg.Register("alice", stuck)
	require.NoError(t, err)
	bob := connect(t, reg, "bob")

	require.NoError(t, d.Dispatch(context.Background(), Event{Kind: ChatUpdated, ChatID: "chat-1"}))
	assert.Equal(t, 0, stuck.count())
	assert.Equal(t, 1, bob.count())
}

func TestDispatcher_Errors(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &stubResolver{err: errors.New("db down")}, nil)

	assert.Error(t, d.Dispatch(context.Background(), Event{Kind: EventKind("Bogus")}))
	assert.Error(t, d.Dispatch(context.Background(), Event{Kind: MessageCreated, ChatID: "chat-1"}))
	assert.NoError(t, d.Dispatch(context.Background(), Event{Kind: MessageCreated}), "no chat means no recipients")
}

func TestDispatcher_RelaysAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := &stubResolver{participants: map[string][]string{"chat-1": {"alice", "bob"}}}

	newNode := func() (*Registry, *Dispatcher) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		reg := NewRegistry()
		d := NewDispatcher(reg, resolver, NewNotifier(rdb))
		require.NoError(t, d.Start(ctx))
		return reg, d
	}

	regA, dA := newNode()
	regB, _ := newNode()
	alice := connect(t, regA, "alice")
	bob := connect(t, regB, "bob")

	for i := 0; i < 3; i++ {
		require.NoError(t, dA.Dispatch(ctx, Event{Kind: MessageCreated, ChatID: "chat-1", Payload: i}))
	}

	assert.Eventually(t, func() bool {
		return alice.count() == 3 && bob.count() == 3
	}, testEventuallyTimeout, testPollInterval)

	envs := bob.envelopes(t)
	for i, env := range envs {
		assert.Equal(t, float64(i), env.Payload, "frames arrive in dispatch order")
	}
}

func TestDispatcher_FallsBackToLocalWhenPublishFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	resolver := &stubResolver{participants: map[string][]string{"chat-1": {"alice"}}}
	d := NewDispatcher(reg, resolver, NewNotifier(rdb))
	require.NoError(t, d.Start(ctx))
	alice := connect(t, reg, "alice")

	mr.Close()
	require.NoError(t, d.Dispatch(ctx, Event{Kind: MessageCreated, ChatID: "chat-1"}))
	assert.Equal(t, 1, alice.count())
}
