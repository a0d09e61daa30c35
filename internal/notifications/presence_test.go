package notifications

import (
	"context"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan models.PresenceRecord) []models.PresenceStatus {
	var out []models.PresenceStatus
	for {
		select {
		case rec := <-ch:
			out = append(out, rec.Status)
		default:
			return out
		}
	}
}

func TestPresence_StateMachine(t *testing.T) {
	connected := map[string]bool{"alice": true}
	p := NewPresenceTracker(func(id string) bool { return connected[id] })
	ch, cancel := p.Subscribe("alice")
	defer cancel()

	ctx := context.Background()
	assert.Equal(t, models.PresenceOffline, p.GetStatus(ctx, "alice").Status)

	p.UserOnline("alice")
	require.NoError(t, p.SetStatus("alice", models.PresenceAway))
	p.Touch("alice")
	require.NoError(t, p.SetStatus("alice", models.PresenceBusy))
	p.Touch("alice")
	p.UserOffline("alice")

	assert.Equal(t, []models.PresenceStatus{
		models.PresenceOnline,
		models.PresenceAway,
		models.PresenceOnline,
		models.PresenceBusy,
		models.PresenceOnline,
		models.PresenceOffline,
	}, drain(ch))
	assert.Equal(t, models.PresenceOffline, p.GetStatus(ctx, "alice").Status)
}

func TestPresence_RedundantUpdatesAreSuppressed(t *testing.T) {
	p := NewPresenceTracker(func(string) bool { return true })
	ch, cancel := p.Subscribe("")
	defer cancel()

	p.UserOnline("bob")
	p.UserOnline("bob")
	require.NoError(t, p.SetStatus("bob", models.PresenceOnline))
	p.Touch("bob")
	require.NoError(t, p.SetStatus("bob", models.PresenceAway))
	require.NoError(t, p.SetStatus("bob", models.PresenceAway))

	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceAway}, drain(ch))
}

func TestPresence_ExplicitOverrideClearedOnConnectionChange(t *testing.T) {
	p := NewPresenceTracker(func(string) bool { return true })
	ctx := context.Background()

	p.UserOnline("carol")
	require.NoError(t, p.SetStatus("carol", models.PresenceBusy))
	assert.Equal(t, models.PresenceBusy, p.GetStatus(ctx, "carol").Status)

	p.UserOffline("carol")
	p.UserOnline("carol")
	assert.Equal(t, models.PresenceOnline, p.GetStatus(ctx, "carol").Status)
}

func TestPresence_InvisibleIsNotRevealedByActivity(t *testing.T) {
	p := NewPresenceTracker(func(string) bool { return true })
	ctx := context.Background()

	p.UserOnline("dave")
	require.NoError(t, p.SetStatus("dave", models.PresenceOffline))
	p.Touch("dave")
	assert.Equal(t, models.PresenceOffline, p.GetStatus(ctx, "dave").Status)
}

func TestPresence_SetStatusRequiresConnectionAndValidStatus(t *testing.T) {
	p := NewPresenceTracker(func(string) bool { return false })
	assert.ErrorIs(t, p.SetStatus("erin", models.PresenceAway), ErrNotConnected)

	p = NewPresenceTracker(func(string) bool { return true })
	err := p.SetStatus("erin", models.PresenceStatus("dancing"))
	require.Error(t, err)
	assert.Equal(t, models.CodeValidation, models.ErrorCode(err))
}

func TestPresence_RemoteLookupAndSubscriberFilter(t *testing.T) {
	p := NewPresenceTracker(func(string) bool { return true })
	p.SetRemoteLookup(func(_ context.Context, id string) bool { return id == "remote" })
	ctx := context.Background()
	assert.Equal(t, models.PresenceOnline, p.GetStatus(ctx, "remote").Status)
	assert.Equal(t, models.PresenceOffline, p.GetStatus(ctx, "nobody").Status)

	ch, cancel := p.Subscribe("frank")
	p.UserOnline("grace")
	p.UserOnline("frank")
	assert.Eventually(t, func() bool {
		select {
		case rec := <-ch:
			return rec.UserID == "frank"
		default:
			return false
		}
	}, testEventuallyTimeout, testPollInterval)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.NotPanics(t, func() { p.UserOffline("frank") })
}

func TestPresence_TouchUpdatesLastActivity(t *testing.T) {
	p := NewPresenceTracker(func(string) bool { return true })
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.UserOnline("hank")

	p.now = func() time.Time { return base.Add(time.Minute) }
	p.Touch("hank")
	assert.Equal(t, base.Add(time.Minute), p.GetStatus(context.Background(), "hank").LastActivity)
}
