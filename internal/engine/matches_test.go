package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matchRecorder collects OnNewMatch notifications.
type matchRecorder struct {
	mu  sync.Mutex
	got []NewMatch
}

func (r *matchRecorder) record(m NewMatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, m)
}

func (r *matchRecorder) all() []NewMatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NewMatch(nil), r.got...)
}

func recordMatches(f *fixture) *matchRecorder {
	r := &matchRecorder{}
	f.engine.OnNewMatch(r.record)
	return r
}

func TestMatchListener_NotifiesExistingMatchOnSignIn(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	m := f.seedMatch("bob", "alice")

	f.signIn("alice")

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].MatchID)
	assert.Equal(t, "bob", got[0].CounterpartyID)
	assert.True(t, got[0].Located)
	assert.Equal(t, "51.5074°N, 0.1278°W", got[0].Coords())
	assert.True(t, f.engine.NotificationFlag())
	assert.Equal(t, ListenerWatching, f.engine.ListenerState())
}

func TestMatchListener_NotifiesPushedMatch(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.signIn("alice")
	assert.False(t, f.engine.NotificationFlag())

	m := f.seedMatch("alice", "bob")
	f.settle()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].MatchID)
	assert.Equal(t, "bob", got[0].CounterpartyID)
	assert.True(t, f.engine.NotificationFlag())
	assert.Len(t, f.engine.Matches(), 1)
}

func TestMatchListener_OneNotificationAcrossReconnect(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.signIn("alice")
	f.seedMatch("bob", "alice")
	f.settle()

	// the reconnect refetches the match list, which contains the same match
	f.broker.Disconnect(nil)
	f.settle()

	assert.Len(t, rec.all(), 1)
	assert.Len(t, f.engine.Matches(), 1)
	assert.Equal(t, ListenerWatching, f.engine.ListenerState())
}

func TestMatchListener_IgnoresOtherUsersMatches(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.signIn("alice")

	f.seedMatch("bob", "carol")
	f.settle()

	assert.Empty(t, rec.all())
	assert.False(t, f.engine.NotificationFlag())
}

func TestMatchListener_UnresolvedWinkStillNotifies(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.storage.failWinks.Store(true)
	f.signIn("alice")

	f.seedMatch("bob", "alice")
	f.settle()

	got := rec.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].Located)
	assert.Equal(t, "", got[0].Coords())
}

func TestMatchListener_NewestFirst(t *testing.T) {
	f := newFixture(t)
	older := f.seedMatch("alice", "bob")
	newer := f.seedMatch("carol", "alice")

	f.signIn("alice")

	got := f.engine.Matches()
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].MatchID)
	assert.Equal(t, older.ID, got[1].MatchID)
}

func TestMatchListener_Acknowledge(t *testing.T) {
	f := newFixture(t)
	a := f.seedMatch("alice", "bob")
	b := f.seedMatch("alice", "carol")
	f.signIn("alice")
	require.True(t, f.engine.NotificationFlag())

	f.engine.AcknowledgeMatch(a.ID)
	assert.True(t, f.engine.NotificationFlag())

	f.engine.AcknowledgeMatch(b.ID)
	assert.False(t, f.engine.NotificationFlag())
}

func TestMatchListener_AcknowledgeAll(t *testing.T) {
	f := newFixture(t)
	f.seedMatch("alice", "bob")
	f.seedMatch("alice", "carol")
	f.signIn("alice")

	f.engine.AcknowledgeAll()

	assert.False(t, f.engine.NotificationFlag())
}

func TestMatchListener_SignOutKeepsSeenMatches(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.seedMatch("alice", "bob")
	f.signIn("alice")

	f.engine.SignOut()
	assert.False(t, f.engine.NotificationFlag())
	assert.Empty(t, f.engine.Matches())
	assert.Equal(t, ListenerIdle, f.engine.ListenerState())

	f.signIn("alice")

	assert.Len(t, rec.all(), 1, "a seen match is not notified again")
	assert.False(t, f.engine.NotificationFlag())
	assert.Len(t, f.engine.Matches(), 1)
}

func TestMatchListener_SeenIsPerUser(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.seedMatch("alice", "bob")

	f.signIn("alice")
	f.signIn("bob")

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].CounterpartyID)
	assert.Equal(t, "alice", got[1].CounterpartyID)
}

func TestMatchListener_FetchFailureKeepsWatching(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.storage.failMatches.Store(true)
	f.signIn("alice")

	assert.Equal(t, ListenerWatching, f.engine.ListenerState())

	// the subscription is live even though the fetch failed
	f.seedMatch("bob", "alice")
	f.settle()
	assert.Len(t, rec.all(), 1)
}

func TestMatchListener_FetchFailureReportedUntilRefresh(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	m := f.seedMatch("bob", "alice")
	f.storage.failMatches.Store(true)
	f.signIn("alice")

	assert.True(t, IsTransport(f.engine.MatchesErr()), "got %v", f.engine.MatchesErr())
	assert.NotEmpty(t, f.engine.Status().MatchesError)
	assert.Empty(t, rec.all())

	f.storage.failMatches.Store(false)
	require.NoError(t, f.engine.RefreshMatches(f.ctx))
	f.settle()

	assert.NoError(t, f.engine.MatchesErr())
	assert.Empty(t, f.engine.Status().MatchesError)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, m.ID, rec.all()[0].MatchID)
	assert.Equal(t, ListenerWatching, f.engine.ListenerState())
}

func TestMatchListener_StaleRecoversOnRefresh(t *testing.T) {
	f := newFixture(t)
	rec := recordMatches(f)
	f.signIn("alice")
	f.outage()

	assert.Equal(t, ListenerStale, f.engine.ListenerState())
	assert.True(t, IsSubscription(f.engine.MatchesErr()), "got %v", f.engine.MatchesErr())

	f.broker.SetAvailable(true)
	missed := f.seedMatch("bob", "alice")
	f.settle()
	assert.Empty(t, rec.all(), "a stale feed receives no pushes")

	require.NoError(t, f.engine.RefreshMatches(f.ctx))
	f.settle()

	assert.Equal(t, ListenerWatching, f.engine.ListenerState())
	assert.NoError(t, f.engine.MatchesErr())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, missed.ID, rec.all()[0].MatchID)

	// refreshing again does not notify twice, and pushes flow again
	require.NoError(t, f.engine.RefreshMatches(f.ctx))
	f.seedMatch("carol", "alice")
	f.settle()
	assert.Len(t, rec.all(), 2)
}

func TestMatchListener_RefreshRequiresSignIn(t *testing.T) {
	f := newFixture(t)

	assert.True(t, IsValidation(f.engine.RefreshMatches(f.ctx)))
}
