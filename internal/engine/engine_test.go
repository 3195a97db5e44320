package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_SignInOpensSubscriptions(t *testing.T) {
	f := newFixture(t)

	f.signIn("alice")

	assert.Equal(t, "alice", f.engine.User())
	assert.Equal(t, 2, f.engine.LiveSubscriptions())
	assert.Equal(t, 2, f.broker.Count())
}

func TestEngine_SignInRequiresUser(t *testing.T) {
	f := newFixture(t)

	assert.True(t, IsValidation(f.engine.SignIn("")))
	assert.Equal(t, 0, f.engine.LiveSubscriptions())
}

func TestEngine_SignInSameUserIsNoop(t *testing.T) {
	f := newFixture(t)
	f.signIn("alice")
	f.seedMatch("alice", "bob")
	f.settle()

	f.signIn("alice")

	assert.Equal(t, 2, f.engine.LiveSubscriptions())
	assert.Len(t, f.engine.Matches(), 1)
	assert.True(t, f.engine.NotificationFlag())
}

func TestEngine_SwitchingUserTearsDownPrevious(t *testing.T) {
	f := newFixture(t)
	m := f.seedMatch("alice", "bob")
	f.signIn("alice")
	s := f.openChat(m.ID)

	f.signIn("carol")

	assert.Equal(t, SessionClosed, s.State())
	assert.Equal(t, "carol", f.engine.User())
	assert.Empty(t, f.engine.ListWinks())
	assert.Empty(t, f.engine.Matches())
	assert.Equal(t, 2, f.engine.LiveSubscriptions())
	assert.Equal(t, 2, f.broker.Count())
}

func TestEngine_NoLeakAcrossSessionChurn(t *testing.T) {
	f := newFixture(t)
	m1 := f.seedMatch("alice", "bob")
	m2 := f.seedMatch("carol", "alice")
	f.signIn("alice")
	baseline := f.engine.LiveSubscriptions()

	for i := 0; i < 5; i++ {
		a := f.openChat(m1.ID)
		b := f.openChat(m2.ID)
		c := f.openChat(m1.ID)
		a.Close()
		b.Close()
		c.Close()
	}

	assert.Equal(t, baseline, f.engine.LiveSubscriptions())
	assert.Equal(t, baseline, f.broker.Count())

	f.engine.SignOut()
	assert.Equal(t, 0, f.engine.LiveSubscriptions())
	assert.Equal(t, 0, f.broker.Count())
	assert.Equal(t, "", f.engine.User())
}

func TestEngine_Status(t *testing.T) {
	f := newFixture(t)
	m := f.seedMatch("alice", "bob")
	f.signIn("alice")
	f.openChat(m.ID)

	st := f.engine.Status()

	assert.Equal(t, "alice", st.User)
	assert.Equal(t, ListenerWatching, st.Listener)
	assert.False(t, st.NotificationFlag, "opening the chat acknowledged the match")
	assert.Equal(t, 1, st.Winks)
	assert.Equal(t, 1, st.Matches)
	assert.Equal(t, 1, st.Sessions)
	require.Len(t, st.Subscriptions, 3)
	assert.Equal(t, SubscriptionInfo{Kind: KindWink, ID: "alice", State: SubLive, Handles: 1}, st.Subscriptions[0])
	assert.Equal(t, SubscriptionInfo{Kind: KindMatch, ID: "alice", State: SubLive, Handles: 1}, st.Subscriptions[1])
	assert.Equal(t, SubscriptionInfo{Kind: KindMessage, ID: m.ID, State: SubLive, Handles: 1}, st.Subscriptions[2])
}

func TestEngine_StopReleasesEverything(t *testing.T) {
	f := newFixture(t)
	m := f.seedMatch("alice", "bob")
	f.signIn("alice")
	s := f.openChat(m.ID)

	f.engine.Stop()
	<-f.engine.Done()

	assert.Equal(t, SessionClosed, s.State())
	assert.Equal(t, 0, f.engine.LiveSubscriptions())
	assert.Equal(t, 0, f.broker.Count())
	assert.Equal(t, ListenerStopped, f.engine.ListenerState())
	assert.True(t, IsValidation(f.engine.SignIn("alice")))
}

func TestEngine_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	e := New(f.storage, f.broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.NoError(t, e.SignIn("alice"))

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, e.LiveSubscriptions())
}

func TestEngine_StopBeforeRun(t *testing.T) {
	f := newFixture(t)
	e := New(f.storage, f.broker)

	e.Stop()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
	assert.Equal(t, "", e.User())
}

func TestEngine_SettleRespectsContext(t *testing.T) {
	f := newFixture(t)
	m := f.seedMatch("alice", "bob")
	f.signIn("alice")

	release := f.storage.holdFetches()
	defer release()
	_, err := f.engine.OpenChat(f.ctx, m.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.Settle(ctx), context.DeadlineExceeded)
}
