package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
	"github.com/roach88/winklet/internal/store"
	"github.com/roach88/winklet/internal/testutil"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errOffline = errors.New("offline")

	// fastPolicy reconnects within a few milliseconds so tests settle quickly.
	fastPolicy = ReconnectPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
)

// faultyStorage wraps a real store with switchable failures, a write
// counter and an optional gate on transcript fetches.
type faultyStorage struct {
	*store.Store

	failWrites   atomic.Bool
	failMatches  atomic.Bool
	failWinks    atomic.Bool
	failHistory  atomic.Bool
	writes       atomic.Int64
	messageFetch atomic.Int64

	mu   sync.Mutex
	gate chan struct{}
}

func (f *faultyStorage) InsertWink(ctx context.Context, d model.WinkDraft) (model.Wink, error) {
	f.writes.Add(1)
	if f.failWrites.Load() {
		return model.Wink{}, errOffline
	}
	return f.Store.InsertWink(ctx, d)
}

func (f *faultyStorage) InsertMessage(ctx context.Context, d model.MessageDraft) (model.Message, error) {
	f.writes.Add(1)
	if f.failWrites.Load() {
		return model.Message{}, errOffline
	}
	return f.Store.InsertMessage(ctx, d)
}

func (f *faultyStorage) ListMatches(ctx context.Context, userID string) ([]model.Match, error) {
	if f.failMatches.Load() {
		return nil, errOffline
	}
	return f.Store.ListMatches(ctx, userID)
}

func (f *faultyStorage) ListWinks(ctx context.Context, ownerID string) ([]model.Wink, error) {
	if f.failHistory.Load() {
		return nil, errOffline
	}
	return f.Store.ListWinks(ctx, ownerID)
}

func (f *faultyStorage) GetWink(ctx context.Context, id string) (model.Wink, bool, error) {
	if f.failWinks.Load() {
		return model.Wink{}, false, errOffline
	}
	return f.Store.GetWink(ctx, id)
}

func (f *faultyStorage) ListMessages(ctx context.Context, matchID string) ([]model.Message, error) {
	f.messageFetch.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.Store.ListMessages(ctx, matchID)
}

// holdFetches blocks transcript fetches until the returned func is called.
func (f *faultyStorage) holdFetches() func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.gate = nil
		f.mu.Unlock()
		close(gate)
	}
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *store.Store
	storage *faultyStorage
	broker  *push.Broker
	engine  *Engine
}

type fixtureConfig struct {
	storeOpts  []store.Option
	engineOpts []Option
}

type fixtureOption func(*fixtureConfig)

func withStoreOptions(opts ...store.Option) fixtureOption {
	return func(c *fixtureConfig) { c.storeOpts = append(c.storeOpts, opts...) }
}

func withEngineOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.engineOpts = append(c.engineOpts, opts...) }
}

// newFixture opens a store wired to a broker and runs an engine over it.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{
		engineOpts: []Option{
			WithReconnectPolicy(fastPolicy),
			WithClock(func() time.Time { return testNow }),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	broker := push.NewBroker()
	storeOpts := append([]store.Option{
		store.WithPublisher(broker),
		store.WithClock(testutil.NewDeterministicClock(testNow, time.Second).Now),
	}, cfg.storeOpts...)

	s, err := store.Open(filepath.Join(t.TempDir(), "winklet.db"), storeOpts...)
	require.NoError(t, err)

	storage := &faultyStorage{Store: s}
	e := New(storage, broker, cfg.engineOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	go e.Run(ctx)

	t.Cleanup(func() {
		e.Stop()
		<-e.Done()
		cancel()
		broker.Close()
		s.Close()
	})

	return &fixture{t: t, ctx: ctx, store: s, storage: storage, broker: broker, engine: e}
}

func (f *fixture) settle() {
	f.t.Helper()
	require.NoError(f.t, f.engine.Settle(f.ctx))
}

func (f *fixture) signIn(user string) {
	f.t.Helper()
	require.NoError(f.t, f.engine.SignIn(user))
	f.settle()
}

// seedMatch inserts a wink owned by userA and a match between userA and
// userB, straight into storage.
func (f *fixture) seedMatch(userA, userB string) model.Match {
	f.t.Helper()
	w, err := f.store.InsertWink(f.ctx, model.WinkDraft{
		OwnerID:      userA,
		Lat:          51.5074,
		Lng:          -0.1278,
		RadiusMeters: 200,
		ObservedAt:   testNow.Add(-5 * time.Minute),
	})
	require.NoError(f.t, err)
	m, err := f.store.InsertMatch(f.ctx, model.MatchDraft{WinkID: w.ID, UserA: userA, UserB: userB})
	require.NoError(f.t, err)
	return m
}

// externalWink inserts a wink for owner as if dropped from another device.
func (f *fixture) externalWink(owner string) model.Wink {
	f.t.Helper()
	w, err := f.store.InsertWink(f.ctx, model.WinkDraft{
		OwnerID:      owner,
		Lat:          48.8566,
		Lng:          2.3522,
		RadiusMeters: 100,
		ObservedAt:   testNow,
	})
	require.NoError(f.t, err)
	return w
}

// outage drops the push connection and keeps it down until reconnects are
// exhausted.
func (f *fixture) outage() {
	f.t.Helper()
	f.broker.SetAvailable(false)
	f.broker.Disconnect(nil)
	f.settle()
}

// externalMessage inserts a message as if sent from another device.
func (f *fixture) externalMessage(matchID, sender, content string) model.Message {
	f.t.Helper()
	m, err := f.store.InsertMessage(f.ctx, model.MessageDraft{MatchID: matchID, SenderID: sender, Content: content})
	require.NoError(f.t, err)
	return m
}

func (f *fixture) openChat(matchID string) *Session {
	f.t.Helper()
	s, err := f.engine.OpenChat(f.ctx, matchID)
	require.NoError(f.t, err)
	f.settle()
	return s
}

func messageIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
