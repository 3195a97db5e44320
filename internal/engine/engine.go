package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
)

// Storage is the storage collaborator. Implemented by *store.Store.
type Storage interface {
	InsertWink(ctx context.Context, d model.WinkDraft) (model.Wink, error)
	InsertMessage(ctx context.Context, d model.MessageDraft) (model.Message, error)
	ListWinks(ctx context.Context, ownerID string) ([]model.Wink, error)
	ListMatches(ctx context.Context, userID string) ([]model.Match, error)
	ListMessages(ctx context.Context, matchID string) ([]model.Message, error)
	GetMatch(ctx context.Context, id string) (model.Match, bool, error)
	GetWink(ctx context.Context, id string) (model.Wink, bool, error)
}

// DefaultAllowedRadii are the wink radii accepted when none are configured.
var DefaultAllowedRadii = []int{100, 200, 300, 400, 500}

// Engine is the realtime synchronization engine for one signed-in user.
//
// CRITICAL: All engine state is mutated on a single loop goroutine started
// by Run. Public methods may be called from any goroutine; they marshal onto
// the loop and wait. Storage calls never run on the loop.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - every other method: safe from any goroutine while Run is active
//   - callbacks (OnNewMatch, Session.OnMessage) run on a separate notifier
//     goroutine, in order, and may call back into the engine
type Engine struct {
	storage Storage
	push    push.Subscriber

	allowedRadii []int
	policy       ReconnectPolicy
	now          func() time.Time

	loop     *loop
	notifier *loop
	pending  atomic.Int64
	clock    *Clock
	registry *subscriptionRegistry

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	// Loop-owned state
	user     string
	winks    *winkCoordinator
	matches  *matchListener
	sessions map[*Session]struct{}
	onMatch  []func(NewMatch)
	shutdown bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllowedRadii sets the wink radii accepted by SubmitWink.
func WithAllowedRadii(radii ...int) Option {
	return func(e *Engine) {
		e.allowedRadii = slices.Clone(radii)
	}
}

// WithReconnectPolicy sets the push reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock overrides the time source used for observedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine. Call Run to start it and SignIn to bind a user.
func New(storage Storage, p push.Subscriber, opts ...Option) *Engine {
	e := &Engine{
		storage:      storage,
		push:         p,
		allowedRadii: slices.Clone(DefaultAllowedRadii),
		policy:       DefaultReconnectPolicy,
		now:          time.Now,
		clock:        NewClock(),
		sessions:     make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.loop = newLoop("engine", &e.pending)
	e.notifier = newLoop("notifier", &e.pending)
	e.registry = newSubscriptionRegistry(e.loop, p, e.policy, e.clock, e.track, e.ctx.Done())
	e.winks = newWinkCoordinator(e)
	e.matches = newMatchListener(e)
	return e
}

// Run starts the engine loop. Blocks until ctx is cancelled or Stop is
// called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		_ = e.notifier.run(ctx)
	}()

	err := e.loop.run(ctx)
	if err != nil && ctx.Err() != nil {
		slog.Info("engine stopping: context cancelled")
	} else {
		slog.Info("engine stopping: stopped")
	}

	// No-op after an explicit Stop; tears down state after ctx cancellation
	e.Stop()
	<-notifierDone
	return err
}

// Stop tears down every session and subscription and stops the loop.
// Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		// Queued tasks drain first; teardown then runs after the loop exited
		e.loop.stop()
		e.loop.call(func() {
			e.teardownUser()
			e.matches.shutdown()
			e.shutdown = true
		})
		e.cancel()
		e.notifier.stop()
	})
}

// Done is closed once the engine loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.loop.done()
}

// track registers one unit of background work for Settle.
func (e *Engine) track() func() {
	e.pending.Add(1)
	var once sync.Once
	return func() { once.Do(func() { e.pending.Add(-1) }) }
}

// goTrack runs fn on a new goroutine counted by Settle.
func (e *Engine) goTrack(fn func()) {
	done := e.track()
	go func() {
		defer done()
		fn()
	}()
}

// post schedules fn on the engine loop.
func (e *Engine) post(fn func()) bool {
	return e.loop.post(fn)
}

// notify schedules fn on the notifier loop.
func (e *Engine) notify(fn func()) {
	e.notifier.post(fn)
}

// Settle blocks until no loop task, fetch, callback or reconnect timer is
// pending, or ctx is done. Must not be called from an engine callback.
func (e *Engine) Settle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if e.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SignIn binds the engine to a user: the wink history and match list are
// fetched and their subscriptions opened. Signing in as a different user
// first tears down the previous user's state.
func (e *Engine) SignIn(userID string) error {
	if userID == "" {
		return newValidationError("sign in", "user id is required")
	}
	var err error
	e.loop.call(func() {
		if e.shutdown {
			err = newValidationError("sign in", "engine stopped")
			return
		}
		if e.user == userID {
			return
		}
		e.teardownUser()
		e.user = userID
		slog.Info("user signed in", "user_id", userID)
		e.winks.start(userID)
		e.matches.start(userID)
	})
	return err
}

// SignOut closes every session and subscription of the current user and
// clears the notification flag.
func (e *Engine) SignOut() {
	e.loop.call(e.teardownUser)
}

// teardownUser runs on the loop.
func (e *Engine) teardownUser() {
	if e.user == "" {
		return
	}
	for s := range e.sessions {
		s.dispose(SessionClosed)
	}
	e.winks.stop()
	e.matches.stop()
	slog.Info("user signed out", "user_id", e.user)
	e.user = ""
}

// User returns the signed-in user id, or "".
func (e *Engine) User() string {
	var u string
	e.loop.call(func() { u = e.user })
	return u
}

// LiveSubscriptions returns the number of open registry entries.
func (e *Engine) LiveSubscriptions() int {
	var n int
	e.loop.call(func() { n = e.registry.Live() })
	return n
}

// Status is a point-in-time view of engine state.
type Status struct {
	User             string             `json:"user"`
	Listener         ListenerState      `json:"listener"`
	NotificationFlag bool               `json:"notification_flag"`
	Winks            int                `json:"winks"`
	WinksError       string             `json:"winks_error,omitempty"`
	Matches          int                `json:"matches"`
	MatchesError     string             `json:"matches_error,omitempty"`
	Sessions         int                `json:"sessions"`
	Subscriptions    []SubscriptionInfo `json:"subscriptions"`
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	var st Status
	e.loop.call(func() {
		st = Status{
			User:             e.user,
			Listener:         e.matches.state,
			NotificationFlag: e.matches.flag(),
			Winks:            e.winks.list.Len(),
			Matches:          e.matches.list.Len(),
			Sessions:         len(e.sessions),
			Subscriptions:    e.registry.Info(),
		}
		if err := e.winks.err; err != nil {
			st.WinksError = err.Error()
		}
		if err := e.matches.err; err != nil {
			st.MatchesError = err.Error()
		}
	})
	return st
}
