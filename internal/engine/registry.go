package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
	"github.com/roach88/winklet/internal/query"
)

// Kind names the resource a subscription is scoped to.
type Kind string

const (
	// KindWink scopes to one owner's winks; the id is the owner id.
	KindWink Kind = "wink"

	// KindMatch scopes to matches involving one user; the id is the user id.
	KindMatch Kind = "match"

	// KindMessage scopes to one match's messages; the id is the match id.
	KindMessage Kind = "message"
)

// scope returns the storage table and push filter for a (kind, id) scope.
func (k Kind) scope(id string) (string, query.Predicate) {
	switch k {
	case KindWink:
		return model.TableWinks, query.Eq("owner_id", id)
	case KindMatch:
		return model.TableMatches, query.AnyOf(query.Eq("user_a", id), query.Eq("user_b", id))
	default:
		return model.TableMessages, query.Eq("match_id", id)
	}
}

// SubState is the lifecycle state of one registry entry.
type SubState string

// Degraded entries are reconnecting; stale entries gave up.
const (
	SubLive     SubState = "live"
	SubDegraded SubState = "degraded"
	SubStale    SubState = "stale"
	SubClosed   SubState = "closed"
)

type subKey struct {
	kind Kind
	id   string
}

func (k subKey) String() string {
	return string(k.kind) + ":" + k.id
}

// consumer receives events for one handle. Every method runs on the engine
// loop.
type consumer interface {
	inserted(rec model.Record)
	resynced()
	stale(err error)
}

// subEntry is one underlying push subscription shared by its handles.
type subEntry struct {
	key      subKey
	state    SubState
	token    push.Token
	gen      int64
	attempts int
	handles  []*subHandle
	lastErr  error
}

// subHandle is one consumer lease on a subEntry.
type subHandle struct {
	reg      *subscriptionRegistry
	entry    *subEntry
	consumer consumer
	released bool
}

// Release drops this lease. The underlying subscription is closed when the
// last lease is released. Idempotent. Must run on the engine loop.
func (h *subHandle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.reg.release(h)
}

// State returns the state of the shared subscription.
func (h *subHandle) State() SubState {
	if h.released {
		return SubClosed
	}
	return h.entry.state
}

// SubscriptionInfo describes one registry entry for status output.
type SubscriptionInfo struct {
	Kind    Kind     `json:"kind"`
	ID      string   `json:"id"`
	State   SubState `json:"state"`
	Handles int      `json:"handles"`
}

// subscriptionRegistry owns every push subscription of one engine, keyed by
// (kind, id), reference counted by handles.
//
// All methods run on the engine loop. Push callbacks are posted to the loop
// and stamped with the entry generation that created them; a callback from
// an older generation is discarded.
type subscriptionRegistry struct {
	loop    *loop
	push    push.Subscriber
	policy  ReconnectPolicy
	clock   *Clock
	entries map[subKey]*subEntry
	order   []subKey

	// track registers background work with the engine's settle counter
	track func() func()
	// stopping is closed when the engine shuts down
	stopping <-chan struct{}
}

func newSubscriptionRegistry(l *loop, p push.Subscriber, policy ReconnectPolicy, clock *Clock, track func() func(), stopping <-chan struct{}) *subscriptionRegistry {
	return &subscriptionRegistry{
		loop:     l,
		push:     p,
		policy:   policy,
		clock:    clock,
		entries:  make(map[subKey]*subEntry),
		track:    track,
		stopping: stopping,
	}
}

// Acquire returns a new handle on the (kind, id) subscription, opening it on
// first interest. A failed initial subscribe leaves the entry degraded with
// reconnection scheduled; the handle is still returned.
func (r *subscriptionRegistry) Acquire(kind Kind, id string, c consumer) *subHandle {
	key := subKey{kind: kind, id: id}
	entry, ok := r.entries[key]
	if !ok {
		entry = &subEntry{key: key}
		r.entries[key] = entry
		r.order = append(r.order, key)
		r.open(entry)
	} else if entry.state == SubStale {
		slog.Info("subscription restarting after stale", "key", key.String())
		entry.attempts = 0
		if r.open(entry) {
			r.notifyResynced(entry)
		}
	}

	h := &subHandle{reg: r, entry: entry, consumer: c}
	entry.handles = append(entry.handles, h)
	slog.Debug("subscription acquired", "key", key.String(), "handles", len(entry.handles), "state", entry.state)
	return h
}

// open subscribes entry and moves it to live, or to degraded with a
// reconnect scheduled. Returns true on success.
func (r *subscriptionRegistry) open(entry *subEntry) bool {
	entry.gen = r.clock.Next()
	gen := entry.gen
	table, filter := entry.key.kind.scope(entry.key.id)

	token, err := r.push.Subscribe(table, filter, push.Sink{
		Insert: func(rec model.Record) {
			r.loop.post(func() { r.deliver(entry, gen, rec) })
		},
		Drop: func(err error) {
			r.loop.post(func() { r.dropped(entry, gen, err) })
		},
	})
	if err != nil {
		slog.Warn("subscribe failed", "key", entry.key.String(), "error", err)
		entry.state = SubDegraded
		entry.lastErr = err
		r.scheduleReconnect(entry)
		return false
	}

	entry.token = token
	entry.state = SubLive
	entry.attempts = 0
	entry.lastErr = nil
	return true
}

func (r *subscriptionRegistry) deliver(entry *subEntry, gen int64, rec model.Record) {
	if entry.gen != gen || entry.state == SubClosed {
		return
	}
	for _, h := range r.activeHandles(entry) {
		// a consumer may release other handles while we iterate
		if !h.released {
			h.consumer.inserted(rec)
		}
	}
}

func (r *subscriptionRegistry) dropped(entry *subEntry, gen int64, err error) {
	if entry.gen != gen || entry.state == SubClosed {
		return
	}
	slog.Warn("subscription dropped", "key", entry.key.String(), "error", err)

	// invalidate callbacks from the dropped token
	entry.gen = r.clock.Next()
	entry.token = 0
	entry.state = SubDegraded
	entry.lastErr = err
	entry.attempts = 0
	r.scheduleReconnect(entry)
}

// scheduleReconnect waits out the backoff for the next attempt, then retries
// on the loop. Exhausting the policy marks the entry stale.
func (r *subscriptionRegistry) scheduleReconnect(entry *subEntry) {
	if entry.attempts >= r.policy.Attempts {
		r.markStale(entry)
		return
	}
	entry.attempts++
	attempt := entry.attempts
	gen := entry.gen
	delay := r.policy.Delay(attempt)

	done := r.track()
	go func() {
		defer done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.stopping:
			return
		}
		r.loop.post(func() { r.reconnect(entry, gen, attempt) })
	}()
}

func (r *subscriptionRegistry) reconnect(entry *subEntry, gen int64, attempt int) {
	if entry.gen != gen || entry.state != SubDegraded {
		return
	}
	slog.Debug("subscription reconnecting", "key", entry.key.String(), "attempt", attempt)
	if !r.open(entry) {
		return
	}

	slog.Info("subscription restored", "key", entry.key.String(), "attempt", attempt)
	r.notifyResynced(entry)
}

// notifyResynced tells every consumer to re-run its one-shot fetch; pushes
// sent while the subscription was down are lost.
func (r *subscriptionRegistry) notifyResynced(entry *subEntry) {
	for _, h := range r.activeHandles(entry) {
		if !h.released {
			h.consumer.resynced()
		}
	}
}

func (r *subscriptionRegistry) markStale(entry *subEntry) {
	entry.state = SubStale
	err := newSubscriptionError(entry.key, entry.attempts, entry.lastErr)
	slog.Error("subscription stale", "key", entry.key.String(), "error", err)
	for _, h := range r.activeHandles(entry) {
		if !h.released {
			h.consumer.stale(err)
		}
	}
}

func (r *subscriptionRegistry) release(h *subHandle) {
	entry := h.entry
	for i, other := range entry.handles {
		if other == h {
			entry.handles = append(entry.handles[:i], entry.handles[i+1:]...)
			break
		}
	}
	slog.Debug("subscription released", "key", entry.key.String(), "handles", len(entry.handles))
	if len(entry.handles) > 0 {
		return
	}

	if entry.state == SubLive {
		r.push.Unsubscribe(entry.token)
	}
	entry.state = SubClosed
	entry.gen = r.clock.Next()
	delete(r.entries, entry.key)
	for i, k := range r.order {
		if k == entry.key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	slog.Debug("subscription closed", "key", entry.key.String())
}

func (r *subscriptionRegistry) activeHandles(entry *subEntry) []*subHandle {
	out := make([]*subHandle, len(entry.handles))
	copy(out, entry.handles)
	return out
}

// Live returns the number of open registry entries.
func (r *subscriptionRegistry) Live() int {
	return len(r.entries)
}

// Info describes every entry in acquisition order.
func (r *subscriptionRegistry) Info() []SubscriptionInfo {
	out := make([]SubscriptionInfo, 0, len(r.order))
	for _, k := range r.order {
		e := r.entries[k]
		out = append(out, SubscriptionInfo{Kind: k.kind, ID: k.id, State: e.state, Handles: len(e.handles)})
	}
	return out
}
