package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/winklet/internal/model"
)

// ListenerState is the lifecycle state of the match listener.
type ListenerState string

const (
	ListenerIdle     ListenerState = "idle"
	ListenerFetching ListenerState = "fetching"
	ListenerWatching ListenerState = "watching"
	ListenerStale    ListenerState = "stale"
	ListenerStopped  ListenerState = "stopped"
)

// NewMatch is delivered once per distinct match id to OnNewMatch callbacks.
type NewMatch struct {
	MatchID        string  `json:"match_id"`
	WinkID         string  `json:"wink_id"`
	CounterpartyID string  `json:"counterparty_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	// Located is false when the wink location could not be resolved.
	Located   bool      `json:"located"`
	CreatedAt time.Time `json:"created_at"`
}

// Coords renders the resolved location, or "" if unresolved.
func (m NewMatch) Coords() string {
	if !m.Located {
		return ""
	}
	return model.FormatCoords(m.Lat, m.Lng)
}

func compareNewMatches(a, b NewMatch) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.MatchID, b.MatchID)
}

// matchListener watches matches for the signed-in user. Loop-owned.
type matchListener struct {
	e      *Engine
	state  ListenerState
	user   string
	handle *subHandle
	epoch  int64
	err    error

	// seen and resolved survive sign-out and reconnects; cleared only at
	// shutdown
	seen     map[noticeKey]struct{}
	resolved map[noticeKey]NewMatch
	unacked  map[string]struct{}
	list     *OrderedDedupList[NewMatch]
}

// noticeKey scopes first-observation tracking to one user.
type noticeKey struct {
	user  string
	match string
}

func newMatchListener(e *Engine) *matchListener {
	return &matchListener{
		e:        e,
		state:    ListenerIdle,
		seen:     make(map[noticeKey]struct{}),
		resolved: make(map[noticeKey]NewMatch),
		unacked:  make(map[string]struct{}),
		list:     NewOrderedDedupList(func(m NewMatch) string { return m.MatchID }, compareNewMatches),
	}
}

func (l *matchListener) start(user string) {
	l.user = user
	l.epoch = l.e.clock.Next()
	l.err = nil
	l.list.Reset()
	// subscribe before fetching so no insert falls between the two
	l.handle = l.e.registry.Acquire(KindMatch, user, l)
	l.fetch()
}

func (l *matchListener) fetch() {
	l.state = ListenerFetching
	epoch, user := l.epoch, l.user
	l.e.goTrack(func() {
		matches, err := l.e.storage.ListMatches(l.e.ctx, user)
		l.e.post(func() {
			if l.epoch != epoch {
				return
			}
			if l.state == ListenerFetching {
				l.state = ListenerWatching
			}
			if err != nil {
				l.err = newTransportError("list matches", user, err)
				slog.Warn("match fetch failed", "user_id", user, "error", err)
				return
			}
			l.err = nil
			for _, m := range matches {
				l.observe(m)
			}
		})
	})
}

// observe handles a match from the fetch or from push. The first
// observation of an id raises the notification; later ones are dropped.
func (l *matchListener) observe(m model.Match) {
	if !m.Involves(l.user) {
		return
	}
	key := noticeKey{user: l.user, match: m.ID}
	if _, ok := l.seen[key]; ok {
		if nm, ok := l.resolved[key]; ok {
			l.list.Merge(nm)
		}
		return
	}
	l.seen[key] = struct{}{}
	l.unacked[m.ID] = struct{}{}
	slog.Info("new match", "match_id", m.ID, "user_id", l.user)

	epoch, user := l.epoch, l.user
	e := l.e
	e.notify(func() {
		nm := NewMatch{
			MatchID:        m.ID,
			WinkID:         m.WinkID,
			CounterpartyID: m.Counterparty(user),
			CreatedAt:      m.CreatedAt,
		}
		w, found, err := e.storage.GetWink(e.ctx, m.WinkID)
		switch {
		case err != nil:
			slog.Warn("match wink lookup failed", "match_id", m.ID, "wink_id", m.WinkID, "error", err)
		case !found:
			slog.Warn("match wink not found", "match_id", m.ID, "wink_id", m.WinkID)
		default:
			nm.Lat, nm.Lng, nm.Located = w.Lat, w.Lng, true
		}

		var callbacks []func(NewMatch)
		e.loop.call(func() {
			l.resolved[key] = nm
			if l.user == user {
				l.list.Merge(nm)
			}
			// a notification raised before a sign-out is not delivered
			if l.epoch == epoch {
				callbacks = append(callbacks, e.onMatch...)
			}
		})
		for _, cb := range callbacks {
			cb(nm)
		}
	})
}

func (l *matchListener) inserted(rec model.Record) {
	if m, ok := rec.(model.Match); ok {
		l.observe(m)
	}
}

func (l *matchListener) resynced() {
	l.fetch()
}

func (l *matchListener) stale(err error) {
	l.state = ListenerStale
	l.err = err
}

// reacquire replaces a stale subscription with a fresh one and leaves the
// stale state.
func (l *matchListener) reacquire() {
	if l.handle.State() != SubStale {
		return
	}
	l.handle.Release()
	l.handle = l.e.registry.Acquire(KindMatch, l.user, l)
	if l.handle.State() != SubStale {
		l.state = ListenerFetching
	}
}

func (l *matchListener) acknowledge(matchID string) {
	delete(l.unacked, matchID)
}

func (l *matchListener) flag() bool {
	return len(l.unacked) > 0
}

// stop releases the subscription on sign-out. Seen matches are kept, so
// signing back in does not notify them again.
func (l *matchListener) stop() {
	l.handle.Release()
	l.handle = nil
	l.epoch = l.e.clock.Next()
	l.user = ""
	l.unacked = make(map[string]struct{})
	l.list.Reset()
	if l.state != ListenerStopped {
		l.state = ListenerIdle
	}
}

// shutdown ends the listener for the engine lifetime.
func (l *matchListener) shutdown() {
	l.state = ListenerStopped
	l.seen = make(map[noticeKey]struct{})
	l.resolved = make(map[noticeKey]NewMatch)
}

// OnNewMatch registers a callback invoked once per distinct match id, in
// first-observation order, on the notifier goroutine.
func (e *Engine) OnNewMatch(fn func(NewMatch)) {
	e.loop.call(func() { e.onMatch = append(e.onMatch, fn) })
}

// NotificationFlag reports whether an unacknowledged match exists.
func (e *Engine) NotificationFlag() bool {
	var f bool
	e.loop.call(func() { f = e.matches.flag() })
	return f
}

// AcknowledgeMatch clears the notification for one match.
func (e *Engine) AcknowledgeMatch(matchID string) {
	e.loop.call(func() { e.matches.acknowledge(matchID) })
}

// AcknowledgeAll clears the notification flag.
func (e *Engine) AcknowledgeAll() {
	e.loop.call(func() { e.matches.unacked = make(map[string]struct{}) })
}

// Matches returns the observed matches of the signed-in user, newest first.
func (e *Engine) Matches() []NewMatch {
	var out []NewMatch
	e.loop.call(func() { out = e.matches.list.Snapshot() })
	return out
}

// MatchesErr returns the last match fetch failure, or the subscription error
// once the match feed has gone stale. Nil while the feed is healthy.
func (e *Engine) MatchesErr() error {
	var err error
	e.loop.call(func() { err = e.matches.err })
	return err
}

// RefreshMatches re-runs the match fetch, restarting a stale subscription
// first. Matches already notified are not notified again.
func (e *Engine) RefreshMatches(ctx context.Context) error {
	const op = "refresh matches"
	var (
		user  string
		epoch int64
	)
	e.loop.call(func() {
		user, epoch = e.user, e.matches.epoch
		if user != "" {
			e.matches.reacquire()
		}
	})
	if user == "" {
		return newValidationError(op, "no user signed in")
	}

	matches, err := e.storage.ListMatches(ctx, user)
	e.loop.call(func() {
		l := e.matches
		if l.epoch != epoch {
			return
		}
		if l.state == ListenerFetching {
			l.state = ListenerWatching
		}
		if err != nil {
			l.err = newTransportError(op, user, err)
			return
		}
		if l.handle.State() != SubStale {
			l.err = nil
		}
		for _, m := range matches {
			l.observe(m)
		}
	})
	if err != nil {
		return newTransportError(op, user, err)
	}
	return nil
}

// ListenerState returns the match listener state.
func (e *Engine) ListenerState() ListenerState {
	var st ListenerState
	e.loop.call(func() { st = e.matches.state })
	return st
}
