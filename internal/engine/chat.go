package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/winklet/internal/model"
)

// SessionState is the lifecycle state of a chat session.
type SessionState string

const (
	SessionLoading       SessionState = "loading"
	SessionReady         SessionState = "ready"
	SessionStale         SessionState = "stale"
	SessionClosed        SessionState = "closed"
	SessionMatchNotFound SessionState = "matchNotFound"
)

// Session is one open chat for one match.
//
// Fetched and pushed messages merge through the same ordered dedup list, so
// the transcript never holds two messages with the same id and is always in
// (createdAt, id) order. Nothing is merged after Close.
type Session struct {
	e       *Engine
	matchID string
	user    string

	ready     chan struct{}
	readyOnce sync.Once

	// Loop-owned state
	match      model.Match
	state      SessionState
	err        error
	list       *OrderedDedupList[model.Message]
	handle     *subHandle
	disposed   bool
	fetchEpoch int64
	onMessage  []func(model.Message)
}

func newSession(e *Engine, matchID, user string) *Session {
	return &Session{
		e:       e,
		matchID: matchID,
		user:    user,
		ready:   make(chan struct{}),
		state:   SessionLoading,
		list:    NewOrderedDedupList(func(m model.Message) string { return m.ID }, model.CompareMessages),
	}
}

// OpenChat opens the chat session for matchID.
//
// A missing match returns a not-found error together with a terminal
// session in SessionMatchNotFound state; no subscription is created for it.
// Opening a chat acknowledges the match's notification.
func (e *Engine) OpenChat(ctx context.Context, matchID string) (*Session, error) {
	const op = "open chat"

	user := e.User()
	if user == "" {
		return nil, newValidationError(op, "no user signed in")
	}
	if matchID == "" {
		return nil, newValidationError(op, "match id is required")
	}

	m, found, err := e.storage.GetMatch(ctx, matchID)
	if err != nil {
		return nil, newTransportError(op, matchID, err)
	}

	s := newSession(e, matchID, user)
	if !found {
		s.state = SessionMatchNotFound
		s.disposed = true
		s.settle()
		slog.Info("chat match not found", "match_id", matchID, "user_id", user)
		return s, newNotFoundError(op, "match %s does not exist", matchID)
	}
	if !m.Involves(user) {
		return nil, newValidationError(op, "user %s is not part of match %s", user, matchID)
	}
	s.match = m

	var signedOut bool
	e.loop.call(func() {
		if e.user != user {
			signedOut = true
			return
		}
		s.handle = e.registry.Acquire(KindMessage, matchID, s)
		e.sessions[s] = struct{}{}
		e.matches.acknowledge(matchID)
		s.fetch()
	})
	if signedOut {
		return nil, newValidationError(op, "user signed out while opening chat")
	}

	slog.Info("chat opened", "match_id", matchID, "user_id", user)
	return s, nil
}

// fetch loads the transcript off-loop. Runs on the loop.
func (s *Session) fetch() {
	s.fetchEpoch = s.e.clock.Next()
	epoch := s.fetchEpoch
	e := s.e
	e.goTrack(func() {
		msgs, err := e.storage.ListMessages(e.ctx, s.matchID)
		if !e.post(func() { s.applyFetch(epoch, msgs, err) }) {
			s.settle()
		}
	})
}

func (s *Session) applyFetch(epoch int64, msgs []model.Message, err error) {
	defer s.settle()
	if s.disposed || epoch != s.fetchEpoch {
		return
	}
	if err != nil {
		s.err = newTransportError("list messages", s.matchID, err)
		slog.Warn("transcript fetch failed", "match_id", s.matchID, "error", err)
		if s.state == SessionLoading {
			s.state = SessionReady
		}
		return
	}
	s.err = nil
	s.emit(s.list.MergeAll(msgs))
	if s.state != SessionStale {
		s.state = SessionReady
	}
	slog.Debug("transcript loaded", "match_id", s.matchID, "count", len(msgs))
}

// settle closes Ready. Safe from any goroutine.
func (s *Session) settle() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) inserted(rec model.Record) {
	if s.disposed {
		return
	}
	if m, ok := rec.(model.Message); ok && m.MatchID == s.matchID {
		if s.list.Merge(m) {
			s.emit([]model.Message{m})
		}
	}
}

func (s *Session) resynced() {
	if s.disposed {
		return
	}
	if s.state == SessionStale {
		s.state = SessionLoading
	}
	s.fetch()
}

func (s *Session) stale(err error) {
	if s.disposed {
		return
	}
	s.state = SessionStale
	s.err = err
}

// emit hands newly merged messages to OnMessage callbacks. Runs on the loop.
func (s *Session) emit(msgs []model.Message) {
	if len(msgs) == 0 || len(s.onMessage) == 0 {
		return
	}
	callbacks := append(([]func(model.Message))(nil), s.onMessage...)
	s.e.notify(func() {
		for _, m := range msgs {
			for _, cb := range callbacks {
				cb(m)
			}
		}
	})
}

// dispose releases the subscription and stops all merging. Runs on the loop.
func (s *Session) dispose(final SessionState) {
	if s.disposed {
		return
	}
	s.disposed = true
	s.state = final
	s.handle.Release()
	s.handle = nil
	delete(s.e.sessions, s)
	s.settle()
}

// MatchID returns the session's match id.
func (s *Session) MatchID() string {
	return s.matchID
}

// Match returns the session's match. Zero for a not-found session.
func (s *Session) Match() model.Match {
	var m model.Match
	s.e.loop.call(func() { m = s.match })
	return m
}

// Ready is closed once the initial transcript fetch has settled: applied,
// failed, or discarded because the session closed.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// State returns the session state.
func (s *Session) State() SessionState {
	var st SessionState
	s.e.loop.call(func() { st = s.state })
	return st
}

// Err returns the last fetch or subscription error, or nil.
func (s *Session) Err() error {
	var err error
	s.e.loop.call(func() { err = s.err })
	return err
}

// Transcript returns the messages in (createdAt, id) order.
func (s *Session) Transcript() []model.Message {
	var out []model.Message
	s.e.loop.call(func() { out = s.list.Snapshot() })
	return out
}

// OnMessage registers a callback for every message newly added to the
// transcript, from the fetch, push or Send. Runs on the notifier goroutine.
func (s *Session) OnMessage(fn func(model.Message)) {
	s.e.loop.call(func() { s.onMessage = append(s.onMessage, fn) })
}

// Send posts a message as the signed-in user.
//
// Blank content is a validation error and makes no storage call. Content is
// stored in NFC form. The confirmed message is merged from the return value
// or from its push echo, whichever arrives first.
func (s *Session) Send(ctx context.Context, content string) (model.Message, error) {
	const op = "send message"
	if model.IsBlank(content) {
		return model.Message{}, newValidationError(op, "message content is empty")
	}
	normalized := model.NormalizeContent(content)

	var disposed bool
	s.e.loop.call(func() { disposed = s.disposed })
	if disposed {
		return model.Message{}, newValidationError(op, "chat session is closed")
	}

	draft := model.MessageDraft{MatchID: s.matchID, SenderID: s.user, Content: normalized}
	msg, err := s.e.storage.InsertMessage(ctx, draft)
	if err != nil {
		slog.Warn("message send failed", "match_id", s.matchID, "error", err)
		return model.Message{}, newTransportError(op, content, err)
	}

	s.e.loop.call(func() {
		if !s.disposed && s.list.Merge(msg) {
			s.emit([]model.Message{msg})
		}
	})
	slog.Debug("message sent", "match_id", s.matchID, "message_id", msg.ID)
	return msg, nil
}

// Refresh re-runs the transcript fetch. A stale session first reacquires its
// subscription.
func (s *Session) Refresh(ctx context.Context) error {
	const op = "refresh chat"

	var disposed bool
	s.e.loop.call(func() {
		disposed = s.disposed
		if disposed || s.state != SessionStale {
			return
		}
		s.handle.Release()
		s.handle = s.e.registry.Acquire(KindMessage, s.matchID, s)
		if s.handle.State() != SubStale {
			s.state = SessionLoading
		}
	})
	if disposed {
		return newValidationError(op, "chat session is closed")
	}

	msgs, err := s.e.storage.ListMessages(ctx, s.matchID)
	if err != nil {
		terr := newTransportError(op, s.matchID, err)
		s.e.loop.call(func() { s.err = terr })
		return terr
	}

	s.e.loop.call(func() {
		if s.disposed {
			return
		}
		s.err = nil
		s.emit(s.list.MergeAll(msgs))
		if s.state == SessionLoading {
			s.state = SessionReady
		}
	})
	return nil
}

// Close releases the session's subscription. Idempotent.
func (s *Session) Close() {
	s.e.loop.call(func() { s.dispose(SessionClosed) })
	slog.Debug("chat closed", "match_id", s.matchID)
}
