// Package push defines the push collaborator contract and an in-process
// broker that implements it.
//
// A subscription is scoped to one table and a query.Predicate. Every row
// inserted into that table that satisfies the predicate is delivered to the
// subscription's Sink. When the underlying connection drops, every open
// subscription receives Drop and is forgotten; the subscriber is expected to
// resubscribe.
package push

import (
	"errors"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/query"
)

var (
	// ErrUnavailable is returned by Subscribe while the transport is down.
	ErrUnavailable = errors.New("push: transport unavailable")

	// ErrClosed is returned after the subscriber has been closed.
	ErrClosed = errors.New("push: closed")

	// ErrDisconnected is the Drop reason for a simulated connection loss.
	ErrDisconnected = errors.New("push: connection lost")
)

// Token identifies one subscription on one Subscriber.
type Token uint64

// Sink receives events for one subscription. Callbacks may be invoked from
// any goroutine and must not block for long.
type Sink struct {
	// Insert is called for every matching inserted row.
	Insert func(rec model.Record)

	// Drop is called at most once when the subscription is lost.
	// No further Insert calls follow.
	Drop func(err error)
}

func (s Sink) insert(rec model.Record) {
	if s.Insert != nil {
		s.Insert(rec)
	}
}

func (s Sink) drop(err error) {
	if s.Drop != nil {
		s.Drop(err)
	}
}

// Subscriber is the push collaborator consumed by the engine.
type Subscriber interface {
	// Subscribe opens a subscription for inserts into table that satisfy
	// filter. A nil filter matches every row.
	Subscribe(table string, filter query.Predicate, sink Sink) (Token, error)

	// Unsubscribe closes a subscription. Unknown tokens are ignored.
	Unsubscribe(token Token)
}
