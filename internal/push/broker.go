package push

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/query"
)

type subscription struct {
	table  string
	filter query.Predicate
	sink   Sink
}

// Broker is an in-process Subscriber fed by store.Publisher.
//
// Delivery is synchronous on the publishing goroutine, outside the broker
// lock, so sinks may call back into the broker.
type Broker struct {
	mu          sync.RWMutex
	subs        map[Token]*subscription
	next        Token
	unavailable bool
	closed      atomic.Bool
}

// NewBroker creates an available broker with no subscriptions.
func NewBroker() *Broker {
	return &Broker{subs: make(map[Token]*subscription)}
}

// Subscribe implements Subscriber.
func (b *Broker) Subscribe(table string, filter query.Predicate, sink Sink) (Token, error) {
	if err := query.ValidatePredicate(filter); err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", table, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrClosed
	}
	if b.unavailable {
		return 0, ErrUnavailable
	}

	b.next++
	b.subs[b.next] = &subscription{table: table, filter: filter, sink: sink}
	slog.Debug("push subscribe", "token", b.next, "table", table, "filter", describe(filter))
	return b.next, nil
}

// Unsubscribe implements Subscriber.
func (b *Broker) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[token]; ok {
		delete(b.subs, token)
		slog.Debug("push unsubscribe", "token", token)
	}
}

// Publish delivers rec to every subscription on table whose filter matches.
// Implements store.Publisher.
func (b *Broker) Publish(table string, rec model.Record) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]Sink, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.table == table && query.Matches(sub.filter, rec) {
			targets = append(targets, sub.sink)
		}
	}
	b.mu.RUnlock()

	for _, sink := range targets {
		sink.insert(rec)
	}
}

// Disconnect simulates a connection loss: every subscription receives
// Drop(err) and is removed. A nil err is reported as ErrDisconnected.
func (b *Broker) Disconnect(err error) {
	if err == nil {
		err = ErrDisconnected
	}

	b.mu.Lock()
	dropped := make([]Sink, 0, len(b.subs))
	for token, sub := range b.subs {
		dropped = append(dropped, sub.sink)
		delete(b.subs, token)
	}
	b.mu.Unlock()

	if len(dropped) > 0 {
		slog.Info("push disconnected", "subscriptions", len(dropped), "error", err)
	}
	for _, sink := range dropped {
		sink.drop(err)
	}
}

// SetAvailable controls whether Subscribe succeeds. Going unavailable does
// not drop existing subscriptions; call Disconnect for that.
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = !available
}

// Count returns the number of open subscriptions.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscription with ErrClosed and rejects new ones.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.Disconnect(ErrClosed)
}

func describe(p query.Predicate) string {
	if p == nil {
		return "*"
	}
	return p.String()
}
