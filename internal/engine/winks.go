package engine

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/roach88/winklet/internal/model"
)

// Minute offset bounds for WinkInput.MinuteOffset.
const (
	MinMinuteOffset = -10
	MaxMinuteOffset = 0
)

// WinkInput is what a user submits to log a wink.
type WinkInput struct {
	// OwnerID must equal the signed-in user. Empty means the signed-in user.
	OwnerID      string  `json:"owner_id"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters int     `json:"radius_meters"`
	// MinuteOffset shifts observedAt into the past, within [-10, 0].
	MinuteOffset int `json:"minute_offset"`
}

// winkCoordinator owns the signed-in user's wink list. Loop-owned.
type winkCoordinator struct {
	e      *Engine
	user   string
	list   *OrderedDedupList[model.Wink]
	handle *subHandle
	epoch  int64
	err    error
}

func newWinkCoordinator(e *Engine) *winkCoordinator {
	return &winkCoordinator{
		e:    e,
		list: NewOrderedDedupList(func(w model.Wink) string { return w.ID }, model.CompareWinks),
	}
}

func (c *winkCoordinator) start(user string) {
	c.user = user
	c.epoch = c.e.clock.Next()
	c.list.Reset()
	c.err = nil
	c.handle = c.e.registry.Acquire(KindWink, user, c)
	c.fetch()
}

func (c *winkCoordinator) stop() {
	c.handle.Release()
	c.handle = nil
	c.epoch = c.e.clock.Next()
	c.user = ""
	c.list.Reset()
}

// fetch loads the wink history off-loop and merges it on return.
func (c *winkCoordinator) fetch() {
	epoch, user := c.epoch, c.user
	c.e.goTrack(func() {
		winks, err := c.e.storage.ListWinks(c.e.ctx, user)
		c.e.post(func() {
			if c.epoch != epoch {
				return
			}
			if err != nil {
				c.err = newTransportError("list winks", user, err)
				slog.Warn("wink history fetch failed", "user_id", user, "error", err)
				return
			}
			c.err = nil
			c.list.MergeAll(winks)
			slog.Debug("wink history loaded", "user_id", user, "count", len(winks))
		})
	})
}

func (c *winkCoordinator) inserted(rec model.Record) {
	if w, ok := rec.(model.Wink); ok && w.OwnerID == c.user {
		c.list.Merge(w)
	}
}

func (c *winkCoordinator) resynced() {
	c.fetch()
}

func (c *winkCoordinator) stale(err error) {
	c.err = err
}

// reacquire replaces a stale subscription with a fresh one.
func (c *winkCoordinator) reacquire() {
	if c.handle.State() != SubStale {
		return
	}
	c.handle.Release()
	c.handle = c.e.registry.Acquire(KindWink, c.user, c)
}

// validateWink checks a submission against the signed-in user. Does not
// touch loop state.
func (e *Engine) validateWink(in WinkInput, user string) (WinkInput, error) {
	const op = "submit wink"
	if user == "" {
		return in, newValidationError(op, "no user signed in")
	}
	if in.OwnerID == "" {
		in.OwnerID = user
	}
	if in.OwnerID != user {
		return in, newValidationError(op, "owner %q is not the signed-in user", in.OwnerID)
	}
	if in.MinuteOffset < MinMinuteOffset || in.MinuteOffset > MaxMinuteOffset {
		return in, newValidationError(op, "minute offset %d outside [%d, %d]", in.MinuteOffset, MinMinuteOffset, MaxMinuteOffset)
	}
	if !slices.Contains(e.allowedRadii, in.RadiusMeters) {
		return in, newValidationError(op, "radius %d is not one of %v", in.RadiusMeters, e.allowedRadii)
	}
	// NaN passes both range comparisons
	if !isFinite(in.Lat) || in.Lat < -90 || in.Lat > 90 {
		return in, newValidationError(op, "latitude %v out of range", in.Lat)
	}
	if !isFinite(in.Lng) || in.Lng < -180 || in.Lng > 180 {
		return in, newValidationError(op, "longitude %v out of range", in.Lng)
	}
	return in, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SubmitWink validates and persists a wink, then merges the authoritative
// record into the wink list.
//
// Validation failures return a validation error without any storage call.
// A storage failure returns a transport error carrying in, and the wink list
// is left unchanged.
func (e *Engine) SubmitWink(ctx context.Context, in WinkInput) (model.Wink, error) {
	var (
		user  string
		epoch int64
	)
	e.loop.call(func() {
		user, epoch = e.user, e.winks.epoch
	})

	in, err := e.validateWink(in, user)
	if err != nil {
		return model.Wink{}, err
	}

	draft := model.WinkDraft{
		OwnerID:      in.OwnerID,
		Lat:          in.Lat,
		Lng:          in.Lng,
		RadiusMeters: in.RadiusMeters,
		ObservedAt:   e.now().Add(time.Duration(in.MinuteOffset) * time.Minute).UTC(),
	}
	w, err := e.storage.InsertWink(ctx, draft)
	if err != nil {
		slog.Warn("wink submit failed", "user_id", user, "error", err)
		return model.Wink{}, newTransportError("submit wink", in, err)
	}

	e.loop.call(func() {
		// the user may have signed out while the insert was in flight
		if e.winks.epoch == epoch {
			e.winks.list.Merge(w)
		}
	})
	slog.Info("wink submitted", "wink_id", w.ID, "user_id", user, "radius", w.RadiusMeters)
	return w, nil
}

// ListWinks returns the signed-in user's winks, newest first.
func (e *Engine) ListWinks() []model.Wink {
	var out []model.Wink
	e.loop.call(func() { out = e.winks.list.Snapshot() })
	return out
}

// WinksErr returns the last wink history fetch failure, or the subscription
// error once the wink feed has gone stale. Nil while the feed is healthy.
func (e *Engine) WinksErr() error {
	var err error
	e.loop.call(func() { err = e.winks.err })
	return err
}

// RefreshWinks re-runs the wink history fetch, restarting a stale
// subscription first.
func (e *Engine) RefreshWinks(ctx context.Context) error {
	const op = "refresh winks"
	var (
		user  string
		epoch int64
	)
	e.loop.call(func() {
		user, epoch = e.user, e.winks.epoch
		if user != "" {
			e.winks.reacquire()
		}
	})
	if user == "" {
		return newValidationError(op, "no user signed in")
	}

	winks, err := e.storage.ListWinks(ctx, user)
	if err != nil {
		terr := newTransportError(op, user, err)
		e.loop.call(func() {
			if e.winks.epoch == epoch {
				e.winks.err = terr
			}
		})
		return terr
	}

	e.loop.call(func() {
		c := e.winks
		if c.epoch != epoch {
			return
		}
		if c.handle.State() != SubStale {
			c.err = nil
		}
		c.list.MergeAll(winks)
	})
	return nil
}
