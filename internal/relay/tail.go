package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/store"
)

// DefaultTailInterval is the fallback poll period when no file event arrives.
const DefaultTailInterval = 500 * time.Millisecond

// tailBatch caps rows read per table per query.
const tailBatch = 256

// ChangeSource is the part of *store.Store the tailer reads from.
type ChangeSource interface {
	ReadSince(ctx context.Context, table string, afterSeq int64, limit int) ([]store.Change, error)
	MaxSeq(ctx context.Context, table string) (int64, error)
	Path() string
}

// Tailer publishes rows committed to a ChangeSource after it was primed.
//
// Rows are published per table in seq order. A row is published once: the
// per-table cursor only moves past rows that were handed to the publisher.
type Tailer struct {
	src      ChangeSource
	pub      store.Publisher
	interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
	primed  bool
}

// NewTailer creates a tailer. A non-positive interval uses
// DefaultTailInterval.
func NewTailer(src ChangeSource, pub store.Publisher, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	return &Tailer{
		src:      src,
		pub:      pub,
		interval: interval,
		cursors:  make(map[string]int64),
	}
}

// Prime moves every cursor to the current end of its table, so rows that
// already exist are never published.
func (t *Tailer) Prime(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prime(ctx)
}

func (t *Tailer) prime(ctx context.Context) error {
	for _, table := range model.Tables {
		seq, err := t.src.MaxSeq(ctx, table)
		if err != nil {
			return fmt.Errorf("prime tailer: %w", err)
		}
		t.cursors[table] = seq
	}
	t.primed = true
	slog.Debug("tailer primed", "cursors", fmt.Sprint(t.cursors))
	return nil
}

// Poll publishes every row committed since the last poll and returns how
// many were published. The first Poll primes the tailer if Prime was not
// called.
func (t *Tailer) Poll(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.primed {
		if err := t.prime(ctx); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, table := range model.Tables {
		for {
			changes, err := t.src.ReadSince(ctx, table, t.cursors[table], tailBatch)
			if err != nil {
				return n, fmt.Errorf("poll %s: %w", table, err)
			}
			for _, ch := range changes {
				t.pub.Publish(table, ch.Record)
				t.cursors[table] = ch.Seq
				n++
			}
			if len(changes) < tailBatch {
				break
			}
		}
	}
	if n > 0 {
		slog.Debug("tailer published", "rows", n)
	}
	return n, nil
}

// Run polls whenever the database or its WAL changes on disk, and at least
// once per interval. An unprimed tailer is primed first. Blocks until ctx is
// done.
func (t *Tailer) Run(ctx context.Context) error {
	t.mu.Lock()
	var err error
	if !t.primed {
		err = t.prime(ctx)
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	path := t.src.Path()
	dir, base := filepath.Dir(path), filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	slog.Info("tailer started", "path", path, "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("tailer stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDatabaseWrite(ev, base) {
				continue
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tailer watch error", "error", err)
			continue

		case <-ticker.C:
		}

		if _, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("tailer poll failed", "error", err)
		}
	}
}

// isDatabaseWrite reports whether ev touched the database file or its WAL.
func isDatabaseWrite(ev fsnotify.Event, base string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == base || name == base+"-wal"
}
