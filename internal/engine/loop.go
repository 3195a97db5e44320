package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var errLoopStarted = errors.New("loop already started or stopped")

// loop is a single-goroutine task executor.
//
// Every task posted to a loop runs to completion before the next one starts,
// in FIFO order. State owned by a loop is only touched from its tasks, so it
// needs no locks.
type loop struct {
	name    string
	queue   *taskQueue
	pending *atomic.Int64
	started atomic.Bool
	stopped chan struct{}

	// inlineMu serializes tasks that run on the caller after the loop exited
	inlineMu sync.Mutex
}

func newLoop(name string, pending *atomic.Int64) *loop {
	return &loop{
		name:    name,
		queue:   newTaskQueue(),
		pending: pending,
		stopped: make(chan struct{}),
	}
}

// run executes tasks until the context is cancelled or stop is called.
// Tasks still queued at that point are drained before run returns.
func (l *loop) run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errLoopStarted
	}
	defer close(l.stopped)

	for {
		if t, ok := l.queue.TryDequeue(); ok {
			l.exec(t)
			continue
		}

		select {
		case <-ctx.Done():
			l.queue.Close()
			l.drain()
			return ctx.Err()

		case <-l.queue.Wait():
			// A coalesced signal may be stale; only a closed and empty
			// queue ends the loop.
			if l.queue.Closed() && l.queue.Len() == 0 {
				return nil
			}
		}
	}
}

func (l *loop) drain() {
	for {
		t, ok := l.queue.TryDequeue()
		if !ok {
			return
		}
		l.exec(t)
	}
}

func (l *loop) exec(t task) {
	defer l.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop task panicked",
				"loop", l.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	t()
}

// post schedules t and returns immediately.
// Returns false if the loop no longer accepts tasks.
func (l *loop) post(t task) bool {
	l.pending.Add(1)
	if !l.queue.Enqueue(t) {
		l.pending.Add(-1)
		return false
	}
	return true
}

// call runs fn on the loop and waits for it to finish.
//
// Once the loop has stopped fn runs on the calling goroutine instead.
// Never call from a task on the same loop.
func (l *loop) call(fn func()) {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		fn()
	}) {
		l.runInline(fn)
		return
	}

	select {
	case <-done:
	case <-l.stopped:
		// The loop drains before closing stopped, so an unfinished task
		// will never run.
		select {
		case <-done:
		default:
			l.runInline(fn)
		}
	}
}

func (l *loop) runInline(fn func()) {
	<-l.stopped
	l.inlineMu.Lock()
	defer l.inlineMu.Unlock()
	fn()
}

// stop closes the queue. A loop that never ran is marked stopped at once.
func (l *loop) stop() {
	l.queue.Close()
	if l.started.CompareAndSwap(false, true) {
		close(l.stopped)
	}
}

// done reports whether the loop has exited.
func (l *loop) done() <-chan struct{} {
	return l.stopped
}
