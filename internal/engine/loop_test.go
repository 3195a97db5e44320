package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*loop, *atomic.Int64) {
	t.Helper()
	var pending atomic.Int64
	l := newLoop("test", &pending)
	ctx, cancel := context.WithCancel(context.Background())
	go l.run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.done()
	})
	return l, &pending
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l, _ := startLoop(t)

	var got []int
	for i := 1; i <= 5; i++ {
		i := i
		require.True(t, l.post(func() { got = append(got, i) }))
	}

	var snapshot []int
	l.call(func() { snapshot = append(snapshot, got...) })
	assert.Equal(t, []int{1, 2, 3, 4, 5}, snapshot)
}

func TestLoop_PendingReturnsToZero(t *testing.T) {
	l, pending := startLoop(t)

	release := make(chan struct{})
	l.post(func() { <-release })
	l.post(func() {})
	assert.Equal(t, int64(2), pending.Load())

	close(release)
	require.Eventually(t, func() bool { return pending.Load() == 0 }, time.Second, time.Millisecond)
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l, _ := startLoop(t)

	l.post(func() { panic("boom") })

	ran := false
	l.call(func() { ran = true })
	assert.True(t, ran)
}

func TestLoop_StopDrainsQueuedTasks(t *testing.T) {
	var pending atomic.Int64
	l := newLoop("test", &pending)

	var count int
	for i := 0; i < 3; i++ {
		l.post(func() { count++ })
	}

	exited := make(chan error, 1)
	go func() { exited <- l.run(context.Background()) }()
	l.call(func() {})
	l.stop()

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after stop")
	}
	assert.Equal(t, 3, count)
	assert.False(t, l.post(func() {}))
}

func TestLoop_CallAfterStopRunsInline(t *testing.T) {
	var pending atomic.Int64
	l := newLoop("test", &pending)
	l.stop()

	ran := false
	l.call(func() { ran = true })
	assert.True(t, ran)
	assert.Equal(t, int64(0), pending.Load())
}

func TestLoop_RunTwice(t *testing.T) {
	l, _ := startLoop(t)
	l.call(func() {})

	assert.ErrorIs(t, l.run(context.Background()), errLoopStarted)
}

func TestLoop_ContextCancelEndsRun(t *testing.T) {
	var pending atomic.Int64
	l := newLoop("test", &pending)
	ctx, cancel := context.WithCancel(context.Background())

	exited := make(chan error, 1)
	go func() { exited <- l.run(ctx) }()
	l.call(func() {})
	cancel()

	select {
	case err := <-exited:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancel")
	}
}
