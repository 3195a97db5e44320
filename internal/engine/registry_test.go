package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
)

// recordingConsumer counts registry events. Touched only on the loop.
type recordingConsumer struct {
	inserts  []string
	resyncs  int
	staleErr error
}

func (c *recordingConsumer) inserted(rec model.Record) { c.inserts = append(c.inserts, rec.RecordID()) }
func (c *recordingConsumer) resynced()                 { c.resyncs++ }
func (c *recordingConsumer) stale(err error)           { c.staleErr = err }

type registryFixture struct {
	loop    *loop
	pending *atomic.Int64
	broker  *push.Broker
	reg     *subscriptionRegistry
}

func newRegistryFixture(t *testing.T, policy ReconnectPolicy) *registryFixture {
	t.Helper()
	var pending atomic.Int64
	l := newLoop("registry", &pending)
	broker := push.NewBroker()
	stopping := make(chan struct{})

	track := func() func() {
		pending.Add(1)
		var once sync.Once
		return func() { once.Do(func() { pending.Add(-1) }) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	go l.run(ctx)
	t.Cleanup(func() {
		close(stopping)
		cancel()
		<-l.done()
	})

	return &registryFixture{
		loop:    l,
		pending: &pending,
		broker:  broker,
		reg:     newSubscriptionRegistry(l, broker, policy, NewClock(), track, stopping),
	}
}

func (f *registryFixture) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.pending.Load() == 0 }, 5*time.Second, time.Millisecond)
}

func TestRegistry_RefCountsByKey(t *testing.T) {
	f := newRegistryFixture(t, fastPolicy)
	a, b := &recordingConsumer{}, &recordingConsumer{}

	var ha, hb *subHandle
	f.loop.call(func() {
		ha = f.reg.Acquire(KindMessage, "m1", a)
		hb = f.reg.Acquire(KindMessage, "m1", b)
	})
	assert.Equal(t, 1, f.broker.Count())

	f.broker.Publish(model.TableMessages, model.Message{ID: "x", MatchID: "m1"})
	f.broker.Publish(model.TableMessages, model.Message{ID: "y", MatchID: "m2"})
	f.settle(t)

	f.loop.call(func() {
		assert.Equal(t, []string{"x"}, a.inserts)
		assert.Equal(t, []string{"x"}, b.inserts)

		ha.Release()
		ha.Release()
		assert.Equal(t, 1, f.reg.Live())
		assert.Equal(t, SubClosed, ha.State())
		assert.Equal(t, SubLive, hb.State())

		hb.Release()
		assert.Equal(t, 0, f.reg.Live())
	})
	assert.Equal(t, 0, f.broker.Count())
}

func TestRegistry_FailedSubscribeDegradesThenRecovers(t *testing.T) {
	policy := ReconnectPolicy{Attempts: 1000, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	f := newRegistryFixture(t, policy)
	c := &recordingConsumer{}
	f.broker.SetAvailable(false)

	var h *subHandle
	f.loop.call(func() { h = f.reg.Acquire(KindWink, "alice", c) })

	var st SubState
	f.loop.call(func() { st = h.State() })
	assert.Equal(t, SubDegraded, st)

	f.broker.SetAvailable(true)
	f.settle(t)

	f.loop.call(func() {
		assert.Equal(t, SubLive, h.State())
		assert.Equal(t, 1, c.resyncs)
	})
	assert.Equal(t, 1, f.broker.Count())
}

func TestRegistry_StaleEntryRestartsOnAcquire(t *testing.T) {
	f := newRegistryFixture(t, fastPolicy)
	c := &recordingConsumer{}

	var h *subHandle
	f.loop.call(func() { h = f.reg.Acquire(KindMatch, "alice", c) })
	f.broker.SetAvailable(false)
	f.broker.Disconnect(nil)
	f.settle(t)

	f.loop.call(func() {
		assert.Equal(t, SubStale, h.State())
		assert.True(t, IsSubscription(c.staleErr))
	})

	f.broker.SetAvailable(true)
	other := &recordingConsumer{}
	f.loop.call(func() {
		f.reg.Acquire(KindMatch, "alice", other)
		assert.Equal(t, SubLive, h.State())
		assert.Equal(t, 1, c.resyncs)
	})
}

func TestRegistry_DropFromOldGenerationIgnored(t *testing.T) {
	f := newRegistryFixture(t, fastPolicy)
	c := &recordingConsumer{}

	var st SubState
	f.loop.call(func() {
		h := f.reg.Acquire(KindMessage, "m1", c)
		f.reg.dropped(h.entry, h.entry.gen-1, push.ErrDisconnected)
		st = h.State()
	})
	assert.Equal(t, SubLive, st)
	assert.Equal(t, 1, f.broker.Count())
}

func TestRegistry_InfoInAcquisitionOrder(t *testing.T) {
	f := newRegistryFixture(t, fastPolicy)

	var info []SubscriptionInfo
	f.loop.call(func() {
		f.reg.Acquire(KindWink, "alice", &recordingConsumer{})
		f.reg.Acquire(KindMatch, "alice", &recordingConsumer{})
		f.reg.Acquire(KindMessage, "m1", &recordingConsumer{})
		info = f.reg.Info()
	})

	require.Len(t, info, 3)
	assert.Equal(t, KindWink, info[0].Kind)
	assert.Equal(t, KindMatch, info[1].Kind)
	assert.Equal(t, KindMessage, info[2].Kind)
}

func TestKindScope(t *testing.T) {
	table, filter := KindMatch.scope("alice")
	assert.Equal(t, model.TableMatches, table)
	assert.Equal(t, "or(user_a=alice,user_b=alice)", filter.String())

	table, filter = KindMessage.scope("m1")
	assert.Equal(t, model.TableMessages, table)
	assert.Equal(t, "match_id=m1", filter.String())
}

func TestRegistry_InsertQueuedBeforeReleaseNotDelivered(t *testing.T) {
	f := newRegistryFixture(t, fastPolicy)
	c := &recordingConsumer{}

	f.loop.call(func() {
		h := f.reg.Acquire(KindMessage, "m1", c)
		// the deliver task is queued behind this one
		f.broker.Publish(model.TableMessages, model.Message{ID: "x", MatchID: "m1"})
		h.Release()
	})
	f.settle(t)

	f.loop.call(func() {
		assert.Empty(t, c.inserts)
		assert.Equal(t, 0, f.reg.Live())
	})
}

func TestRegistry_InsertQueuedBeforeReleaseReachesRemainingHandles(t *testing.T) {
	f := newRegistryFixture(t, fastPolicy)
	gone, kept := &recordingConsumer{}, &recordingConsumer{}

	f.loop.call(func() {
		h := f.reg.Acquire(KindMessage, "m1", gone)
		f.reg.Acquire(KindMessage, "m1", kept)
		f.broker.Publish(model.TableMessages, model.Message{ID: "x", MatchID: "m1"})
		h.Release()
	})
	f.settle(t)

	f.loop.call(func() {
		assert.Empty(t, gone.inserts)
		assert.Equal(t, []string{"x"}, kept.inserts)
	})
}
