package push

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/query"
)

type collector struct {
	mu      sync.Mutex
	records []model.Record
	drops   []error
}

func (c *collector) sink() Sink {
	return Sink{
		Insert: func(rec model.Record) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.records = append(c.records, rec)
		},
		Drop: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.drops = append(c.drops, err)
		},
	}
}

func TestBroker_DeliversMatchingInserts(t *testing.T) {
	b := NewBroker()
	c := &collector{}

	_, err := b.Subscribe(model.TableMessages, query.Eq("match_id", "x-1"), c.sink())
	require.NoError(t, err)

	b.Publish(model.TableMessages, model.Message{ID: "m1", MatchID: "x-1"})
	b.Publish(model.TableMessages, model.Message{ID: "m2", MatchID: "x-2"})
	b.Publish(model.TableWinks, model.Wink{ID: "x-1"})

	require.Len(t, c.records, 1)
	assert.Equal(t, "m1", c.records[0].RecordID())
}

func TestBroker_EitherParticipantScope(t *testing.T) {
	b := NewBroker()
	c := &collector{}

	filter := query.AnyOf(query.Eq("user_a", "alice"), query.Eq("user_b", "alice"))
	_, err := b.Subscribe(model.TableMatches, filter, c.sink())
	require.NoError(t, err)

	b.Publish(model.TableMatches, model.Match{ID: "x1", UserA: "bob", UserB: "alice"})
	b.Publish(model.TableMatches, model.Match{ID: "x2", UserA: "bob", UserB: "carol"})

	require.Len(t, c.records, 1)
	assert.Equal(t, "x1", c.records[0].RecordID())
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	c := &collector{}

	token, err := b.Subscribe(model.TableWinks, nil, c.sink())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count())

	b.Unsubscribe(token)
	b.Unsubscribe(token)
	assert.Equal(t, 0, b.Count())

	b.Publish(model.TableWinks, model.Wink{ID: "w1"})
	assert.Empty(t, c.records)
}

func TestBroker_DisconnectDropsAll(t *testing.T) {
	b := NewBroker()
	c1, c2 := &collector{}, &collector{}

	_, err := b.Subscribe(model.TableWinks, nil, c1.sink())
	require.NoError(t, err)
	_, err = b.Subscribe(model.TableMessages, nil, c2.sink())
	require.NoError(t, err)

	b.Disconnect(nil)

	assert.Equal(t, 0, b.Count())
	require.Len(t, c1.drops, 1)
	assert.ErrorIs(t, c1.drops[0], ErrDisconnected)
	require.Len(t, c2.drops, 1)

	b.Publish(model.TableWinks, model.Wink{ID: "w1"})
	assert.Empty(t, c1.records)
}

func TestBroker_Unavailable(t *testing.T) {
	b := NewBroker()
	b.SetAvailable(false)

	_, err := b.Subscribe(model.TableWinks, nil, Sink{})
	assert.ErrorIs(t, err, ErrUnavailable)

	b.SetAvailable(true)
	_, err = b.Subscribe(model.TableWinks, nil, Sink{})
	assert.NoError(t, err)
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker()
	c := &collector{}
	_, err := b.Subscribe(model.TableWinks, nil, c.sink())
	require.NoError(t, err)

	b.Close()
	b.Close()

	require.Len(t, c.drops, 1)
	assert.True(t, errors.Is(c.drops[0], ErrClosed))

	_, err = b.Subscribe(model.TableWinks, nil, Sink{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroker_RejectsInvalidFilter(t *testing.T) {
	b := NewBroker()

	_, err := b.Subscribe(model.TableWinks, query.Eq("owner_id OR 1", "x"), Sink{})
	assert.Error(t, err)
}

func TestBroker_SinkMayUnsubscribeDuringDelivery(t *testing.T) {
	b := NewBroker()
	var token Token
	calls := 0
	token, err := b.Subscribe(model.TableWinks, nil, Sink{Insert: func(model.Record) {
		calls++
		b.Unsubscribe(token)
	}})
	require.NoError(t, err)

	b.Publish(model.TableWinks, model.Wink{ID: "w1"})
	b.Publish(model.TableWinks, model.Wink{ID: "w2"})

	assert.Equal(t, 1, calls)
}
