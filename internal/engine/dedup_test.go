package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	id  string
	key int
	rev int
}

func newItemList() *OrderedDedupList[item] {
	return NewOrderedDedupList(
		func(i item) string { return i.id },
		func(a, b item) int {
			if a.key != b.key {
				return a.key - b.key
			}
			return strings.Compare(a.id, b.id)
		},
	)
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

func TestOrderedDedupList_InsertsSorted(t *testing.T) {
	l := newItemList()

	assert.True(t, l.Merge(item{id: "c", key: 3}))
	assert.True(t, l.Merge(item{id: "a", key: 1}))
	assert.True(t, l.Merge(item{id: "b", key: 2}))

	assert.Equal(t, []string{"a", "b", "c"}, ids(l.Snapshot()))
	assert.Equal(t, 3, l.Len())
}

func TestOrderedDedupList_EqualKeysOrderByID(t *testing.T) {
	l := newItemList()

	l.Merge(item{id: "b", key: 1})
	l.Merge(item{id: "a", key: 1})

	assert.Equal(t, []string{"a", "b"}, ids(l.Snapshot()))
}

func TestOrderedDedupList_DuplicateReplacesInPlace(t *testing.T) {
	l := newItemList()
	l.Merge(item{id: "a", key: 1})
	l.Merge(item{id: "b", key: 2})

	assert.False(t, l.Merge(item{id: "a", key: 1, rev: 2}))

	got := l.Snapshot()
	assert.Equal(t, []string{"a", "b"}, ids(got))
	assert.Equal(t, 2, got[0].rev)
}

func TestOrderedDedupList_MergeAllReturnsInserted(t *testing.T) {
	l := newItemList()
	l.Merge(item{id: "a", key: 1})

	inserted := l.MergeAll([]item{{id: "a", key: 1}, {id: "c", key: 3}, {id: "b", key: 2}})

	assert.Equal(t, []string{"c", "b"}, ids(inserted))
	assert.Equal(t, []string{"a", "b", "c"}, ids(l.Snapshot()))
}

func TestOrderedDedupList_SameItemsAnyOrderSameResult(t *testing.T) {
	batch := []item{{id: "x", key: 5}, {id: "y", key: 1}, {id: "z", key: 5}, {id: "w", key: 3}}

	forward := newItemList()
	forward.MergeAll(batch)

	backward := newItemList()
	for i := len(batch) - 1; i >= 0; i-- {
		backward.Merge(batch[i])
	}
	backward.MergeAll(batch)

	assert.Equal(t, ids(forward.Snapshot()), ids(backward.Snapshot()))
}

func TestOrderedDedupList_SnapshotIsCopy(t *testing.T) {
	l := newItemList()
	l.Merge(item{id: "a", key: 1})

	snap := l.Snapshot()
	snap[0].id = "mutated"

	assert.True(t, l.Contains("a"))
	assert.Equal(t, "a", l.Snapshot()[0].id)
}

func TestOrderedDedupList_Reset(t *testing.T) {
	l := newItemList()
	l.Merge(item{id: "a", key: 1})

	l.Reset()

	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Contains("a"))
	assert.True(t, l.Merge(item{id: "a", key: 1}))
}
