package engine

import (
	"slices"
	"sort"
)

// OrderedDedupList is a sorted collection keyed by id.
//
// Merging an item whose id is already present replaces it in place without
// reordering; otherwise the item is inserted at its sorted position. The
// list never holds two items with the same id.
//
// Not safe for concurrent use. The engine only touches its lists from the
// loop goroutine.
type OrderedDedupList[T any] struct {
	items []T
	ids   map[string]struct{}
	id    func(T) string
	cmp   func(a, b T) int
}

// NewOrderedDedupList creates an empty list using id for identity and cmp
// for ordering.
func NewOrderedDedupList[T any](id func(T) string, cmp func(a, b T) int) *OrderedDedupList[T] {
	return &OrderedDedupList[T]{
		ids: make(map[string]struct{}),
		id:  id,
		cmp: cmp,
	}
}

// Merge inserts or replaces item. Returns true if item was newly inserted.
func (l *OrderedDedupList[T]) Merge(item T) bool {
	key := l.id(item)
	if _, ok := l.ids[key]; ok {
		for i := range l.items {
			if l.id(l.items[i]) == key {
				l.items[i] = item
				break
			}
		}
		return false
	}

	// Upper bound keeps insertion stable for equal keys
	pos := sort.Search(len(l.items), func(i int) bool {
		return l.cmp(l.items[i], item) > 0
	})
	l.items = slices.Insert(l.items, pos, item)
	l.ids[key] = struct{}{}
	return true
}

// MergeAll merges every item and returns the ones that were newly inserted.
func (l *OrderedDedupList[T]) MergeAll(items []T) []T {
	var inserted []T
	for _, item := range items {
		if l.Merge(item) {
			inserted = append(inserted, item)
		}
	}
	return inserted
}

// Contains reports whether an item with the given id is present.
func (l *OrderedDedupList[T]) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of items.
func (l *OrderedDedupList[T]) Len() int {
	return len(l.items)
}

// Snapshot returns a copy of the items in order.
func (l *OrderedDedupList[T]) Snapshot() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Reset removes every item.
func (l *OrderedDedupList[T]) Reset() {
	l.items = nil
	l.ids = make(map[string]struct{})
}
