package engine

import "sync/atomic"

// Clock issues generation stamps. It is safe for concurrent use.
//
// Every owner of asynchronous work takes a fresh stamp when the work starts
// and keeps it as its current generation:
//   - a registry entry stamps each subscribe attempt, and push callbacks
//     carry the stamp of the attempt that produced them
//   - a wink coordinator or match listener stamps each sign-in and sign-out
//   - a chat session stamps each transcript fetch
//
// A result that arrives carrying an older stamp than its owner's current one
// belongs to work that was superseded, such as a fetch for a closed session,
// and is discarded. Stamps are never reused, so a single comparison is
// enough.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first stamp is 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next issues a new stamp, greater than every stamp issued before.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the most recently issued stamp, or 0 before the first.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
