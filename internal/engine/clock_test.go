package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtZero(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
}

func TestClock_SupersededStampIsOlder(t *testing.T) {
	c := NewClock()
	fetch := c.Next()
	current := c.Next() // the owner moved on, e.g. a sign-out

	assert.Less(t, fetch, current)
	assert.NotEqual(t, fetch, c.Current())
}

func TestClock_NextIncrements(t *testing.T) {
	c := NewClock()

	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())

	// Current does not advance
	assert.Equal(t, int64(2), c.Current())
	assert.Equal(t, int64(2), c.Current())
}

func TestClock_ConcurrentStampsAreUnique(t *testing.T) {
	c := NewClock()
	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	stamps := make(chan int64, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				stamps <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(stamps)

	seen := make(map[int64]bool)
	for s := range stamps {
		assert.False(t, seen[s], "stamp %d issued twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
	assert.Equal(t, int64(goroutines*perGoroutine), c.Current())
}
