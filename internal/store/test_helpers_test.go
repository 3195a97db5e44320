package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/winklet/internal/model"
)

// stepClock returns base, base+1s, base+2s, ... on successive calls.
type stepClock struct {
	mu   sync.Mutex
	next time.Time
}

func newStepClock() *stepClock {
	return &stepClock{next: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(time.Second)
	return t
}

// recordingPublisher collects published records.
type recordingPublisher struct {
	mu      sync.Mutex
	records []model.Record
}

func (p *recordingPublisher) Publish(_ string, rec model.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
}

func (p *recordingPublisher) Records() []model.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Record(nil), p.records...)
}

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithClock(newStepClock().Now)}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWink(t *testing.T, s *Store, owner string) model.Wink {
	t.Helper()
	w, err := s.InsertWink(context.Background(), model.WinkDraft{
		OwnerID:      owner,
		Lat:          51.5074,
		Lng:          -0.1278,
		RadiusMeters: 200,
		ObservedAt:   time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("InsertWink() failed: %v", err)
	}
	return w
}

func seedMatch(t *testing.T, s *Store, userA, userB string) model.Match {
	t.Helper()
	w := seedWink(t, s, userA)
	m, err := s.InsertMatch(context.Background(), model.MatchDraft{WinkID: w.ID, UserA: userA, UserB: userB})
	if err != nil {
		t.Fatalf("InsertMatch() failed: %v", err)
	}
	return m
}
