package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/winklet/internal/model"
)

var (
	// ErrMatchNotFound is returned when a message references a missing match.
	ErrMatchNotFound = errors.New("match not found")

	// ErrNotParticipant is returned when a message sender is not one of the
	// match's two users.
	ErrNotParticipant = errors.New("sender is not a participant of the match")

	// ErrSelfMatch is returned when both users of a match are the same.
	ErrSelfMatch = errors.New("match users must differ")

	// ErrEmptyContent is returned for a message with no content.
	ErrEmptyContent = errors.New("message content is empty")
)

// InsertWink persists a wink draft and returns the authoritative record with
// server-assigned id and created_at.
func (s *Store) InsertWink(ctx context.Context, d model.WinkDraft) (model.Wink, error) {
	w := model.Wink{
		ID:           s.ids.Generate(),
		OwnerID:      d.OwnerID,
		Lat:          d.Lat,
		Lng:          d.Lng,
		RadiusMeters: d.RadiusMeters,
		ObservedAt:   d.ObservedAt.UTC(),
		CreatedAt:    s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO winks
		(id, owner_id, lat, lng, radius_meters, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID,
		w.OwnerID,
		w.Lat,
		w.Lng,
		w.RadiusMeters,
		w.ObservedAt.UnixNano(),
		w.CreatedAt.UnixNano(),
	)
	if err != nil {
		return model.Wink{}, fmt.Errorf("insert wink: %w", err)
	}

	s.publish(model.TableWinks, w)
	return w, nil
}

// InsertMatch persists a match. Matches are produced by the external
// matcher; the engine only observes them.
//
// Note: The wink referenced by WinkID must exist (foreign key constraint).
func (s *Store) InsertMatch(ctx context.Context, d model.MatchDraft) (model.Match, error) {
	if d.UserA == d.UserB {
		return model.Match{}, fmt.Errorf("insert match: %w", ErrSelfMatch)
	}

	m := model.Match{
		ID:        s.ids.Generate(),
		WinkID:    d.WinkID,
		UserA:     d.UserA,
		UserB:     d.UserB,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches
		(id, wink_id, user_a, user_b, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		m.ID,
		m.WinkID,
		m.UserA,
		m.UserB,
		m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return model.Match{}, fmt.Errorf("insert match: %w", err)
	}

	s.publish(model.TableMatches, m)
	return m, nil
}

// InsertMessage persists a chat message.
//
// The match must exist and the sender must be one of its users; both are
// checked inside the insert transaction.
func (s *Store) InsertMessage(ctx context.Context, d model.MessageDraft) (model.Message, error) {
	if d.Content == "" {
		return model.Message{}, fmt.Errorf("insert message: %w", ErrEmptyContent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var userA, userB string
	err = tx.QueryRowContext(ctx,
		`SELECT user_a, user_b FROM matches WHERE id = ?`, d.MatchID,
	).Scan(&userA, &userB)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("insert message: %w", ErrMatchNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: load match: %w", err)
	}
	if d.SenderID != userA && d.SenderID != userB {
		return model.Message{}, fmt.Errorf("insert message: %w", ErrNotParticipant)
	}

	m := model.Message{
		ID:        s.ids.Generate(),
		MatchID:   d.MatchID,
		SenderID:  d.SenderID,
		Content:   d.Content,
		CreatedAt: s.now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(id, match_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		m.ID,
		m.MatchID,
		m.SenderID,
		m.Content,
		m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("insert message: commit: %w", err)
	}

	s.publish(model.TableMessages, m)
	return m, nil
}

func (s *Store) publish(table string, rec model.Record) {
	if s.publisher != nil {
		s.publisher.Publish(table, rec)
	}
}
