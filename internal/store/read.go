package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/query"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// tableSpec describes how to read full rows of one table.
type tableSpec struct {
	columns []string
	scan    func(scanner) (int64, model.Record, error)
}

var tables = map[string]tableSpec{
	model.TableWinks: {
		columns: []string{"seq", "id", "owner_id", "lat", "lng", "radius_meters", "observed_at", "created_at"},
		scan: func(sc scanner) (int64, model.Record, error) {
			var (
				seq                 int64
				w                   model.Wink
				observed, createdAt int64
			)
			if err := sc.Scan(&seq, &w.ID, &w.OwnerID, &w.Lat, &w.Lng, &w.RadiusMeters, &observed, &createdAt); err != nil {
				return 0, nil, err
			}
			w.ObservedAt = fromNanos(observed)
			w.CreatedAt = fromNanos(createdAt)
			return seq, w, nil
		},
	},
	model.TableMatches: {
		columns: []string{"seq", "id", "wink_id", "user_a", "user_b", "created_at"},
		scan: func(sc scanner) (int64, model.Record, error) {
			var (
				seq       int64
				m         model.Match
				createdAt int64
			)
			if err := sc.Scan(&seq, &m.ID, &m.WinkID, &m.UserA, &m.UserB, &createdAt); err != nil {
				return 0, nil, err
			}
			m.CreatedAt = fromNanos(createdAt)
			return seq, m, nil
		},
	},
	model.TableMessages: {
		columns: []string{"seq", "id", "match_id", "sender_id", "content", "created_at"},
		scan: func(sc scanner) (int64, model.Record, error) {
			var (
				seq       int64
				m         model.Message
				createdAt int64
			)
			if err := sc.Scan(&seq, &m.ID, &m.MatchID, &m.SenderID, &m.Content, &createdAt); err != nil {
				return 0, nil, err
			}
			m.CreatedAt = fromNanos(createdAt)
			return seq, m, nil
		},
	},
}

func lookupTable(name string) (tableSpec, error) {
	tbl, ok := tables[name]
	if !ok {
		return tableSpec{}, fmt.Errorf("unknown table %q", name)
	}
	return tbl, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Select runs a one-shot fetch described by q and returns full records.
// q.Columns is replaced by the table's full column list.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Select(ctx context.Context, q query.Select) ([]model.Record, error) {
	tbl, err := lookupTable(q.From)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	q.Columns = tbl.columns

	sqlText, params, err := s.compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.From, err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		_, rec, err := tbl.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.From, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", q.From, err)
	}
	return records, nil
}

// ListWinks returns a user's winks newest first.
func (s *Store) ListWinks(ctx context.Context, ownerID string) ([]model.Wink, error) {
	recs, err := s.Select(ctx, query.Select{
		From:   model.TableWinks,
		Filter: query.Eq("owner_id", ownerID),
		Order:  []query.OrderBy{query.Desc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return collect[model.Wink](recs), nil
}

// ListMatches returns every match the user is part of, newest first.
func (s *Store) ListMatches(ctx context.Context, userID string) ([]model.Match, error) {
	recs, err := s.Select(ctx, query.Select{
		From:   model.TableMatches,
		Filter: ParticipantFilter(userID),
		Order:  []query.OrderBy{query.Desc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return collect[model.Match](recs), nil
}

// ListMessages returns a match's transcript in (created_at, id) order.
func (s *Store) ListMessages(ctx context.Context, matchID string) ([]model.Message, error) {
	recs, err := s.Select(ctx, query.Select{
		From:   model.TableMessages,
		Filter: query.Eq("match_id", matchID),
		Order:  []query.OrderBy{query.Asc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return collect[model.Message](recs), nil
}

// GetMatch returns the match with the given id.
// Returns found=false (and no error) if it does not exist.
func (s *Store) GetMatch(ctx context.Context, id string) (model.Match, bool, error) {
	rec, found, err := s.getByID(ctx, model.TableMatches, id)
	if err != nil || !found {
		return model.Match{}, found, err
	}
	return rec.(model.Match), true, nil
}

// GetWink returns the wink with the given id.
// Returns found=false (and no error) if it does not exist.
func (s *Store) GetWink(ctx context.Context, id string) (model.Wink, bool, error) {
	rec, found, err := s.getByID(ctx, model.TableWinks, id)
	if err != nil || !found {
		return model.Wink{}, found, err
	}
	return rec.(model.Wink), true, nil
}

func (s *Store) getByID(ctx context.Context, table, id string) (model.Record, bool, error) {
	tbl, err := lookupTable(table)
	if err != nil {
		return nil, false, err
	}
	q := query.Select{From: table, Columns: tbl.columns, Filter: query.Eq("id", id), Limit: 1}
	sqlText, params, err := s.compiler.Compile(q)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", table, err)
	}

	_, rec, err := tbl.scan(s.db.QueryRowContext(ctx, sqlText, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return rec, true, nil
}

// ParticipantFilter scopes matches to those where userID is either side.
func ParticipantFilter(userID string) query.Predicate {
	return query.AnyOf(query.Eq("user_a", userID), query.Eq("user_b", userID))
}

func collect[T model.Record](recs []model.Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(T))
	}
	return out
}
