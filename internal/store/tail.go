package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/winklet/internal/model"
)

// Change is one row observed by ReadSince, tagged with its table sequence.
type Change struct {
	Table  string
	Seq    int64
	Record model.Record
}

// ReadSince returns rows of table with seq greater than afterSeq in seq
// order, at most limit rows (limit <= 0 means no limit).
//
// Used by the relay to tail rows written by other processes.
func (s *Store) ReadSince(ctx context.Context, table string, afterSeq int64, limit int) ([]Change, error) {
	tbl, err := lookupTable(table)
	if err != nil {
		return nil, fmt.Errorf("read since: %w", err)
	}

	// table and columns come from the fixed tables map, never from input
	sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE seq > ? ORDER BY seq ASC",
		strings.Join(tbl.columns, ", "), table)
	args := []any{afterSeq}
	if limit > 0 {
		sqlText += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("read since %s: %w", table, err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		seq, rec, err := tbl.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		changes = append(changes, Change{Table: table, Seq: seq, Record: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return changes, nil
}

// MaxSeq returns the highest seq in table, or 0 for an empty table.
func (s *Store) MaxSeq(ctx context.Context, table string) (int64, error) {
	if _, err := lookupTable(table); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s", table)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq %s: %w", table, err)
	}
	return seq, nil
}
