// Package querysql compiles query selects into parameterized SQLite SQL.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/winklet/internal/query"
)

// SQLCompiler compiles query.Select values to parameterized SQL for SQLite.
//
// Every query ends in an ORDER BY with an id tiebreaker so result order is
// deterministic. Values are always bound as ? parameters, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a select into a (sql, params) pair.
func (c *SQLCompiler) Compile(q query.Select) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, fmt.Errorf("compile select: %w", err)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.Columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.From)

	var params []any
	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(filterSQL)
		params = filterParams
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(stableOrderKey(q.Order))

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}

	return b.String(), params, nil
}

// stableOrderKey renders the requested order followed by the id tiebreaker.
// COLLATE BINARY keeps text ordering identical across SQLite builds.
func stableOrderKey(order []query.OrderBy) string {
	parts := make([]string, 0, len(order)+1)
	hasID := false
	for _, o := range order {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		if o.Field == "id" {
			hasID = true
			parts = append(parts, "id "+dir+" COLLATE BINARY")
			continue
		}
		parts = append(parts, o.Field+" "+dir)
	}
	if !hasID {
		parts = append(parts, "id ASC COLLATE BINARY")
	}
	return strings.Join(parts, ", ")
}

func (c *SQLCompiler) compilePredicate(p query.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case query.Equals:
		return pred.Field + " = ?", []any{pred.Value}, nil
	case query.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		return c.compileJoined(pred.Predicates, " AND ")
	case query.Or:
		if len(pred.Predicates) == 0 {
			return "1 = 0", nil, nil
		}
		return c.compileJoined(pred.Predicates, " OR ")
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileJoined(preds []query.Predicate, sep string) (string, []any, error) {
	sqlParts := make([]string, 0, len(preds))
	var allParams []any
	for _, pred := range preds {
		sql, params, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}
	return "(" + strings.Join(sqlParts, sep) + ")", allParams, nil
}
