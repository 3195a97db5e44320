package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
	String() string
}

// Equals matches rows whose Field equals Value.
type Equals struct {
	Field string
	Value string
}

func (Equals) predicateNode() {}

func (e Equals) String() string {
	return fmt.Sprintf("%s=%s", e.Field, e.Value)
}

// And matches rows for which every predicate matches.
// Empty Predicates means "always true".
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

func (a And) String() string {
	return joinPredicates("and", a.Predicates)
}

// Or matches rows for which at least one predicate matches.
// Empty Predicates means "always false".
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

func (o Or) String() string {
	return joinPredicates("or", o.Predicates)
}

func joinPredicates(op string, preds []Predicate) string {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = p.String()
	}
	return op + "(" + strings.Join(parts, ",") + ")"
}

// Eq is shorthand for Equals{Field: field, Value: value}.
func Eq(field, value string) Equals {
	return Equals{Field: field, Value: value}
}

// AnyOf is shorthand for Or over the given predicates.
func AnyOf(preds ...Predicate) Or {
	return Or{Predicates: preds}
}

// AllOf is shorthand for And over the given predicates.
func AllOf(preds ...Predicate) And {
	return And{Predicates: preds}
}

// OrderBy is one ORDER BY term.
type OrderBy struct {
	Field string
	Desc  bool
}

// Asc orders by field ascending.
func Asc(field string) OrderBy { return OrderBy{Field: field} }

// Desc orders by field descending.
func Desc(field string) OrderBy { return OrderBy{Field: field, Desc: true} }

// Select is a one-shot fetch: explicit columns, optional filter, order.
//
// Semantics:
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order>, id ASC
//
// The id tiebreaker is always appended by the SQL backend so results are
// deterministic even when ordering keys collide.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate
	Order   []OrderBy
	Limit   int
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsIdentifier reports whether name is safe to interpolate as a table or
// column name.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Validate checks that every table, column and field name in the select is a
// plain identifier and that at least one column is requested.
func (s Select) Validate() error {
	if !IsIdentifier(s.From) {
		return fmt.Errorf("invalid table name %q", s.From)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("select from %s: explicit columns required", s.From)
	}
	for _, c := range s.Columns {
		if !IsIdentifier(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
	}
	for _, o := range s.Order {
		if !IsIdentifier(o.Field) {
			return fmt.Errorf("invalid order field %q", o.Field)
		}
	}
	if s.Limit < 0 {
		return fmt.Errorf("negative limit %d", s.Limit)
	}
	return ValidatePredicate(s.Filter)
}

// ValidatePredicate checks every field name in the predicate tree.
// A nil predicate is valid.
func ValidatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case Equals:
		if !IsIdentifier(pred.Field) {
			return fmt.Errorf("invalid field name %q", pred.Field)
		}
		return nil
	case And:
		return validateAll(pred.Predicates)
	case Or:
		return validateAll(pred.Predicates)
	default:
		return fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func validateAll(preds []Predicate) error {
	for _, p := range preds {
		if err := ValidatePredicate(p); err != nil {
			return err
		}
	}
	return nil
}
