package query

import (
	"encoding/json"
	"fmt"
)

// Fielder exposes the filterable text columns of a row.
// model.Record satisfies it.
type Fielder interface {
	Field(name string) (string, bool)
}

// Matches evaluates p against a row. A nil predicate matches everything.
// Unknown fields never match.
func Matches(p Predicate, row Fielder) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Equals:
		v, ok := row.Field(pred.Field)
		return ok && v == pred.Value
	case And:
		for _, sub := range pred.Predicates {
			if !Matches(sub, row) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range pred.Predicates {
			if Matches(sub, row) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// wirePredicate is the JSON shape used to ship predicates over the relay.
type wirePredicate struct {
	Op    string          `json:"op"`
	Field string          `json:"field,omitempty"`
	Value string          `json:"value,omitempty"`
	Args  []wirePredicate `json:"args,omitempty"`
}

// MarshalPredicate encodes a predicate as JSON. A nil predicate encodes as
// JSON null.
func MarshalPredicate(p Predicate) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	w, err := toWire(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalPredicate decodes a predicate produced by MarshalPredicate.
func UnmarshalPredicate(data []byte) (Predicate, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var w wirePredicate
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}
	p, err := fromWire(w)
	if err != nil {
		return nil, err
	}
	if err := ValidatePredicate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func toWire(p Predicate) (wirePredicate, error) {
	switch pred := p.(type) {
	case Equals:
		return wirePredicate{Op: "eq", Field: pred.Field, Value: pred.Value}, nil
	case And:
		args, err := toWireAll(pred.Predicates)
		return wirePredicate{Op: "and", Args: args}, err
	case Or:
		args, err := toWireAll(pred.Predicates)
		return wirePredicate{Op: "or", Args: args}, err
	default:
		return wirePredicate{}, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func toWireAll(preds []Predicate) ([]wirePredicate, error) {
	out := make([]wirePredicate, 0, len(preds))
	for _, p := range preds {
		w, err := toWire(p)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func fromWire(w wirePredicate) (Predicate, error) {
	switch w.Op {
	case "eq":
		return Equals{Field: w.Field, Value: w.Value}, nil
	case "and", "or":
		preds := make([]Predicate, 0, len(w.Args))
		for _, a := range w.Args {
			p, err := fromWire(a)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		if w.Op == "and" {
			return And{Predicates: preds}, nil
		}
		return Or{Predicates: preds}, nil
	default:
		return nil, fmt.Errorf("unknown predicate op %q", w.Op)
	}
}
