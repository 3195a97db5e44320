package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/winklet/internal/engine"
	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/query"
	"github.com/roach88/winklet/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an invocation matching
// the specified action and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == assertion.Action {
			if matchArgs(event.Args, assertion.Args) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %s", assertion.Action, describeArgs(assertion.Args)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)

	for i, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		for _, expectedAction := range assertion.Actions {
			if event.Action == expectedAction && positions[expectedAction] == 0 {
				positions[expectedAction] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the action appears exactly the specified number
// of times. Notification kinds (e.g. "new_match") are counted too.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type != EventCompletion && event.Action == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertFinalState selects exactly one row of a store table with equality
// filters and checks expected field values with subset semantics.
func assertFinalState(ctx context.Context, st *store.Store, aliases map[string]string, assertion Assertion) error {
	preds := make([]query.Predicate, 0, len(assertion.Where))
	for _, key := range sortedKeys(assertion.Where) {
		preds = append(preds, query.Eq(key, resolveValue(aliases, assertion.Where[key])))
	}
	q := query.Select{From: assertion.Table}
	if len(preds) > 0 {
		q.Filter = query.AllOf(preds...)
	}

	recs, err := st.Select(ctx, q)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := describeArgs(assertion.Where)
	if whereDesc == "" {
		whereDesc = "(no conditions)"
	}
	switch len(recs) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(recs)),
		}
	}

	actual, err := recordFields(recs[0])
	if err != nil {
		return err
	}
	for _, key := range sortedKeys(assertion.Expect) {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in %s", key, assertion.Table),
			}
		}
		want := resolveValue(aliases, assertion.Expect[key])
		if want != got {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, want),
				Actual:   fmt.Sprintf("field %q = %s", key, got),
			}
		}
	}

	return nil
}

// recordFields flattens a record into its JSON field names with values
// rendered by fmt, so YAML scalars compare by text.
func recordFields(rec model.Record) (map[string]string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.RecordTable(), err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.RecordTable(), err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}

// resolveValue renders an expected value as text, replacing "$alias".
func resolveValue(aliases map[string]string, v interface{}) string {
	if s, ok := v.(string); ok && len(s) > 1 && s[0] == '$' {
		if id, ok := aliases[s[1:]]; ok {
			return id
		}
	}
	return fmt.Sprintf("%v", v)
}

func assertTranscript(actx *AssertionContext, assertion Assertion) error {
	s, err := actx.session(assertion.Match)
	if err != nil {
		return err
	}
	got := []string{}
	for _, m := range s.Transcript() {
		got = append(got, m.Content)
	}
	want := make([]string, 0, len(assertion.Contents))
	for _, c := range assertion.Contents {
		want = append(want, model.NormalizeContent(c))
	}
	if !reflect.DeepEqual(got, want) {
		return &AssertionError{
			Type:     AssertTranscript,
			Expected: fmt.Sprintf("%q", want),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

func assertSessionState(actx *AssertionContext, assertion Assertion) error {
	s, err := actx.session(assertion.Match)
	if err != nil {
		return err
	}
	if got := string(s.State()); got != assertion.State {
		return &AssertionError{
			Type:     AssertSessionState,
			Expected: assertion.State,
			Actual:   got,
		}
	}
	return nil
}

func assertCount(kind string, want, got int) error {
	if want != got {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d", want),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func countNotifications(trace []TraceEvent) int {
	n := 0
	for _, event := range trace {
		if event.Type == EventNotification {
			n++
		}
	}
	return n
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored. Values compare by their text form so a
// YAML int matches an int result.
func matchArgs(actual map[string]interface{}, expected map[string]interface{}) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values for equality.
func valuesEqual(actual, expected interface{}) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	Engine   *engine.Engine
	Sessions map[string]*engine.Session
	Aliases  map[string]string
}

func (a *AssertionContext) session(match string) (*engine.Session, error) {
	id := resolveValue(a.Aliases, match)
	s, ok := a.Sessions[id]
	if !ok {
		return nil, fmt.Errorf("no chat was opened for match %s", match)
	}
	return s, nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store and engine access for state assertions;
// trace assertions work without it.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertNotifications:
			err = assertCount(AssertNotifications, assertion.Count, countNotifications(result.Trace))
		default:
			err = evaluateStateAssertion(i, assertion, actx)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func evaluateStateAssertion(i int, assertion Assertion, actx *AssertionContext) error {
	switch assertion.Type {
	case AssertFinalState, AssertTranscript, AssertSessionState, AssertListenerState,
		AssertFlag, AssertWinks, AssertMatches, AssertSubscriptions:
	default:
		return fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
	}
	if actx == nil || actx.Engine == nil || actx.Store == nil {
		return fmt.Errorf("assertion[%d]: %s requires engine context", i, assertion.Type)
	}

	switch assertion.Type {
	case AssertFinalState:
		return assertFinalState(actx.Ctx, actx.Store, actx.Aliases, assertion)
	case AssertTranscript:
		return assertTranscript(actx, assertion)
	case AssertSessionState:
		return assertSessionState(actx, assertion)
	case AssertListenerState:
		if got := string(actx.Engine.ListenerState()); got != assertion.State {
			return &AssertionError{Type: AssertListenerState, Expected: assertion.State, Actual: got}
		}
		return nil
	case AssertFlag:
		if assertion.Value == nil {
			return fmt.Errorf("assertion[%d]: flag requires value", i)
		}
		if got := actx.Engine.NotificationFlag(); got != *assertion.Value {
			return &AssertionError{
				Type:     AssertFlag,
				Expected: fmt.Sprintf("%t", *assertion.Value),
				Actual:   fmt.Sprintf("%t", got),
			}
		}
		return nil
	case AssertWinks:
		return assertCount(AssertWinks, assertion.Count, len(actx.Engine.ListWinks()))
	case AssertMatches:
		return assertCount(AssertMatches, assertion.Count, len(actx.Engine.Matches()))
	case AssertSubscriptions:
		return assertCount(AssertSubscriptions, assertion.Count, actx.Engine.LiveSubscriptions())
	}
	return nil
}
