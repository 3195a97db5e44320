package harness

import (
	"fmt"
	"strings"
)

// Trace event types.
const (
	EventInvocation   = "invocation"
	EventCompletion   = "completion"
	EventNotification = "notification"
)

// TraceEvent is one entry of a scenario trace.
//
// Invocations record the action and its arguments, completions record the
// outcome case and result, and notifications record OnNewMatch deliveries
// in the order the engine made them.
type TraceEvent struct {
	Type       string                 `json:"type"`
	Action     string                 `json:"action,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	OutputCase string                 `json:"output_case,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Seq        int64                  `json:"seq"`
}

// String renders the event as one golden-file line.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", e.Seq, e.Type)
	switch e.Type {
	case EventInvocation:
		b.WriteString(" " + e.Action)
		if s := describeArgs(e.Args); s != "" {
			b.WriteString(" " + s)
		}
	case EventCompletion:
		b.WriteString(" " + e.OutputCase)
		if s := describeArgs(e.Result); s != "" {
			b.WriteString(" " + s)
		}
	default:
		b.WriteString(" " + e.Action)
		if s := describeArgs(e.Result); s != "" {
			b.WriteString(" " + s)
		}
	}
	return b.String()
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step matched its expectation
	// and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every invocation, completion and notification in
	// order. Used for trace assertions and golden comparison.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace adds an invocation to the trace.
func (r *Result) AddInvocationTrace(action string, args map[string]interface{}, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventInvocation,
		Action: action,
		Args:   args,
		Seq:    seq,
	})
}

// AddCompletionTrace adds a completion to the trace.
func (r *Result) AddCompletionTrace(outputCase string, result map[string]interface{}, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventCompletion,
		OutputCase: outputCase,
		Result:     result,
		Seq:        seq,
	})
}

// AddNotificationTrace adds an engine notification to the trace.
func (r *Result) AddNotificationTrace(kind string, payload map[string]interface{}, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventNotification,
		Action: kind,
		Result: payload,
		Seq:    seq,
	})
}
