package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines an engine conformance scenario.
// Scenarios drive the engine through a flow of user actions and external
// writes, then assert on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Engine overrides engine settings for this scenario.
	Engine EngineSettings `yaml:"engine,omitempty"`

	// Setup contains store writes made before the engine starts.
	// Setup actions must succeed.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow contains the main test flow, executed against a running engine.
	// The engine is settled after every step.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// EngineSettings tunes the engine a scenario runs against.
type EngineSettings struct {
	AllowedRadii []int `yaml:"allowed_radii,omitempty"`

	// ReconnectAttempts is the push reconnect budget. Zero means the
	// harness default.
	ReconnectAttempts int `yaml:"reconnect_attempts,omitempty"`

	// ReconnectDelay is the base reconnect delay. Zero means the harness
	// default.
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`
}

// ActionStep represents a single setup action.
type ActionStep struct {
	// Action is one of the store write actions (e.g., "insert_match").
	Action string `yaml:"action"`

	// Args contains the action arguments as a map.
	// String values of the form "$name" refer to ids bound by an earlier
	// step's "as" argument.
	Args map[string]interface{} `yaml:"args"`
}

// FlowStep represents a step in the main test flow.
type FlowStep struct {
	// Invoke is the action to run (e.g., "sign_in", "send").
	Invoke string `yaml:"invoke"`

	// Args contains the action arguments.
	Args map[string]interface{} `yaml:"args"`

	// Expect specifies the expected outcome.
	// If nil, the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Case is the expected outcome: Success, Validation, NotFound,
	// Transport or Error.
	Case string `yaml:"case"`

	// Result contains expected result field values.
	// This is a subset match - only specified fields are validated.
	Result map[string]interface{} `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type; see the Assert* constants.
	Type string `yaml:"type"`

	// Action is the action name (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected action arguments (trace_contains).
	// Subset match - only specified fields are validated.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies equality filters on filterable columns (final_state).
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number (trace_count, notifications, winks,
	// matches, subscriptions).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Match names an open chat by id or "$alias" (transcript, session_state).
	Match string `yaml:"match,omitempty"`

	// Contents is the expected transcript content in order (transcript).
	Contents []string `yaml:"contents,omitempty"`

	// State is the expected session or listener state.
	State string `yaml:"state,omitempty"`

	// Value is the expected notification flag (flag).
	Value *bool `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertTranscript    = "transcript"
	AssertSessionState  = "session_state"
	AssertListenerState = "listener_state"
	AssertNotifications = "notifications"
	AssertFlag          = "flag"
	AssertWinks         = "winks"
	AssertMatches       = "matches"
	AssertSubscriptions = "subscriptions"
)

// Outcome case names used by ExpectClause.Case.
const (
	CaseSuccess    = "Success"
	CaseValidation = "Validation"
	CaseNotFound   = "NotFound"
	CaseTransport  = "Transport"
	CaseError      = "Error"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob scenarios: %w", err)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, r := range s.Engine.AllowedRadii {
		if r <= 0 {
			return fmt.Errorf("engine.allowed_radii: %d is not positive", r)
		}
	}
	if s.Engine.ReconnectAttempts < 0 {
		return fmt.Errorf("engine.reconnect_attempts must be non-negative")
	}

	for i, step := range s.Setup {
		if step.Action == "" {
			return fmt.Errorf("setup[%d]: action is required", i)
		}
		if _, ok := setupActions[step.Action]; !ok {
			return fmt.Errorf("setup[%d]: %q is not a store write action", i, step.Action)
		}
		if step.Args == nil {
			return fmt.Errorf("setup[%d]: args is required (use empty map if no args)", i)
		}
	}

	for i, step := range s.Flow {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", i)
		}
		if _, ok := flowActions[step.Invoke]; !ok {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Args == nil {
			return fmt.Errorf("flow[%d]: args is required (use empty map if no args)", i)
		}
		if step.Expect != nil {
			if step.Expect.Case == "" {
				return fmt.Errorf("flow[%d].expect: case is required", i)
			}
			if !validCase(step.Expect.Case) {
				return fmt.Errorf("flow[%d].expect: unknown case %q", i, step.Expect.Case)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validCase(c string) bool {
	switch c {
	case CaseSuccess, CaseValidation, CaseNotFound, CaseTransport, CaseError:
		return true
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertTranscript:
		if a.Match == "" {
			return fmt.Errorf("assertions[%d]: match is required for transcript", index)
		}
	case AssertSessionState:
		if a.Match == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: match and state are required for session_state", index)
		}
	case AssertListenerState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for listener_state", index)
		}
	case AssertFlag:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for flag", index)
		}
	case AssertNotifications, AssertWinks, AssertMatches, AssertSubscriptions:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// describeArgs renders args as sorted key=value pairs. Strings are quoted.
func describeArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(args[k]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}
