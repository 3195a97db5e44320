package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: Sign in and check the flag
flow:
  - invoke: sign_in
    args: {user: alice}
assertions:
  - type: flag
    value: false
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "minimal.yaml", minimalScenario)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, "sign_in", s.Flow[0].Invoke)
	assert.Equal(t, "alice", s.Flow[0].Args["user"])
	require.Len(t, s.Assertions, 1)
	require.NotNil(t, s.Assertions[0].Value)
	assert.False(t, *s.Assertions[0].Value)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_EngineSettings(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: tuned
description: Engine overrides
engine:
  allowed_radii: [50, 150]
  reconnect_attempts: 2
  reconnect_delay: 5ms
flow:
  - invoke: disconnect
    args: {}
assertions:
  - type: subscriptions
    count: 0
`))
	require.NoError(t, err)
	assert.Equal(t, []int{50, 150}, s.Engine.AllowedRadii)
	assert.Equal(t, 2, s.Engine.ReconnectAttempts)
	assert.Equal(t, 5*time.Millisecond, s.Engine.ReconnectDelay)
}

func TestParseScenario_SetupAndExpect(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: with_setup
description: Setup writes and expectations
setup:
  - action: insert_wink
    args: {as: w1, owner: bob, lat: 1.5, lng: 2, radius: 100}
flow:
  - invoke: submit_wink
    args: {radius: 150}
    expect:
      case: Validation
  - invoke: open_chat
    args: {match: m9}
    expect:
      case: NotFound
      result: {state: matchNotFound}
assertions:
  - type: winks
    count: 0
`))
	require.NoError(t, err)
	require.Len(t, s.Setup, 1)
	assert.Equal(t, 1.5, s.Setup[0].Args["lat"])
	assert.Equal(t, 2, s.Setup[0].Args["lng"])
	require.NotNil(t, s.Flow[0].Expect)
	assert.Equal(t, CaseValidation, s.Flow[0].Expect.Case)
	assert.Equal(t, "matchNotFound", s.Flow[1].Expect.Result["state"])
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: winks}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: winks}]",
			wantErr: "description is required",
		},
		{
			name:    "missing flow",
			yaml:    "name: n\ndescription: d\nassertions: [{type: winks}]",
			wantErr: "flow list is required",
		},
		{
			name:    "missing assertions",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown flow action",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: teleport, args: {}}]\nassertions: [{type: winks}]",
			wantErr: `unknown action "teleport"`,
		},
		{
			name:    "flow missing args",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out}]\nassertions: [{type: winks}]",
			wantErr: "flow[0]: args is required",
		},
		{
			name:    "engine action in setup",
			yaml:    "name: n\ndescription: d\nsetup: [{action: sign_in, args: {}}]\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: winks}]",
			wantErr: "not a store write action",
		},
		{
			name:    "expect missing case",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}, expect: {result: {a: 1}}}]\nassertions: [{type: winks}]",
			wantErr: "case is required",
		},
		{
			name:    "expect unknown case",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}, expect: {case: Boom}}]\nassertions: [{type: winks}]",
			wantErr: `unknown case "Boom"`,
		},
		{
			name:    "negative count",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: winks, count: -1}]",
			wantErr: "count must be non-negative",
		},
		{
			name:    "flag without value",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: flag}]",
			wantErr: "value is required for flag",
		},
		{
			name:    "transcript without match",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: transcript}]",
			wantErr: "match is required for transcript",
		},
		{
			name:    "final_state without expect",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: final_state, table: winks}]",
			wantErr: "expect is required for final_state",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: vibes}]",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "bad radius",
			yaml:    "name: n\ndescription: d\nengine: {allowed_radii: [0]}\nflow: [{invoke: sign_out, args: {}}]\nassertions: [{type: winks}]",
			wantErr: "is not positive",
		},
		{
			name:    "unknown field",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: sign_out, args: {}}]\nassertion: [{type: winks}]",
			wantErr: "field assertion not found",
		},
		{
			name:    "malformed yaml",
			yaml:    "name: [unclosed",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir_SortedByName(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", minimalScenario)
	writeScenario(t, dir, "a.yaml", `
name: first
description: Loaded first
flow:
  - invoke: sign_out
    args: {}
assertions:
  - type: subscriptions
    count: 0
`)
	writeScenario(t, dir, "notes.txt", "ignored")

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "minimal", scenarios[1].Name)
}

func TestLoadDir_ReportsFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestDescribeArgs(t *testing.T) {
	assert.Equal(t, "", describeArgs(nil))
	assert.Equal(t, `available=false content="a b" radius=100`,
		describeArgs(map[string]interface{}{"radius": 100, "content": "a b", "available": false}))
}

func TestLoadProjectScenarios(t *testing.T) {
	scenarios, err := LoadDir(filepath.Join("..", "..", "testdata", "scenarios"))
	require.NoError(t, err)
	assert.NotEmpty(t, scenarios)
	for _, s := range scenarios {
		assert.NotEmpty(t, s.Description, s.Name)
	}
}
