package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	projectScenarios = filepath.Join("..", "..", "testdata", "scenarios")
	projectGoldens   = filepath.Join("..", "harness", "testdata", "golden")
)

const passingScenario = `
name: sign_in_only
description: Sign in and check the flag
flow:
  - invoke: sign_in
    args: {user: alice}
assertions:
  - type: flag
    value: false
`

const failingScenario = `
name: wrong_case
description: A rejected radius where success was expected
flow:
  - invoke: sign_in
    args: {user: alice}
  - invoke: submit_wink
    args: {lat: 1, lng: 1, radius: 7}
assertions:
  - type: winks
    count: 0
`

func runScenarioCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	return execute(t, NewScenarioCommand(&RootOptions{Format: format}), args...)
}

func TestScenarioCommand_MissingArgs(t *testing.T) {
	_, err := runScenarioCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestScenarioCommand_NonExistentDir(t *testing.T) {
	_, err := runScenarioCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestScenarioCommand_EmptyDir(t *testing.T) {
	out, err := runScenarioCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestScenarioCommand_EmptyDirJSON(t *testing.T) {
	out, err := runScenarioCommand(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestScenarioCommand_ProjectScenarios(t *testing.T) {
	out, err := runScenarioCommand(t, "text", projectScenarios, "--golden", projectGoldens)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ chat_roundtrip")
	assert.Contains(t, out, "✓ match_notification_once")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestScenarioCommand_UpdateWritesGolden(t *testing.T) {
	goldenDir := t.TempDir()

	out, err := runScenarioCommand(t, "text", projectScenarios,
		"--golden", goldenDir, "--filter", "match_*", "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ match_notification_once (golden updated)")
	assert.NotContains(t, out, "chat_roundtrip")

	got, err := os.ReadFile(filepath.Join(goldenDir, "match_notification_once.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(projectGoldens, "match_notification_once.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	// the regenerated golden is then matched
	out, err = runScenarioCommand(t, "text", projectScenarios, "--golden", goldenDir, "--filter", "match_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ match_notification_once\n")
}

func TestScenarioCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sign_in_only.yaml"), passingScenario)
	writeFile(t, filepath.Join(dir, "golden", "sign_in_only.golden"), "scenario: sign_in_only\n")

	out, err := runScenarioCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ sign_in_only")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioCommand_FailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.yaml"), passingScenario)
	writeFile(t, filepath.Join(dir, "bad.yaml"), failingScenario)
	writeFile(t, filepath.Join(dir, "broken.yaml"), "name: [unclosed")

	out, err := runScenarioCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 2, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCENARIO_FAILED", resp.Error.Code)

	byName := make(map[string]ScenarioResult)
	for _, r := range resp.Data.Scenarios {
		byName[r.Name] = r
	}
	assert.True(t, byName["sign_in_only"].Pass)
	assert.Contains(t, byName["wrong_case"].Errors[0], "expected case Success, got Validation")
	assert.Contains(t, byName["broken.yaml"].Errors[0], "failed to load scenario")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "chat_a.yaml"), passingScenario)
	writeFile(t, filepath.Join(dir, "chat_b.yml"), passingScenario)
	writeFile(t, filepath.Join(dir, "nested", "wink_c.yaml"), passingScenario)
	writeFile(t, filepath.Join(dir, "golden", "chat_a.golden"), "")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	files, err = findScenarioFiles(dir, "chat_*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("g", "chat_roundtrip.golden"), goldenFilePath("g", "chat_roundtrip"))
}

func TestOutputTestText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewScenarioCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)

	require.NoError(t, outputTestText(cmd, TestResult{Passed: 2, Total: 2}))
	assert.Contains(t, buf.String(), "Scenario Summary: 2 passed, 0 failed, 2 total")

	err := outputTestText(cmd, TestResult{Passed: 1, Failed: 1, Total: 2})
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
