package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbleier/capgate/api/schemas"
)

// executeCommand runs a fresh root command with args and captures the
// cobra output streams. Command output written through report.Open goes
// to files, not these buffers, so tests pass -o paths for that.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := NewRootCommand()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeTempConfig drops a capgate.yaml with a short cooldown so click
// tests never sit out the default one second window.
func writeTempConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "capgate.yaml")
	content := `
widget:
  cooldown: 50ms
logger:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// writeWidgetPage drops an n-widget fixture document into dir.
func writeWidgetPage(t *testing.T, dir string, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html><html><body>`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `<div id="recaptcha-area-%d"><div id="recaptcha-box"></div><button id="recaptcha-button">Verify</button></div>`, i)
	}
	sb.WriteString(`</body></html>`)

	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))
	return path
}

func TestVersionCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestScriptCommandWritesScript(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	target := filepath.Join(dir, "activator.js")
	_, err := executeCommand(t, "script", "-o", target)
	require.NoError(t, err)

	src, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(src), "activateWidgets")
	assert.Contains(t, string(src), "recaptcha-area")
}

func TestScriptCommandBakesEnvMarker(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CAPGATE_WIDGET_MARKER", "custom-area")

	target := filepath.Join(dir, "activator.js")
	_, err := executeCommand(t, "script", "-o", target)
	require.NoError(t, err)

	src, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(src), "custom-area")
}

func TestScriptCheck(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := executeCommand(t, "script", "--check")
	require.NoError(t, err)
	assert.Contains(t, out, "script ok")
}

func TestActivateFileJSON(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	input := writeWidgetPage(t, dir, 2)
	target := filepath.Join(dir, "out.json")

	_, err := executeCommand(t, "activate", input, "--format", "json", "-o", target)
	require.NoError(t, err)

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	var reports []schemas.ActivationReport
	require.NoError(t, json.Unmarshal(raw, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "file", reports[0].Source)
	assert.Equal(t, input, reports[0].PageURL)
	require.Len(t, reports[0].Containers, 2)
	activated, failed := reports[0].Counts()
	assert.Equal(t, 2, activated)
	assert.Zero(t, failed)
}

func TestActivateHTMLOutput(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	input := writeWidgetPage(t, dir, 1)
	target := filepath.Join(dir, "out.html")

	_, err := executeCommand(t, "activate", input, "-o", target)
	require.NoError(t, err)

	page, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(page), `id="recaptcha-box-0"`)
	assert.Contains(t, string(page), "disabled-state")
}

func TestActivateClickWaitCooldown(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTempConfig(t, dir)
	t.Chdir(dir)
	input := writeWidgetPage(t, dir, 2)
	target := filepath.Join(dir, "out.html")

	_, err := executeCommand(t, "--config", cfg, "activate", input,
		"--click", "0", "--wait-cooldown", "-o", target)
	require.NoError(t, err)

	page, err := os.ReadFile(target)
	require.NoError(t, err)
	// After the cooldown the clicked box stays enabled while its
	// neighbor is still in the pristine disabled state.
	assert.Contains(t, string(page), "enabled-state")
	assert.Contains(t, string(page), "disabled-state")
}

func TestActivateRejectsMultipleHTMLInputs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	input := writeWidgetPage(t, dir, 1)

	_, err := executeCommand(t, "activate", input, input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one input")
}

func TestActivateUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	input := writeWidgetPage(t, dir, 1)

	_, err := executeCommand(t, "activate", input, "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestActivateMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := executeCommand(t, "activate", "no-such-page.html", "--format", "json", "-o", "out.json")
	require.Error(t, err)
}

func TestActivateRecordRequiresStoreURL(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	input := writeWidgetPage(t, dir, 1)

	_, err := executeCommand(t, "activate", input, "--record", "--format", "json", "-o", "out.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.url")
}

func TestProbeUnknownFormat(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := executeCommand(t, "probe", "http://127.0.0.1:1/", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestSimulateFixtureRun(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTempConfig(t, dir)
	t.Chdir(dir)
	target := filepath.Join(dir, "summary.json")

	_, err := executeCommand(t, "--config", cfg, "simulate",
		"--sessions", "3", "--clicks", "1", "--widgets", "2", "-o", target)
	require.NoError(t, err)

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	var summary SimulationSummary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 3, summary.Sessions)
	assert.Equal(t, 6, summary.Containers)
	assert.Equal(t, 6, summary.Activated)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, summary.Clicks+summary.ClicksRejected)
}

func TestLogsCommandPrintsFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "capgate.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line one\nline two\n"), 0644))

	cfgPath := filepath.Join(dir, "capgate.yaml")
	content := fmt.Sprintf("logger:\n  log_file: %q\n", logPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	t.Chdir(dir)

	out, err := executeCommand(t, "--config", cfgPath, "logs")
	require.NoError(t, err)
	assert.Contains(t, out, "line one")
	assert.Contains(t, out, "line two")
}

func TestLogsCommandMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "capgate.yaml")
	content := fmt.Sprintf("logger:\n  log_file: %q\n", filepath.Join(dir, "absent.log"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	t.Chdir(dir)

	_, err := executeCommand(t, "--config", cfgPath, "logs")
	require.Error(t, err)
}

func TestConfigFileNotFound(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := executeCommand(t, "--config", "missing.yaml", "version")
	require.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := executeCommand(t, "frobnicate")
	require.Error(t, err)
}
