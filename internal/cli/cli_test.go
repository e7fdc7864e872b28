package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzhole/turnshield/internal/logger"
)

// writeConfig creates a config that keeps every output under a temp dir and
// uses the forensic scorer so no embedding backend is needed.
func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "config.yaml")
	cfg := strings.Join([]string{
		"packs_dir: " + filepath.Join(dir, "packs"),
		"scorer:",
		"  secondary: forensic",
		"audit:",
		"  log_path: " + filepath.Join(dir, "audit.jsonl"),
		"  db_path: " + filepath.Join(dir, "decisions.db"),
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path, dir
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
	})
	return rootCmd.Execute()
}

func TestScanCommand(t *testing.T) {
	path, _ := writeConfig(t)
	require.NoError(t, execute(t, "--config", path, "scan"))
}

func TestEvaluateCommand_Stdin(t *testing.T) {
	path, dir := writeConfig(t)
	rootCmd.SetIn(strings.NewReader("add milk to my shopping list\n"))
	require.NoError(t, execute(t, "--config", path, "evaluate", "--json"))

	events, err := logger.ReadEvents(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, logger.EventEvaluate, events[0].Event)
	assert.Equal(t, "cli", events[0].SessionID)
	assert.False(t, events[0].Blocked)
}

func TestEvaluateCommand_Empty(t *testing.T) {
	path, _ := writeConfig(t)
	rootCmd.SetIn(strings.NewReader("   \n"))
	assert.ErrorContains(t, execute(t, "--config", path, "evaluate"), "nothing to evaluate")
}

func TestPackEnableDisable(t *testing.T) {
	path, dir := writeConfig(t)
	packs := filepath.Join(dir, "packs")
	require.NoError(t, os.MkdirAll(packs, 0700))
	pack := "name: finance\ndetection_patterns:\n  wire:\n    pattern: '(?i)wire\\s+transfer'\n    weight: 0.4\n"
	require.NoError(t, os.WriteFile(filepath.Join(packs, "_finance.yaml"), []byte(pack), 0600))

	require.NoError(t, execute(t, "--config", path, "pack", "enable", "finance"))
	assert.FileExists(t, filepath.Join(packs, "finance.yaml"))

	require.NoError(t, execute(t, "--config", path, "pack", "disable", "finance"))
	assert.FileExists(t, filepath.Join(packs, "_finance.yaml"))

	assert.ErrorContains(t, execute(t, "--config", path, "pack", "enable", "missing"), "not found")
}

func TestFilterEvents(t *testing.T) {
	events := []logger.AuditEvent{
		{SessionID: "a", Verdict: "Routine"},
		{SessionID: "a", Verdict: "High-Risk", Blocked: true},
		{SessionID: "b", Verdict: "Monitor"},
		{SessionID: "b", Verdict: "High-Risk", Blocked: true},
	}

	tests := []struct {
		name    string
		verdict string
		blocked bool
		session string
		want    int
	}{
		{"no filter", "", false, "", 4},
		{"verdict case-insensitive", "high-risk", false, "", 2},
		{"blocked", "", true, "", 2},
		{"session", "", false, "b", 2},
		{"combined", "monitor", false, "b", 1},
		{"no match", "Routine", true, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logFilterVerdict, logFilterBlocked, logFilterSession = tt.verdict, tt.blocked, tt.session
			t.Cleanup(func() { logFilterVerdict, logFilterBlocked, logFilterSession = "", false, "" })
			assert.Len(t, filterEvents(events), tt.want)
		})
	}
}

func TestEventFlags(t *testing.T) {
	assert.Equal(t, "", eventFlags(logger.AuditEvent{}))
	assert.Equal(t, "probation, auto-reset, override",
		eventFlags(logger.AuditEvent{Probation: true, AutoReset: true, Bypassed: true}))
}
