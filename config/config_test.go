package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/codeloop/permission"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	t.Setenv("CODELOOP_TEST_MODEL", "claude-haiku-4-5")
	path := writeConfig(t, `
provider: anthropic
model: ${CODELOOP_TEST_MODEL}
mode: auto-edit
max_turns: 12
stream: false
permissions:
  - pattern: "shell.run(git *)"
    verdict: allow
  - pattern: "shell.run"
    verdict: ask
deny_tools: [shell.rm]
tool_output_limits:
  file.read: 1000
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", cfg.Model)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)

	snap, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, permission.ModeAutoEdit, snap.Mode)
	assert.Equal(t, 12, snap.MaxTurns)
	assert.False(t, snap.Stream)
	assert.Equal(t, 1000, snap.CharLimits["file.read"])
	assert.Equal(t, permission.RuleSet{
		{Pattern: "shell.rm", Verdict: permission.Deny},
		{Pattern: "shell.run(git *)", Verdict: permission.Allow},
		{Pattern: "shell.run", Verdict: permission.Ask},
	}, snap.RuleSet())
	assert.True(t, snap.Denied("shell.rm"))
	assert.False(t, snap.Denied("shell.run"))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "provider: anthropic\nmax_turns: 10\n")
	t.Setenv("CODELOOP_PROVIDER", "openai")
	t.Setenv("CODELOOP_MAX_TURNS", "3")
	t.Setenv("CODELOOP_MODE", "plan")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, 3, cfg.MaxTurns)
	assert.Equal(t, "plan", cfg.Mode)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"bad mode":      "mode: reckless\n",
		"bad verdict":   "permissions:\n  - pattern: x\n    verdict: maybe\n",
		"negative max":  "max_turns: -1\n",
		"unknown field": "providr: openai\n",
		"zero limit":    "tool_output_limits:\n  file.read: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMissingFiles(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSnapshotIsDetachedFromFile(t *testing.T) {
	cfg := Default()
	cfg.AllowTools = []string{"file.read"}
	cfg.OutputLimits = map[string]int{"file.read": 10}

	snap, err := cfg.Snapshot()
	require.NoError(t, err)
	cfg.AllowTools[0] = "shell.run"
	cfg.OutputLimits["file.read"] = 99

	assert.Equal(t, []string{"file.read"}, snap.AllowTools)
	assert.Equal(t, 10, snap.CharLimits["file.read"])
	assert.True(t, snap.Stream)
}
