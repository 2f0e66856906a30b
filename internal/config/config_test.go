package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := write(t, `
[sandbox]
root = "/srv/data"
allowed_paths = ["work", "/tmp"]

[session]
close_timeout = "500ms"

[session.env]
EDITOR = "vi"

[process]
max_processes = 32

[registry]
descriptors = ["commands.yaml"]

[log]
audit_file = "audit.jsonl"
`)
	base := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", cfg.Root)
	assert.Equal(t, []string{filepath.Join(base, "work"), "/tmp"}, cfg.AllowedPaths)
	assert.Equal(t, 500*time.Millisecond, cfg.CloseTimeout)
	assert.Equal(t, map[string]string{"EDITOR": "vi"}, cfg.Env)
	assert.Equal(t, 32, cfg.MaxProcesses)
	assert.Equal(t, []string{filepath.Join(base, "commands.yaml")}, cfg.Descriptors)
	assert.Equal(t, filepath.Join(base, "audit.jsonl"), cfg.AuditFile)

	def := Default()
	assert.Equal(t, def.PipeBuffer, cfg.PipeBuffer, "absent keys keep their defaults")
	assert.Equal(t, def.LogLevel, cfg.LogLevel)
	assert.Empty(t, cfg.Home)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "[session]\nclose_timeout = \"soon\"\n"},
		{"negative timeout", "[session]\nclose_timeout = \"-1s\"\n"},
		{"zero processes", "[process]\nmax_processes = 0\n"},
		{"zero buffer", "[process]\npipe_buffer = 0\n"},
		{"unknown key", "[process]\nthreads = 4\n"},
		{"syntax", "[process\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadOptional("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxProcesses, cfg.MaxProcesses)
}
