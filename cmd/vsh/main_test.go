package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mako10k/vproc/internal/config"
	"github.com/mako10k/vproc/internal/shell"
)

func TestStatus(t *testing.T) {
	assert.NoError(t, status(0, nil))
	assert.Equal(t, exitCode(3), status(3, nil))
	assert.Equal(t, exitCode(4), status(4, shell.ErrExit))
	assert.ErrorIs(t, status(0, os.ErrClosed), os.ErrClosed)
}

func TestNewRuntimeFromConfig(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "extra.jsonc")
	require.NoError(t, os.WriteFile(doc, []byte(`{
  // an alias bound to a builtin
  "commands": [{"name": "say", "entrypoint": "echo", "argspec": "[arg...]"},],
}`), 0o644))

	cfg := config.Default()
	cfg.AllowedPaths = []string{dir}
	cfg.Descriptors = []string{doc}
	cfg.Env = map[string]string{"GREETING": "hi"}
	cfg.Home = dir

	rt, err := newRuntime(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, dir, rt.Session().Dir(), "a cwd outside the sandbox falls back to its first bound")
	assert.Equal(t, "hi", rt.Session().Getenv("GREETING"))
	assert.Equal(t, dir, rt.Session().Getenv("HOME"))
	assert.Contains(t, rt.Commands(), "say")
	assert.True(t, rt.Executable("say hello | wc -l"))

	meta, err := rt.Metadata("say")
	require.NoError(t, err)
	assert.Equal(t, "[arg...]", meta.ArgSpec)
}

func TestRunFlags(t *testing.T) {
	assert.NoError(t, run([]string{"--version"}))
	assert.Equal(t, exitCode(2), run([]string{"--no-such-flag"}))

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[log]\nlevel = \"off\"\n"), 0o644))

	err := run([]string{"--config", cfgPath, "--allow", dir, "-c", "false"})
	assert.Equal(t, exitCode(1), err)

	err = run([]string{"--config", cfgPath, "--allow", dir, "-c", "echo ok > out.txt"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))

	script := filepath.Join(dir, "args.vsh")
	require.NoError(t, os.WriteFile(script, []byte("#!vsh\ntest_arg=$1\nexit $#\n"), 0o644))
	err = run([]string{"--config", cfgPath, "--allow", dir, script, "a", "b", "c"})
	assert.Equal(t, exitCode(3), err)

	home := filepath.Join(dir, "home")
	require.NoError(t, os.Mkdir(home, 0o755))
	homeCfg := filepath.Join(dir, "home.toml")
	require.NoError(t, os.WriteFile(homeCfg, []byte("[log]\nlevel = \"off\"\n[session]\nhome = \"home\"\n"), 0o644))
	require.NoError(t, run([]string{"--config", homeCfg, "--allow", dir, "--install-tools"}))
	assert.FileExists(t, filepath.Join(home, "bin", "upcase"))
}
