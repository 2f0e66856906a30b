// Package config loads the TOML runtime configuration of vsh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mako10k/vproc/internal/pipe"
	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/session"
)

// Config is the resolved configuration.
type Config struct {
	Root         string
	AllowedPaths []string

	CloseTimeout time.Duration
	Home         string
	Env          map[string]string

	MaxProcesses int
	PipeBuffer   int

	Descriptors []string

	LogLevel  string
	AuditFile string
}

type fileConfig struct {
	Sandbox struct {
		Root         string   `toml:"root"`
		AllowedPaths []string `toml:"allowed_paths"`
	} `toml:"sandbox"`
	Session struct {
		CloseTimeout string            `toml:"close_timeout"`
		Home         string            `toml:"home"`
		Env          map[string]string `toml:"env"`
	} `toml:"session"`
	Process struct {
		MaxProcesses int `toml:"max_processes"`
		PipeBuffer   int `toml:"pipe_buffer"`
	} `toml:"process"`
	Registry struct {
		Descriptors []string `toml:"descriptors"`
	} `toml:"registry"`
	Log struct {
		Level     string `toml:"level"`
		AuditFile string `toml:"audit_file"`
	} `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CloseTimeout: session.DefaultCloseTimeout,
		Env:          map[string]string{},
		MaxProcesses: proc.DefaultLimit,
		PipeBuffer:   pipe.DefaultSize,
		LogLevel:     "info",
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/vsh/config.toml, or the same
// under ~/.config.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vsh", "config.toml")
}

// Load reads path over Default. Keys absent from the file keep their
// defaults. Relative paths in the file are resolved against its directory.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}
	base := filepath.Dir(path)

	if meta.IsDefined("sandbox", "root") {
		cfg.Root = resolve(base, raw.Sandbox.Root)
	}
	if meta.IsDefined("sandbox", "allowed_paths") {
		cfg.AllowedPaths = resolveAll(base, raw.Sandbox.AllowedPaths)
	}

	if meta.IsDefined("session", "close_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Session.CloseTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse session.close_timeout: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("session.close_timeout must be positive, got %s", d)
		}
		cfg.CloseTimeout = d
	}
	if meta.IsDefined("session", "home") {
		cfg.Home = resolve(base, raw.Session.Home)
	}
	if meta.IsDefined("session", "env") {
		for k, v := range raw.Session.Env {
			cfg.Env[k] = v
		}
	}

	if meta.IsDefined("process", "max_processes") {
		if raw.Process.MaxProcesses <= 0 {
			return Config{}, fmt.Errorf("process.max_processes must be positive, got %d", raw.Process.MaxProcesses)
		}
		cfg.MaxProcesses = raw.Process.MaxProcesses
	}
	if meta.IsDefined("process", "pipe_buffer") {
		if raw.Process.PipeBuffer <= 0 {
			return Config{}, fmt.Errorf("process.pipe_buffer must be positive, got %d", raw.Process.PipeBuffer)
		}
		cfg.PipeBuffer = raw.Process.PipeBuffer
	}

	if meta.IsDefined("registry", "descriptors") {
		cfg.Descriptors = resolveAll(base, raw.Registry.Descriptors)
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "audit_file") {
		cfg.AuditFile = resolve(base, raw.Log.AuditFile)
	}
	return cfg, nil
}

// LoadOptional is Load, returning Default when path does not exist.
func LoadOptional(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func resolve(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(base, path)
}

func resolveAll(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = resolve(base, p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
