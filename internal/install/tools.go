// Package install copies the bundled vsh tool scripts into a directory
// on the session PATH.
package install

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

//go:embed tools/*
var bundled embed.FS

// ErrModified is returned when an installed tool differs from the bundled
// copy and force is not set.
var ErrModified = errors.New("installed tool was modified")

// Tools returns the names of the bundled tools.
func Tools() []string {
	entries, err := fs.ReadDir(bundled, "tools")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// ToolInstaller writes the bundled tools into dir.
type ToolInstaller struct {
	dir    string
	force  bool
	logger zerolog.Logger
}

// NewToolInstaller creates an installer targeting dir.
func NewToolInstaller(dir string) *ToolInstaller {
	return &ToolInstaller{dir: dir, logger: zerolog.Nop()}
}

// WithForce overwrites tools that were changed after installation.
func (ti *ToolInstaller) WithForce(force bool) *ToolInstaller {
	ti.force = force
	return ti
}

func (ti *ToolInstaller) WithLogger(logger zerolog.Logger) *ToolInstaller {
	ti.logger = logger.With().Str("component", "install").Logger()
	return ti
}

// Dir returns the target directory.
func (ti *ToolInstaller) Dir() string { return ti.dir }

// Install writes every bundled tool and returns the names written.
// Tools already present with identical content are skipped.
func (ti *ToolInstaller) Install() ([]string, error) {
	if err := os.MkdirAll(ti.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tool directory: %w", err)
	}

	var written []string
	var errs []error
	for _, name := range Tools() {
		body, err := bundled.ReadFile(path.Join("tools", name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		target := filepath.Join(ti.dir, name)

		current, err := os.ReadFile(target)
		switch {
		case err == nil && bytes.Equal(current, body):
			ti.logger.Debug().Str("tool", name).Msg("already installed")
			continue
		case err == nil && !ti.force:
			errs = append(errs, fmt.Errorf("%s: %w", target, ErrModified))
			continue
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			errs = append(errs, err)
			continue
		}

		if err := writeFile(target, body); err != nil {
			errs = append(errs, fmt.Errorf("install %s: %w", name, err))
			continue
		}
		ti.logger.Info().Str("tool", name).Str("path", target).Msg("installed")
		written = append(written, name)
	}
	return written, errors.Join(errs...)
}

// Uninstall removes the installed tools that still match the bundled copy.
func (ti *ToolInstaller) Uninstall() ([]string, error) {
	var removed []string
	var errs []error
	for _, name := range Tools() {
		body, _ := bundled.ReadFile(path.Join("tools", name))
		target := filepath.Join(ti.dir, name)
		current, err := os.ReadFile(target)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !bytes.Equal(current, body) && !ti.force {
			errs = append(errs, fmt.Errorf("%s: %w", target, ErrModified))
			continue
		}
		if err := os.Remove(target); err != nil {
			errs = append(errs, err)
			continue
		}
		ti.logger.Info().Str("tool", name).Msg("removed")
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

// writeFile replaces target through a temporary file in the same directory.
func writeFile(target string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
