// Package sandbox confines filesystem access of pseudo-processes to a root
// directory or an explicit allow-list.
//
// Every check operates on the canonical form of a path: relative paths are
// joined to the caller's working directory, then ".." components and
// symbolic links are resolved component by component. The literal string is
// never compared against the boundary, so "/sandbox/../etc/passwd" and a
// symlink inside the boundary that points outside of it are both refused.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPermissionDenied is wrapped by every refusal.
var ErrPermissionDenied = errors.New("permission denied")

// maxSymlinks bounds symlink expansion during canonicalization.
const maxSymlinks = 255

// Op names the kind of access being validated.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
	OpExec  Op = "exec"
	OpChdir Op = "chdir"
	OpStat  Op = "stat"
)

// PathError records a refused path.
type PathError struct {
	Op   Op
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return string(e.Op) + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// DenyFunc is notified of every refusal.
type DenyFunc func(path string, op Op)

// Sandbox holds a confinement boundary. The boundary is replaced
// atomically, so Validate never observes a half-updated allow-list.
type Sandbox struct {
	bounds atomic.Pointer[[]string]
	onDeny atomic.Pointer[DenyFunc]
	log    zerolog.Logger
}

// New returns an unrestricted sandbox.
func New() *Sandbox {
	s := &Sandbox{log: log.Logger}
	empty := []string{}
	s.bounds.Store(&empty)
	return s
}

// WithLogger sets the logger used for refusals.
func (s *Sandbox) WithLogger(logger zerolog.Logger) *Sandbox {
	s.log = logger
	return s
}

// OnDeny installs a hook called for every refusal.
func (s *Sandbox) OnDeny(fn DenyFunc) {
	if fn == nil {
		s.onDeny.Store(nil)
		return
	}
	s.onDeny.Store(&fn)
}

// SetRoot confines access to a single directory tree. An empty root lifts
// every restriction.
func (s *Sandbox) SetRoot(root string) error {
	if root == "" {
		return s.SetAllowedPaths(nil)
	}
	return s.SetAllowedPaths([]string{root})
}

// SetAllowedPaths confines access to the union of paths. An empty list
// means unrestricted. Relative entries are rejected.
func (s *Sandbox) SetAllowedPaths(paths []string) error {
	bounds := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("sandbox path %q is not absolute", p)
		}
		canonical, err := Canonicalize(p)
		if err != nil {
			return fmt.Errorf("sandbox path %q: %w", p, err)
		}
		bounds = append(bounds, canonical)
	}
	s.bounds.Store(&bounds)
	return nil
}

// Bounds returns a copy of the canonical allow-list.
func (s *Sandbox) Bounds() []string {
	b := *s.bounds.Load()
	out := make([]string, len(b))
	copy(out, b)
	return out
}

// Unrestricted reports whether no boundary is configured.
func (s *Sandbox) Unrestricted() bool {
	return len(*s.bounds.Load()) == 0
}

// Clone returns an independent sandbox with the same boundary and hooks.
func (s *Sandbox) Clone() *Sandbox {
	c := &Sandbox{log: s.log}
	bounds := s.Bounds()
	c.bounds.Store(&bounds)
	if fn := s.onDeny.Load(); fn != nil {
		c.onDeny.Store(fn)
	}
	return c
}

// Validate resolves path against cwd, canonicalizes it, and returns the
// canonical path when it lies under one of the bounds. Denials are logged
// and passed to the OnDeny hook.
func (s *Sandbox) Validate(cwd, path string, op Op) (string, error) {
	canonical, err := s.Check(cwd, path, op)
	if errors.Is(err, ErrPermissionDenied) {
		s.deny(path, op)
	}
	return canonical, err
}

// Check is Validate without logging or calling the OnDeny hook.
func (s *Sandbox) Check(cwd, path string, op Op) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, path)
	}
	if !filepath.IsAbs(abs) {
		return "", &PathError{Op: op, Path: path, Err: fmt.Errorf("cannot resolve relative path without a working directory")}
	}

	canonical, err := Canonicalize(abs)
	if err != nil {
		return "", &PathError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", ErrPermissionDenied, err)}
	}

	bounds := *s.bounds.Load()
	if len(bounds) == 0 {
		return canonical, nil
	}
	for _, b := range bounds {
		if Within(b, canonical) {
			return canonical, nil
		}
	}
	return "", &PathError{Op: op, Path: path, Err: ErrPermissionDenied}
}

func (s *Sandbox) deny(path string, op Op) {
	s.log.Warn().Str("path", path).Str("op", string(op)).Msg("sandbox refused path")
	if fn := s.onDeny.Load(); fn != nil {
		(*fn)(path, op)
	}
}

// Within reports whether target equals root or lies beneath it. Both must
// already be canonical.
func Within(root, target string) bool {
	if root == target {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(target, root)
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

// Canonicalize resolves "." and ".." components and symbolic links in an
// absolute path. Components that do not exist yet are kept lexically, so
// paths about to be created can be validated.
func Canonicalize(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is not absolute", path)
	}

	sep := string(filepath.Separator)
	pending := strings.Split(path, sep)
	resolved := sep
	links := 0

	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]

		switch part {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		// Missing components are kept lexically but still probed: a later
		// ".." may climb back into a tree that contains symlinks.
		next := filepath.Join(resolved, part)
		info, err := os.Lstat(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				resolved = next
				continue
			}
			return "", err
		}

		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		links++
		if links > maxSymlinks {
			return "", fmt.Errorf("too many levels of symbolic links: %s", path)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			resolved = sep
		}
		pending = append(strings.Split(target, sep), pending...)
	}

	return resolved, nil
}
