// Package session keeps the per-session state pseudo-processes inherit:
// working directory, environment, sandbox boundary, default streams and
// bookkeeping of the processes the session owns.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/security"
)

var (
	ErrBusy           = errors.New("session has processes that did not terminate")
	ErrUnknownSession = errors.New("unknown session")
	ErrNotDirectory   = errors.New("not a directory")
)

// Session is one isolated execution context. All mutations serialize on
// the session lock; different sessions never share a lock.
type Session struct {
	token string
	table *proc.Table
	log   zerolog.Logger

	mu         sync.Mutex
	dir        string
	env        map[string]string
	sb         *sandbox.Sandbox
	io         proc.IOContext
	lastStatus int
	lastBg     int
	background []int
	foreground map[int]struct{}
}

func newSession(token string, base Defaults, table *proc.Table, logger zerolog.Logger, audit *security.AuditManager) *Session {
	sb := sandbox.New()
	if base.Sandbox != nil {
		sb = base.Sandbox.Clone()
	}
	sb.OnDeny(func(path string, op sandbox.Op) {
		audit.LogSandboxDenied(token, 0, path, string(op))
	})

	env := make(map[string]string, len(base.Env)+1)
	for k, v := range base.Env {
		env[k] = v
	}
	env["PWD"] = base.Dir

	return &Session{
		token:      token,
		table:      table,
		log:        logger.With().Str("session", token).Logger(),
		dir:        base.Dir,
		env:        env,
		sb:         sb,
		io:         base.IO,
		foreground: make(map[int]struct{}),
	}
}

// Token returns the opaque session key.
func (s *Session) Token() string { return s.token }

// Dir returns the working directory.
func (s *Session) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Chdir validates path through the session sandbox and makes it the
// working directory. Relative paths resolve against the current one.
func (s *Session) Chdir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, err := s.sb.Validate(s.dir, path, sandbox.OpChdir)
	if err != nil {
		return err
	}
	if err := checkDir(canonical); err != nil {
		return fmt.Errorf("chdir %s: %w", path, err)
	}
	s.dir = canonical
	s.env["PWD"] = canonical
	s.log.Debug().Str("dir", canonical).Msg("changed working directory")
	return nil
}

// Env returns a copy of the environment.
func (s *Session) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// Getenv returns one environment variable.
func (s *Session) Getenv(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env[key]
}

// Setenv sets one environment variable.
func (s *Session) Setenv(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[key] = value
}

// Unsetenv removes one environment variable.
func (s *Session) Unsetenv(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.env, key)
}

// Sandbox returns the session boundary. Its configuration is replaced
// atomically, so callers may hold on to it.
func (s *Session) Sandbox() *sandbox.Sandbox { return s.sb }

// SetRoot confines the session to root; "" lifts the restriction.
func (s *Session) SetRoot(root string) error {
	if root == "" {
		return s.SetAllowedPaths(nil)
	}
	return s.SetAllowedPaths([]string{root})
}

// SetAllowedPaths replaces the session boundary. Every entry must be an
// existing directory.
func (s *Session) SetAllowedPaths(paths []string) error {
	for _, p := range paths {
		canonical, err := sandbox.Canonicalize(p)
		if err != nil {
			return fmt.Errorf("allowed path %s: %w", p, err)
		}
		if err := checkDir(canonical); err != nil {
			return fmt.Errorf("allowed path %s: %w", p, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sb.SetAllowedPaths(paths); err != nil {
		return err
	}
	s.log.Debug().Strs("bounds", s.sb.Bounds()).Msg("sandbox updated")
	return nil
}

// IO returns the session default streams.
func (s *Session) IO() proc.IOContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io
}

// SetIO replaces the session default streams.
func (s *Session) SetIO(io proc.IOContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.io = io
}

// Streams is a stream context owned by the caller that pushed it. It is
// layered on the session default each time it is read and is never stored
// in the session, so concurrent callers cannot see each other's streams.
type Streams struct {
	s        *Session
	io       proc.IOContext
	released atomic.Bool
}

// PushIO returns caller-owned streams shadowing the session default.
// Unset fields fall through to the default.
func (s *Session) PushIO(io proc.IOContext) *Streams {
	return &Streams{s: s, io: io}
}

// Session returns the session the streams were pushed on.
func (st *Streams) Session() *Session { return st.s }

// IO returns the pushed streams over the current session default, or the
// default alone once released.
func (st *Streams) IO() proc.IOContext {
	base := st.s.IO()
	if st.released.Load() {
		return base
	}
	return st.io.Over(base)
}

// Release drops the pushed streams. It is safe to call more than once.
func (st *Streams) Release() { st.released.Store(true) }

// LastStatus returns the status of the last foreground pipeline.
func (s *Session) LastStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// SetLastStatus records a pipeline status.
func (s *Session) SetLastStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = status
}

// LastBackgroundPid returns the terminal pid of the last background job.
func (s *Session) LastBackgroundPid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBg
}

// AddBackground records the terminal pid of a background job.
func (s *Session) AddBackground(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBg = pid
	s.background = append(s.background, pid)
}

// TakeBackground removes pid from the background jobs. A pid of 0 takes
// all of them. The removed pids are returned in start order.
func (s *Session) TakeBackground(pid int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid == 0 {
		out := s.background
		s.background = nil
		return out
	}
	for i, p := range s.background {
		if p == pid {
			s.background = append(s.background[:i:i], s.background[i+1:]...)
			return []int{pid}
		}
	}
	return nil
}

// AddForeground marks pids as belonging to the running foreground job.
func (s *Session) AddForeground(pids ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range pids {
		s.foreground[pid] = struct{}{}
	}
}

// RemoveForeground clears pids from the foreground job.
func (s *Session) RemoveForeground(pids ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range pids {
		delete(s.foreground, pid)
	}
}

// Foreground returns the foreground pids in ascending order.
func (s *Session) Foreground() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.foreground))
	for pid := range s.foreground {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// Processes returns the live or unreaped processes the session owns.
func (s *Session) Processes() []*proc.Process {
	return s.table.Owned(s.token)
}
