package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/security"
)

// DefaultCloseTimeout bounds Close when no timeout is configured.
const DefaultCloseTimeout = 2 * time.Second

// Defaults seed every new session. Env and Sandbox are copied.
type Defaults struct {
	Dir     string
	Env     map[string]string
	Sandbox *sandbox.Sandbox
	IO      proc.IOContext
}

// Manager owns the sessions of a runtime and tracks which one host calls
// target.
type Manager struct {
	table        *proc.Table
	closeTimeout time.Duration
	log          zerolog.Logger
	audit        *security.AuditManager

	mu       sync.Mutex
	sessions map[string]*Session
	current  string
	base     Defaults
}

// NewManager creates a manager whose sessions spawn into table.
func NewManager(table *proc.Table, base Defaults) *Manager {
	if base.Dir == "" {
		base.Dir, _ = os.Getwd()
	}
	return &Manager{
		table:        table,
		closeTimeout: DefaultCloseTimeout,
		log:          log.Logger,
		sessions:     make(map[string]*Session),
		base:         base,
	}
}

// WithLogger sets the manager logger.
func (m *Manager) WithLogger(logger zerolog.Logger) *Manager {
	m.log = logger
	return m
}

// WithAudit records session events to a.
func (m *Manager) WithAudit(a *security.AuditManager) *Manager {
	m.audit = a
	return m
}

// WithCloseTimeout sets the bound Close waits for owned processes.
func (m *Manager) WithCloseTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.closeTimeout = d
	}
	return m
}

// SetDefaults replaces the seed of sessions created from now on.
func (m *Manager) SetDefaults(base Defaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
}

// Defaults returns the seed of new sessions.
func (m *Manager) Defaults() Defaults {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// Switch makes token the current session, creating it on first use.
func (m *Manager) Switch(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		s = newSession(token, m.base, m.table, m.log, m.audit)
		m.sessions[token] = s
		m.log.Debug().Str("session", token).Str("dir", s.dir).Msg("created session")
	}
	m.current = token
	m.audit.LogSession(token, security.ActionSwitch, true, "")
	return s
}

// New creates a session under a fresh random token and switches to it.
func (m *Manager) New() *Session {
	return m.Switch(uuid.NewString())
}

// Current returns the current session, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.current]
	return s, ok
}

// Get returns the session for token without switching.
func (m *Manager) Get(token string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	return s, ok
}

// Tokens returns the open session tokens in sorted order.
func (m *Manager) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for token := range m.sessions {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Close kills every process of token and waits for them within the
// configured bound. Unknown tokens close successfully.
func (m *Manager) Close(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
	defer cancel()
	return m.CloseContext(ctx, token)
}

// CloseContext is Close bounded by ctx. On ErrBusy the session stays
// open so it can be closed again later.
func (m *Manager) CloseContext(ctx context.Context, token string) error {
	s, ok := m.Get(token)
	if !ok {
		return nil
	}

	procs := s.Processes()
	for _, p := range procs {
		_ = m.table.Kill(p.Pid())
	}

	for _, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			m.log.Warn().Str("session", token).Int("pid", p.Pid()).Str("name", p.Name()).Msg("session close timed out")
			m.audit.LogSession(token, security.ActionClose, false, fmt.Sprintf("pid %d still running", p.Pid()))
			return fmt.Errorf("close session %s: pid %d: %w", token, p.Pid(), ErrBusy)
		}
	}

	reaped := m.table.Forget(token)

	m.mu.Lock()
	delete(m.sessions, token)
	if m.current == token {
		m.current = ""
	}
	m.mu.Unlock()

	m.log.Debug().Str("session", token).Int("reaped", reaped).Msg("closed session")
	m.audit.LogSession(token, security.ActionClose, true, "")
	return nil
}

// SetWorkingDirectory changes the working directory of token's session.
func (m *Manager) SetWorkingDirectory(token, path string) error {
	s, ok := m.Get(token)
	if !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownSession)
	}
	return s.Chdir(path)
}

// SetAllowedPaths replaces the sandbox boundary of token's session.
func (m *Manager) SetAllowedPaths(token string, paths []string) error {
	s, ok := m.Get(token)
	if !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownSession)
	}
	return s.SetAllowedPaths(paths)
}

// SetRoot confines token's session to root.
func (m *Manager) SetRoot(token, root string) error {
	s, ok := m.Get(token)
	if !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownSession)
	}
	return s.SetRoot(root)
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}
	return nil
}
