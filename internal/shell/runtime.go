// Package shell is the launcher of the pseudo-process runtime. It parses
// command lines, resolves every stage through the command registry or the
// bundled tools on PATH, wires stages with bounded pipes and runs each one
// as a pseudo-process owned by the current session.
package shell

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mako10k/vproc/internal/pipe"
	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/registry"
	"github.com/mako10k/vproc/internal/security"
	"github.com/mako10k/vproc/internal/session"
)

// Name is the program name the runtime reports in messages and for its
// own sub-shell processes.
const Name = "vsh"

// DefaultSession is the token used when the host never switches.
const DefaultSession = "default"

var (
	// ErrExit is returned by System when the line ran the exit builtin.
	// The status is the requested exit status.
	ErrExit = errors.New("exit requested")

	ErrInvalidMode = errors.New("invalid popen mode")
)

// Options configures a Runtime. Zero values select defaults.
type Options struct {
	Registry     *registry.Registry
	Table        *proc.Table
	MaxProcesses int
	PipeBuffer   int
	Defaults     session.Defaults
	Audit        *security.AuditManager
}

// Runtime is the host-facing surface: it owns the process table, the
// sessions and a reference to the command registry.
type Runtime struct {
	registry *registry.Registry
	table    *proc.Table
	sessions *session.Manager
	pipeSize int
	audit    *security.AuditManager
	log      zerolog.Logger
}

// New creates a runtime.
func New(opts Options) *Runtime {
	reg := opts.Registry
	if reg == nil {
		reg = registry.New().WithAudit(opts.Audit)
	}
	table := opts.Table
	if table == nil {
		table = proc.NewTable(opts.MaxProcesses)
	}
	pipeSize := opts.PipeBuffer
	if pipeSize <= 0 {
		pipeSize = pipe.DefaultSize
	}

	rt := &Runtime{
		registry: reg,
		table:    table,
		sessions: session.NewManager(table, opts.Defaults).WithAudit(opts.Audit),
		pipeSize: pipeSize,
		audit:    opts.Audit,
		log:      log.Logger,
	}
	return rt
}

// WithLogger sets the logger of the runtime and the components it owns.
func (rt *Runtime) WithLogger(logger zerolog.Logger) *Runtime {
	rt.log = logger
	rt.table.WithLogger(logger)
	rt.sessions.WithLogger(logger)
	return rt
}

// Registry returns the command registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Table returns the process table.
func (rt *Runtime) Table() *proc.Table { return rt.table }

// Sessions returns the session manager.
func (rt *Runtime) Sessions() *session.Manager { return rt.sessions }

// Session returns the current session, switching to DefaultSession when
// the host never chose one.
func (rt *Runtime) Session() *session.Session {
	if s, ok := rt.sessions.Current(); ok {
		return s
	}
	return rt.sessions.Switch(DefaultSession)
}

// InitializeEnvironment sets the environment every new session starts
// with and merges it into the current session. HOME, PWD, PATH, TERM and
// SHELL get defaults when env does not set them.
func (rt *Runtime) InitializeEnvironment(env map[string]string) {
	base := rt.sessions.Defaults()

	merged := make(map[string]string, len(base.Env)+len(env)+5)
	for k, v := range base.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	if merged["HOME"] == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = base.Dir
		}
		merged["HOME"] = home
	}
	if merged["PATH"] == "" {
		merged["PATH"] = filepath.Join(merged["HOME"], "bin")
	}
	if merged["TERM"] == "" {
		merged["TERM"] = "xterm-256color"
	}
	if merged["SHELL"] == "" {
		merged["SHELL"] = Name
	}
	merged["PWD"] = base.Dir

	base.Env = merged
	rt.sessions.SetDefaults(base)

	if s, ok := rt.sessions.Current(); ok {
		for k, v := range merged {
			if k == "PWD" {
				continue
			}
			s.Setenv(k, v)
		}
	}
	rt.log.Debug().Int("vars", len(merged)).Str("home", merged["HOME"]).Msg("environment initialized")
}

// SwitchSession makes token current, creating the session on first use.
func (rt *Runtime) SwitchSession(token string) *session.Session {
	return rt.sessions.Switch(token)
}

// CloseSession kills and reaps the processes of token, then frees it.
func (rt *Runtime) CloseSession(token string) error {
	return rt.sessions.Close(token)
}

// SetStreams replaces the default streams of the current session.
func (rt *Runtime) SetStreams(io proc.IOContext) {
	rt.Session().SetIO(io)
}

// PushStreams returns streams owned by the caller, layered on the current
// session default. Run lines on them with SystemWith.
func (rt *Runtime) PushStreams(io proc.IOContext) *session.Streams {
	return rt.Session().PushIO(io)
}

// SetWorkingDirectory changes the current session directory.
func (rt *Runtime) SetWorkingDirectory(path string) error {
	return rt.Session().Chdir(path)
}

// SetRoot confines the current session to root.
func (rt *Runtime) SetRoot(root string) error {
	return rt.Session().SetRoot(root)
}

// SetAllowedPaths confines the current session to paths.
func (rt *Runtime) SetAllowedPaths(paths []string) error {
	return rt.Session().SetAllowedPaths(paths)
}

// LastStatus returns the status of the last foreground line of the
// current session.
func (rt *Runtime) LastStatus() int {
	return rt.Session().LastStatus()
}

// LastBackgroundPid returns the terminal pid of the last background job.
func (rt *Runtime) LastBackgroundPid() int {
	return rt.Session().LastBackgroundPid()
}

// CurrentPid returns the terminal stage of the running foreground job of
// the current session, 0 when idle.
func (rt *Runtime) CurrentPid() int {
	fg := rt.Session().Foreground()
	if len(fg) == 0 {
		return 0
	}
	return fg[len(fg)-1]
}

// Isatty reports whether stream fd of the current session is a terminal.
func (rt *Runtime) Isatty(fd int) bool {
	return rt.Session().IO().IsTerminal(fd)
}

// ReplaceCommand retargets name, and with all set every alias sharing
// its implementation.
func (rt *Runtime) ReplaceCommand(name string, entry proc.Entrypoint, all bool) error {
	return rt.registry.Replace(name, entry, all)
}

// LoadDescriptors bulk-registers commands from a descriptor file.
func (rt *Runtime) LoadDescriptors(path string, symbols registry.Symbols) error {
	return rt.registry.LoadFile(path, symbols)
}

// Commands lists the registered command names.
func (rt *Runtime) Commands() []string {
	return rt.registry.List()
}

// Metadata returns the argument spec and flags of a command.
func (rt *Runtime) Metadata(name string) (registry.Metadata, error) {
	return rt.registry.Metadata(name)
}

// Close closes every session.
func (rt *Runtime) Close() error {
	var errs []error
	for _, token := range rt.sessions.Tokens() {
		if err := rt.sessions.Close(token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
