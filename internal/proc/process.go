// Package proc implements pseudo-processes: goroutine-backed execution
// units with a synthetic pid, their own copy of working directory,
// environment and streams, an exit status, and a cooperative cancellation
// flag.
//
// Cancellation is cooperative only. Kill cancels the process context and
// closes the pipe ends the process owns; an entrypoint that neither polls
// Cancelled/Context nor touches its pipes runs to natural completion.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/utils"
)

// Exit statuses with a fixed meaning.
const (
	StatusOK            = 0
	StatusFailure       = 1
	StatusUsage         = 2
	StatusNotExecutable = 126
	StatusNotFound      = 127
	StatusKilled        = 130
)

var (
	ErrNoSuchProcess     = errors.New("no such process")
	ErrDeadlock          = errors.New("waiting on own pid would deadlock")
	ErrResourceExhausted = errors.New("process table full")
	ErrNotReserved       = errors.New("process is not awaiting an entrypoint")
)

// State is a position in the process lifecycle.
type State int

const (
	Reserved State = iota
	Running
	Completed
	Killed
	Errored
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Killed:
		return "killed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Killed || s == Errored
}

// Entrypoint is the body of a command. args excludes the program name,
// which is available from p.Name().
type Entrypoint func(p *Process, args []string) int

// Attr describes a process to reserve.
type Attr struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	IO      IOContext
	Sandbox *sandbox.Sandbox
	Owner   string
	Parent  *Process

	// Closers are released when the process exits or is killed; pipeline
	// stages hand their pipe ends over this way.
	Closers []io.Closer
}

// Process is a ProcessHandle.
type Process struct {
	pid   int
	ppid  int
	owner string
	table *Table

	name string
	args []string
	dir  string
	env  map[string]string
	io   IOContext
	sb   *sandbox.Sandbox

	ctx    context.Context
	cancel context.CancelFunc
	killed atomic.Bool

	mu       sync.Mutex
	state    State
	status   int
	detached bool
	closers  []io.Closer
	done     chan struct{}
}

func (p *Process) Pid() int      { return p.pid }
func (p *Process) Ppid() int     { return p.ppid }
func (p *Process) Owner() string { return p.owner }

// Name is the program name of the stage.
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Args returns the arguments the process was started with.
func (p *Process) Args() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.args))
	copy(out, p.args)
	return out
}

func (p *Process) Stdin() io.Reader  { return p.io.Stdin }
func (p *Process) Stdout() io.Writer { return p.io.Stdout }
func (p *Process) Stderr() io.Writer { return p.io.Stderr }

// IO returns a copy of the bound stream context.
func (p *Process) IO() IOContext { return p.io }

// Context is cancelled by Kill on this process or any ancestor.
func (p *Process) Context() context.Context { return p.ctx }

// Cancelled is the flag entrypoints are expected to poll at safe points.
func (p *Process) Cancelled() bool {
	return p.killed.Load() || p.ctx.Err() != nil
}

// Isatty reports whether stream fd is a terminal.
func (p *Process) Isatty(fd int) bool { return p.io.IsTerminal(fd) }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns the exit status; meaningful once State is terminal.
func (p *Process) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Done is closed when the process reaches a terminal state.
func (p *Process) Done() <-chan struct{} { return p.done }

// Getwd returns the process working directory.
func (p *Process) Getwd() string { return p.dir }

// Getenv returns an environment variable of the process.
func (p *Process) Getenv(key string) string { return p.env[key] }

// Env returns a copy of the environment.
func (p *Process) Env() map[string]string { return copyEnv(p.env) }

// Environ returns the environment as sorted KEY=value strings.
func (p *Process) Environ() []string {
	out := make([]string, 0, len(p.env))
	for k, v := range p.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Sandbox returns the boundary the process is confined to.
func (p *Process) Sandbox() *sandbox.Sandbox { return p.sb }

// Abs validates name for op and returns its canonical path.
func (p *Process) Abs(name string, op sandbox.Op) (string, error) {
	if p.sb == nil {
		return sandbox.New().Validate(p.dir, name, op)
	}
	return p.sb.Validate(p.dir, name, op)
}

// Open opens name for reading after sandbox validation.
func (p *Process) Open(name string) (*os.File, error) {
	return p.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates name after sandbox validation.
func (p *Process) Create(name string) (*os.File, error) {
	return p.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile is os.OpenFile through the sandbox. Any write flag validates
// the path for writing.
func (p *Process) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	op := sandbox.OpRead
	if utils.Writes(flag) {
		op = sandbox.OpWrite
	}
	path, err := p.Abs(name, op)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

// ReadDir lists a directory through the sandbox.
func (p *Process) ReadDir(name string) ([]fs.DirEntry, error) {
	path, err := p.Abs(name, sandbox.OpRead)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(path)
}

// Stat stats a path through the sandbox.
func (p *Process) Stat(name string) (fs.FileInfo, error) {
	path, err := p.Abs(name, sandbox.OpStat)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// Wait waits for pid and reaps it. Waiting on oneself fails with ErrDeadlock.
func (p *Process) Wait(pid int) (int, error) {
	return p.table.Wait(p.pid, pid)
}

// interrupt sets the cancellation flag and releases owned pipe ends so
// blocked pipe I/O in the process returns.
func (p *Process) interrupt() {
	p.killed.Store(true)
	p.cancel()

	p.mu.Lock()
	closers := p.closers
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

func (p *Process) finish(state State, status int) {
	p.mu.Lock()
	p.state = state
	p.status = status
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	p.cancel()
	close(p.done)
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
