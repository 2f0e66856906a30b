package proc

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLimit is the process table size used when NewTable gets zero.
const DefaultLimit = 256

// Table maps synthetic pids to live or unreaped processes. A pid is never
// handed out again while its entry is in the table.
type Table struct {
	mu    sync.Mutex
	procs map[int]*Process
	next  int
	last  int
	limit int
	log   zerolog.Logger
}

// NewTable creates a table holding at most limit entries.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table{
		procs: make(map[int]*Process),
		next:  1,
		limit: limit,
		log:   log.Logger,
	}
}

// WithLogger sets the table logger.
func (t *Table) WithLogger(logger zerolog.Logger) *Table {
	t.log = logger
	return t
}

// Reserve allocates a handle with copies of attr's directory, environment
// and streams, without running anything. This is the first half of fork.
func (t *Table) Reserve(attr Attr) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.procs) >= t.limit {
		return nil, fmt.Errorf("reserve %s: %w (limit %d)", attr.Name, ErrResourceExhausted, t.limit)
	}

	pid := t.next
	for {
		if _, taken := t.procs[pid]; !taken && pid > 0 {
			break
		}
		pid++
		if pid <= 0 {
			pid = 1
		}
	}
	t.next = pid + 1

	parent := context.Background()
	ppid := 0
	if attr.Parent != nil {
		parent = attr.Parent.ctx
		ppid = attr.Parent.pid
	}
	ctx, cancel := context.WithCancel(parent)

	args := make([]string, len(attr.Args))
	copy(args, attr.Args)
	closers := make([]io.Closer, 0, len(attr.Closers))
	closers = append(closers, attr.Closers...)

	p := &Process{
		pid:     pid,
		ppid:    ppid,
		owner:   attr.Owner,
		table:   t,
		name:    attr.Name,
		args:    args,
		dir:     attr.Dir,
		env:     copyEnv(attr.Env),
		io:      attr.IO.Resolved(),
		sb:      attr.Sandbox,
		ctx:     ctx,
		cancel:  cancel,
		state:   Reserved,
		closers: closers,
		done:    make(chan struct{}),
	}
	t.procs[pid] = p
	t.last = pid

	t.log.Debug().Int("pid", pid).Int("ppid", ppid).Str("name", attr.Name).Str("owner", attr.Owner).Msg("reserved process")
	return p, nil
}

// Start binds entry to a reserved process and runs it on its own goroutine.
func (t *Table) Start(p *Process, entry Entrypoint) error {
	p.mu.Lock()
	if p.state != Reserved {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("start pid %d (%s): %w", p.pid, state, ErrNotReserved)
	}
	p.state = Running
	args := p.args
	p.mu.Unlock()

	go t.run(p, entry, args)
	return nil
}

// Exec renames a reserved process, replaces its arguments and starts it.
func (t *Table) Exec(p *Process, name string, args []string, entry Entrypoint) error {
	p.mu.Lock()
	if p.state == Reserved {
		p.name = name
		p.args = append([]string(nil), args...)
	}
	p.mu.Unlock()
	return t.Start(p, entry)
}

// Spawn reserves and starts in one step.
func (t *Table) Spawn(attr Attr, entry Entrypoint) (*Process, error) {
	p, err := t.Reserve(attr)
	if err != nil {
		return nil, err
	}
	if err := t.Start(p, entry); err != nil {
		t.remove(p)
		return nil, err
	}
	return p, nil
}

func (t *Table) run(p *Process, entry Entrypoint, args []string) {
	state := Errored
	status := StatusFailure

	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Int("pid", p.pid).Str("name", p.Name()).Interface("panic", r).Msg("entrypoint panicked")
			state = Errored
			status = StatusFailure
		}
		if p.killed.Load() {
			state = Killed
			status = StatusKilled
		}
		p.finish(state, status)

		p.mu.Lock()
		detached := p.detached
		p.mu.Unlock()
		if detached {
			t.remove(p)
		}
		t.log.Debug().Int("pid", p.pid).Str("name", p.Name()).Str("state", state.String()).Int("status", status).Msg("process exited")
	}()

	status = entry(p, args)
	state = Completed
}

// Wait blocks until pid is terminal, reaps it and returns its status.
// self is the waiting process pid, 0 for the host.
func (t *Table) Wait(self, pid int) (int, error) {
	return t.WaitContext(context.Background(), self, pid)
}

// WaitContext is Wait bounded by ctx. On ctx expiry the process is not reaped.
func (t *Table) WaitContext(ctx context.Context, self, pid int) (int, error) {
	if self != 0 && self == pid {
		return 0, fmt.Errorf("waitpid %d: %w", pid, ErrDeadlock)
	}

	p, ok := t.Lookup(pid)
	if !ok {
		return 0, fmt.Errorf("waitpid %d: %w", pid, ErrNoSuchProcess)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	t.mu.Lock()
	current, ok := t.procs[pid]
	if !ok || current != p {
		t.mu.Unlock()
		return 0, fmt.Errorf("waitpid %d: %w", pid, ErrNoSuchProcess)
	}
	delete(t.procs, pid)
	t.mu.Unlock()

	t.log.Debug().Int("pid", pid).Int("waiter", self).Int("status", p.Status()).Msg("reaped process")
	return p.Status(), nil
}

// Kill sets the cancellation flag of pid. It never blocks. A reserved
// process that was never started becomes Killed immediately.
func (t *Table) Kill(pid int) error {
	p, ok := t.Lookup(pid)
	if !ok {
		return fmt.Errorf("kill %d: %w", pid, ErrNoSuchProcess)
	}
	t.kill(p)
	return nil
}

func (t *Table) kill(p *Process) {
	p.mu.Lock()
	state := p.state
	detached := p.detached
	if state == Reserved {
		p.state = Killed
	}
	p.mu.Unlock()

	switch {
	case state == Reserved:
		p.killed.Store(true)
		p.finish(Killed, StatusKilled)
		if detached {
			t.remove(p)
		}
	case state == Running:
		p.interrupt()
	}
	t.log.Debug().Int("pid", p.pid).Str("state", state.String()).Msg("kill requested")
}

// Release drops the mapping for pid. A terminal process is removed at once;
// a live one is detached and removed when it exits.
func (t *Table) Release(pid int) error {
	p, ok := t.Lookup(pid)
	if !ok {
		return fmt.Errorf("release %d: %w", pid, ErrNoSuchProcess)
	}

	p.mu.Lock()
	terminal := p.state.Terminal()
	if !terminal {
		p.detached = true
	}
	p.mu.Unlock()

	if terminal {
		t.remove(p)
	}
	return nil
}

func (t *Table) remove(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.procs[p.pid]; ok && current == p {
		delete(t.procs, p.pid)
	}
}

// Lookup returns the handle for pid while it is live or unreaped.
func (t *Table) Lookup(pid int) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Last returns the most recently reserved pid, 0 if none.
func (t *Table) Last() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Len returns the number of table entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Owned returns the processes owned by owner, ordered by pid.
func (t *Table) Owned(owner string) []*Process {
	t.mu.Lock()
	out := make([]*Process, 0)
	for _, p := range t.procs {
		if p.owner == owner {
			out = append(out, p)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// Forget removes every entry of owner that is already terminal.
func (t *Table) Forget(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for pid, p := range t.procs {
		if p.owner != owner {
			continue
		}
		if p.State().Terminal() {
			delete(t.procs, pid)
			n++
		}
	}
	return n
}
