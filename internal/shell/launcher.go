package shell

import (
	"context"
	"fmt"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/session"
	"github.com/mako10k/vproc/internal/shell/parser"
)

// System runs a command line in the current session and returns the
// status of its last element. When the line ends with a background job,
// that job's terminal pid is returned instead, without waiting.
//
// Command failures are statuses, never errors. The error is non-nil only
// when the process table is exhausted, or ErrExit when the line ran exit.
func (rt *Runtime) System(line string) (int, error) {
	return rt.run(rt.Session(), line)
}

// SystemIn runs line in the session of token without switching to it.
func (rt *Runtime) SystemIn(token, line string) (int, error) {
	s, ok := rt.sessions.Get(token)
	if !ok {
		return proc.StatusFailure, fmt.Errorf("%s: %w", token, session.ErrUnknownSession)
	}
	return rt.run(s, line)
}

// SystemWith runs line in the session of st with st as its default
// streams. Other callers of the session keep their own streams.
func (rt *Runtime) SystemWith(st *session.Streams, line string) (int, error) {
	return rt.runWith(st.Session(), st.IO(), line)
}

func (rt *Runtime) run(s *session.Session, line string) (int, error) {
	return rt.runWith(s, s.IO(), line)
}

func (rt *Runtime) runWith(s *session.Session, streams proc.IOContext, line string) (int, error) {
	f := rt.topFrame(s, streams)
	status, err := f.run(line)

	if f.background && !f.exited && err == nil {
		s.SetLastStatus(proc.StatusOK)
		return f.lastBg, nil
	}
	s.SetLastStatus(status)
	if err == nil && f.exited {
		err = ErrExit
	}
	rt.log.Debug().Str("session", s.Token()).Int("status", status).Msg("line finished")
	return status, err
}

// Executable reports whether every command of line resolves, without
// running anything.
func (rt *Runtime) Executable(line string) bool {
	node, err := parser.Parse(line)
	if err != nil || node == nil {
		return false
	}

	f := rt.topFrame(rt.Session(), proc.IOContext{})
	f.quiet = true
	ok := true
	walk(node, func(cmd *parser.CommandNode) {
		words := cmd.Name.Expand(f.lookup, nil)
		if len(words) == 0 || words[0] == "" {
			ok = false
			return
		}
		if _, err := f.lookupCommand(words[0]); err != nil {
			ok = false
		}
	})
	return ok
}

// walk visits every command of an AST.
func walk(node parser.Node, visit func(*parser.CommandNode)) {
	switch n := node.(type) {
	case *parser.SequenceNode:
		for _, c := range n.Commands {
			walk(c, visit)
		}
	case *parser.ConditionalNode:
		walk(n.Left, visit)
		walk(n.Right, visit)
	case *parser.BackgroundNode:
		walk(n.Job, visit)
	case *parser.ComplexCommandNode:
		walk(n.Pipeline, visit)
	case *parser.PipelineNode:
		for _, c := range n.Commands {
			visit(c)
		}
	}
}

// Fork reserves a process bound to a copy of the current session's
// directory, environment and streams. Nothing runs until Start or Exec.
func (rt *Runtime) Fork() (int, error) {
	s := rt.Session()
	p, err := rt.table.Reserve(proc.Attr{
		Name:    Name,
		Dir:     s.Dir(),
		Env:     s.Env(),
		IO:      s.IO(),
		Sandbox: s.Sandbox(),
		Owner:   s.Token(),
	})
	if err != nil {
		return 0, err
	}
	return p.Pid(), nil
}

// Start binds entry to a forked pid and runs it with args.
func (rt *Runtime) Start(pid int, name string, entry proc.Entrypoint, args ...string) error {
	p, ok := rt.table.Lookup(pid)
	if !ok {
		return fmt.Errorf("start %d: %w", pid, proc.ErrNoSuchProcess)
	}
	if err := rt.table.Exec(p, name, args, entry); err != nil {
		return err
	}
	rt.audit.LogCommandLaunch(p.Owner(), pid, name, true, "start")
	return nil
}

// Exec binds a command line to a forked pid. The line runs as a
// sub-shell in the context copied at fork time.
func (rt *Runtime) Exec(pid int, line string) error {
	p, ok := rt.table.Lookup(pid)
	if !ok {
		return fmt.Errorf("exec %d: %w", pid, proc.ErrNoSuchProcess)
	}
	s, ok := rt.sessions.Get(p.Owner())
	if !ok {
		return fmt.Errorf("exec %d: %s: %w", pid, p.Owner(), session.ErrUnknownSession)
	}

	err := rt.table.Exec(p, Name, []string{"-c", line}, func(p *proc.Process, args []string) int {
		status, _ := rt.child(s, p, Name, nil).run(line)
		return status
	})
	if err != nil {
		return err
	}
	rt.audit.LogCommandLaunch(s.Token(), pid, Name, true, line)
	return nil
}

// Waitpid blocks until pid terminates, reaps it and returns its status.
func (rt *Runtime) Waitpid(pid int) (int, error) {
	return rt.table.Wait(0, pid)
}

// WaitpidContext is Waitpid bounded by ctx.
func (rt *Runtime) WaitpidContext(ctx context.Context, pid int) (int, error) {
	return rt.table.WaitContext(ctx, 0, pid)
}

// Kill sets the cancellation flag of pid. It never blocks.
func (rt *Runtime) Kill(pid int) error {
	return rt.table.Kill(pid)
}

// KillCurrent cancels the running foreground job of the current session.
// It returns the number of processes signalled.
func (rt *Runtime) KillCurrent() int {
	n := 0
	for _, pid := range rt.Session().Foreground() {
		if rt.table.Kill(pid) == nil {
			n++
		}
	}
	return n
}

// Release drops the mapping of a terminated pid, or detaches a running
// one so it is reaped when it finishes.
func (rt *Runtime) Release(pid int) error {
	return rt.table.Release(pid)
}

// Lookup returns the handle of a live or unreaped pid.
func (rt *Runtime) Lookup(pid int) (*proc.Process, bool) {
	return rt.table.Lookup(pid)
}

// Last returns the most recently created pid.
func (rt *Runtime) Last() int {
	return rt.table.Last()
}
