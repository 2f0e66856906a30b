package shell

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/mako10k/vproc/internal/pipe"
	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/registry"
	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/shell/parser"
	"github.com/mako10k/vproc/internal/utils"
)

// stage is one resolved command of a pipeline.
type stage struct {
	name  string
	args  []string
	entry proc.Entrypoint
	local builtinFunc
}

// execPipeline runs a pipeline. Every stage is expanded, resolved and
// sandbox-checked before any of them spawns; a failure there aborts the
// pipeline with 127 (not found), 126 (not executable) or 1 (denied).
// In the background case the terminal pid is returned instead of waiting.
func (f *frame) execPipeline(pl *parser.PipelineNode, redirs []*parser.RedirectionNode, background bool) (int, int, error) {
	stages := make([]stage, 0, len(pl.Commands))
	for _, cmd := range pl.Commands {
		words := f.expand(append([]parser.Word{cmd.Name}, cmd.Args...))
		for len(words) > 0 && words[0] == "" {
			words = words[1:]
		}
		if len(words) == 0 {
			if len(pl.Commands) == 1 {
				return proc.StatusOK, 0, nil
			}
			f.errorf("empty command in pipeline")
			return proc.StatusUsage, 0, nil
		}

		if len(pl.Commands) == 1 && len(words) == 1 && !background {
			if name, value, ok := assignment(words[0]); ok {
				f.setVar(name, value)
				return proc.StatusOK, 0, nil
			}
		}

		st, status := f.resolve(words[0])
		if status != proc.StatusOK {
			return status, 0, nil
		}
		st.args = words[1:]
		stages = append(stages, st)
	}

	streams, closers, status := f.openRedirections(redirs, f.io)
	if status != proc.StatusOK {
		return status, 0, nil
	}

	// A lone shell builtin runs in this frame so cd and export stick.
	if len(stages) == 1 && stages[0].local != nil && !background {
		saved := f.io
		f.io = streams
		status := stages[0].local(f, stages[0].args)
		f.io = saved
		closeAll(closers)
		return status, 0, nil
	}

	procs, err := f.spawn(stages, streams)
	if err != nil {
		closeAll(closers)
		return proc.StatusFailure, 0, err
	}
	go func() {
		for _, p := range procs {
			<-p.Done()
		}
		closeAll(closers)
	}()

	terminal := procs[len(procs)-1]
	for _, p := range procs[:len(procs)-1] {
		_ = f.rt.table.Release(p.Pid())
	}

	if background {
		return proc.StatusOK, terminal.Pid(), nil
	}

	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.Pid()
	}
	if f.parent == nil {
		f.sess.AddForeground(pids...)
		defer f.sess.RemoveForeground(pids...)
	}

	status, err = f.rt.table.Wait(f.self(), terminal.Pid())
	if err != nil {
		// Reaped by someone else, e.g. a host Waitpid on the same pid.
		<-terminal.Done()
		status = terminal.Status()
	}
	return status, 0, nil
}

// spawn reserves one process per stage, then starts them all. Running
// out of process slots kills what was reserved and fails the call.
func (f *frame) spawn(stages []stage, streams proc.IOContext) ([]*proc.Process, error) {
	n := len(stages)
	readers := make([]*pipe.Reader, n)
	writers := make([]*pipe.Writer, n)
	for i := 0; i < n-1; i++ {
		readers[i+1], writers[i] = pipe.New(f.rt.pipeSize)
	}

	procs := make([]*proc.Process, 0, n)
	abort := func(err error) ([]*proc.Process, error) {
		for _, p := range procs {
			_ = f.rt.table.Kill(p.Pid())
			_ = f.rt.table.Release(p.Pid())
		}
		for i := range readers {
			if readers[i] != nil {
				_ = readers[i].Close()
			}
			if writers[i] != nil {
				_ = writers[i].Close()
			}
		}
		f.errorf("%v", err)
		f.rt.log.Error().Err(err).Str("session", f.sess.Token()).Msg("pipeline spawn failed")
		return nil, err
	}

	for i, st := range stages {
		streams := streams
		var owned []io.Closer
		if readers[i] != nil {
			streams.Stdin = readers[i]
			owned = append(owned, readers[i])
		}
		if writers[i] != nil {
			streams.Stdout = writers[i]
			owned = append(owned, writers[i])
		}

		p, err := f.rt.table.Reserve(proc.Attr{
			Name:    st.name,
			Args:    st.args,
			Dir:     f.dir,
			Env:     f.env,
			IO:      streams,
			Sandbox: f.sess.Sandbox(),
			Owner:   f.sess.Token(),
			Parent:  f.parent,
			Closers: owned,
		})
		if err != nil {
			f.rt.audit.LogCommandLaunch(f.sess.Token(), 0, st.name, false, err.Error())
			return abort(err)
		}
		procs = append(procs, p)
	}

	for i, p := range procs {
		entry := stages[i].entry
		if local := stages[i].local; local != nil {
			entry = f.builtinEntry(local)
		}
		if err := f.rt.table.Start(p, entry); err != nil {
			return abort(err)
		}
		f.rt.audit.LogCommandLaunch(f.sess.Token(), p.Pid(), stages[i].name, true, strings.Join(stages[i].args, " "))
		f.rt.log.Debug().Str("session", f.sess.Token()).Int("pid", p.Pid()).Str("name", stages[i].name).Msg("launched stage")
	}
	return procs, nil
}

// resolve finds the implementation of name: shell builtin, registry
// entry, or bundled tool. On failure the message is already written and
// the status is non-zero.
func (f *frame) resolve(name string) (stage, int) {
	st, err := f.lookupCommand(name)
	if err == nil {
		return st, proc.StatusOK
	}

	switch {
	case errors.Is(err, registry.ErrNotFound):
		f.errorf("%s: command not found", name)
		return st, proc.StatusNotFound
	case errors.Is(err, errNotExecutable), errors.Is(err, sandbox.ErrPermissionDenied):
		f.errorf("%s: cannot execute: %s", name, describe(err))
		return st, proc.StatusNotExecutable
	default:
		f.errorf("%s: %v", name, err)
		return st, proc.StatusNotExecutable
	}
}

func (f *frame) lookupCommand(name string) (stage, error) {
	if fn, ok := shellBuiltin(name); ok {
		return stage{name: name, local: fn}, nil
	}
	if strings.ContainsRune(name, '/') {
		entry, err := f.toolAt(name, name)
		return stage{name: name, entry: entry}, err
	}
	if d, ok := f.rt.registry.Lookup(name); ok {
		if d.Entrypoint != nil {
			return stage{name: name, entry: d.Entrypoint}, nil
		}
		entry, err := f.toolAt(d.Tool, name)
		return stage{name: name, entry: entry}, err
	}
	entry, err := f.searchPath(name)
	return stage{name: name, entry: entry}, err
}

// openFile opens a redirection target through the session sandbox.
func (f *frame) openFile(name, mode string) (*os.File, error) {
	flag, perm, err := utils.ParseFileMode(mode)
	if err != nil {
		return nil, err
	}
	op := sandbox.OpRead
	if utils.Writes(flag) {
		op = sandbox.OpWrite
	}
	path, err := f.validate(name, op)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

// setVar assigns a variable in this frame, and in the session for
// top-level frames.
func (f *frame) setVar(name, value string) {
	f.env[name] = value
	if !f.subshell {
		f.sess.Setenv(name, value)
	}
}

// assignment splits NAME=value words.
func assignment(word string) (string, string, bool) {
	name, value, ok := strings.Cut(word, "=")
	if !ok || !parser.ValidName(name) {
		return "", "", false
	}
	return name, value, true
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
