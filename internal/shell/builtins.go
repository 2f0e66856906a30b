package shell

import (
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/shell/parser"
)

// builtinFunc is a command that runs inside the launcher because it
// changes the state of the frame running it.
type builtinFunc func(f *frame, args []string) int

// ShellBuiltins lists the commands handled by the launcher itself.
var ShellBuiltins = []string{"cd", "exit", "export", "unset", "wait"}

func shellBuiltin(name string) (builtinFunc, bool) {
	switch name {
	case "cd":
		return builtinCd, true
	case "exit":
		return builtinExit, true
	case "export":
		return builtinExport, true
	case "unset":
		return builtinUnset, true
	case "wait":
		return builtinWait, true
	default:
		return nil, false
	}
}

// builtinEntry runs a shell builtin as a pipeline stage. It gets a
// sub-shell frame, so its changes do not outlive the stage.
func (f *frame) builtinEntry(fn builtinFunc) proc.Entrypoint {
	sess := f.sess
	return func(p *proc.Process, args []string) int {
		return fn(f.rt.child(sess, p, p.Name(), nil), args)
	}
}

func builtinCd(f *frame, args []string) int {
	target := f.env["HOME"]
	if len(args) > 0 {
		target = args[0]
	}
	if len(args) > 1 {
		f.errorf("cd: too many arguments")
		return proc.StatusUsage
	}
	if target == "" {
		f.errorf("cd: HOME not set")
		return proc.StatusFailure
	}

	path, err := f.validate(target, sandbox.OpChdir)
	if err != nil {
		f.errorf("cd: %s: %s", target, describe(err))
		return proc.StatusFailure
	}
	info, err := os.Stat(path)
	if err != nil {
		f.errorf("cd: %s: %s", target, describe(err))
		return proc.StatusFailure
	}
	if !info.IsDir() {
		f.errorf("cd: %s: not a directory", target)
		return proc.StatusFailure
	}

	if !f.subshell {
		if err := f.sess.Chdir(path); err != nil {
			f.errorf("cd: %s: %s", target, describe(err))
			return proc.StatusFailure
		}
	}
	f.dir = path
	f.env["PWD"] = path
	return proc.StatusOK
}

func builtinExport(f *frame, args []string) int {
	if len(args) == 0 {
		keys := make([]string, 0, len(f.env))
		for k := range f.env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f.io.Stdout.Write([]byte("export " + k + "=" + strconv.Quote(f.env[k]) + "\n"))
		}
		return proc.StatusOK
	}

	status := proc.StatusOK
	for _, arg := range args {
		name, value, hasValue := strings.Cut(arg, "=")
		if !parser.ValidName(name) {
			f.errorf("export: %s: not a valid identifier", arg)
			status = proc.StatusFailure
			continue
		}
		if !hasValue {
			// Every variable is already exported.
			continue
		}
		f.setVar(name, value)
	}
	return status
}

func builtinUnset(f *frame, args []string) int {
	for _, name := range args {
		delete(f.env, name)
		if !f.subshell {
			f.sess.Unsetenv(name)
		}
	}
	return proc.StatusOK
}

func builtinExit(f *frame, args []string) int {
	status := f.status
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			f.errorf("exit: %s: numeric argument required", args[0])
			n = proc.StatusUsage
		}
		status = n & 0xff
	}
	f.exited = true
	f.status = status
	return status
}

// builtinWait reaps the given background pids, or every background job of
// the session. The status is that of the last pid waited for.
func builtinWait(f *frame, args []string) int {
	var pids []int
	if len(args) == 0 {
		pids = f.sess.TakeBackground(0)
	}
	for _, arg := range args {
		pid, err := strconv.Atoi(arg)
		if err != nil || pid <= 0 {
			f.errorf("wait: %s: not a pid", arg)
			return proc.StatusUsage
		}
		if p, ok := f.rt.table.Lookup(pid); !ok || p.Owner() != f.sess.Token() {
			f.errorf("wait: pid %d is not a child of this shell", pid)
			return proc.StatusNotFound
		}
		f.sess.TakeBackground(pid)
		pids = append(pids, pid)
	}

	status := proc.StatusOK
	for _, pid := range pids {
		s, err := f.rt.table.Wait(f.self(), pid)
		switch {
		case err == nil:
			status = s
		case errors.Is(err, proc.ErrNoSuchProcess):
			if len(args) > 0 {
				f.errorf("wait: pid %d is not a child of this shell", pid)
				status = proc.StatusNotFound
			}
		default:
			f.errorf("wait: %v", err)
			status = proc.StatusFailure
		}
	}
	return status
}
