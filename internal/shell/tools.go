package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/registry"
	"github.com/mako10k/vproc/internal/sandbox"
)

var errNotExecutable = errors.New("not a bundled tool")

// scriptHeaders are the first lines that mark a file as a bundled tool.
var scriptHeaders = []string{"#!" + Name, "#!/usr/bin/env " + Name}

// searchPath looks name up in the PATH directories of the frame. Denied
// and missing candidates are skipped.
func (f *frame) searchPath(name string) (proc.Entrypoint, error) {
	var firstErr error
	for _, dir := range filepath.SplitList(f.env["PATH"]) {
		if dir == "" {
			dir = "."
		}
		entry, err := f.toolAt(filepath.Join(dir, name), name)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, errNotExecutable) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%s: %w", name, registry.ErrNotFound)
}

// toolAt loads the bundled script at path. Files that exist but are not
// scripts fail with errNotExecutable; the body is read at resolve time so
// the sandbox check happens before anything spawns.
func (f *frame) toolAt(path, name string) (proc.Entrypoint, error) {
	canonical, err := f.validate(path, sandbox.OpExec)
	if err != nil {
		if errors.Is(err, sandbox.ErrPermissionDenied) && !strings.ContainsRune(name, '/') {
			return nil, fmt.Errorf("%s: %w", name, registry.ErrNotFound)
		}
		return nil, err
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, registry.ErrNotFound)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, errNotExecutable)
	}

	script, err := readScript(canonical)
	if err != nil {
		return nil, err
	}
	return f.rt.scriptEntry(f.sess.Token(), script), nil
}

func readScript(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	header, err := reader.ReadString('\n')
	if err != nil && header == "" {
		return "", fmt.Errorf("%s: %w", path, errNotExecutable)
	}
	if !isScriptHeader(strings.TrimSpace(header)) {
		return "", fmt.Errorf("%s: %w", path, errNotExecutable)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return header + string(body), nil
}

func isScriptHeader(line string) bool {
	for _, h := range scriptHeaders {
		if line == h {
			return true
		}
	}
	return false
}

// scriptEntry runs a script body in a sub-shell frame of the process,
// with the process arguments as positional parameters.
func (rt *Runtime) scriptEntry(token, script string) proc.Entrypoint {
	return func(p *proc.Process, args []string) int {
		sess, ok := rt.sessions.Get(token)
		if !ok {
			fmt.Fprintf(p.Stderr(), "%s: %s: session closed\n", Name, p.Name())
			return proc.StatusFailure
		}
		f := rt.child(sess, p, p.Name(), args)
		status, err := f.run(script)
		if err != nil {
			return proc.StatusFailure
		}
		return status
	}
}

// ScriptEntry returns an entrypoint that runs script as a sub-shell of
// the current session, with the process arguments as positional
// parameters. Hosts use it to run script files through Fork and Start.
func (rt *Runtime) ScriptEntry(script string) proc.Entrypoint {
	return rt.scriptEntry(rt.Session().Token(), script)
}
