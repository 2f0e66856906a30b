package shell

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/session"
	"github.com/mako10k/vproc/internal/shell/parser"
)

// frame is the execution context of one command list: the top level of a
// System call, a script tool, or a sub-shell process. A sub-shell frame
// works on copies; only top-level frames write cd/export back to the
// session.
type frame struct {
	rt       *Runtime
	sess     *session.Session
	parent   *proc.Process
	dir      string
	env      map[string]string
	io       proc.IOContext
	name     string
	args     []string
	subshell bool
	quiet    bool // resolve only; sandbox denials are not reported

	status     int
	exited     bool
	lastBg     int
	background bool
}

func (rt *Runtime) topFrame(s *session.Session, streams proc.IOContext) *frame {
	return &frame{
		rt:     rt,
		sess:   s,
		dir:    s.Dir(),
		env:    s.Env(),
		io:     streams.Resolved(),
		name:   Name,
		status: s.LastStatus(),
	}
}

// child builds a sub-shell frame bound to p's copied context.
func (rt *Runtime) child(s *session.Session, p *proc.Process, name string, args []string) *frame {
	return &frame{
		rt:       rt,
		sess:     s,
		parent:   p,
		dir:      p.Getwd(),
		env:      p.Env(),
		io:       p.IO(),
		name:     name,
		args:     args,
		subshell: true,
	}
}

func (f *frame) self() int {
	if f.parent == nil {
		return 0
	}
	return f.parent.Pid()
}

func (f *frame) cancelled() bool {
	return f.parent != nil && f.parent.Cancelled()
}

func (f *frame) errorf(format string, args ...any) {
	fmt.Fprintf(f.io.Stderr, Name+": "+format+"\n", args...)
}

// lookup resolves parameters during expansion.
func (f *frame) lookup(name string) (string, bool) {
	switch name {
	case "?":
		return strconv.Itoa(f.status), true
	case "$":
		return strconv.Itoa(f.self()), true
	case "!":
		if f.lastBg != 0 {
			return strconv.Itoa(f.lastBg), true
		}
		if pid := f.sess.LastBackgroundPid(); pid != 0 {
			return strconv.Itoa(pid), true
		}
		return "", false
	case "#":
		return strconv.Itoa(len(f.args)), true
	case "0":
		return f.name, true
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n >= 1 && n <= len(f.args) {
			return f.args[n-1], true
		}
		return "", false
	}
	v, ok := f.env[name]
	return v, ok
}

func (f *frame) expand(words []parser.Word) []string {
	var out []string
	for _, w := range words {
		out = append(out, w.Expand(f.lookup, f.args)...)
	}
	return out
}

func (f *frame) validate(path string, op sandbox.Op) (string, error) {
	if f.quiet {
		return f.sess.Sandbox().Check(f.dir, path, op)
	}
	return f.sess.Sandbox().Validate(f.dir, path, op)
}

// run executes a whole line and returns the status of its last element.
// Only hard failures (resource exhaustion) are returned as errors.
func (f *frame) run(line string) (int, error) {
	node, err := parser.Parse(line)
	if err != nil {
		f.errorf("%v", err)
		f.status = proc.StatusUsage
		return f.status, nil
	}
	return f.exec(node)
}

// exec executes a parsed AST node
func (f *frame) exec(node parser.Node) (int, error) {
	if node == nil {
		return f.status, nil
	}
	if f.cancelled() {
		f.exited = true
		f.status = proc.StatusKilled
		return f.status, nil
	}

	var status int
	var err error
	switch n := node.(type) {
	case *parser.SequenceNode:
		return f.execSequence(n)
	case *parser.ConditionalNode:
		return f.execConditional(n)
	case *parser.BackgroundNode:
		status, err = f.execBackground(n)
	case *parser.ComplexCommandNode:
		status, _, err = f.execPipeline(n.Pipeline, n.Redirections, false)
	case *parser.PipelineNode:
		status, _, err = f.execPipeline(n, nil, false)
	default:
		return proc.StatusFailure, fmt.Errorf("unknown node type: %T", node)
	}

	if !f.exited {
		f.status = status
	}
	f.background = false
	if _, ok := node.(*parser.BackgroundNode); ok {
		f.background = true
	}
	return f.status, err
}

// execSequence executes sequential commands
func (f *frame) execSequence(seq *parser.SequenceNode) (int, error) {
	for _, cmd := range seq.Commands {
		if _, err := f.exec(cmd); err != nil {
			return f.status, err
		}
		if f.exited {
			break
		}
	}
	return f.status, nil
}

// execConditional executes conditional commands (&& or ||)
func (f *frame) execConditional(cond *parser.ConditionalNode) (int, error) {
	left, err := f.exec(cond.Left)
	if err != nil || f.exited {
		return left, err
	}

	switch cond.Operator {
	case "&&":
		if left == proc.StatusOK {
			return f.exec(cond.Right)
		}
	case "||":
		if left != proc.StatusOK {
			return f.exec(cond.Right)
		}
	default:
		return proc.StatusFailure, fmt.Errorf("unknown conditional operator: %s", cond.Operator)
	}
	return left, nil
}

// execBackground starts a job without waiting. Plain pipelines run their
// stages directly; anything else runs inside a sub-shell process.
func (f *frame) execBackground(bg *parser.BackgroundNode) (int, error) {
	var pid int
	var err error

	switch job := bg.Job.(type) {
	case *parser.ComplexCommandNode:
		_, pid, err = f.execPipeline(job.Pipeline, job.Redirections, true)
	case *parser.PipelineNode:
		_, pid, err = f.execPipeline(job, nil, true)
	default:
		pid, err = f.spawnSubshell(job)
	}
	if err != nil {
		return proc.StatusFailure, err
	}
	if pid != 0 {
		f.lastBg = pid
		f.sess.AddBackground(pid)
	}
	return proc.StatusOK, nil
}

func (f *frame) spawnSubshell(node parser.Node) (int, error) {
	p, err := f.rt.table.Reserve(proc.Attr{
		Name:    Name,
		Args:    []string{"-c", node.String()},
		Dir:     f.dir,
		Env:     f.env,
		IO:      f.io,
		Sandbox: f.sess.Sandbox(),
		Owner:   f.sess.Token(),
		Parent:  f.parent,
	})
	if err != nil {
		f.errorf("%v", err)
		return 0, err
	}

	sess := f.sess
	err = f.rt.table.Start(p, func(p *proc.Process, args []string) int {
		child := f.rt.child(sess, p, Name, nil)
		status, _ := child.exec(node)
		return status
	})
	if err != nil {
		return 0, err
	}
	f.rt.audit.LogCommandLaunch(sess.Token(), p.Pid(), Name, true, "subshell")
	return p.Pid(), nil
}

// openRedirections validates and opens every redirection target. The
// returned context has the redirected streams; closers must be closed
// once every stage using them has finished.
func (f *frame) openRedirections(redirs []*parser.RedirectionNode, base proc.IOContext) (proc.IOContext, []io.Closer, int) {
	var closers []io.Closer
	fail := func(status int) (proc.IOContext, []io.Closer, int) {
		for _, c := range closers {
			_ = c.Close()
		}
		return base, nil, status
	}

	for _, redir := range redirs {
		targets := redir.Target.Expand(f.lookup, f.args)
		if len(targets) != 1 || targets[0] == "" {
			f.errorf("%s: ambiguous redirect", redir.Target.Raw)
			return fail(proc.StatusFailure)
		}
		target := targets[0]

		var mode string
		switch redir.Type {
		case parser.RedirIn:
			mode = "r"
		case parser.RedirAppend:
			mode = "a"
		default:
			mode = "w"
		}
		var file io.ReadWriter
		if target == os.DevNull {
			file = devNull{}
		} else {
			opened, err := f.openFile(target, mode)
			if err != nil {
				f.errorf("%s: %v", target, describe(err))
				return fail(proc.StatusFailure)
			}
			closers = append(closers, opened)
			file = opened
		}

		switch redir.Type {
		case parser.RedirIn:
			base.Stdin = file
		case parser.RedirOut, parser.RedirAppend:
			base.Stdout = file
		case parser.RedirErr:
			base.Stderr = file
		case parser.RedirAll:
			base.Stdout = file
			base.Stderr = file
		}
	}
	return base, closers, proc.StatusOK
}

// devNull stands in for os.DevNull so it works inside any sandbox.
type devNull struct{}

func (devNull) Read([]byte) (int, error)    { return 0, io.EOF }
func (devNull) Write(p []byte) (int, error) { return len(p), nil }

// describe shortens errors for shell messages.
func describe(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
