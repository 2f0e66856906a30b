package shell

import (
	"fmt"
	"io"
	"sync"

	"github.com/mako10k/vproc/internal/pipe"
	"github.com/mako10k/vproc/internal/proc"
)

// Stream is the caller side of a Popen pipe. In "r" mode it reads the
// command's stdout; in "w" mode it writes the command's stdin.
type Stream struct {
	rt  *Runtime
	pid int
	r   *pipe.Reader
	w   *pipe.Writer

	once   sync.Once
	status int
	err    error
}

// Popen runs line in a sub-shell process with one end of a bounded pipe
// as its stdout (mode "r") or stdin (mode "w").
func (rt *Runtime) Popen(line, mode string) (*Stream, error) {
	if mode != "r" && mode != "w" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	s := rt.Session()
	streams := s.IO()
	r, w := pipe.New(rt.pipeSize)
	stream := &Stream{rt: rt}

	var owned io.Closer
	if mode == "r" {
		streams.Stdout = w
		owned = w
		stream.r = r
	} else {
		streams.Stdin = r
		owned = r
		stream.w = w
	}

	p, err := rt.table.Reserve(proc.Attr{
		Name:    Name,
		Args:    []string{"-c", line},
		Dir:     s.Dir(),
		Env:     s.Env(),
		IO:      streams,
		Sandbox: s.Sandbox(),
		Owner:   s.Token(),
		Closers: []io.Closer{owned},
	})
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}

	err = rt.table.Start(p, func(p *proc.Process, args []string) int {
		status, _ := rt.child(s, p, Name, nil).run(line)
		return status
	})
	if err != nil {
		rt.abandon(p, r, w)
		return nil, err
	}
	stream.pid = p.Pid()
	rt.audit.LogCommandLaunch(s.Token(), p.Pid(), Name, true, "popen "+mode+": "+line)
	return stream, nil
}

// abandon drops a process that was reserved but never started, along
// with its pipe ends.
func (rt *Runtime) abandon(p *proc.Process, closers ...io.Closer) {
	closeAll(closers)
	_ = rt.table.Kill(p.Pid())
	_ = rt.table.Release(p.Pid())
}

// Pid returns the pid of the process behind the stream.
func (s *Stream) Pid() int { return s.pid }

func (s *Stream) Read(b []byte) (int, error) {
	if s.r == nil {
		return 0, fmt.Errorf("popen stream opened for writing: %w", ErrInvalidMode)
	}
	return s.r.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	if s.w == nil {
		return 0, fmt.Errorf("popen stream opened for reading: %w", ErrInvalidMode)
	}
	return s.w.Write(b)
}

// Close closes the caller end, then waits for the process and reaps it.
// Closing early delivers EOF or a broken pipe to the command.
func (s *Stream) Close() error {
	s.once.Do(func() {
		if s.r != nil {
			_ = s.r.Close()
		}
		if s.w != nil {
			_ = s.w.Close()
		}
		s.status, s.err = s.rt.table.Wait(0, s.pid)
	})
	return s.err
}

// ExitStatus returns the status of the process; valid after Close.
func (s *Stream) ExitStatus() int { return s.status }
