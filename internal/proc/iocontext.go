package proc

import (
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Standard stream numbers accepted by IsTerminal.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// IOContext is the stream triple plus opaque host context bound to one
// execution unit. It is a value: every process owns its own copy.
type IOContext struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Context any
}

// WithStdin returns a copy with stdin replaced.
func (c IOContext) WithStdin(r io.Reader) IOContext {
	c.Stdin = r
	return c
}

// WithStdout returns a copy with stdout replaced.
func (c IOContext) WithStdout(w io.Writer) IOContext {
	c.Stdout = w
	return c
}

// WithStderr returns a copy with stderr replaced.
func (c IOContext) WithStderr(w io.Writer) IOContext {
	c.Stderr = w
	return c
}

// Over fills the unset fields of c from base.
func (c IOContext) Over(base IOContext) IOContext {
	if c.Stdin == nil {
		c.Stdin = base.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = base.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = base.Stderr
	}
	if c.Context == nil {
		c.Context = base.Context
	}
	return c
}

// Resolved fills nil streams: stdin reads EOF, output is discarded.
func (c IOContext) Resolved() IOContext {
	if c.Stdin == nil {
		c.Stdin = strings.NewReader("")
	}
	if c.Stdout == nil {
		c.Stdout = io.Discard
	}
	if c.Stderr == nil {
		c.Stderr = io.Discard
	}
	return c
}

// IsTerminal reports whether stream fd is attached to a terminal. Only
// streams backed by an *os.File can be terminals.
func (c IOContext) IsTerminal(fd int) bool {
	var stream any
	switch fd {
	case Stdin:
		stream = c.Stdin
	case Stdout:
		stream = c.Stdout
	case Stderr:
		stream = c.Stderr
	default:
		return false
	}
	f, ok := stream.(*os.File)
	if !ok || f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
