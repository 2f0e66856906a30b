// Package pipe provides the bounded byte queue that connects one pipeline
// stage's stdout to the next stage's stdin.
package pipe

import (
	"errors"
	"io"
	"sync"
)

// DefaultSize is the buffer capacity used when New is given a non-positive size.
const DefaultSize = 64 * 1024

// ErrBrokenPipe is returned to a writer whose reader has gone away.
var ErrBrokenPipe = errors.New("broken pipe")

// buffer is a ring buffer shared by exactly one Reader and one Writer.
type buffer struct {
	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond

	data  []byte
	start int
	size  int

	writeClosed bool
	writeErr    error // delivered to the reader once drained
	readClosed  bool
	readErr     error // delivered to the writer
}

// Reader is the consuming end of a pipe.
type Reader struct {
	b *buffer
}

// Writer is the producing end of a pipe.
type Writer struct {
	b *buffer
}

// New creates a pipe holding at most size bytes in flight.
// Writes block while the buffer is full and reads block while it is empty.
func New(size int) (*Reader, *Writer) {
	if size <= 0 {
		size = DefaultSize
	}
	b := &buffer{data: make([]byte, size)}
	b.readable = sync.NewCond(&b.mu)
	b.writable = sync.NewCond(&b.mu)
	return &Reader{b: b}, &Writer{b: b}
}

// Read blocks until data is available or the write end is closed.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size == 0 {
		if b.readClosed {
			return 0, io.ErrClosedPipe
		}
		if b.writeClosed {
			if b.writeErr != nil {
				return 0, b.writeErr
			}
			return 0, io.EOF
		}
		b.readable.Wait()
	}
	if b.readClosed {
		return 0, io.ErrClosedPipe
	}

	n := 0
	for n < len(p) && b.size > 0 {
		end := b.start + b.size
		if end > len(b.data) {
			end = len(b.data)
		}
		c := copy(p[n:], b.data[b.start:end])
		n += c
		b.start = (b.start + c) % len(b.data)
		b.size -= c
	}
	b.writable.Broadcast()
	return n, nil
}

// Close closes the read end. Pending and future writes fail with ErrBrokenPipe.
func (r *Reader) Close() error {
	return r.CloseWithError(nil)
}

// CloseWithError closes the read end; the writer observes err, or
// ErrBrokenPipe when err is nil.
func (r *Reader) CloseWithError(err error) error {
	if err == nil {
		err = ErrBrokenPipe
	}
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.readClosed {
		b.readClosed = true
		b.readErr = err
		b.size = 0
	}
	b.readable.Broadcast()
	b.writable.Broadcast()
	return nil
}

// Buffered reports how many bytes are waiting to be read.
func (r *Reader) Buffered() int {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.size
}

// Write blocks until all of p is queued or the read end is closed.
func (w *Writer) Write(p []byte) (int, error) {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for written < len(p) {
		if b.writeClosed {
			return written, io.ErrClosedPipe
		}
		if b.readClosed {
			return written, b.readErr
		}
		free := len(b.data) - b.size
		if free == 0 {
			b.writable.Wait()
			continue
		}
		tail := (b.start + b.size) % len(b.data)
		end := tail + free
		if end > len(b.data) {
			end = len(b.data)
		}
		c := copy(b.data[tail:end], p[written:])
		written += c
		b.size += c
		b.readable.Broadcast()
	}
	return written, nil
}

// Close closes the write end. The reader drains what is buffered, then sees io.EOF.
func (w *Writer) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError closes the write end; once drained, the reader observes err
// instead of io.EOF when err is non-nil.
func (w *Writer) CloseWithError(err error) error {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.writeClosed {
		b.writeClosed = true
		b.writeErr = err
	}
	b.readable.Broadcast()
	b.writable.Broadcast()
	return nil
}
