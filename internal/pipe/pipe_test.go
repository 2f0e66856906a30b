package pipe

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeOrdering(t *testing.T) {
	r, w := New(4)

	go func() {
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte{byte(i)})
		}
		_ = w.Close()
	}()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Len(t, data, 100)
	for i, b := range data {
		assert.Equal(t, byte(i), b)
	}
}

func TestPipeWriterBlocksWhenFull(t *testing.T) {
	r, w := New(2)

	done := make(chan struct{})
	go func() {
		_, _ = w.Write([]byte("abcd"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write of 4 bytes into a 2 byte pipe returned without a reader")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 4)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", string(buf))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after the buffer drained")
	}
}

func TestPipeReaderBlocksWhenEmpty(t *testing.T) {
	r, w := New(8)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := r.Read(buf)
		got <- string(buf[:n])
	}()

	select {
	case <-got:
		t.Fatal("read returned on an empty pipe")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := w.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", <-got)
}

func TestPipeEOFAfterDrain(t *testing.T) {
	r, w := New(8)
	_, err := w.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, 4, r.Buffered())
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(data))

	n, err := r.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestPipeBrokenPipe(t *testing.T) {
	r, w := New(2)

	errs := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte("more than fits"))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrBrokenPipe)
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not released by closing the reader")
	}

	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
}

func TestPipeWriterCloseWithError(t *testing.T) {
	r, w := New(8)
	boom := io.ErrUnexpectedEOF
	require.NoError(t, w.CloseWithError(boom))

	_, err := r.Read(make([]byte, 1))
	assert.Equal(t, boom, err)
}
