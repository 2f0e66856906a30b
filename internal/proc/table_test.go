package proc

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mako10k/vproc/internal/pipe"
)

func returns(status int) Entrypoint {
	return func(p *Process, args []string) int { return status }
}

// polling loops until cancelled, checking the flag every tick.
func polling(tick time.Duration) Entrypoint {
	return func(p *Process, args []string) int {
		for !p.Cancelled() {
			time.Sleep(tick)
		}
		return StatusOK
	}
}

func TestSpawnAndWait(t *testing.T) {
	table := NewTable(0)
	out := &bytes.Buffer{}

	p, err := table.Spawn(Attr{
		Name: "greet",
		Args: []string{"hi"},
		IO:   IOContext{Stdout: out},
	}, func(p *Process, args []string) int {
		_, _ = io.WriteString(p.Stdout(), p.Name()+" "+args[0]+"\n")
		return 3
	})
	require.NoError(t, err)

	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, "greet hi\n", out.String())
	assert.Equal(t, Completed, p.State())

	_, err = table.Wait(0, p.Pid())
	assert.ErrorIs(t, err, ErrNoSuchProcess, "a pid is reaped at most once")
}

func TestConcurrentWaitReapsOnce(t *testing.T) {
	table := NewTable(0)
	release := make(chan struct{})
	p, err := table.Spawn(Attr{Name: "block"}, func(p *Process, args []string) int {
		<-release
		return 0
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := table.Wait(0, p.Pid())
			results <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrNoSuchProcess)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestWaitSelfDeadlock(t *testing.T) {
	table := NewTable(0)
	errs := make(chan error, 1)

	p, err := table.Spawn(Attr{Name: "self"}, func(p *Process, args []string) int {
		_, err := p.Wait(p.Pid())
		errs <- err
		return 0
	})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDeadlock)
	case <-time.After(time.Second):
		t.Fatal("self wait did not fail fast")
	}
	_, err = table.Wait(0, p.Pid())
	assert.NoError(t, err)
}

func TestWaitUnknown(t *testing.T) {
	table := NewTable(0)
	_, err := table.Wait(0, 4242)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
	assert.ErrorIs(t, table.Kill(4242), ErrNoSuchProcess)
	assert.ErrorIs(t, table.Release(4242), ErrNoSuchProcess)
}

func TestKillPollingProcess(t *testing.T) {
	table := NewTable(0)
	tick := 5 * time.Millisecond
	p, err := table.Spawn(Attr{Name: "loop"}, polling(tick))
	require.NoError(t, err)

	require.NoError(t, table.Kill(p.Pid()))
	select {
	case <-p.Done():
	case <-time.After(20 * tick):
		t.Fatal("polling process did not honor kill")
	}

	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, status)
	assert.Equal(t, Killed, p.State())
}

func TestKillDoesNotBlockOnNonPollingProcess(t *testing.T) {
	table := NewTable(0)
	release := make(chan struct{})
	p, err := table.Spawn(Attr{Name: "stubborn"}, func(p *Process, args []string) int {
		<-release
		return 0
	})
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		_ = table.Kill(p.Pid())
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("kill blocked")
	}

	select {
	case <-p.Done():
		t.Fatal("non-polling process should not stop on kill")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, Running, p.State())

	close(release)
	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, status)
}

func TestKillReleasesBlockedPipeRead(t *testing.T) {
	table := NewTable(0)
	r, w := pipe.New(16)
	defer w.Close()

	p, err := table.Spawn(Attr{
		Name:    "reader",
		IO:      IOContext{Stdin: r},
		Closers: []io.Closer{r},
	}, func(p *Process, args []string) int {
		_, err := io.ReadAll(p.Stdin())
		if err != nil {
			return StatusFailure
		}
		return StatusOK
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, table.Kill(p.Pid()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := table.WaitContext(ctx, 0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, status)
}

func TestKillPropagatesToChildren(t *testing.T) {
	table := NewTable(0)
	parent, err := table.Reserve(Attr{Name: "parent"})
	require.NoError(t, err)
	child, err := table.Spawn(Attr{Name: "child", Parent: parent}, polling(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, parent.Pid(), child.Ppid())

	require.NoError(t, table.Kill(parent.Pid()))
	assert.Equal(t, Killed, parent.State())

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child context was not cancelled")
	}
}

func TestReserveCopiesContext(t *testing.T) {
	table := NewTable(0)
	env := map[string]string{"A": "1"}
	p, err := table.Reserve(Attr{Name: "fork", Dir: "/work", Env: env})
	require.NoError(t, err)

	env["A"] = "2"
	assert.Equal(t, "1", p.Getenv("A"), "environment is copied, not aliased")
	assert.Equal(t, "/work", p.Getwd())
	assert.Equal(t, Reserved, p.State())
	assert.Equal(t, p.Pid(), table.Last())

	require.NoError(t, table.Start(p, returns(0)))
	assert.ErrorIs(t, table.Start(p, returns(0)), ErrNotReserved)
	_, err = table.Wait(0, p.Pid())
	require.NoError(t, err)
}

func TestResourceExhausted(t *testing.T) {
	table := NewTable(2)
	_, err := table.Reserve(Attr{Name: "a"})
	require.NoError(t, err)
	_, err = table.Reserve(Attr{Name: "b"})
	require.NoError(t, err)
	_, err = table.Reserve(Attr{Name: "c"})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestPidsNotReusedWhileUnreaped(t *testing.T) {
	table := NewTable(0)
	seen := map[int]bool{}
	var pids []int
	for i := 0; i < 20; i++ {
		p, err := table.Spawn(Attr{Name: "n"}, returns(0))
		require.NoError(t, err)
		assert.False(t, seen[p.Pid()])
		seen[p.Pid()] = true
		pids = append(pids, p.Pid())
	}
	for _, pid := range pids {
		_, err := table.Wait(0, pid)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, table.Len())
}

func TestPanicMarksErrored(t *testing.T) {
	table := NewTable(0)
	r, w := pipe.New(4)
	p, err := table.Spawn(Attr{
		Name:    "boom",
		IO:      IOContext{Stdout: w},
		Closers: []io.Closer{w},
	}, func(p *Process, args []string) int {
		panic("boom")
	})
	require.NoError(t, err)

	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, status)
	assert.Equal(t, Errored, p.State())

	_, err = r.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err, "streams are released on abnormal termination")
}

func TestReleaseDetached(t *testing.T) {
	table := NewTable(0)
	release := make(chan struct{})
	p, err := table.Spawn(Attr{Name: "bg"}, func(p *Process, args []string) int {
		<-release
		return 0
	})
	require.NoError(t, err)

	require.NoError(t, table.Release(p.Pid()))
	_, ok := table.Lookup(p.Pid())
	assert.True(t, ok, "live process stays until it exits")

	close(release)
	<-p.Done()
	assert.Eventually(t, func() bool {
		_, ok := table.Lookup(p.Pid())
		return !ok
	}, time.Second, time.Millisecond)
}

func TestOwnedAndForget(t *testing.T) {
	table := NewTable(0)
	a, err := table.Spawn(Attr{Name: "a", Owner: "s1"}, returns(0))
	require.NoError(t, err)
	_, err = table.Reserve(Attr{Name: "b", Owner: "s1"})
	require.NoError(t, err)
	_, err = table.Spawn(Attr{Name: "c", Owner: "s2"}, returns(0))
	require.NoError(t, err)

	assert.Len(t, table.Owned("s1"), 2)
	<-a.Done()
	assert.Equal(t, 1, table.Forget("s1"))
	assert.Len(t, table.Owned("s1"), 1)
}

func TestExecBindsNameAndArgs(t *testing.T) {
	table := NewTable(0)
	p, err := table.Reserve(Attr{Name: "forked"})
	require.NoError(t, err)

	got := make(chan []string, 1)
	require.NoError(t, table.Exec(p, "worker", []string{"a", "b"}, func(p *Process, args []string) int {
		got <- append([]string{p.Name()}, args...)
		return 0
	}))
	assert.Equal(t, []string{"worker", "a", "b"}, <-got)
	assert.Equal(t, []string{"a", "b"}, p.Args())

	assert.ErrorIs(t, table.Exec(p, "again", nil, returns(0)), ErrNotReserved)
	assert.Equal(t, "worker", p.Name(), "a started process keeps its name")
	_, err = table.Wait(0, p.Pid())
	require.NoError(t, err)
}
