package builtin

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/registry"
	"github.com/mako10k/vproc/internal/sandbox"
)

type result struct {
	stdout string
	stderr string
	status int
}

// exec runs one builtin as a process with the given stdin and sandbox.
func exec(t *testing.T, sb *sandbox.Sandbox, dir, stdin string, name string, args ...string) result {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	entry, err := reg.Resolve(name)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	table := proc.NewTable(0)
	p, err := table.Spawn(proc.Attr{
		Name:    name,
		Args:    args,
		Dir:     dir,
		Sandbox: sb,
		IO:      proc.IOContext{Stdin: strings.NewReader(stdin), Stdout: &stdout, Stderr: &stderr},
	}, entry)
	require.NoError(t, err)
	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	return result{stdout: stdout.String(), stderr: stderr.String(), status: status}
}

func run(t *testing.T, stdin, name string, args ...string) result {
	t.Helper()
	return exec(t, nil, t.TempDir(), stdin, name, args...)
}

func TestTextFilters(t *testing.T) {
	input := "banana\napple\ncherry\napple\n"
	tests := []struct {
		name   string
		cmd    string
		args   []string
		stdin  string
		want   string
		status int
	}{
		{"echo", "echo", []string{"hi", "there"}, "", "hi there\n", 0},
		{"echo no newline", "echo", []string{"-n", "hi"}, "", "hi", 0},
		{"cat stdin", "cat", nil, "a\nb\n", "a\nb\n", 0},
		{"grep", "grep", []string{"an"}, input, "banana\n", 0},
		{"grep invert count", "grep", []string{"-vc", "apple"}, input, "2\n", 0},
		{"grep line numbers", "grep", []string{"-n", "apple"}, input, "2:apple\n4:apple\n", 0},
		{"grep no match", "grep", []string{"kiwi"}, input, "", 1},
		{"head", "head", []string{"-n", "2"}, input, "banana\napple\n", 0},
		{"head short form", "head", []string{"-1"}, input, "banana\n", 0},
		{"head without trailing newline", "head", nil, "x", "x", 0},
		{"tail", "tail", []string{"-2"}, input, "cherry\napple\n", 0},
		{"tail zero", "tail", []string{"-n0"}, input, "", 0},
		{"wc", "wc", nil, "one two\nthree\n", "2 3 14\n", 0},
		{"wc lines", "wc", []string{"-l"}, input, "4\n", 0},
		{"sort", "sort", nil, input, "apple\napple\nbanana\ncherry\n", 0},
		{"sort unique reverse", "sort", []string{"-ru"}, input, "cherry\nbanana\napple\n", 0},
		{"sort numeric", "sort", []string{"-n"}, "10\n9\n100\n", "9\n10\n100\n", 0},
		{"sort numeric prefix", "sort", []string{"-nr"}, "   1 a\n  12 b\nx\n   3 c\n", "  12 b\n   3 c\n   1 a\nx\n", 0},
		{"uniq count", "uniq", []string{"-c"}, "a\na\nb\n", "      2 a\n      1 b\n", 0},
		{"uniq repeated", "uniq", []string{"-d"}, "a\na\nb\n", "a\n", 0},
		{"tr range", "tr", []string{"a-z", "A-Z"}, "héllo\n", "HéLLO\n", 0},
		{"tr delete", "tr", []string{"-d", "0-9"}, "a1b22c\n", "abc\n", 0},
		{"tr operands", "tr", []string{"a"}, "", "", 2},
		{"rev", "rev", nil, "abc\nxyz\n", "cba\nzyx\n", 0},
		{"nl", "nl", nil, "a\n\nb\n", "     1\ta\n\n     2\tb\n", 0},
		{"cut fields", "cut", []string{"-d", ",", "-f", "1,3"}, "a,b,c\nd,e,f\n", "a,c\nd,f\n", 0},
		{"cut open range", "cut", []string{"-d:", "-f2-"}, "a:b:c\n", "b:c\n", 0},
		{"cut missing list", "cut", nil, "", "", 2},
		{"true", "true", nil, "", "", 0},
		{"false", "false", nil, "", "", 1},
		{"unknown flag", "sort", []string{"--bogus"}, "", "", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, tt.stdin, tt.cmd, tt.args...)
			assert.Equal(t, tt.status, res.status, res.stderr)
			assert.Equal(t, tt.want, res.stdout)
		})
	}
}

func TestFilesGoThroughSandbox(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o644))

	sb := sandbox.New()
	require.NoError(t, sb.SetAllowedPaths([]string{dir}))

	res := exec(t, sb, dir, "", "cat", "a.txt")
	assert.Equal(t, 0, res.status)
	assert.Equal(t, "one\ntwo\n", res.stdout)

	res = exec(t, sb, dir, "", "cat", "/etc/passwd")
	assert.Equal(t, 1, res.status)
	assert.Empty(t, res.stdout)
	assert.Contains(t, res.stderr, "cat:")
	assert.Contains(t, res.stderr, "permission denied")

	res = exec(t, sb, dir, "", "wc", "-l", "a.txt", "a.txt")
	assert.Equal(t, "2 a.txt\n2 a.txt\n4 total\n", res.stdout)

	res = exec(t, sb, dir, "data\n", "tee", "out.txt")
	assert.Equal(t, "data\n", res.stdout)
	written, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(written))

	res = exec(t, sb, dir, "more\n", "tee", "-a", "out.txt")
	require.Equal(t, 0, res.status)
	written, err = os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data\nmore\n", string(written))

	res = exec(t, sb, dir, "x", "tee", "/tmp/outside.txt")
	assert.Equal(t, 1, res.status)
}

func TestLsAndPwd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o644))

	res := exec(t, nil, dir, "", "ls")
	assert.Equal(t, "a\nb\n", res.stdout)

	res = exec(t, nil, dir, "", "ls", "-a")
	assert.Equal(t, ".hidden\na\nb\n", res.stdout)

	res = exec(t, nil, dir, "", "ls", "missing")
	assert.Equal(t, 1, res.status)

	res = exec(t, nil, dir, "", "pwd")
	assert.Equal(t, dir+"\n", res.stdout)
}

func TestCompressionRoundTrip(t *testing.T) {
	text := strings.Repeat("compressible text\n", 100)
	for _, pair := range [][2]string{{"gzip", "gunzip"}, {"zstd", "unzstd"}} {
		t.Run(pair[0], func(t *testing.T) {
			packed := run(t, text, pair[0])
			require.Equal(t, 0, packed.status, packed.stderr)
			assert.Less(t, len(packed.stdout), len(text))

			unpacked := run(t, packed.stdout, pair[1])
			require.Equal(t, 0, unpacked.status, unpacked.stderr)
			assert.Equal(t, text, unpacked.stdout)

			viaFlag := run(t, packed.stdout, pair[0], "-d")
			assert.Equal(t, text, viaFlag.stdout)
		})
	}

	res := run(t, "not compressed", "gunzip")
	assert.Equal(t, 1, res.status)
}

func TestSleepStopsOnKill(t *testing.T) {
	table := proc.NewTable(0)
	p, err := table.Spawn(proc.Attr{Name: "sleep", Args: []string{"10"}}, Entry(Sleep))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, table.Kill(p.Pid()))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sleep ignored kill")
	}
	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, proc.StatusKilled, status)
}

func TestYesStopsOnKill(t *testing.T) {
	table := proc.NewTable(0)
	var out bytes.Buffer
	p, err := table.Spawn(proc.Attr{Name: "yes", IO: proc.IOContext{Stdout: &capped{buf: &out}}}, Entry(Yes))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, table.Kill(p.Pid()))
	status, err := table.Wait(0, p.Pid())
	require.NoError(t, err)
	assert.Equal(t, proc.StatusKilled, status)
}

// capped keeps only the first bytes written.
type capped struct{ buf *bytes.Buffer }

func (w *capped) Write(b []byte) (int, error) {
	if w.buf.Len() < 64 {
		w.buf.Write(b)
	}
	return len(b), nil
}

func TestHelpListsRegistry(t *testing.T) {
	res := run(t, "", "help", "cat", "echo")
	assert.Equal(t, 0, res.status)
	assert.Contains(t, res.stdout, "cat")
	assert.Contains(t, res.stdout, "[file...]")
	assert.Contains(t, res.stdout, "files")

	res = run(t, "", "help", "nosuch")
	assert.Equal(t, 1, res.status)
	assert.Contains(t, res.stderr, "no such command: nosuch")
}

func TestIsattyOnBuffers(t *testing.T) {
	assert.Equal(t, 1, run(t, "", "isatty").status)
	assert.Equal(t, 1, run(t, "", "isatty", "1").status)
	assert.Equal(t, 2, run(t, "", "isatty", "7").status)
}

func TestSymbolsCoverCommands(t *testing.T) {
	reg := registry.New()
	symbols := Symbols(reg)
	for _, c := range commands {
		assert.Contains(t, symbols, c.name)
	}
	assert.Contains(t, symbols, "help")

	require.NoError(t, Register(reg))
	meta, err := reg.Metadata("grep")
	require.NoError(t, err)
	assert.True(t, meta.OperatesOnFiles)
	assert.True(t, meta.Replaceable)
}
