package registry

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mako10k/vproc/internal/proc"
)

// constant returns an entrypoint that writes tag, so tests can tell
// implementations apart without comparing funcs.
func constant(tag string) proc.Entrypoint {
	return func(p *proc.Process, args []string) int {
		_, _ = io.WriteString(p.Stdout(), tag)
		return 0
	}
}

func run(t *testing.T, entry proc.Entrypoint) string {
	t.Helper()
	out := &strings.Builder{}
	table := proc.NewTable(0)
	p, err := table.Spawn(proc.Attr{Name: "t", IO: proc.IOContext{Stdout: out}}, entry)
	require.NoError(t, err)
	_, err = table.Wait(0, p.Pid())
	require.NoError(t, err)
	return out.String()
}

func TestRegisterResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "echo", Entrypoint: constant("echo"), ArgSpec: "[arg ...]"}))

	entry, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", run(t, entry))

	_, err = r.Resolve("ech")
	assert.ErrorIs(t, err, ErrNotFound, "lookups are exact match")

	err = r.Register(Descriptor{Name: "echo", Entrypoint: constant("other")})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	entry, err = r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", run(t, entry), "rejected registration leaves the binding")
}

func TestRegisterReplaceable(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "ls", Entrypoint: constant("v1"), Replaceable: true}))
	require.NoError(t, r.Register(Descriptor{Name: "ls", Entrypoint: constant("v2")}))

	entry, err := r.Resolve("ls")
	require.NoError(t, err)
	assert.Equal(t, "v2", run(t, entry))

	assert.ErrorIs(t, r.Register(Descriptor{Name: "ls", Entrypoint: constant("v3")}), ErrAlreadyRegistered)
}

func TestRegisterInvalid(t *testing.T) {
	r := New()
	tests := []Descriptor{
		{Name: "", Entrypoint: constant("x")},
		{Name: "a b", Entrypoint: constant("x")},
		{Name: "nothing"},
		{Name: "both", Entrypoint: constant("x"), Tool: "/bin/tool"},
	}
	for _, d := range tests {
		assert.ErrorIs(t, r.Register(d), ErrMalformedDescriptor, d.Name)
	}
	assert.Equal(t, 0, r.Len())
}

func TestReplace(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "cat", Entrypoint: constant("cat")}))
	require.NoError(t, r.Alias("concat", "cat"))
	require.NoError(t, r.Register(Descriptor{Name: "tac", Entrypoint: constant("tac")}))

	require.NoError(t, r.Replace("cat", constant("new"), false))
	got := func(name string) string {
		entry, err := r.Resolve(name)
		require.NoError(t, err)
		return run(t, entry)
	}
	assert.Equal(t, "new", got("cat"))
	assert.Equal(t, "cat", got("concat"), "single replace leaves aliases")

	require.NoError(t, r.Alias("cat2", "cat"))
	require.NoError(t, r.Replace("cat", constant("newer"), true))
	assert.Equal(t, "newer", got("cat"))
	assert.Equal(t, "newer", got("cat2"))
	assert.Equal(t, "cat", got("concat"))
	assert.Equal(t, "tac", got("tac"))

	assert.ErrorIs(t, r.Replace("nosuch", constant("x"), false), ErrNotFound)
}

func TestListAndMetadata(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "wc", Entrypoint: constant("wc"), ArgSpec: "[-lwc] [file ...]", OperatesOnFiles: true}))
	require.NoError(t, r.Register(Descriptor{Name: "echo", Entrypoint: constant("echo")}))

	assert.Equal(t, []string{"echo", "wc"}, r.List())

	md, err := r.Metadata("wc")
	require.NoError(t, err)
	assert.Equal(t, "[-lwc] [file ...]", md.ArgSpec)
	assert.True(t, md.OperatesOnFiles)

	_, err = r.Metadata("nosuch")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "base", Entrypoint: constant("x")}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := r.Resolve("base")
				assert.NoError(t, err)
				_ = r.List()
			}
		}()
	}
	for j := 0; j < 50; j++ {
		require.NoError(t, r.Register(Descriptor{Name: "cmd" + strings.Repeat("x", j), Entrypoint: constant("y")}))
	}
	wg.Wait()
	assert.Equal(t, 51, r.Len())
}

func TestBulkLoadYAML(t *testing.T) {
	r := New()
	symbols := Symbols{"cat": constant("cat"), "grep": constant("grep")}
	src := `
commands:
  - name: cat
    entrypoint: cat
    argspec: "[file ...]"
    files: true
  - name: concat
    entrypoint: cat
  - name: grep
    entrypoint: grep
    replaceable: true
  - name: greet
    tool: /opt/tools/greet
`
	require.NoError(t, r.BulkLoad(strings.NewReader(src), FormatYAML, symbols))
	assert.Equal(t, []string{"cat", "concat", "greet", "grep"}, r.List())

	md, err := r.Metadata("cat")
	require.NoError(t, err)
	assert.True(t, md.OperatesOnFiles)

	d, ok := r.Lookup("greet")
	require.True(t, ok)
	assert.Equal(t, "/opt/tools/greet", d.Tool)
	_, err = r.Resolve("greet")
	assert.ErrorIs(t, err, ErrNotFound, "tools have no entrypoint")

	require.NoError(t, r.Replace("cat", constant("new"), true))
	entry, err := r.Resolve("concat")
	require.NoError(t, err)
	assert.Equal(t, "new", run(t, entry), "entries sharing a symbol are aliases")
}

func TestBulkLoadJSONC(t *testing.T) {
	r := New()
	src := `{
  // comments and trailing commas are accepted
  "commands": [
    {"name": "cat", "entrypoint": "cat", "files": true,},
  ],
}`
	require.NoError(t, r.BulkLoad(strings.NewReader(src), FormatJSONC, Symbols{"cat": constant("cat")}))
	assert.Equal(t, []string{"cat"}, r.List())
}

func TestBulkLoadMalformed(t *testing.T) {
	symbols := Symbols{"cat": constant("cat")}
	tests := []struct {
		name   string
		src    string
		format Format
	}{
		{name: "not yaml", src: "commands: [", format: FormatYAML},
		{name: "not json", src: `{"commands": `, format: FormatJSONC},
		{name: "unknown symbol", src: "commands:\n  - name: x\n    entrypoint: nosuch\n", format: FormatYAML},
		{name: "missing name", src: "commands:\n  - entrypoint: cat\n", format: FormatYAML},
		{name: "relative tool", src: "commands:\n  - name: t\n    tool: bin/t\n", format: FormatYAML},
		{name: "late bad entry", src: "commands:\n  - name: ok\n    entrypoint: cat\n  - name: bad\n", format: FormatYAML},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := New()
			err := r.BulkLoad(strings.NewReader(test.src), test.format, symbols)
			assert.ErrorIs(t, err, ErrMalformedDescriptor)
			assert.Equal(t, 0, r.Len(), "nothing is registered from a malformed source")
		})
	}
}

func TestBulkLoadCollisions(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "cat", Entrypoint: constant("orig")}))
	require.NoError(t, r.Register(Descriptor{Name: "grep", Entrypoint: constant("orig")}))

	src := "commands:\n  - name: cat\n    entrypoint: x\n  - name: grep\n    entrypoint: x\n  - name: wc\n    entrypoint: x\n"
	err := r.BulkLoad(strings.NewReader(src), FormatYAML, Symbols{"x": constant("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	assert.Len(t, joined.Unwrap(), 2, "one error per colliding entry")

	_, err = r.Resolve("wc")
	assert.NoError(t, err, "non-colliding entries are still registered")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"commands": [{"name": "cat", "entrypoint": "cat"}]}`), 0644))

	r := New()
	require.NoError(t, r.LoadFile(path, Symbols{"cat": constant("cat")}))
	assert.Equal(t, []string{"cat"}, r.List())

	assert.ErrorIs(t, r.LoadFile(filepath.Join(dir, "missing.yaml"), nil), ErrMalformedDescriptor)
	assert.Equal(t, FormatYAML, FormatForPath("x.yml"))
	assert.Equal(t, FormatJSONC, FormatForPath("x.JSON"))
}
