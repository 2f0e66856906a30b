// Package builtin provides the reference command set of the runtime:
// text filters, file tools and a few process utilities, each written as a
// pseudo-process entrypoint that does its file access through the
// process sandbox.
package builtin

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/mako10k/vproc/internal/pipe"
	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/registry"
)

// command is the body of a builtin. A nil error is status 0.
type command func(p *proc.Process, args []string) error

// exitStatus ends a command with a specific status and no message.
type exitStatus int

func (e exitStatus) Error() string { return "exit status " + strconv.Itoa(int(e)) }

var errUsage = errors.New("invalid usage")

// definition describes one builtin.
type definition struct {
	name    string
	argSpec string
	files   bool
	run     command
}

// commands is the static part of the command set. help is added by
// Symbols since it reads the registry it is registered in.
var commands = []definition{
	{"echo", "[-n] [arg...]", false, Echo},
	{"cat", "[file...]", true, Cat},
	{"grep", "[-vinc] pattern [file...]", true, Grep},
	{"head", "[-n lines] [file...]", true, Head},
	{"tail", "[-n lines] [file...]", true, Tail},
	{"wc", "[-lwc] [file...]", true, Wc},
	{"sort", "[-rnu] [file...]", true, Sort},
	{"uniq", "[-cdu] [file...]", true, Uniq},
	{"tr", "[-d] set1 [set2]", false, Tr},
	{"rev", "[file...]", true, Rev},
	{"nl", "[-b a|t] [file...]", true, Nl},
	{"cut", "-f list [-d delim] [file...]", true, Cut},
	{"tee", "[-a] [file...]", true, Tee},
	{"true", "", false, True},
	{"false", "", false, False},
	{"pwd", "", false, Pwd},
	{"env", "", false, Env},
	{"ls", "[-al] [path...]", true, Ls},
	{"sleep", "duration", false, Sleep},
	{"yes", "[string...]", false, Yes},
	{"isatty", "[fd]", false, Isatty},
	{"gzip", "[-d] [file...]", true, Gzip},
	{"gunzip", "[file...]", true, Gunzip},
	{"zstd", "[-d] [file...]", true, Zstd},
	{"unzstd", "[file...]", true, Unzstd},
}

// Symbols returns the entrypoints by name, for descriptor files that bind
// commands to builtin implementations.
func Symbols(reg *registry.Registry) registry.Symbols {
	symbols := make(registry.Symbols, len(commands)+1)
	for _, c := range commands {
		symbols[c.name] = Entry(c.run)
	}
	symbols["help"] = Entry(helpCommand(reg))
	return symbols
}

// Register adds every builtin to reg as a replaceable command. Names that
// are already taken are reported and skipped.
func Register(reg *registry.Registry) error {
	all := append([]definition{}, commands...)
	all = append(all, definition{"help", "[command...]", false, helpCommand(reg)})

	var errs []error
	for _, c := range all {
		err := reg.Register(registry.Descriptor{
			Name:            c.name,
			Entrypoint:      Entry(c.run),
			ArgSpec:         c.argSpec,
			OperatesOnFiles: c.files,
			Replaceable:     true,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entry adapts a command body to a process entrypoint. Errors are written
// to stderr as "name: message" and become status 1, or 2 for usage errors.
func Entry(run command) proc.Entrypoint {
	return func(p *proc.Process, args []string) int {
		err := run(p, args)
		var status exitStatus
		switch {
		case err == nil:
			return proc.StatusOK
		case errors.As(err, &status):
			return int(status)
		case p.Cancelled():
			return proc.StatusKilled
		case errors.Is(err, pipe.ErrBrokenPipe):
			return proc.StatusFailure
		}
		fmt.Fprintf(p.Stderr(), "%s: %v\n", p.Name(), err)
		if errors.Is(err, errUsage) {
			return proc.StatusUsage
		}
		return proc.StatusFailure
	}
}

// flags builds a flag set that reports to the process stderr. Parse
// errors are already printed when parse returns them.
func flags(p *proc.Process, argSpec string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(p.Name(), pflag.ContinueOnError)
	fs.SetOutput(p.Stderr())
	fs.Usage = func() {
		fmt.Fprintf(p.Stderr(), "Usage: %s %s\n", p.Name(), argSpec)
		fs.PrintDefaults()
	}
	return fs
}

// parse runs fs over args. --help ends the command successfully.
func parse(fs *pflag.FlagSet, args []string) error {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pflag.ErrHelp):
		return exitStatus(proc.StatusOK)
	default:
		return exitStatus(proc.StatusUsage)
	}
}

// processInput runs fn over stdin, or over each file in turn. "-" is
// stdin. Files are opened through the process sandbox.
func processInput(p *proc.Process, files []string, fn func(name string, r io.Reader) error) error {
	if len(files) == 0 {
		return fn("", p.Stdin())
	}
	for _, name := range files {
		if name == "-" {
			if err := fn(name, p.Stdin()); err != nil {
				return err
			}
			continue
		}
		file, err := p.Open(name)
		if err != nil {
			return err
		}
		err = fn(name, file)
		file.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
