package builtin

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/registry"
)

// True does nothing, successfully.
func True(*proc.Process, []string) error { return nil }

// False does nothing, unsuccessfully.
func False(*proc.Process, []string) error { return exitStatus(proc.StatusFailure) }

// Pwd prints the working directory of the process.
func Pwd(p *proc.Process, _ []string) error {
	_, err := fmt.Fprintln(p.Stdout(), p.Getwd())
	return err
}

// Env prints the environment of the process.
func Env(p *proc.Process, _ []string) error {
	for _, kv := range p.Environ() {
		if _, err := fmt.Fprintln(p.Stdout(), kv); err != nil {
			return err
		}
	}
	return nil
}

// Ls lists directories, or names files, through the sandbox.
func Ls(p *proc.Process, args []string) error {
	flagSet := flags(p, "[-al] [path...]")
	all := flagSet.BoolP("all", "a", false, "include entries starting with .")
	long := flagSet.BoolP("long", "l", false, "print mode, size and time")
	if err := parse(flagSet, args); err != nil {
		return err
	}
	paths := flagSet.Args()
	if len(paths) == 0 {
		paths = []string{"."}
	}

	w := tabwriter.NewWriter(p.Stdout(), 0, 4, 1, ' ', tabwriter.AlignRight)
	show := func(name string, info fs.FileInfo) {
		if !*long {
			fmt.Fprintln(p.Stdout(), name)
			return
		}
		fmt.Fprintf(w, "%s\t%d\t %s\t %s\n", info.Mode(), info.Size(), info.ModTime().Format("Jan _2 15:04"), name)
	}

	var failed error
	for i, path := range paths {
		info, err := p.Stat(path)
		if err != nil {
			fmt.Fprintf(p.Stderr(), "%s: %v\n", p.Name(), err)
			failed = exitStatus(proc.StatusFailure)
			continue
		}
		if !info.IsDir() {
			show(path, info)
			continue
		}
		entries, err := p.ReadDir(path)
		if err != nil {
			fmt.Fprintf(p.Stderr(), "%s: %v\n", p.Name(), err)
			failed = exitStatus(proc.StatusFailure)
			continue
		}
		w.Flush()
		if len(paths) > 1 {
			if i > 0 {
				fmt.Fprintln(p.Stdout())
			}
			fmt.Fprintf(p.Stdout(), "%s:\n", path)
		}
		for _, entry := range entries {
			if !*all && strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			show(entry.Name(), info)
		}
		w.Flush()
	}
	w.Flush()
	return failed
}

// Sleep pauses for a duration: seconds ("1.5") or a Go duration ("200ms").
// It returns early when the process is killed.
func Sleep(p *proc.Process, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("missing duration: %w", errUsage)
	}
	d, err := parseDuration(args[0])
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", args[0], errUsage)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-p.Context().Done():
		return p.Context().Err()
	}
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, errors.New("negative duration")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err == nil && d < 0 {
		return 0, errors.New("negative duration")
	}
	return d, err
}

// Yes writes its arguments, or "y", until killed or its reader goes away.
func Yes(p *proc.Process, args []string) error {
	line := "y\n"
	if len(args) > 0 {
		line = strings.Join(args, " ") + "\n"
	}
	for !p.Cancelled() {
		if _, err := io.WriteString(p.Stdout(), line); err != nil {
			return err
		}
	}
	return p.Context().Err()
}

// Isatty exits 0 when stream fd (default 0) is a terminal.
func Isatty(p *proc.Process, args []string) error {
	fd := proc.Stdin
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < proc.Stdin || n > proc.Stderr {
			return fmt.Errorf("invalid descriptor %q: %w", args[0], errUsage)
		}
		fd = n
	}
	if !p.Isatty(fd) {
		return exitStatus(proc.StatusFailure)
	}
	return nil
}

// helpCommand lists the commands of reg, or describes the named ones.
func helpCommand(reg *registry.Registry) command {
	return func(p *proc.Process, args []string) error {
		w := tabwriter.NewWriter(p.Stdout(), 0, 8, 2, ' ', 0)
		defer w.Flush()

		names := args
		if len(names) == 0 {
			names = reg.List()
		}
		var missing []string
		for _, name := range names {
			meta, err := reg.Metadata(name)
			if err != nil {
				missing = append(missing, name)
				continue
			}
			notes := ""
			if meta.OperatesOnFiles {
				notes = "files"
			}
			if meta.Tool != "" {
				notes = strings.TrimPrefix(notes+" tool:"+meta.Tool, " ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", meta.Name, meta.ArgSpec, notes)
		}
		if len(missing) > 0 {
			w.Flush()
			return fmt.Errorf("no such command: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}
