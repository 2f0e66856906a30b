package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mako10k/vproc/internal/builtin"
	"github.com/mako10k/vproc/internal/config"
	"github.com/mako10k/vproc/internal/install"
	"github.com/mako10k/vproc/internal/logging"
	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/sandbox"
	"github.com/mako10k/vproc/internal/security"
	"github.com/mako10k/vproc/internal/session"
	"github.com/mako10k/vproc/internal/shell"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// exitCode carries the status of the last command out of run.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitCode) ExitCode() int { return int(e) }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(code.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", shell.Name, err)
		os.Exit(1)
	}
}

type options struct {
	command     string
	configPath  string
	root        string
	allow       []string
	descriptors []string
	session     string
	logLevel    string
	install     bool
	force       bool
}

func run(argv []string) error {
	var opts options
	flagSet := pflag.NewFlagSet(shell.Name, pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&opts.command, "command", "c", "", "run the command line and exit")
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default: "+config.DefaultPath()+")")
	flagSet.StringVar(&opts.root, "root", "", "confine every session below this directory")
	flagSet.StringSliceVar(&opts.allow, "allow", nil, "confine every session to these directories")
	flagSet.StringSliceVar(&opts.descriptors, "descriptors", nil, "command descriptor files (YAML or JSONC) to load")
	flagSet.StringVar(&opts.session, "session", shell.DefaultSession, "session token to start in")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error, off)")
	flagSet.BoolVar(&opts.install, "install-tools", false, "install the bundled tools into $HOME/bin and exit")
	flagSet.BoolVar(&opts.force, "force", false, "with --install-tools, overwrite modified tools")
	flagSet.BoolP("help", "h", false, "show help")
	version := flagSet.Bool("version", false, "print the version")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return exitCode(proc.StatusUsage)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if *version {
		fmt.Printf("%s %s\n", shell.Name, Version)
		return nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.root != "" {
		cfg.Root = opts.root
	}
	if len(opts.allow) > 0 {
		cfg.AllowedPaths = opts.allow
	}
	cfg.Descriptors = append(cfg.Descriptors, opts.descriptors...)
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logging.ConfigureRuntime()
	if !logging.SetLevel(cfg.LogLevel) {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level ignored")
	}

	audit, err := security.CreateAuditManagerFromConfig(cfg.AuditFile)
	if err != nil {
		return err
	}
	defer audit.Close()

	rt, err := newRuntime(cfg, audit)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.SwitchSession(opts.session)
	if opts.install {
		return installTools(rt, opts.force)
	}

	args := flagSet.Args()
	switch {
	case opts.command != "":
		return system(rt, opts.command)
	case len(args) > 0:
		return runScript(rt, args[0], args[1:])
	case !term.IsTerminal(int(os.Stdin.Fd())):
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return system(rt, string(body))
	default:
		return interactive(rt)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOptional(config.DefaultPath())
}

// newRuntime builds the runtime described by cfg, with the builtin
// commands and every descriptor file registered.
func newRuntime(cfg config.Config, audit *security.AuditManager) (*shell.Runtime, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	sb := sandbox.New().WithLogger(log.Logger)
	if cfg.Root != "" {
		if err := sb.SetRoot(cfg.Root); err != nil {
			return nil, fmt.Errorf("sandbox root: %w", err)
		}
	}
	if len(cfg.AllowedPaths) > 0 {
		if err := sb.SetAllowedPaths(cfg.AllowedPaths); err != nil {
			return nil, fmt.Errorf("sandbox allowed paths: %w", err)
		}
	}
	if _, err := sb.Validate(cwd, cwd, sandbox.OpChdir); err != nil {
		bounds := sb.Bounds()
		if len(bounds) == 0 {
			return nil, err
		}
		cwd = bounds[0]
	}

	rt := shell.New(shell.Options{
		MaxProcesses: cfg.MaxProcesses,
		PipeBuffer:   cfg.PipeBuffer,
		Audit:        audit,
		Defaults: session.Defaults{
			Dir:     cwd,
			Sandbox: sb,
			IO:      proc.IOContext{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr},
		},
	}).WithLogger(log.Logger)
	rt.Sessions().WithCloseTimeout(cfg.CloseTimeout)

	if err := builtin.Register(rt.Registry()); err != nil {
		return nil, err
	}
	symbols := builtin.Symbols(rt.Registry())
	for _, path := range cfg.Descriptors {
		if err := rt.LoadDescriptors(path, symbols); err != nil {
			return nil, err
		}
	}

	rt.InitializeEnvironment(hostEnv(cfg))
	return rt, nil
}

// hostEnv is the initial environment: a few host variables, then the
// configured ones.
func hostEnv(cfg config.Config) map[string]string {
	env := make(map[string]string)
	for _, key := range []string{"USER", "LANG", "LC_ALL", "TERM", "TZ"} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	if cfg.Home != "" {
		env["HOME"] = cfg.Home
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	return env
}

// installTools writes the bundled tools into the bin directory under the
// session HOME, the default PATH entry.
func installTools(rt *shell.Runtime, force bool) error {
	home := rt.Session().Getenv("HOME")
	if home == "" {
		return errors.New("install tools: HOME is not set")
	}
	installer := install.NewToolInstaller(filepath.Join(home, "bin")).
		WithForce(force).
		WithLogger(log.Logger)
	written, err := installer.Install()
	for _, name := range written {
		fmt.Printf("installed %s\n", filepath.Join(installer.Dir(), name))
	}
	return err
}

// runScript runs a script file as a process of the session, with args as
// its positional parameters.
func runScript(rt *shell.Runtime, path string, args []string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pid, err := rt.Fork()
	if err != nil {
		return err
	}
	if err := rt.Start(pid, filepath.Base(path), rt.ScriptEntry(string(body)), args...); err != nil {
		return err
	}

	stop := forwardInterrupts(func() { _ = rt.Kill(pid) })
	defer stop()
	return status(rt.Waitpid(pid))
}

// forwardInterrupts calls fn on every SIGINT until stop is called.
func forwardInterrupts(fn func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// system runs line in the foreground; SIGINT kills the running job.
func system(rt *shell.Runtime, line string) error {
	stop := forwardInterrupts(func() { rt.KillCurrent() })
	defer stop()
	return status(rt.System(line))
}

// status turns a launcher result into the process exit.
func status(code int, err error) error {
	if err != nil && !errors.Is(err, shell.ErrExit) {
		return err
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `%[1]s runs command lines as in-process pseudo-processes.

Usage:
  %[1]s [flags] [script [args...]]

Without -c or a script, commands are read from stdin, or from an
interactive prompt when stdin is a terminal.

Flags:
%[2]s
Examples:
  %[1]s -c 'echo hello | tr a-z A-Z'
  %[1]s --allow "$PWD" -c 'cat /etc/passwd'
  echo 'ls | wc -l' | %[1]s
  %[1]s --install-tools && %[1]s -c 'ls | upcase'
`, shell.Name, flagSet.FlagUsages())
}
