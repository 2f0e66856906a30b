package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mako10k/vproc/internal/shell"
)

// interactive reads lines from a readline prompt until EOF or exit.
// Ctrl+C at the prompt clears the line; while a job runs it kills it.
func interactive(rt *shell.Runtime) error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".vsh_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt(rt, 0),
		HistoryFile:     historyFile,
		HistoryLimit:    1000,
		AutoComplete:    commandCompleter{rt},
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stderr(), "%s %s, type 'help' for commands\n", shell.Name, Version)

	last := 0
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return status(last, nil)
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		stop := forwardInterrupts(func() { rt.KillCurrent() })
		code, err := rt.System(line)
		stop()

		switch {
		case errors.Is(err, shell.ErrExit):
			return status(code, nil)
		case err != nil:
			fmt.Fprintf(rl.Stderr(), "%s: %v\n", shell.Name, err)
		}
		last = code
		rl.SetPrompt(prompt(rt, last))
	}
}

func prompt(rt *shell.Runtime, last int) string {
	dir := rt.Session().Dir()
	if home := rt.Session().Getenv("HOME"); home != "" && strings.HasPrefix(dir, home) {
		dir = "~" + strings.TrimPrefix(dir, home)
	}
	if last != 0 {
		return fmt.Sprintf("%s [%d]$ ", dir, last)
	}
	return dir + "$ "
}

// commandCompleter offers every registered command and shell builtin.
// The tree is rebuilt per call since the registry may change between lines.
type commandCompleter struct{ rt *shell.Runtime }

func (c commandCompleter) Do(line []rune, pos int) ([][]rune, int) {
	names := append(c.rt.Commands(), shell.ShellBuiltins...)
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return readline.NewPrefixCompleter(items...).Do(line, pos)
}
