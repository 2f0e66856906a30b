package builtin

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mako10k/vproc/internal/proc"
)

// Tr translates or deletes characters of stdin.
func Tr(p *proc.Process, args []string) error {
	fs := flags(p, "[-d] set1 [set2]")
	del := fs.BoolP("delete", "d", false, "delete characters in set1")
	if err := parse(fs, args); err != nil {
		return err
	}

	var mapping func(rune) rune
	switch {
	case *del && fs.NArg() == 1:
		drop := make(map[rune]bool)
		for _, r := range expandSet(fs.Arg(0)) {
			drop[r] = true
		}
		mapping = func(r rune) rune {
			if drop[r] {
				return -1
			}
			return r
		}
	case !*del && fs.NArg() == 2:
		from, to := expandSet(fs.Arg(0)), expandSet(fs.Arg(1))
		if len(to) == 0 {
			return fmt.Errorf("empty replacement set: %w", errUsage)
		}
		table := make(map[rune]rune, len(from))
		for i, r := range from {
			if i < len(to) {
				table[r] = to[i]
			} else {
				table[r] = to[len(to)-1]
			}
		}
		mapping = func(r rune) rune {
			if m, ok := table[r]; ok {
				return m
			}
			return r
		}
	default:
		return fmt.Errorf("wrong number of operands: %w", errUsage)
	}

	reader := bufio.NewReader(p.Stdin())
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if _, werr := io.WriteString(p.Stdout(), strings.Map(mapping, line)); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// expandSet expands a-z style ranges and \n, \t escapes.
func expandSet(set string) []rune {
	src := []rune(set)
	var out []rune
	for i := 0; i < len(src); i++ {
		r := src[i]
		if r == '\\' && i+1 < len(src) {
			i++
			switch src[i] {
			case 'n':
				r = '\n'
			case 't':
				r = '\t'
			default:
				r = src[i]
			}
		}
		if i+2 < len(src) && src[i+1] == '-' && src[i+2] >= r {
			for c := r; c <= src[i+2]; c++ {
				out = append(out, c)
			}
			i += 2
			continue
		}
		out = append(out, r)
	}
	return out
}

// Rev reverses the characters of every line.
func Rev(p *proc.Process, args []string) error {
	return processInput(p, args, func(_ string, r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			runes := []rune(scanner.Text())
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			fmt.Fprintln(p.Stdout(), string(runes))
		}
		return scanner.Err()
	})
}

// Nl numbers lines. By default only non-empty lines are numbered.
func Nl(p *proc.Process, args []string) error {
	fs := flags(p, "[-b a|t] [file...]")
	style := fs.StringP("body-numbering", "b", "t", "a numbers all lines, t only non-empty ones")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *style != "a" && *style != "t" {
		return fmt.Errorf("invalid numbering style %q: %w", *style, errUsage)
	}

	n := 0
	return processInput(p, fs.Args(), func(_ string, r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" && *style == "t" {
				fmt.Fprintln(p.Stdout())
				continue
			}
			n++
			fmt.Fprintf(p.Stdout(), "%6d\t%s\n", n, line)
		}
		return scanner.Err()
	})
}

// Cut prints selected fields of every line.
func Cut(p *proc.Process, args []string) error {
	fs := flags(p, "-f list [-d delim] [file...]")
	list := fs.StringP("fields", "f", "", "fields to select, e.g. 1,3-4")
	delim := fs.StringP("delimiter", "d", "\t", "field delimiter")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *list == "" {
		return fmt.Errorf("a list of fields is required: %w", errUsage)
	}
	if len(*delim) == 0 {
		return fmt.Errorf("empty delimiter: %w", errUsage)
	}
	fields, err := parseFieldList(*list)
	if err != nil {
		return err
	}

	return processInput(p, fs.Args(), func(_ string, r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.Contains(line, *delim) {
				fmt.Fprintln(p.Stdout(), line)
				continue
			}
			parts := strings.Split(line, *delim)
			var selected []string
			for i, part := range parts {
				if fields(i + 1) {
					selected = append(selected, part)
				}
			}
			fmt.Fprintln(p.Stdout(), strings.Join(selected, *delim))
		}
		return scanner.Err()
	})
}

// parseFieldList parses "1,3-4,6-" into a membership predicate.
func parseFieldList(list string) (func(int) bool, error) {
	type span struct{ lo, hi int }
	var spans []span
	for _, item := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		s := span{lo: 1, hi: -1}
		var err error
		if lo != "" {
			if s.lo, err = strconv.Atoi(lo); err != nil || s.lo < 1 {
				return nil, fmt.Errorf("invalid field %q: %w", item, errUsage)
			}
		}
		switch {
		case !isRange:
			s.hi = s.lo
		case hi != "":
			if s.hi, err = strconv.Atoi(hi); err != nil || s.hi < s.lo {
				return nil, fmt.Errorf("invalid field range %q: %w", item, errUsage)
			}
		}
		spans = append(spans, s)
	}
	return func(n int) bool {
		for _, s := range spans {
			if n >= s.lo && (s.hi < 0 || n <= s.hi) {
				return true
			}
		}
		return false
	}, nil
}

// Tee copies stdin to stdout and to every file.
func Tee(p *proc.Process, args []string) error {
	fs := flags(p, "[-a] [file...]")
	appendMode := fs.BoolP("append", "a", false, "append to the files")
	if err := parse(fs, args); err != nil {
		return err
	}

	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if *appendMode {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	writers := []io.Writer{p.Stdout()}
	for _, name := range fs.Args() {
		file, err := p.OpenFile(name, flag, 0o644)
		if err != nil {
			return err
		}
		defer file.Close()
		writers = append(writers, file)
	}
	_, err := io.Copy(io.MultiWriter(writers...), p.Stdin())
	return err
}
