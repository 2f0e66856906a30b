package builtin

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/utils"
)

// Echo writes its arguments separated by spaces.
func Echo(p *proc.Process, args []string) error {
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if newline {
		out += "\n"
	}
	_, err := io.WriteString(p.Stdout(), out)
	return err
}

// Cat copies its input files, or stdin, to stdout.
func Cat(p *proc.Process, args []string) error {
	return processInput(p, args, func(_ string, r io.Reader) error {
		_, err := io.Copy(p.Stdout(), r)
		return err
	})
}

// Grep prints the lines matching a regular expression. The status is 1
// when nothing matched.
func Grep(p *proc.Process, args []string) error {
	fs := flags(p, "[-vinc] pattern [file...]")
	invert := fs.BoolP("invert-match", "v", false, "select non-matching lines")
	ignoreCase := fs.BoolP("ignore-case", "i", false, "ignore case distinctions")
	lineNumber := fs.BoolP("line-number", "n", false, "prefix lines with their number")
	count := fs.BoolP("count", "c", false, "print only a count of matching lines")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("missing pattern: %w", errUsage)
	}

	pattern := fs.Arg(0)
	if *ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}

	files := fs.Args()[1:]
	matched := false
	err = processInput(p, files, func(name string, r io.Reader) error {
		prefix := ""
		if len(files) > 1 {
			prefix = name + ":"
		}
		n := 0
		scanner := bufio.NewScanner(r)
		for line := 1; scanner.Scan(); line++ {
			if p.Cancelled() {
				return p.Context().Err()
			}
			text := scanner.Text()
			if re.MatchString(text) == *invert {
				continue
			}
			n++
			matched = true
			if *count {
				continue
			}
			if *lineNumber {
				fmt.Fprintf(p.Stdout(), "%s%d:%s\n", prefix, line, text)
			} else {
				fmt.Fprintf(p.Stdout(), "%s%s\n", prefix, text)
			}
		}
		if *count {
			fmt.Fprintf(p.Stdout(), "%s%d\n", prefix, n)
		}
		return scanner.Err()
	})
	if err != nil {
		return err
	}
	if !matched {
		return exitStatus(proc.StatusFailure)
	}
	return nil
}

// Head prints the first lines of its input (default 10).
func Head(p *proc.Process, args []string) error {
	n, files, err := utils.ParseLineCountArgument(args, 10)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}
	return processInput(p, files, func(_ string, r io.Reader) error {
		reader := bufio.NewReader(r)
		for i := 0; i < n; i++ {
			line, err := reader.ReadString('\n')
			if line != "" {
				if _, werr := io.WriteString(p.Stdout(), line); werr != nil {
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
		return nil
	})
}

// Tail prints the last lines of its input (default 10).
func Tail(p *proc.Process, args []string) error {
	n, files, err := utils.ParseLineCountArgument(args, 10)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}
	return processInput(p, files, func(_ string, r io.Reader) error {
		if n == 0 {
			_, err := io.Copy(io.Discard, r)
			return err
		}
		ring := make([]string, 0, n)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if len(ring) == n {
				ring = ring[1:]
			}
			ring = append(ring, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		for _, line := range ring {
			fmt.Fprintln(p.Stdout(), line)
		}
		return nil
	})
}

// Wc counts lines, words and bytes.
func Wc(p *proc.Process, args []string) error {
	fs := flags(p, "[-lwc] [file...]")
	showLines := fs.BoolP("lines", "l", false, "print the line count")
	showWords := fs.BoolP("words", "w", false, "print the word count")
	showBytes := fs.BoolP("bytes", "c", false, "print the byte count")
	if err := parse(fs, args); err != nil {
		return err
	}
	if !*showLines && !*showWords && !*showBytes {
		*showLines, *showWords, *showBytes = true, true, true
	}

	var total [3]int
	report := func(counts [3]int, name string) {
		var fields []string
		if *showLines {
			fields = append(fields, strconv.Itoa(counts[0]))
		}
		if *showWords {
			fields = append(fields, strconv.Itoa(counts[1]))
		}
		if *showBytes {
			fields = append(fields, strconv.Itoa(counts[2]))
		}
		if name != "" {
			fields = append(fields, name)
		}
		fmt.Fprintln(p.Stdout(), strings.Join(fields, " "))
	}

	err := processInput(p, fs.Args(), func(name string, r io.Reader) error {
		var counts [3]int
		reader := bufio.NewReader(r)
		inWord := false
		for {
			c, size, err := reader.ReadRune()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			counts[2] += size
			if c == '\n' {
				counts[0]++
			}
			if unicode.IsSpace(c) {
				inWord = false
			} else if !inWord {
				inWord = true
				counts[1]++
			}
		}
		for i := range total {
			total[i] += counts[i]
		}
		report(counts, name)
		return nil
	})
	if err != nil {
		return err
	}
	if fs.NArg() > 1 {
		report(total, "total")
	}
	return nil
}

// Sort sorts the lines of all its input.
func Sort(p *proc.Process, args []string) error {
	fs := flags(p, "[-rnu] [file...]")
	reverse := fs.BoolP("reverse", "r", false, "reverse the result")
	numeric := fs.BoolP("numeric-sort", "n", false, "compare by numeric value")
	unique := fs.BoolP("unique", "u", false, "output only the first of equal lines")
	if err := parse(fs, args); err != nil {
		return err
	}

	var lines []string
	err := processInput(p, fs.Args(), func(_ string, r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		return scanner.Err()
	})
	if err != nil {
		return err
	}

	less := func(a, b string) bool { return a < b }
	if *numeric {
		less = func(a, b string) bool {
			x, y := numericPrefix(a), numericPrefix(b)
			if x == y {
				return a < b
			}
			return x < y
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if *reverse {
			return less(lines[j], lines[i])
		}
		return less(lines[i], lines[j])
	})

	for i, line := range lines {
		if *unique && i > 0 && line == lines[i-1] {
			continue
		}
		fmt.Fprintln(p.Stdout(), line)
	}
	return nil
}

// numericPrefix is the value of the leading number of s after blanks;
// lines without one compare as zero.
func numericPrefix(s string) float64 {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	dot := false
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' && !dot) {
		dot = dot || s[end] == '.'
		end++
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return v
}

// Uniq collapses adjacent duplicate lines.
func Uniq(p *proc.Process, args []string) error {
	fs := flags(p, "[-cdu] [file...]")
	count := fs.BoolP("count", "c", false, "prefix lines by the number of occurrences")
	repeated := fs.BoolP("repeated", "d", false, "only print duplicate lines")
	unique := fs.BoolP("unique", "u", false, "only print unique lines")
	if err := parse(fs, args); err != nil {
		return err
	}

	emit := func(line string, n int) {
		if *repeated && n < 2 || *unique && n > 1 {
			return
		}
		if *count {
			fmt.Fprintf(p.Stdout(), "%7d %s\n", n, line)
			return
		}
		fmt.Fprintln(p.Stdout(), line)
	}

	return processInput(p, fs.Args(), func(_ string, r io.Reader) error {
		var prev string
		n := 0
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if n > 0 && line == prev {
				n++
				continue
			}
			if n > 0 {
				emit(prev, n)
			}
			prev, n = line, 1
		}
		if n > 0 {
			emit(prev, n)
		}
		return scanner.Err()
	})
}
