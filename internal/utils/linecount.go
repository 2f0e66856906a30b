package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLineCountArgument extracts the line count of head/tail style
// commands. It accepts "-n N", "-nN", "--lines=N" and the historic "-N".
// The returned args are a fresh slice without the count flag.
func ParseLineCountArgument(args []string, defaultLines int) (int, []string, error) {
	lines := defaultLines
	rest := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var value string
		switch {
		case arg == "-n":
			if i+1 >= len(args) {
				return 0, nil, fmt.Errorf("option requires an argument -- n")
			}
			i++
			value = args[i]
		case strings.HasPrefix(arg, "--lines="):
			value = strings.TrimPrefix(arg, "--lines=")
		case strings.HasPrefix(arg, "-n"):
			value = arg[2:]
		case len(arg) > 1 && arg[0] == '-' && isDigits(arg[1:]):
			value = arg[1:]
		default:
			rest = append(rest, arg)
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid number: %s", value)
		}
		if n < 0 {
			return 0, nil, fmt.Errorf("negative line count: %d", n)
		}
		lines = n
	}

	return lines, rest, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
