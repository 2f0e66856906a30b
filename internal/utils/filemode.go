package utils

import (
	"fmt"
	"os"
)

// ParseFileMode converts an fopen-style mode string to os.OpenFile flags
// and the permission used when the file is created.
// Supports r, w, a, r+, w+, a+.
func ParseFileMode(mode string) (int, os.FileMode, error) {
	var perm os.FileMode = 0644

	switch mode {
	case "r":
		return os.O_RDONLY, perm, nil
	case "w":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, perm, nil
	case "a":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, perm, nil
	case "r+":
		return os.O_RDWR, perm, nil
	case "w+":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, perm, nil
	case "a+":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, perm, nil
	default:
		return 0, 0, fmt.Errorf("invalid mode: %s (valid modes: r, w, a, r+, w+, a+)", mode)
	}
}

// Writes reports whether flag opens a file for modification.
func Writes(flag int) bool {
	return flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0
}
