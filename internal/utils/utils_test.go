package utils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileMode(t *testing.T) {
	tests := []struct {
		mode   string
		flag   int
		writes bool
	}{
		{"r", os.O_RDONLY, false},
		{"w", os.O_WRONLY | os.O_CREATE | os.O_TRUNC, true},
		{"a", os.O_WRONLY | os.O_CREATE | os.O_APPEND, true},
		{"r+", os.O_RDWR, true},
	}
	for _, test := range tests {
		flag, perm, err := ParseFileMode(test.mode)
		require.NoError(t, err, test.mode)
		assert.Equal(t, test.flag, flag, test.mode)
		assert.Equal(t, os.FileMode(0644), perm)
		assert.Equal(t, test.writes, Writes(flag), test.mode)
	}

	_, _, err := ParseFileMode("x")
	assert.Error(t, err)
}

func TestParseLineCountArgument(t *testing.T) {
	tests := []struct {
		args  []string
		lines int
		rest  []string
		fail  bool
	}{
		{args: []string{"file"}, lines: 10, rest: []string{"file"}},
		{args: []string{"-n", "3", "file"}, lines: 3, rest: []string{"file"}},
		{args: []string{"-n5"}, lines: 5, rest: []string{}},
		{args: []string{"--lines=7", "a", "b"}, lines: 7, rest: []string{"a", "b"}},
		{args: []string{"-2", "x"}, lines: 2, rest: []string{"x"}},
		{args: []string{"-n"}, fail: true},
		{args: []string{"-n", "x"}, fail: true},
		{args: []string{"-n", "-1"}, fail: true},
	}
	for _, test := range tests {
		input := append([]string(nil), test.args...)
		lines, rest, err := ParseLineCountArgument(input, 10)
		if test.fail {
			assert.Error(t, err, test.args)
			continue
		}
		require.NoError(t, err, test.args)
		assert.Equal(t, test.lines, lines)
		assert.Equal(t, test.rest, rest)
		assert.Equal(t, test.args, input, "input is not modified")
	}
}
