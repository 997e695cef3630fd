package tasktype

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// WhiteDiff reports whether the two streams hold equivalent output: lines
// must carry the same whitespace-separated tokens, runs of whitespace within
// a line do not matter, and trailing blank lines are ignored.
func WhiteDiff(a, b io.Reader) (bool, error) {
	linesA, err := tokenLines(a)
	if err != nil {
		return false, err
	}
	linesB, err := tokenLines(b)
	if err != nil {
		return false, err
	}
	if len(linesA) != len(linesB) {
		return false, nil
	}
	for i := range linesA {
		if len(linesA[i]) != len(linesB[i]) {
			return false, nil
		}
		for j := range linesA[i] {
			if linesA[i][j] != linesB[i][j] {
				return false, nil
			}
		}
	}
	return true, nil
}

// tokenLines splits the stream into per-line token lists, dropping trailing
// blank lines.
func tokenLines(r io.Reader) ([][]string, error) {
	var lines [][]string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.Fields(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading output for comparison")
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}
