package logging

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal, deciding whether
// the console mirror gets colors.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
