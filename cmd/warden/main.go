// Command warden is an MCP server that supervises agent CLI sessions,
// streams their line-delimited JSON output back to the peer, and keeps
// content-addressed checkpoints of working trees.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Documented process exit codes.
const (
	exitOK       = 0
	exitConfig   = 2
	exitNoBinary = 3
	exitInternal = 70
)

// exitError carries an explicit process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "warden:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(exitInternal)
	}
}
