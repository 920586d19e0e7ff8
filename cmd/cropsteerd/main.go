// cropsteerd runs the autonomous crop-steering irrigation controller.
package main

import (
	"errors"
	"os"

	"cropsteer/engine"
)

// Exit codes, stable for process supervisors.
const (
	exitOK         = 0
	exitConfig     = 1
	exitState      = 2
	exitHostBridge = 3
)

// exitError carries a specific exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func codeFor(err error) int {
	var xe *exitError
	if errors.As(err, &xe) {
		return xe.code
	}
	if errors.Is(err, engine.ErrStateUnrecoverable) {
		return exitState
	}
	return exitConfig
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(codeFor(err))
	}
	os.Exit(exitOK)
}
