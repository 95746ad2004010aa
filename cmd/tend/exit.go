package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/preflight"
)

// Process exit codes.
const (
	exitOK         = 0
	exitGeneral    = 1
	exitStalled    = 2
	exitFailed     = 3
	exitGateFailed = 4
	exitAuth       = preflight.CodeAuth
	exitCredential = preflight.CodeCredential
)

// exitError makes main exit with code after printing err (when non-nil).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode returns nil for code 0 so a Run method can return it directly.
func exitCode(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitError{code: code}
}

// notFound turns a missing job into exit 1 with a hint.
func notFound(id string, err error) error {
	if errors.Is(err, jobstore.ErrNotFound) {
		return &exitError{code: exitGeneral, err: fmt.Errorf("no job named %q (list jobs with: tend job status)", id)}
	}
	return err
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
