package executor

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/stackarchiver/internal/docker"
)

var (
	// ErrNoValidStacks is returned when none of the selected stacks can run.
	ErrNoValidStacks = errors.New("no valid stacks")
	// ErrAlreadyRunning is returned when the config already has a run in progress.
	ErrAlreadyRunning = errors.New("archive job already running")
	// ErrShuttingDown is returned for triggers received while draining.
	ErrShuttingDown = errors.New("shutting down, not accepting new jobs")
	// ErrJobNotRunning is returned when cancelling a job this process does not run.
	ErrJobNotRunning = errors.New("job is not running in this process")
	// ErrCancelled is recorded on jobs stopped between stacks.
	ErrCancelled = errors.New("job cancelled")
)

// ErrorKind classifies a failure.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindTransient     ErrorKind = "transient"
	KindPullTimeout   ErrorKind = "pull_timeout"
	KindRetention     ErrorKind = "retention"
	KindStack         ErrorKind = "stack"
)

// StackError is a failure attached to one step of a run.
type StackError struct {
	Kind  ErrorKind
	Stack string
	Op    string
	Err   error
}

func (e *StackError) Error() string {
	if e.Stack == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Stack, e.Err)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// stackErr wraps err, deriving the kind from the error itself.
func stackErr(stack, op string, err error) *StackError {
	kind := KindStack
	switch {
	case errors.Is(err, docker.ErrPullTimeout):
		kind = KindPullTimeout
	case docker.IsTransient(err):
		kind = KindTransient
	}
	return &StackError{Kind: kind, Stack: stack, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when it is not a StackError.
func KindOf(err error) ErrorKind {
	var se *StackError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
