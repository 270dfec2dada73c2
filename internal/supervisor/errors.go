package supervisor

import (
	"errors"
	"fmt"
	"syscall"
)

// FatalExitCode is the companion's "invalid configuration" exit code
// (EX_CONFIG). A companion exiting with it is never restarted.
const FatalExitCode = 78

var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrNotRunning     = errors.New("no companion process is running")
	ErrStartupTimeout = errors.New("companion did not report its address before the startup timeout")
	ErrFatalConfig    = errors.New("companion rejected its configuration")
	ErrSideChannel    = errors.New("malformed listening address report")
	ErrStopped        = errors.New("companion stopped before it became ready")
)

// ExitError describes how a companion process ended.
type ExitError struct {
	Code   int
	Signal syscall.Signal
}

func (e *ExitError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("companion terminated by signal %s", e.Signal)
	}
	return fmt.Sprintf("companion exited with code %d", e.Code)
}

// Unwrap maps the fatal exit code onto ErrFatalConfig.
func (e *ExitError) Unwrap() error {
	if e.Signal == 0 && e.Code == FatalExitCode {
		return ErrFatalConfig
	}
	return nil
}

// Fatal reports whether the exit must not be followed by a restart.
func (e *ExitError) Fatal() bool {
	return errors.Is(e, ErrFatalConfig)
}
