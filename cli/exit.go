package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/petal-labs/petalbridge/core"
)

// Exit codes.
const (
	exitSuccess        = 0
	exitValidation     = 1
	exitRuntime        = 2
	exitConfigNotFound = 3
	exitInput          = 4
	exitModel          = 5
	exitLoopLimit      = 6
	exitServers        = 7
	exitTimeout        = 10
	exitInterrupted    = 130
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// sessionExitError classifies a session-ending error by its kind.
func sessionExitError(err error) *ExitError {
	switch core.KindOf(err) {
	case core.KindLoopLimit:
		return exitError(exitLoopLimit, "session failed: %v", err)
	case core.KindSessionTransport:
		return exitError(exitModel, "session failed: %v", err)
	case core.KindSessionCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return exitError(exitTimeout, "session timed out: %v", err)
		}
		return exitError(exitInterrupted, "session interrupted")
	default:
		return exitError(exitRuntime, "session failed: %v", err)
	}
}
