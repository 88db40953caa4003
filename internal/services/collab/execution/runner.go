package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
)

// Limits bound a single execution.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int
	// MaxMemoryBytes is how far the heap may grow while a run is active.
	// Negative disables the watchdog.
	MaxMemoryBytes int64
}

// Runner executes source text for one language.
//
// Execute returns whatever output was captured, even on failure. Failures
// are one of ErrTimeout, ErrResourceExceeded, ErrUnsupportedLanguage or a
// runtime error carrying CodeRuntimeError. Implementations must honor ctx
// and expose no filesystem, network or process access to the snippet.
type Runner interface {
	Language() string
	Execute(ctx context.Context, code string, limits Limits) (string, error)
}

var (
	// ErrTimeout reports that the snippet ran past its deadline.
	ErrTimeout = apperrors.New(apperrors.CodeExecutionTimeout, "execution timed out")
	// ErrResourceExceeded reports output or allocation over its cap.
	ErrResourceExceeded = apperrors.New(apperrors.CodeResourceExceeded, "execution exceeded its resource limits")
	// ErrUnsupportedLanguage reports a language without a local evaluator.
	ErrUnsupportedLanguage = apperrors.New(apperrors.CodeUnsupportedLanguage, "unsupported language")
)

func runtimeError(message string) error {
	return apperrors.New(apperrors.CodeRuntimeError, message)
}

func resourceExceeded(message string) error {
	return apperrors.Wrap(apperrors.CodeResourceExceeded, message, ErrResourceExceeded)
}

func memoryExceeded(limits Limits) error {
	return resourceExceeded(fmt.Sprintf("memory use exceeds %d bytes", limits.MaxMemoryBytes))
}

// stopped reports why ctx ended a run early.
func stopped(ctx context.Context, limits Limits) error {
	if errors.Is(context.Cause(ctx), errMemoryBudget) {
		return memoryExceeded(limits)
	}
	return timedOut(limits)
}

func timedOut(limits Limits) error {
	return apperrors.Wrap(apperrors.CodeExecutionTimeout,
		fmt.Sprintf("execution timed out after %s", limits.Timeout), ErrTimeout)
}
