package doser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cesuratx/doser-go/pkg/hw"
)

// Build errors: returned by Builder.Build when required fields are missing
// or configuration values fail validation.
var (
	ErrMissingScale  = errors.New("doser: scale not set")
	ErrMissingMotor  = errors.New("doser: motor not set")
	ErrMissingTarget = errors.New("doser: target grams not set")
)

// InvalidConfigError wraps a single configuration validation failure so
// callers can report exactly which field was rejected.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("doser: invalid config: %s", e.Reason)
}

func invalidConfig(reason string) error {
	return &InvalidConfigError{Reason: reason}
}

// Runtime error classes, mirroring the Scale/Motor boundary's error taxonomy.
var (
	// ErrTimeout is returned when a scale read misses its deadline.
	ErrTimeout = errors.New("doser: timeout waiting for sensor")
)

// HardwareError wraps a non-fatal hardware I/O failure (a single missed
// read or command).
type HardwareError struct{ Cause error }

func (e *HardwareError) Error() string { return fmt.Sprintf("doser: hardware error: %v", e.Cause) }
func (e *HardwareError) Unwrap() error { return e.Cause }

// HardwareFaultError wraps a hardware failure the caller should treat as
// non-recoverable for the remainder of the run.
type HardwareFaultError struct{ Cause error }

func (e *HardwareFaultError) Error() string {
	return fmt.Sprintf("doser: hardware fault: %v", e.Cause)
}
func (e *HardwareFaultError) Unwrap() error { return e.Cause }

// mapHwError classifies an error returned across the Scale/Motor boundary
// into the typed taxonomy above. It prefers errors.Is(err, hw.ErrTimeout)
// and falls back to a string heuristic for opaque errors, matching the
// original implementation's downcast-then-string-match strategy.
func mapHwError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, hw.ErrTimeout) {
		return ErrTimeout
	}
	if errors.Is(err, hw.ErrHardwareFault) {
		return &HardwareFaultError{Cause: err}
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrTimeout
	}
	return &HardwareError{Cause: err}
}

// AbortReason identifies why a dosing run was aborted.
type AbortReason int

const (
	AbortEstop AbortReason = iota
	AbortNoProgress
	AbortMaxRuntime
	AbortOvershoot
	AbortMaxAttempts
)

func (r AbortReason) String() string {
	switch r {
	case AbortEstop:
		return "estop"
	case AbortNoProgress:
		return "no_progress"
	case AbortMaxRuntime:
		return "max_runtime"
	case AbortOvershoot:
		return "overshoot"
	case AbortMaxAttempts:
		return "max_attempts"
	default:
		return "unknown"
	}
}

// AbortError is returned by Step/StepFromRaw (and by the runner) when a
// safety watchdog stops the run before completion.
type AbortError struct{ Reason AbortReason }

func (e *AbortError) Error() string { return fmt.Sprintf("doser: aborted: %s", e.Reason) }

// ExitCode maps an error returned from a dosing run to the process exit
// code the CLI surface uses, per the runtime contract: 0 success, 2-6 for
// the five abort reasons, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		switch abort.Reason {
		case AbortEstop:
			return 2
		case AbortNoProgress:
			return 3
		case AbortMaxRuntime:
			return 4
		case AbortOvershoot:
			return 5
		case AbortMaxAttempts:
			return 6
		}
	}
	return 1
}
