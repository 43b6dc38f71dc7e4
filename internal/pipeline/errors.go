package pipeline

import (
	"errors"
	"fmt"
	"time"

	"video-pipeline/internal/backend"
)

var (
	// ErrActionInFlight is returned when a stage action is already pending for the job.
	ErrActionInFlight = errors.New("a stage action is already in flight for this job")
	// ErrStageNotEligible is returned when a stage is run before its predecessor completed.
	ErrStageNotEligible = errors.New("stage is not eligible to run")
	// ErrPollTimeout matches every PollTimeoutError.
	ErrPollTimeout = errors.New("poll budget exhausted")
	// ErrClosed is returned by a disposed orchestrator.
	ErrClosed = errors.New("orchestrator closed")
	// ErrUnknownJob is returned by the manager for untracked jobs.
	ErrUnknownJob = errors.New("job is not tracked")
	// ErrInvalidOptions wraps option validation failures; nothing was sent.
	ErrInvalidOptions = errors.New("invalid options")
)

// PollTimeoutError means no terminal status was observed within the budget.
// The job may still complete later on the backend.
type PollTimeoutError struct {
	Step     string
	Attempts int
	Interval time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish after %d polls (%s); check the job status manually",
		e.Step, e.Attempts, time.Duration(e.Attempts)*e.Interval)
}

func (e *PollTimeoutError) Is(target error) bool { return target == ErrPollTimeout }

// Severity is the three-way outcome of an action.
type Severity int

const (
	SeverityNone Severity = iota
	// SeveritySoft is a stage that ran and reported failure; the pipeline may continue.
	SeveritySoft
	// SeverityHard never advances the stage.
	SeverityHard
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeveritySoft:
		return "soft"
	default:
		return "hard"
	}
}

func invalidOptions(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
}

// Classify maps an action error to its severity.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeverityNone
	case backend.IsStageFailure(err):
		return SeveritySoft
	default:
		return SeverityHard
	}
}
