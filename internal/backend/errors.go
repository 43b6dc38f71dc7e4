package backend

import (
	"errors"
	"fmt"

	"video-pipeline/internal/models"
)

// TransportError means the request failed before a response was obtained.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx answer carrying the backend's own message, passed
// through verbatim (missing job, bad input, exhausted quota and the like).
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: backend status %d: %s", e.Op, e.StatusCode, e.Message)
}

// StageFailedError is a stage that ran and reported failure. The job stays at
// its last good stage.
type StageFailedError struct {
	Op      string
	Step    models.StepName
	Message string
}

func (e *StageFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: stage %s failed", e.Op, e.Step)
	}
	return fmt.Sprintf("%s: stage %s failed: %s", e.Op, e.Step, e.Message)
}

// MalformedResponseError is a response body that violates the expected schema.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStageFailure reports whether err is (or wraps) a backend-reported stage failure.
func IsStageFailure(err error) bool {
	var sf *StageFailedError
	return errors.As(err, &sf)
}
