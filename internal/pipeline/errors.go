package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/model"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExpired     = errors.New("job id belongs to an expired job")
	ErrUnknownKind    = errors.New("unknown job kind")
	ErrInvalidJobID   = errors.New("invalid job id")
	ErrMissingOutput  = errors.New("step output not available")
	ErrNoBaseVersion  = errors.New("target has no architecture version to update")
	ErrEmptyRepoTree  = errors.New("repository has no analyzable files")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// TransientError marks a failure worth retrying: network, timeout, rate limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ValidationError marks output that does not satisfy the artifact schema.
// Reason is safe to show to clients.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// AdmissionError is an expected business rejection from the admission gate.
type AdmissionError struct {
	Decision admission.Decision
}

func (e *AdmissionError) Error() string { return "admission denied: " + e.Decision.Reason }

// StepError is the classified outcome of a step that will not be retried again.
type StepError struct {
	Kind     model.ErrorKind
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s) after %d attempt(s): %v", e.Step, e.Kind, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// JobError converts the step error into the record stored on the job.
func (e *StepError) JobError() *model.JobError {
	return &model.JobError{
		Kind:   e.Kind,
		Step:   e.Step,
		Reason: PublicReason(e.Kind, e.Err),
	}
}

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// Classify maps an arbitrary step error onto an error kind.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}

	var admissionErr *AdmissionError
	var validationErr *ValidationError
	var transientErr *TransientError
	var netErr net.Error
	var sc statusCoder

	switch {
	case errors.As(err, &admissionErr):
		return model.ErrorKindAdmissionDenied
	case errors.As(err, &validationErr):
		return model.ErrorKindValidation
	case errors.As(err, &transientErr):
		return model.ErrorKindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrorKindTransient
	case errors.Is(err, io.ErrUnexpectedEOF):
		return model.ErrorKindTransient
	case errors.As(err, &netErr):
		return model.ErrorKindTransient
	case errors.As(err, &sc):
		code := sc.StatusCode()
		if code == 408 || code == 429 || code >= 500 {
			return model.ErrorKindTransient
		}
		return model.ErrorKindInternal
	default:
		return model.ErrorKindInternal
	}
}

// Retryable reports whether a step failing with err may run again.
func Retryable(err error) bool {
	return Classify(err) == model.ErrorKindTransient
}

// PublicReason is the client-facing reason for a failure. Raw provider and
// storage errors never leave the process.
func PublicReason(kind model.ErrorKind, err error) string {
	switch kind {
	case model.ErrorKindAdmissionDenied:
		var ae *AdmissionError
		if errors.As(err, &ae) {
			return ae.Decision.Reason
		}
		return "change set exceeds the plan limits"
	case model.ErrorKindValidation:
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Reason
		}
		return "generated architecture failed validation"
	case model.ErrorKindTransient:
		return "an upstream service did not respond in time, please try again"
	default:
		return "internal error"
	}
}
