package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConnection is returned for transport failures between the gateway and a client.
	ErrConnection = errors.New("connection error")
	// ErrBrokerUnavailable is returned when a publish or subscribe round-trip fails.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrStoreUnavailable is returned when the similarity store cannot be read or written.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRateLimited is returned once throttling retries are exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnknownCommand is returned for job commands with no registered handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrHandlerFailure is returned when a job handler fails or panics.
	ErrHandlerFailure = errors.New("handler failure")
)

// RateLimitGuidance is appended to every RateLimited message shown to users.
const RateLimitGuidance = "the generation service is throttling requests; wait a minute and retry, " +
	"or lower GENERATION_RPM / EMBEDDING_RPM for this deployment"

// ValidationError represents a validation error with a field name.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Is reports ValidationError as a kind of ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ThrottleError marks an HTTP 429 (or equivalent) response from a downstream service.
// RetryAfter is zero when the service sent no hint.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	if e.Err == nil {
		return "throttled by downstream service"
	}
	return fmt.Sprintf("throttled by downstream service: %v", e.Err)
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when the retry budget for throttled calls runs out.
type RateLimitedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %s gave up after %d attempts (%s)", ErrRateLimited, e.Label, e.Attempts, RateLimitGuidance)
}

func (e *RateLimitedError) Unwrap() []error {
	return []error{ErrRateLimited, e.Err}
}

// IsThrottle reports whether err is (or wraps) a ThrottleError.
func IsThrottle(err error) (*ThrottleError, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Wrap annotates err with kind unless it already matches it.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// WrapError wraps an error with additional context.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Message returns the human-readable text sent to clients for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return rl.Error()
	case errors.Is(err, ErrRateLimited):
		return fmt.Sprintf("%v (%s)", err, RateLimitGuidance)
	case errors.Is(err, ErrUnknownCommand):
		return err.Error()
	case errors.Is(err, ErrStoreUnavailable):
		return fmt.Sprintf("the code index is temporarily unavailable: %v", err)
	case errors.Is(err, ErrBrokerUnavailable):
		return fmt.Sprintf("could not dispatch the job: %v", err)
	}
	return err.Error()
}
