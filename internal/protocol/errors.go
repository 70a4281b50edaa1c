package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors recognized across the command loop.
var (
	// ErrCancelled is raised into the driver runner when the service
	// replies to a progress post with {status: cancel}.
	ErrCancelled = errors.New("operation cancelled by service")
	// ErrDriverTimeout is returned when a driver invocation exceeds the
	// configured I/O timeout with no readable or writable pipe.
	ErrDriverTimeout = errors.New("driver I/O timeout")
	// ErrDriverDecode is returned when a driver stdout line fails to parse
	// as JSON.
	ErrDriverDecode = errors.New("driver emitted malformed JSON")
)

// DriverError is a structured failure surfaced by a driver's terminal
// response, or synthesized by a handler when a driver reports a non-ok
// status. It carries exactly the fields the service expects to see
// verbatim: status, message, reason.
type DriverError struct {
	Status  string
	Message string
	Reason  string
}

func (e *DriverError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("driver status %q: %s (%s)", e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("driver status %q: %s", e.Status, e.Message)
}

// Result renders the error as an OperationResult suitable for posting as an
// event param.
func (e *DriverError) Result() OperationResult {
	r := OperationResult{"status": e.Status}
	if e.Message != "" {
		r["message"] = e.Message
	}
	if e.Reason != "" {
		r["reason"] = e.Reason
	}
	return r
}

// NewDriverError builds a DriverError from a DriverResponse whose status is
// not "ok".
func NewDriverError(resp DriverResponse) *DriverError {
	return &DriverError{
		Status:  resp.Status(),
		Message: resp.Message(),
		Reason:  resp.Reason(),
	}
}

// ServerUnavailableError is raised by the HTTP client (C1) after exhausting
// its retry budget; it carries the last transport-level cause.
type ServerUnavailableError struct {
	Attempts int
	Cause    error
}

func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("service unavailable after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *ServerUnavailableError) Unwrap() error {
	return e.Cause
}

// GenericError is the catch-all failure shape for handler errors that did
// not originate from a structured driver response: {status: failed,
// message}.
type GenericError struct {
	Message string
}

func (e *GenericError) Error() string {
	return e.Message
}

func (e *GenericError) Result() OperationResult {
	return OperationResult{"status": StatusFailed, "message": e.Message}
}

// resulter is implemented by errors that know how to render themselves as
// an OperationResult.
type resulter interface {
	Result() OperationResult
}

// ResultFromError normalizes any handler error into an OperationResult,
// per section 4.4: either a structured driver error or a generic
// {status: failed, message} result.
func ResultFromError(err error) OperationResult {
	var r resulter
	if errors.As(err, &r) {
		return r.Result()
	}
	return OperationResult{"status": StatusFailed, "message": err.Error()}
}
