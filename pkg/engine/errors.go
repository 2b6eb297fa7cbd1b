package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/pgprovision/pkg/transports"
)

// ErrorClass classifies why a transition failed.
type ErrorClass string

const (
	// ErrorClassValidation is rejected input, found before any SQL or file
	// reaches the host. Examples: an injected role name, a denied access
	// control file.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassRemote is a required remote command that exited non-zero.
	ErrorClassRemote ErrorClass = "remote"

	// ErrorClassRelocation is a failure while moving the install tree. The
	// host is left in an undefined state and the move must not be retried
	// blindly.
	ErrorClassRelocation ErrorClass = "relocation"

	// ErrorClassTransport is a failure of the command channel itself.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassPermanent covers everything else that cannot succeed by
	// repeating the call, such as an operation not allowed in the current
	// state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrInvalidTransition is wrapped when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ProvisionError is a classified failure of one operation.
type ProvisionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Op is the operation that failed (install, customize, ...).
	Op string `json:"op"`

	// Message describes the failed step.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Op)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func newError(class ErrorClass, op, message string, err error) *ProvisionError {
	return &ProvisionError{Class: class, Op: op, Message: message, Err: err}
}

// classifyRun wraps an error returned by an adapter. Non-zero exits are
// remote failures; anything else came from the channel.
func classifyRun(op, message string, err error) *ProvisionError {
	var exitErr *transports.ExitError
	if errors.As(err, &exitErr) {
		return newError(ErrorClassRemote, op, message, err)
	}
	return newError(ErrorClassTransport, op, message, err)
}

// ClassOf returns the class of err, or an empty class when err is not a
// ProvisionError.
func ClassOf(err error) ErrorClass {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsRemote returns true if the error is a non-zero remote exit.
func IsRemote(err error) bool {
	return ClassOf(err) == ErrorClassRemote
}

// IsRelocation returns true if the error happened while relocating.
func IsRelocation(err error) bool {
	return ClassOf(err) == ErrorClassRelocation
}

// IsTransport returns true if the error came from the command channel.
func IsTransport(err error) bool {
	return ClassOf(err) == ErrorClassTransport
}
