// Package engine drives export and apply passes over the managed object
// families and owns the portable snapshot format.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/report"
	"github.com/openfroyo/dokkusync/pkg/runner"
)

// ErrorClass classifies an error by how a caller must react to it. Nothing
// in the engine is retried, so every class is fatal once surfaced.
type ErrorClass string

const (
	// ErrorClassProcess indicates an external program that could not run
	// or exited non-zero while checked.
	ErrorClassProcess ErrorClass = "process"

	// ErrorClassFormat indicates that a report or snapshot no longer
	// matches the shape the parser knows.
	ErrorClassFormat ErrorClass = "format"

	// ErrorClassPolicy indicates a command the execution context cannot
	// run at all. It is raised before any process starts.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassVersion indicates a snapshot taken on another platform
	// version.
	ErrorClassVersion ErrorClass = "version"

	// ErrorClassUsage indicates invalid input from the caller.
	ErrorClassUsage ErrorClass = "usage"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Family is the object family that caused the error, if applicable.
	Family string `json:"family,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Family != "" && e.Operation != "":
		msg += fmt.Sprintf(" (family=%s, operation=%s)", e.Family, e.Operation)
	case e.Family != "":
		msg += fmt.Sprintf(" (family=%s)", e.Family)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewProcessError creates a new process error.
func NewProcessError(message string, err error) *EngineError {
	return newError(ErrorClassProcess, message, err)
}

// NewFormatError creates a new format drift error.
func NewFormatError(message string, err error) *EngineError {
	return newError(ErrorClassFormat, message, err)
}

// NewPolicyError creates a new policy error.
func NewPolicyError(message string, err error) *EngineError {
	return newError(ErrorClassPolicy, message, err)
}

// NewVersionError creates a new version skew error.
func NewVersionError(message string, err error) *EngineError {
	return newError(ErrorClassVersion, message, err)
}

// NewUsageError creates a new usage error.
func NewUsageError(message string, err error) *EngineError {
	return newError(ErrorClassUsage, message, err)
}

// WithFamily adds family context to an error.
func (e *EngineError) WithFamily(family string) *EngineError {
	e.Family = family
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Classify maps an error from the lower layers to its class. It returns
// the empty class for errors it does not recognize.
func Classify(err error) ErrorClass {
	var (
		ee  *EngineError
		pol *execctx.PolicyError
		fe  *report.FormatError
		ce  *report.CommandError
		pe  *runner.ProcessError
		se  *json.SyntaxError
		te  *json.UnmarshalTypeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ee):
		return ee.Class
	case errors.As(err, &pol):
		return ErrorClassPolicy
	case errors.As(err, &fe), errors.As(err, &se), errors.As(err, &te):
		return ErrorClassFormat
	case errors.As(err, &ce), errors.As(err, &pe):
		return ErrorClassProcess
	default:
		return ""
	}
}

// Wrap classifies err and attaches family and operation context. Errors
// that are already an EngineError only gain missing context. Unrecognized
// errors are reported as process errors.
func Wrap(family, operation string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Family == "" {
			ee.Family = family
		}
		if ee.Operation == "" {
			ee.Operation = operation
		}
		return err
	}
	class := Classify(err)
	if class == "" {
		class = ErrorClassProcess
	}
	return newError(class, operation+" failed", err).WithFamily(family).WithOperation(operation)
}

func isClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsProcess returns true if the error is classified as a process error.
func IsProcess(err error) bool {
	return isClass(err, ErrorClassProcess)
}

// IsFormatDrift returns true if the error is classified as format drift.
func IsFormatDrift(err error) bool {
	return isClass(err, ErrorClassFormat)
}

// IsPolicy returns true if the error is classified as a policy violation.
func IsPolicy(err error) bool {
	return isClass(err, ErrorClassPolicy)
}

// IsVersionSkew returns true if the error is classified as version skew.
func IsVersionSkew(err error) bool {
	return isClass(err, ErrorClassVersion)
}

// IsUsage returns true if the error is classified as a usage error.
func IsUsage(err error) bool {
	return isClass(err, ErrorClassUsage)
}

// Common error codes.
const (
	ErrCodeVersionMismatch = "VERSION_MISMATCH"
	ErrCodeUnknownShape    = "UNKNOWN_SHAPE"
	ErrCodeMalformed       = "MALFORMED_SNAPSHOT"
	ErrCodeUnknownFamily   = "UNKNOWN_FAMILY"
	ErrCodeUnknownFormat   = "UNKNOWN_FORMAT"
	ErrCodeCommandFailed   = "COMMAND_FAILED"
)
