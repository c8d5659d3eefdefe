package faults

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// IngestError is a failure already classified into the code taxonomy.
// Pipeline stages return it directly when they know their failure class;
// everything else gets classified by message at the routing boundary.
type IngestError struct {
	Code    Code
	Message string
	Stack   string
	Err     error
}

func (e *IngestError) Error() string {
	return e.Message
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// New creates a classified error with the stack captured at the call site.
func New(code Code, message string) *IngestError {
	return &IngestError{
		Code:    code,
		Message: message,
		Stack:   string(debug.Stack()),
	}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code Code, format string, args ...any) *IngestError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error without losing its chain.
func Wrap(code Code, err error) *IngestError {
	return &IngestError{
		Code:    code,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
		Err:     err,
	}
}

// Wrapf classifies err under code with additional message context.
func Wrapf(code Code, err error, format string, args ...any) *IngestError {
	return &IngestError{
		Code:    code,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		Stack:   string(debug.Stack()),
		Err:     err,
	}
}

// CodeOf extracts the classified code from an error chain.
func CodeOf(err error) (Code, bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Code, true
	}
	return "", false
}

// StackOf returns the captured stack from an error chain, empty when the
// error was never classified.
func StackOf(err error) string {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Stack
	}
	return ""
}
