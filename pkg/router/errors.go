package router

import (
	"errors"
	"fmt"
)

// FailedError is a recoverable handler failure. The dispatcher sends Text to
// the peer and counts the message as handled.
type FailedError struct {
	Text string
	Err  error
}

func (e *FailedError) Error() string {
	if e.Err != nil {
		return e.Text + ": " + e.Err.Error()
	}
	return e.Text
}

func (e *FailedError) Unwrap() error { return e.Err }

// Fail returns a recoverable failure whose text is sent to the peer.
func Fail(text string) error {
	return &FailedError{Text: text}
}

func Failf(format string, args ...any) error {
	return &FailedError{Text: fmt.Sprintf(format, args...)}
}

// FailWrap keeps cause for logs while replying text.
func FailWrap(text string, cause error) error {
	return &FailedError{Text: text, Err: cause}
}

// AsFailed reports whether err carries a recoverable failure.
func AsFailed(err error) (*FailedError, bool) {
	var f *FailedError
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
