// Package engine holds the failure contract shared by the transcription,
// translation and synthesis adapters and the bounded retry policy the
// pipeline applies to them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Codes carried by Error for callers that map failures onto the wire.
const (
	CodeEngineFailure       = "engine_failure"
	CodeUnsupportedLanguage = "unsupported_language"
	CodeInvalidInput        = "invalid_input"
	CodeTimeout             = "timeout"
)

// Error is returned by adapters. Retryable marks transient failures
// (network, timeout, throttling) that may succeed when repeated.
type Error struct {
	Op        string
	Code      string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s engine error (%s)", e.Op, kind, e.Code)
	}
	return fmt.Sprintf("%s: %s engine error (%s): %v", e.Op, kind, e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func Retryable(op string, cause error) *Error {
	return &Error{Op: op, Code: CodeEngineFailure, Cause: cause, Retryable: true}
}

func Permanent(op string, cause error) *Error {
	return &Error{Op: op, Code: CodeEngineFailure, Cause: cause}
}

// IsRetryable reports whether err is an Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// CodeOf returns the Error code of err, or CodeEngineFailure.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeEngineFailure
}

// FromStatus classifies a non-2xx HTTP response from an engine.
func FromStatus(op string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	cause := fmt.Errorf("status %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return Retryable(op, cause)
	}
	if rejectsLanguage(status, msg) {
		return &Error{Op: op, Code: CodeUnsupportedLanguage, Cause: cause}
	}
	return Permanent(op, cause)
}

// rejectsLanguage recognizes a client error whose message says the
// requested language is not available.
func rejectsLanguage(status int, msg string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return false
	}
	msg = strings.ToLower(msg)
	if !strings.Contains(msg, "language") {
		return false
	}
	for _, hint := range []string{"unsupported", "not supported", "invalid", "unknown"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Classify wraps an arbitrary adapter error. Engine errors pass through,
// deadline and network errors become retryable, the rest permanent.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Code: CodeTimeout, Cause: err, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable(op, err)
	}
	return Permanent(op, err)
}
