// Package errdefs holds the error kinds shared across the analysis
// components. Component specific errors (emulator failures, traffic dump
// failures) live next to the component that raises them.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UsageError reports a call that is invalid for the current session state or
// configuration. Usage errors are never retried.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("usage error: %s", e.Reason)
	}
	return fmt.Sprintf("usage error: %s: %s", e.Op, e.Reason)
}

// Usage builds a UsageError.
func Usage(op, format string, args ...any) error {
	return &UsageError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an operation that exceeded its own deadline. It is
// kept distinct from other failures so callers can apply their own retry
// policy.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timed out after %s", e.Op, e.After)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Timeout builds a TimeoutError.
func Timeout(op string, after time.Duration, err error) error {
	return &TimeoutError{Op: op, After: after, Err: err}
}

// PreflightError reports that a tracking domain resolved to a loopback or
// null address, which usually means a DNS blocker is active on the host.
type PreflightError struct {
	Domain string
	Addrs  []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("dns appears blocked: %s resolves to %s", e.Domain, strings.Join(e.Addrs, ", "))
}

// IsUsage reports whether err carries a UsageError.
func IsUsage(err error) bool {
	var target *UsageError
	return errors.As(err, &target)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}
