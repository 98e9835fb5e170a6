// Package errs provides structured error types and helpers shared across the engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a fetch failure category.
type Code string

const (
	// CodeRateLimited indicates the source throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeBlocked indicates the source refused the request outright.
	CodeBlocked Code = "blocked"
	// CodeTimeout indicates the request exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a transport-level failure (DNS, connect, reset).
	CodeNetwork Code = "network"
	// CodeParseFailed indicates the payload was fetched but no record could be extracted.
	CodeParseFailed Code = "parse_failed"
	// CodeNotFound indicates the target resource does not exist at the source.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConfig indicates malformed configuration detected at startup.
	CodeConfig Code = "config"
)

// E captures structured error information produced across the engine.
type E struct {
	Source      string
	Code        Code
	HTTP        int
	Message     string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source and failure code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:      strings.TrimSpace(source),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, "msg="+msg)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+e.cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the failure code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given failure code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Transient reports whether the failure is worth retrying within a cycle.
// Rate limiting and blocking are systemic and must back off instead.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeNetwork:
		return true
	default:
		return false
	}
}
