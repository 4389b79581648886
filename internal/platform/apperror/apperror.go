// Package apperror defines the error kinds surfaced by the snapshot
// aggregator. Every error that leaves the core carries a stable Kind tag
// and a human-readable message; bearer tokens and key material never appear
// in either.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is a stable, machine-readable error classification.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindAuth          Kind = "auth"
	KindNetwork       Kind = "network"
	KindNotFound      Kind = "not_found"
	KindUpstream      Kind = "upstream"
	KindMalformed     Kind = "malformed"
	KindValidation    Kind = "validation"
	KindNormalization Kind = "normalization"
	KindUnknown       Kind = "unknown"
)

// maxBodyLen bounds how much of an upstream response body is kept on an error.
const maxBodyLen = 512

// Error is the concrete error type carrying a Kind.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Body    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// HTTP creates an Error describing a non-2xx upstream response.
func HTTP(kind Kind, op string, status int, body []byte) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: "unexpected response",
		Status:  status,
		Body:    truncate(strings.TrimSpace(string(body))),
	}
}

// Configuration, Auth, Network, NotFound, Validation are shorthand constructors.
func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, fmt.Sprintf(format, args...))
}

func Auth(op, format string, args ...any) *Error {
	return New(KindAuth, op, fmt.Sprintf(format, args...))
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// Network classifies a transport failure. Context deadline and net timeouts
// are kept in the chain so IsTimeout can tell them apart.
func Network(op string, err error) *Error {
	msg := "request failed"
	if isTimeoutErr(err) {
		msg = "request timed out"
	}
	return Wrap(KindNetwork, op, msg, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CategoryError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the upstream HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsAuth(err error) bool          { return KindOf(err) == KindAuth }
func IsNetwork(err error) bool       { return KindOf(err) == KindNetwork }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }

// IsFatal reports whether err must abort a whole snapshot regardless of the
// partial-results policy.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConfiguration || k == KindAuth
}

// IsTimeout reports whether err is a network error caused by a timeout.
func IsTimeout(err error) bool {
	return IsNetwork(err) && isTimeoutErr(err)
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string) string {
	if len(s) <= maxBodyLen {
		return s
	}
	return s[:maxBodyLen] + "...(truncated)"
}
