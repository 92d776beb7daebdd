// Package netsshx defines the error taxonomy shared by the transport,
// session, driver, and executor layers.
package netsshx

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure mode without
// string matching, per the retry/propagation table in the job execution
// design.
type Kind int

const (
	// KindUnknown is the zero value; never produced deliberately.
	KindUnknown Kind = iota
	// KindTimeout: a pattern wait exceeded its deadline.
	KindTimeout
	// KindChannelClosed: the transport stream closed mid-read.
	KindChannelClosed
	// KindNotConnected: a write was attempted with no open channel.
	KindNotConnected
	// KindAuthenticationFailed: the SSH server rejected credentials.
	KindAuthenticationFailed
	// KindConnectionFailed: TCP connect or SSH handshake failed.
	KindConnectionFailed
	// KindCommandError: a vendor error pattern matched, or a driver
	// operation was rejected by the device.
	KindCommandError
	// KindInvalidOperation: an operation was attempted from the wrong
	// driver state.
	KindInvalidOperation
	// KindValidation: a payload failed a constraint check.
	KindValidation
	// KindTemplateError: a parser template failed to compile.
	KindTemplateError
	// KindFSMError: a parser rule executed an explicit Error line operation.
	KindFSMError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindNotConnected:
		return "NotConnected"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindCommandError:
		return "CommandError"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindValidation:
		return "Validation"
	case KindTemplateError:
		return "TemplateError"
	case KindFSMError:
		return "FSMError"
	default:
		return "Unknown"
	}
}

// Error is the taxonomy-carrying error type returned across package
// boundaries in this module. What and Output are only populated for the
// Kinds that use them (Timeout, CommandError).
type Error struct {
	Kind   Kind
	What   string // e.g. the pattern a Timeout was waiting for
	Output string // raw output accompanying a CommandError
	Err    error
}

func (e *Error) Error() string {
	if e.What != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.What)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given Kind, wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Timeout builds a KindTimeout error naming what pattern was being awaited.
func Timeout(what string) *Error {
	return &Error{Kind: KindTimeout, What: what, Err: fmt.Errorf("timed out waiting for %s", what)}
}

// CommandErrorWithOutput builds a KindCommandError carrying the raw output
// that tripped a vendor error pattern.
func CommandErrorWithOutput(msg, output string) *Error {
	return &Error{Kind: KindCommandError, Output: output, Err: errors.New(msg)}
}

// Validation builds a KindValidation error.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Err: errors.New(msg)}
}

// Is allows errors.Is(err, &netsshx.Error{Kind: netsshx.KindTimeout}) style
// checks, matching on Kind alone, when wrapped through
// fmt.Errorf("...: %w", err).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether an error of this kind may be retried per the
// propagation table: timeouts and channel/connection failures are
// retryable, authentication and validation failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindChannelClosed, KindConnectionFailed:
		return true
	default:
		return false
	}
}
