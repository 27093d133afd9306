// Package errcode provides a stable, bus-facing error identifier shared by
// every layer of the update orchestrator, plus the typed error kinds used
// to classify driver and pipeline failures.
package errcode

import "fmt"

// Code is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes surfaced over the IPC bus.
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unavailable    Code = "unavailable"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	UnknownObject  Code = "unknown_object"
	InvalidTopic   Code = "invalid_topic"
	Timeout        Code = "timeout"
	Error          Code = "error" // generic fallback
)

// Kind classifies a failure per the error-handling taxonomy: how it is
// triggered, whether it is locally recoverable, and what it surfaces as.
type Kind string

const (
	// TransportError: an I2C/SPI read or write failed. Drivers retry up to
	// a device-specific bound before escalating to DriverError.
	TransportError Kind = "transport_error"
	// DriverError: the device refused a command, a CRC mismatched, or the
	// remaining-writes budget was exhausted. Surfaces as Activation=Failed.
	DriverError Kind = "driver_error"
	// ImageError: a missing manifest key, a bad signature, or a machine
	// name mismatch. Surfaces as Activation=Invalid, or Unavailable to the
	// caller if detected before the update was accepted.
	ImageError Kind = "image_error"
	// TransientIoError: an inotify read or file-open hiccup. Logged,
	// inotify is re-armed, and the owning task continues.
	TransientIoError Kind = "transient_io_error"
	// ConcurrencyError: an update was already in progress. Surfaces as
	// Unavailable to the caller.
	ConcurrencyError Kind = "concurrency_error"
	// FatalSetupError: a driver constructor could not find its device
	// address. The device is left out of the registry; startup continues.
	FatalSetupError Kind = "fatal_setup_error"
)

// E is a wrapped error carrying a Kind, the failing operation, and an
// optional cause, e.g. fmt.Errorf("%w", err) chains that errors.As can walk.
type E struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *E) Unwrap() error { return e.Err }

// New builds an *E, wrapping cause if non-nil.
func New(kind Kind, op, msg string, cause error) *E {
	return &E{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// KindOf extracts a Kind from an error chain, defaulting to DriverError
// when the error carries no Kind of its own.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if as(err, &e) {
		return e.Kind
	}
	return DriverError
}

// as is a tiny errors.As shim kept local so this package has no extra
// import beyond fmt at the top of the file.
func as(err error, target **E) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Of extracts a bus-facing Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
