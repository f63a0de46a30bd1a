// Package errs provides structured error types and helpers for feedmux components.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a feed error category.
type Code string

const (
	// CodeNetwork indicates a transport failure on the live or historical path.
	CodeNetwork Code = "network"
	// CodeAuth indicates the gateway rejected authentication.
	CodeAuth Code = "auth"
	// CodeDecode indicates the binary stream could not be decoded.
	CodeDecode Code = "decode"
	// CodeProtocol indicates the peer violated the wire protocol.
	CodeProtocol Code = "protocol"
	// CodeAlreadyStarted indicates a second start request on a started session.
	CodeAlreadyStarted Code = "already_started"
	// CodeNotStarted indicates an operation that requires a started session.
	CodeNotStarted Code = "not_started"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeChannelFull indicates the per-session record channel rejected a send.
	CodeChannelFull Code = "channel_full"
	// CodeCancelled indicates the operation was interrupted by shutdown.
	CodeCancelled Code = "cancelled"
	// CodeUnavailable indicates the component is closed or temporarily unusable.
	CodeUnavailable Code = "unavailable"
	// CodeNotFound indicates a missing resource, e.g. no dataset for a venue.
	CodeNotFound Code = "not_found"
)

// Retryable reports whether a SessionSupervisor may respond to the code with
// a reconnect instead of closing the session.
func (c Code) Retryable() bool {
	switch c {
	case CodeNetwork, CodeChannelFull, CodeDecode, CodeProtocol:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the feedmux stack.
type E struct {
	Scope   string
	Code    Code
	Dataset string
	Message string
	Offset  int64

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Dataset: "",
		Message: "",
		Offset:  -1,
		cause:   nil,
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

// WithDataset records the dataset the error relates to.
func WithDataset(dataset string) Option {
	trimmed := strings.TrimSpace(dataset)
	return func(e *E) {
		e.Dataset = trimmed
	}
}

// WithOffset records the byte offset into the stream where decoding failed.
func WithOffset(offset int64) Option {
	return func(e *E) {
		e.Offset = offset
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

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Dataset != "" {
		parts = append(parts, "dataset="+e.Dataset)
	}
	if e.Offset >= 0 {
		parts = append(parts, "offset="+strconv.FormatInt(e.Offset, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the feed error code from err, returning ok=false when err
// does not carry an envelope anywhere in its chain.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if env, ok := err.(*E); ok {
			return env.Code, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = unwrapper.Unwrap()
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
