package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine client failures.
type Kind string

const (
	KindConnectionExhausted Kind = "connection_exhausted"
	KindRPCTimeout          Kind = "rpc_timeout"
	KindConnectionLost      Kind = "connection_lost"
	KindDocumentOpenFailed  Kind = "document_open_failed"
	KindInvalidPageWindow   Kind = "invalid_page_window"
	KindInvalidQuerySpec    Kind = "invalid_query_spec"
	KindEngine              Kind = "engine_error"
)

// Sentinels for errors.Is. They compare by Kind only.
var (
	ErrConnectionExhausted = &Error{Kind: KindConnectionExhausted}
	ErrRPCTimeout          = &Error{Kind: KindRPCTimeout}
	ErrConnectionLost      = &Error{Kind: KindConnectionLost}
	ErrDocumentOpenFailed  = &Error{Kind: KindDocumentOpenFailed}
	ErrInvalidPageWindow   = &Error{Kind: KindInvalidPageWindow}
	ErrInvalidQuerySpec    = &Error{Kind: KindInvalidQuerySpec}
	ErrEngine              = &Error{Kind: KindEngine}
)

// Attempt is one failed dial during endpoint negotiation.
type Attempt struct {
	URL string `json:"url"`
	Try int    `json:"try"`
	Err string `json:"error"`
}

// Error is the error type returned by this package.
type Error struct {
	Kind   Kind
	Reason string

	// Code is the engine's numeric error code for KindEngine.
	Code int
	// Method is the RPC method that failed, when known.
	Method string
	// Attempts is set for KindConnectionExhausted.
	Attempts []Attempt

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Method != "" {
		b.WriteString(" (")
		b.WriteString(e.Method)
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " [code %d]", e.Code)
	}
	return b.String()
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the Kind of err, or "" when err is not from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func invalidSpec(format string, args ...any) *Error {
	return newError(KindInvalidQuerySpec, format, args...)
}
