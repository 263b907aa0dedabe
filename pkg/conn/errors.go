package conn

import "fmt"

// ErrKind classifies a connection-level failure.
type ErrKind int

const (
	ErrNone ErrKind = iota
	// ErrIO is a socket or transport syscall failure.
	ErrIO
	// ErrEOF means the peer closed while a reply was being awaited.
	ErrEOF
	// ErrProtocol means the reader observed a malformed frame. The stream
	// cannot be resynchronized after this.
	ErrProtocol
	// ErrOOM is an allocation failure while growing a buffer or cloning a
	// callback record.
	ErrOOM
	// ErrOther covers configuration, DNS resolution and bind failures.
	ErrOther
)

func (k ErrKind) String() string {
	switch k {
	case ErrIO:
		return "io"
	case ErrEOF:
		return "eof"
	case ErrProtocol:
		return "protocol"
	case ErrOOM:
		return "oom"
	case ErrOther:
		return "other"
	default:
		return "none"
	}
}

// Error is the per-connection error slot. The latest failure is kept on the
// connection and mirrored into the async context so callbacks see a
// consistent view.
type Error struct {
	Kind    ErrKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Unwrap exposes the underlying syscall error for errors.Is checks.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		if msg != "" {
			msg = msg + ": " + cause.Error()
		} else {
			msg = cause.Error()
		}
	}
	return &Error{Kind: kind, Message: msg, cause: cause}
}
