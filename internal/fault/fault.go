// Package fault classifies errors crossing the sync, media and send
// boundaries so callers can decide between retry, drop and surface.
package fault

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Kind is the coarse failure class used for propagation decisions.
type Kind int

const (
	Unknown Kind = iota
	TransientNetwork
	NotFound
	Timeout
	LocalStorage
	SendFailure
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case LocalStorage:
		return "local_storage"
	case SendFailure:
		return "send_failure"
	default:
		return "unknown"
	}
}

var (
	ErrTransient    = errors.New("transient network failure")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timed out")
	ErrLocalStorage = errors.New("local storage failure")
	ErrSendFailed   = errors.New("send failed")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind) && target != nil
}

// New wraps err with a kind. A nil err yields a kind-only error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a TransientNetwork failure.
func Transient(op string, err error) error { return New(TransientNetwork, op, err) }

// Missing wraps err as a NotFound failure.
func Missing(op string, err error) error { return New(NotFound, op, err) }

// Storage wraps err as a LocalStorage failure.
func Storage(op string, err error) error { return New(LocalStorage, op, err) }

func sentinel(k Kind) error {
	switch k {
	case TransientNetwork:
		return ErrTransient
	case NotFound:
		return ErrNotFound
	case Timeout:
		return ErrTimeout
	case LocalStorage:
		return ErrLocalStorage
	case SendFailure:
		return ErrSendFailed
	default:
		return nil
	}
}

// Classify maps an arbitrary error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrTransient):
		return TransientNetwork
	case errors.Is(err, ErrLocalStorage):
		return LocalStorage
	case errors.Is(err, ErrSendFailed):
		return SendFailure
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return TransientNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return TransientNetwork
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return TransientNetwork
	}
	return Unknown
}

// Retryable reports whether the next cycle may succeed without intervention.
func Retryable(err error) bool {
	switch Classify(err) {
	case TransientNetwork, Timeout:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err means the remote object is gone.
func IsNotFound(err error) bool {
	return Classify(err) == NotFound
}
