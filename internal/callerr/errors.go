// Package callerr defines the error kinds a call session can surface to the
// user or to the remote participant.
package callerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	MediaAcquisition
	Signaling
	Negotiation
	Connection
	Recording
	Upload
)

func (k Kind) String() string {
	switch k {
	case MediaAcquisition:
		return "MediaAcquisitionError"
	case Signaling:
		return "SignalingError"
	case Negotiation:
		return "NegotiationError"
	case Connection:
		return "ConnectionError"
	case Recording:
		return "RecordingError"
	case Upload:
		return "UploadError"
	default:
		return "UnknownError"
	}
}

// Causes wrapped by Error.
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrDeviceBusy          = errors.New("device busy")
	ErrNoMatchingDevice    = errors.New("no matching device")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrOutOfOrder          = errors.New("message out of order")
	ErrDescriptionRejected = errors.New("session description rejected")
	ErrNoData              = errors.New("no recorded data")
	ErrUnsupportedFormat   = errors.New("unsupported recording format")
	ErrRetriesExhausted    = errors.New("reconnection attempts exhausted")
)

// Error is a classified failure. Transient only carries meaning for
// Connection errors: a transient one is retried by the reconnection logic,
// a terminal one ends the session.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is a Connection error that may recover.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Connection && e.Transient
	}
	return false
}
