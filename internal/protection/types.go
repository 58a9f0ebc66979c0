// Package protection negotiates and supervises the content-protection state of the
// display outputs on behalf of a client.
package protection

import (
	"errors"
	"fmt"
	"strings"
)

// ContentType is the protection tier a client asks for
type ContentType int32

const (
	// Unprotected doubles as the failure/disabled sentinel in status events
	Unprotected ContentType = iota
	Type0
	Type1
)

// Protected reports whether the type names an actual protection tier
func (t ContentType) Protected() bool {
	return t == Type0 || t == Type1
}

// HDCPType returns the numeric HDCP content type (0 or 1), or -1 for Unprotected
func (t ContentType) HDCPType() int {
	switch t {
	case Type0:
		return 0
	case Type1:
		return 1
	default:
		return -1
	}
}

func (t ContentType) String() string {
	switch t {
	case Type0:
		return "type0"
	case Type1:
		return "type1"
	case Unprotected:
		return "unprotected"
	default:
		return fmt.Sprintf("ContentType(%d)", int32(t))
	}
}

// ParseContentType accepts "type0", "type-0", "0", "type1", "1" and "unprotected"/"none"
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "type0", "type-0", "0":
		return Type0, nil
	case "type1", "type-1", "1":
		return Type1, nil
	case "unprotected", "none", "off":
		return Unprotected, nil
	default:
		return Unprotected, fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// Status is the negotiation phase
type Status int32

const (
	StatusUndesired Status = iota
	StatusDesired
	StatusEnabled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUndesired:
		return "undesired"
	case StatusDesired:
		return "desired"
	case StatusEnabled:
		return "enabled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

var (
	// ErrBusy is the transient "device busy" result of a backend set call
	ErrBusy = errors.New("display backend busy")

	// ErrInvalidType rejects requests for a type that is not a protection tier
	ErrInvalidType = errors.New("invalid content protection type")
)

// BackendError is a fatal backend result
type BackendError struct {
	Op   string
	Code int
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed (code %d)", e.Op, e.Code)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Backend drives the output hardware
type Backend interface {
	// SetProtection requests protection of type t on (enable) or off. It returns
	// ErrBusy (possibly wrapped) when the device is temporarily unavailable.
	SetProtection(enable bool, t ContentType) error

	// GetProtection reports whether protection of type t is currently enabled
	GetProtection(t ContentType) (bool, error)
}

// Sink receives status change events for the client that issued the last request
type Sink interface {
	StatusChanged(t ContentType)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(t ContentType)

func (f SinkFunc) StatusChanged(t ContentType) {
	f(t)
}

// Snapshot is a read-only view of the negotiation state
type Snapshot struct {
	Status          Status
	RequestedType   ContentType
	RetriesLeft     int
	ElapsedInWindow int
	Exhausted       bool
	Pending         bool
}
