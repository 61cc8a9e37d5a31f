package ray5agent

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidAddress marks addresses rejected before any network traffic.
var ErrInvalidAddress = errors.New("device address is not valid")

// TransportError wraps a network-level failure (dial, timeout, broken body).
// The device may be offline or the address unreachable; the request never
// produced a usable HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s failed", e.Op)
	}
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the device answered but the payload was not what the
// firmware is expected to produce. Body keeps a bounded excerpt of the raw
// response for diagnostics and identity mismatch reporting.
type ProtocolError struct {
	Op     string
	Reason string
	Body   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Op, e.Reason)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
