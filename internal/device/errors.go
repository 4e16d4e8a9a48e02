package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the failure class of a connection problem.
type ErrorKind string

const (
	TransportUnavailable ErrorKind = "transport_unavailable"
	BluetoothOff         ErrorKind = "bluetooth_off"
	InvalidTarget        ErrorKind = "invalid_target"
	AlreadyConnecting    ErrorKind = "already_connecting"
	NotConnected         ErrorKind = "not_connected"
	Transient            ErrorKind = "transient"
)

// GATT status codes reported by the platform stack when an open fails.
const (
	StatusUnknown      = 1
	StatusTimeout      = 8
	StatusNotReachable = 19
	StatusDisconnected = 22
	StatusBusy         = 62
	StatusGattError    = 133
	StatusRetryLater   = 256
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

// Is allows errors.Is to compare ConnectionError values by Kind.
// A target carrying a non-zero Status must match it as well.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	if t.Status != 0 && t.Status != e.Status {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrTransportUnavailable = &ConnectionError{Kind: TransportUnavailable}
	ErrBluetoothOff         = &ConnectionError{Kind: BluetoothOff}
	ErrInvalidTarget        = &ConnectionError{Kind: InvalidTarget}
	ErrAlreadyConnecting    = &ConnectionError{Kind: AlreadyConnecting}
	ErrNotConnected         = &ConnectionError{Kind: NotConnected}
	ErrTransient            = &ConnectionError{Kind: Transient}
)

var ErrTimeout = errors.New("timeout")

// NewStatusError builds a transient error from a GATT status code.
func NewStatusError(status int, msg string) error {
	return &ConnectionError{Kind: Transient, Status: status, Msg: msg}
}

// NewInvalidTargetError reports an unusable device identifier.
func NewInvalidTargetError(deviceID string) error {
	return &ConnectionError{Kind: InvalidTarget, Msg: deviceID}
}

// KindOf returns the ConnectionError kind wrapped in err, or Transient for
// anything the taxonomy does not know about.
func KindOf(err error) ErrorKind {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return Transient
}

// ShouldRetry reports whether a failed open is worth another attempt.
// Unknown errors are retried; configuration and adapter problems are not.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case InvalidTarget, BluetoothOff, TransportUnavailable, AlreadyConnecting:
		return false
	default:
		return true
	}
}

// Reason renders err as the human-readable text handed to the disconnection callback.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case InvalidTarget:
			return fmt.Sprintf("Invalid device address: %q", cerr.Msg)
		case BluetoothOff:
			return "Bluetooth is turned off"
		case TransportUnavailable:
			return "Bluetooth adapter unavailable"
		case AlreadyConnecting:
			return "Already attempting to connect to a device"
		case NotConnected:
			return "Device disconnected"
		}
		switch cerr.Status {
		case StatusNotReachable:
			return "Device not reachable or already connected to another app"
		case StatusTimeout:
			return "Connection timeout - device might be out of range"
		case StatusGattError:
			return "GATT operation failed - try again"
		case StatusBusy:
			return "Device is busy - try again later"
		case StatusUnknown:
			return "Connection failed - unknown error"
		case StatusDisconnected:
			return "Device disconnected"
		case StatusRetryLater:
			return "Connection failed - try again"
		}
		if cerr.Msg != "" {
			return "Connection failed: " + cerr.Msg
		}
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "Connection timeout - device might be out of range"
	}
	return "Connection failed: " + err.Error()
}
