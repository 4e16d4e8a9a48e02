package main

import (
	"context"
	"errors"

	"github.com/srg/sensorlink/internal/device"
)

// ErrNoBoards is returned by scan --require when nothing matched.
var ErrNoBoards = errors.New("no sensor boards found")

// FormatUserError renders err for the terminal, preferring the connection
// reason text over the wrapped error chain.
func FormatUserError(err error) string {
	var cerr *device.ConnectionError
	switch {
	case errors.As(err, &cerr):
		switch device.KindOf(err) {
		case device.BluetoothOff:
			return device.Reason(err) + " - turn Bluetooth on and retry"
		case device.TransportUnavailable:
			return device.Reason(err) + " - check that an adapter is present and accessible"
		}
		return device.Reason(err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
