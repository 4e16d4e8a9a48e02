package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("dial: %w", NewStatusError(StatusBusy, "busy"))

	assert.ErrorIs(t, wrapped, ErrTransient, "status errors MUST match the transient sentinel")
	assert.ErrorIs(t, wrapped, &ConnectionError{Kind: Transient, Status: StatusBusy}, "MUST match on kind and status")
	assert.NotErrorIs(t, wrapped, &ConnectionError{Kind: Transient, Status: StatusTimeout}, "MUST NOT match a different status")
	assert.NotErrorIs(t, wrapped, ErrInvalidTarget)
	assert.ErrorIs(t, NewInvalidTargetError("xx"), ErrInvalidTarget)
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"invalid target", NewInvalidTargetError(""), false},
		{"bluetooth off", fmt.Errorf("%w: powered off", ErrBluetoothOff), false},
		{"adapter unavailable", ErrTransportUnavailable, false},
		{"already connecting", ErrAlreadyConnecting, false},
		{"not reachable", NewStatusError(StatusNotReachable, ""), true},
		{"timeout", NewStatusError(StatusTimeout, ""), true},
		{"gatt error", NewStatusError(StatusGattError, ""), true},
		{"busy", NewStatusError(StatusBusy, ""), true},
		{"deadline", context.DeadlineExceeded, true},
		{"unknown", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retry, ShouldRetry(tt.err))
		})
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{NewStatusError(StatusNotReachable, ""), "Device not reachable or already connected to another app"},
		{NewStatusError(StatusTimeout, ""), "Connection timeout - device might be out of range"},
		{NewStatusError(StatusGattError, ""), "GATT operation failed - try again"},
		{NewStatusError(StatusBusy, ""), "Device is busy - try again later"},
		{NewStatusError(StatusUnknown, ""), "Connection failed - unknown error"},
		{NewStatusError(StatusDisconnected, ""), "Device disconnected"},
		{NewStatusError(StatusRetryLater, ""), "Connection failed - try again"},
		{NewStatusError(77, "link key missing"), "Connection failed: link key missing"},
		{ErrBluetoothOff, "Bluetooth is turned off"},
		{ErrTransportUnavailable, "Bluetooth adapter unavailable"},
		{ErrAlreadyConnecting, "Already attempting to connect to a device"},
		{NewInvalidTargetError("zz"), `Invalid device address: "zz"`},
		{fmt.Errorf("open: %w", context.DeadlineExceeded), "Connection timeout - device might be out of range"},
		{errors.New("boom"), "Connection failed: boom"},
		{nil, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Reason(tt.err))
	}
}
