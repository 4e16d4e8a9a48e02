package goble

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/srg/sensorlink/internal/device"
)

// statusPattern picks the GATT/HCI status out of platform error strings such
// as "connection failed: status=133" or "status 0x3e".
var statusPattern = regexp.MustCompile(`(?i)status[ =:]*(0x[0-9a-f]+|\d+)`)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "can't init hci"), containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "invalid address"), containsIgnoreCase(msg, "malformed address"):
		return fmt.Errorf("%w: %v", device.ErrInvalidTarget, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	}

	if status, ok := parseStatus(msg); ok {
		return fmt.Errorf("%w: %v", device.NewStatusError(status, msg), err)
	}
	if containsIgnoreCase(msg, "disconnected") {
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	}
	return err
}

func parseStatus(msg string) (int, bool) {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 0, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return int(v), true
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
