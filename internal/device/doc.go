// Package device defines the boundary between the connection supervisor and
// the platform Bluetooth stack.
//
// It provides:
//   - Binder, which owns the host adapter and hands out Links
//   - Link, a single board connection with per-route notifications
//   - the connection error taxonomy (ConnectionError, ShouldRetry, Reason)
//
// The go-ble implementation lives in the goble subpackage.
package device
