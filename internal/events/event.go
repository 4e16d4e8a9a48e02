package events

import (
	"fmt"
	"time"
)

// Type classifies a lifecycle event.
type Type string

const (
	StateChanged    Type = "state_changed"
	AttemptFailed   Type = "attempt_failed"
	Connected       Type = "connected"
	Disconnected    Type = "disconnected"
	LinkLost        Type = "link_lost"
	BatteryUpdated  Type = "battery_updated"
	BatteryLow      Type = "battery_low"
	DataAvailable   Type = "data_available"
	ChannelsEnabled Type = "channels_enabled"
)

// Event is one entry of the supervisor's lifecycle stream.
type Event struct {
	Type     Type      `json:"type"`
	State    string    `json:"state,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Battery  int       `json:"battery,omitempty"`
	Channels []string  `json:"channels,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) String() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s [%s] %s", e.Type, e.State, e.Reason)
	case e.State != "":
		return fmt.Sprintf("%s [%s]", e.Type, e.State)
	default:
		return string(e.Type)
	}
}
