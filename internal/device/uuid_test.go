package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit", input: "2A19", expected: "2a19"},
		{name: "0x prefix", input: "0X180F", expected: "180f"},
		{name: "SIG base with dashes", input: "0000180f-0000-1000-8000-00805f9b34fb", expected: "180f"},
		{name: "SIG base without dashes", input: "00002a1900001000800000805F9B34FB", expected: "2a19"},
		{name: "vendor UUID kept", input: "E95D0753-251D-470A-A062-FA1922DFA9A8", expected: "e95d0753251d470aa062fa1922dfa9a8"},
		{name: "wrong SIG prefix kept", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "partial", input: "00002902", expected: "00002902"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"0x180d", "00002a37-0000-1000-8000-00805f9b34fb"})
	assert.Equal(t, []string{"180d", "2a37"}, got)
}
