package health

import (
	"sync"
	"time"
)

// AlertFunc receives a low battery level.
type AlertFunc func(level int)

// BatteryAlerter decides when a low battery is worth telling the user about.
//
// It fires when the level drops to or below Threshold, and again after
// Cooldown while the level stays low. Unknown (<= 0) levels never alert.
type BatteryAlerter struct {
	Threshold int
	Cooldown  time.Duration

	mu        sync.Mutex
	previous  int
	lastAlert time.Time
}

func NewBatteryAlerter(threshold int, cooldown time.Duration) *BatteryAlerter {
	return &BatteryAlerter{Threshold: threshold, Cooldown: cooldown, previous: -1}
}

// Check records level and reports whether an alert is due at now.
func (a *BatteryAlerter) Check(level int, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.previous
	if level >= 0 {
		a.previous = level
	}
	if level <= 0 || level > a.Threshold {
		return false
	}

	crossed := prev > a.Threshold
	cooled := a.lastAlert.IsZero() || now.Sub(a.lastAlert) > a.Cooldown
	if !crossed && !cooled {
		return false
	}
	a.lastAlert = now
	return true
}

// Reset forgets the previous level, e.g. after switching boards. The cooldown
// is kept.
func (a *BatteryAlerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.previous = -1
}
