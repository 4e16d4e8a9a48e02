package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/config"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
)

// Supervisor is the part of supervisor.Supervisor the monitor drives.
type Supervisor interface {
	Connect(deviceID string) error
	IsConnected() bool
	IsConnecting() bool
	ShutdownRequested() bool
	DeviceID() string
	ReadBattery(ctx context.Context) (int, error)
	BatteryLevel() int
	HasBufferedData() bool
	NotifyDataAvailable(batteryLevel int, hasNewData bool)
}

// Monitor ticks on a fixed interval: it reconnects a dropped board and, while
// connected, refreshes the battery, raises low-battery alerts and tells the
// caller whether new data is waiting.
type Monitor struct {
	sup      Supervisor
	alerter  *BatteryAlerter
	onAlert  AlertFunc
	interval time.Duration
	now      func() time.Time
	logger   *logrus.Logger

	mu       sync.Mutex
	deviceID string
	cancel   context.CancelFunc
	done     chan struct{}
}

type MonitorOption func(*Monitor)

// WithAlert sets the low-battery handler.
func WithAlert(fn AlertFunc) MonitorOption {
	return func(m *Monitor) { m.onAlert = fn }
}

func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(logger *logrus.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

func NewMonitor(sup Supervisor, cfg config.HealthConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		sup:      sup,
		alerter:  NewBatteryAlerter(cfg.BatteryAlertThreshold, cfg.BatteryAlertCooldown),
		interval: cfg.Interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.interval <= 0 {
		m.interval = time.Minute
	}
	return m
}

// Start begins ticking for deviceID, replacing a running ticker.
func (m *Monitor) Start(ctx context.Context, deviceID string) {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceID != deviceID {
		m.alerter.Reset()
	}
	m.deviceID = deviceID
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done

	groutine.Go(ctx, "health-monitor", func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	})

	m.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"interval":  m.interval,
	}).Debug("Health monitor started")
}

// Stop ends the ticker and waits for an in-progress tick.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick runs one health check. A dropped board is reconnected to the last id
// the supervisor was asked for, unless the caller disconnected on purpose.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.sup.IsConnected() {
		if m.sup.IsConnecting() {
			return
		}
		if m.sup.ShutdownRequested() {
			m.logger.Debug("Reconnect skipped, disconnect was requested")
			return
		}
		id := m.targetID()
		if id == "" {
			return
		}
		m.logger.WithField("device_id", id).Info("Sensor board not connected, reconnecting...")
		if err := m.sup.Connect(id); err != nil {
			if errors.Is(err, device.ErrAlreadyConnecting) {
				m.logger.WithError(err).Debug("Reconnect skipped")
				return
			}
			m.logger.WithError(err).Warn("Reconnect request failed")
		}
		return
	}

	level, err := m.sup.ReadBattery(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("Battery refresh failed, using cached level")
		level = m.sup.BatteryLevel()
	}

	if m.alerter.Check(level, m.now()) {
		m.logger.WithField("battery", level).Warn("Sensor board battery is low")
		if m.onAlert != nil {
			m.onAlert(level)
		}
	}

	m.sup.NotifyDataAvailable(level, m.sup.HasBufferedData())
}

// targetID prefers the supervisor's latest Connect over the id Start was given.
func (m *Monitor) targetID() string {
	if id := m.sup.DeviceID(); id != "" {
		return id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}
