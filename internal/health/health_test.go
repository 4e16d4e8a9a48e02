package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/config"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatteryAlerter(t *testing.T) {
	// GOAL: Verify alerts fire on crossing the threshold and repeat only after the cooldown
	//
	// TEST SCENARIO: 25 → 20 alerts, 20 → 19 within cooldown silent, 19 after cooldown alerts

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := health.NewBatteryAlerter(20, 30*time.Minute)

	assert.False(t, a.Check(25, t0), "above threshold MUST NOT alert")
	assert.True(t, a.Check(20, t0.Add(time.Minute)), "crossing into threshold MUST alert")
	assert.False(t, a.Check(19, t0.Add(5*time.Minute)), "MUST stay silent within cooldown")
	assert.False(t, a.Check(19, t0.Add(31*time.Minute)), "cooldown counts from the last alert")
	assert.True(t, a.Check(19, t0.Add(32*time.Minute)), "sustained low level MUST re-alert after cooldown")
}

func TestBatteryAlerterEdgeCases(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("first low reading alerts", func(t *testing.T) {
		a := health.NewBatteryAlerter(20, time.Hour)
		assert.True(t, a.Check(15, t0))
	})

	t.Run("unknown levels never alert", func(t *testing.T) {
		a := health.NewBatteryAlerter(20, time.Hour)
		assert.False(t, a.Check(0, t0))
		assert.False(t, a.Check(-1, t0))
	})

	t.Run("recovery and drop again alerts inside cooldown", func(t *testing.T) {
		a := health.NewBatteryAlerter(20, time.Hour)
		require.True(t, a.Check(18, t0))
		assert.False(t, a.Check(40, t0.Add(time.Minute)))
		assert.True(t, a.Check(20, t0.Add(2*time.Minute)), "crossing from above MUST bypass cooldown")
	})
}

type fakeSupervisor struct {
	mu          sync.Mutex
	connected   bool
	connecting  bool
	shutdown    bool
	deviceID    string
	battery     int
	batteryErr  error
	buffered    bool
	connectErr  error
	connects    []string
	dataNotices []int
}

func (f *fakeSupervisor) Connect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	return f.connectErr
}

func (f *fakeSupervisor) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSupervisor) IsConnecting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connecting
}

func (f *fakeSupervisor) ShutdownRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *fakeSupervisor) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

func (f *fakeSupervisor) ReadBattery(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batteryErr != nil {
		return -1, f.batteryErr
	}
	return f.battery, nil
}

func (f *fakeSupervisor) BatteryLevel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battery
}

func (f *fakeSupervisor) HasBufferedData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeSupervisor) NotifyDataAvailable(level int, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataNotices = append(f.dataNotices, level)
}

func (f *fakeSupervisor) connectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *fakeSupervisor) notices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.dataNotices...)
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:              10 * time.Millisecond,
		BatteryAlertThreshold: 20,
		BatteryAlertCooldown:  30 * time.Minute,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// stoppedMonitor remembers deviceID without a live ticker, so ticks are driven
// by the test alone.
func stoppedMonitor(sup health.Supervisor, deviceID string) *health.Monitor {
	cfg := testConfig()
	cfg.Interval = time.Hour
	m := health.NewMonitor(sup, cfg, health.WithLogger(testLogger()))
	m.Start(context.Background(), deviceID)
	m.Stop()
	return m
}

func TestTickReconnectsWhenDisconnected(t *testing.T) {
	sup := &fakeSupervisor{}
	m := stoppedMonitor(sup, "AA:BB")

	m.Tick(context.Background())
	assert.Equal(t, []string{"AA:BB"}, sup.connectCalls())
	assert.Empty(t, sup.notices(), "disconnected tick MUST NOT signal data")
}

func TestTickSkipsWhileConnecting(t *testing.T) {
	sup := &fakeSupervisor{connecting: true}
	m := stoppedMonitor(sup, "AA:BB")

	m.Tick(context.Background())
	assert.Empty(t, sup.connectCalls(), "MUST NOT race a pending reconnect")
}

func TestTickRespectsExplicitDisconnect(t *testing.T) {
	// GOAL: Verify a deliberate disconnect is not undone by the next health check
	//
	// TEST SCENARIO: disconnected with shutdown requested → Tick → no Connect; shutdown cleared → Tick → Connect

	sup := &fakeSupervisor{shutdown: true, deviceID: "AA:BB"}
	m := stoppedMonitor(sup, "AA:BB")

	m.Tick(context.Background())
	assert.Empty(t, sup.connectCalls(), "explicit disconnect MUST NOT be undone")

	sup.mu.Lock()
	sup.shutdown = false
	sup.mu.Unlock()

	m.Tick(context.Background())
	assert.Equal(t, []string{"AA:BB"}, sup.connectCalls())
}

func TestTickReconnectsToLatestDevice(t *testing.T) {
	// GOAL: Verify the reconnect target follows the supervisor's latest Connect, not the id the monitor started with
	//
	// TEST SCENARIO: monitor started for A → supervisor last connected to B → Tick reconnects B

	sup := &fakeSupervisor{deviceID: "CC:DD"}
	m := stoppedMonitor(sup, "AA:BB")

	m.Tick(context.Background())
	assert.Equal(t, []string{"CC:DD"}, sup.connectCalls())
}

func TestTickIgnoresAlreadyConnecting(t *testing.T) {
	sup := &fakeSupervisor{connectErr: device.ErrAlreadyConnecting}
	m := stoppedMonitor(sup, "AA:BB")

	assert.NotPanics(t, func() { m.Tick(context.Background()) })
	assert.Len(t, sup.connectCalls(), 1)
}

func TestTickWhenConnected(t *testing.T) {
	// GOAL: Verify a connected tick refreshes battery, alerts and signals data availability
	//
	// TEST SCENARIO: connected at 15% → tick → alert(15), data notice(15)

	sup := &fakeSupervisor{connected: true, battery: 15, buffered: true}
	var alerts []int
	m := health.NewMonitor(sup, testConfig(),
		health.WithLogger(testLogger()),
		health.WithAlert(func(level int) { alerts = append(alerts, level) }),
	)

	m.Tick(context.Background())
	m.Tick(context.Background())

	assert.Equal(t, []int{15}, alerts, "second tick is inside the cooldown")
	assert.Equal(t, []int{15, 15}, sup.notices())
	assert.Empty(t, sup.connectCalls())
}

func TestTickFallsBackToCachedBattery(t *testing.T) {
	sup := &fakeSupervisor{connected: true, battery: 60, batteryErr: errors.New("read timeout")}
	m := health.NewMonitor(sup, testConfig(), health.WithLogger(testLogger()))

	m.Tick(context.Background())
	assert.Equal(t, []int{60}, sup.notices())
}

func TestMonitorTicksPeriodically(t *testing.T) {
	sup := &fakeSupervisor{connected: true, battery: 80}
	m := health.NewMonitor(sup, testConfig(), health.WithLogger(testLogger()))

	m.Start(context.Background(), "AA:BB")
	assert.Eventually(t, func() bool { return len(sup.notices()) >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	n := len(sup.notices())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(sup.notices()), "Stop MUST end ticking")
}
