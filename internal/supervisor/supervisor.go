package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/stopwatch"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/config"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/events"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/measurement"
	"github.com/srg/sensorlink/internal/registrar"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ReasonLinkLost is reported when the board drops an established link.
const ReasonLinkLost = "Device connection lost"

var ErrClosed = errors.New("supervisor closed")

// Profile builds the channel specs for a link; onBattery receives battery
// levels pushed by the board.
type Profile func(onBattery func(level int)) []registrar.ChannelSpec

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State      State         `json:"state"`
	DeviceID   string        `json:"device_id,omitempty"`
	Connecting bool          `json:"connecting"`
	Battery    int           `json:"battery"`
	Active     []string      `json:"active_channels"`
	Retries    int           `json:"retries"`
	Buffered   int           `json:"buffered"`
	Uptime     time.Duration `json:"uptime_ns"`

	// Events the lifecycle stream had to overwrite because nobody read them.
	DroppedEvents int64 `json:"dropped_events"`
}

// Supervisor keeps at most one sensor board connected: it runs connect
// attempts with retry, enables the board's channels, watches for link loss
// and reconnects, and tears everything down on request.
//
// Connect and Disconnect are serialized; connect attempts, loss watchers and
// callback delivery run on their own goroutines.
type Supervisor struct {
	cfg       config.SupervisorConfig
	binder    device.Binder
	buffer    *measurement.Buffer
	registrar *registrar.Registrar
	profile   Profile
	dispatch  *dispatcher
	events    *events.RingChannel[events.Event]
	logger    *logrus.Logger

	state      atomic.Int32
	connecting atomic.Bool
	shutdown   atomic.Bool
	closed     atomic.Bool
	battery    atomic.Int32
	retries    atomic.Int32

	opMu sync.Mutex // serializes Connect and Disconnect

	mu            sync.Mutex // guards the fields below and every state transition
	link          device.Link
	deviceID      string
	active        []string
	generation    uint64
	cancelSession context.CancelFunc
	uptime        *stopwatch.Stopwatch

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithProfile replaces registrar.DefaultProfile.
func WithProfile(p Profile) Option {
	return func(s *Supervisor) { s.profile = p }
}

// WithConfig overrides the default supervisor timing.
func WithConfig(cfg config.SupervisorConfig) Option {
	return func(s *Supervisor) { s.cfg = cfg }
}

// New creates an idle supervisor. callbacks may be nil.
func New(binder device.Binder, buffer *measurement.Buffer, callbacks Callbacks, opts ...Option) *Supervisor {
	s := &Supervisor{
		binder:  binder,
		buffer:  buffer,
		profile: registrar.DefaultProfile,
	}
	defaults.SetDefaults(&s.cfg)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}
	if s.buffer == nil {
		s.buffer = measurement.NewBuffer(measurement.WithLogger(s.logger))
	}
	if s.cfg.EventBuffer <= 0 {
		s.cfg.EventBuffer = 64
	}

	s.registrar = registrar.New(s.buffer, s.logger)
	s.dispatch = newDispatcher(callbacks, s.logger)
	s.events = events.NewRingChannel[events.Event](s.cfg.EventBuffer)
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.battery.Store(-1)
	return s
}

// Connect starts connecting to deviceID and returns once the attempt is
// scheduled; the outcome is reported through the callbacks. An existing link
// is torn down first and the new attempt waits ReplaceDelay.
func (s *Supervisor) Connect(deviceID string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	id := strings.TrimSpace(deviceID)
	if id == "" {
		err := device.NewInvalidTargetError(deviceID)
		s.logger.WithError(err).Error("Connect called without a device identifier")
		s.notifyDisconnection(device.Reason(err))
		return err
	}

	if !s.connecting.CompareAndSwap(false, true) {
		s.logger.WithField("device_id", id).Warn("Connect rejected, an attempt is already in progress")
		s.notifyDisconnection(device.Reason(device.ErrAlreadyConnecting))
		return device.ErrAlreadyConnecting
	}

	var delay time.Duration
	s.mu.Lock()
	replace := s.link != nil || State(s.state.Load()) == StateConnected
	s.mu.Unlock()
	if replace {
		s.logger.WithField("device_id", id).Info("Replacing existing connection")
		if err := s.teardown(true); err != nil {
			s.logger.WithError(err).Warn("Previous connection did not tear down cleanly")
		}
		delay = s.cfg.ReplaceDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown.Store(false)
	s.connecting.Store(true)
	s.retries.Store(0)
	s.battery.Store(-1)
	s.active = nil
	s.setStateLocked(StateConnecting, "")
	s.startSessionLocked(id, delay)

	s.logger.WithField("device_id", id).Info("Connecting to sensor board...")
	return nil
}

// Disconnect cancels any attempt or pending reconnect, tears the link down
// and releases the transport. It is safe to call at any time and repeatedly.
// Teardown errors are returned but local state is always reset.
func (s *Supervisor) Disconnect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.shutdown.Store(true)

	s.mu.Lock()
	idle := State(s.state.Load()) == StateIdle && s.link == nil && s.cancelSession == nil && !s.connecting.Load()
	s.mu.Unlock()
	if idle && !s.binder.Bound() {
		return nil
	}

	s.logger.Info("Disconnecting from sensor board...")
	return s.teardown(false)
}

// teardown invalidates the current session and resets to Idle. A replacing
// Connect passes keepConnecting so the single-flight guard stays held.
func (s *Supervisor) teardown(keepConnecting bool) error {
	s.mu.Lock()
	s.invalidateLocked()
	link := s.link
	s.link = nil
	s.active = nil
	s.setStateLocked(StateDisconnecting, "")
	s.mu.Unlock()

	err := s.closeLink(link)
	s.buffer.Clear()
	s.setBattery(-1)
	if uerr := s.binder.Unbind(); uerr != nil {
		err = errors.Join(err, fmt.Errorf("unbind: %w", uerr))
	}

	s.mu.Lock()
	s.stopUptimeLocked()
	if !keepConnecting {
		s.connecting.Store(false)
	}
	s.setStateLocked(StateIdle, "")
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).Warn("Sensor board disconnected with errors")
	} else {
		s.logger.Info("Sensor board disconnected")
	}
	return err
}

// closeLink unsubscribes and closes link within TeardownTimeout.
func (s *Supervisor) closeLink(link device.Link) error {
	if link == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()

	var errs []error
	if link.IsOpen() {
		if err := link.TeardownRoutes(ctx); err != nil {
			errs = append(errs, fmt.Errorf("teardown routes: %w", err))
		}
	}
	if err := link.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

// invalidateLocked makes every in-flight attempt and watcher stale.
func (s *Supervisor) invalidateLocked() {
	s.generation++
	if s.cancelSession != nil {
		s.cancelSession()
		s.cancelSession = nil
	}
}

// Close disconnects and stops all background goroutines. The supervisor
// cannot be reused afterwards.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.Disconnect()
	s.stop()
	s.wg.Wait()
	s.dispatch.close()
	s.events.Close()
	return err
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *Supervisor) IsConnecting() bool {
	return s.connecting.Load()
}

// ShutdownRequested reports whether Disconnect was called since the last
// Connect.
func (s *Supervisor) ShutdownRequested() bool {
	return s.shutdown.Load()
}

// DeviceID returns the identifier of the last Connect.
func (s *Supervisor) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// BatteryLevel returns the last known battery percentage, or -1.
func (s *Supervisor) BatteryLevel() int {
	return int(s.battery.Load())
}

// ActiveChannels returns the channels enabled on the current link.
func (s *Supervisor) ActiveChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...)
}

func (s *Supervisor) HasBufferedData() bool {
	return !s.buffer.IsEmpty()
}

// Measurements drains the buffer. Nothing is returned while disconnected.
func (s *Supervisor) Measurements() *measurement.Drained {
	if !s.IsConnected() {
		return orderedmap.New[measurement.Channel, []measurement.Measurement]()
	}
	return s.buffer.Drain()
}

// Events returns the lifecycle event stream. Old events are overwritten when
// nobody reads.
func (s *Supervisor) Events() <-chan events.Event {
	return s.events.C()
}

// Status returns a snapshot for diagnostics.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:         State(s.state.Load()),
		DeviceID:      s.deviceID,
		Connecting:    s.connecting.Load(),
		Battery:       int(s.battery.Load()),
		Active:        append([]string{}, s.active...),
		Retries:       int(s.retries.Load()),
		Buffered:      s.buffer.Len(),
		DroppedEvents: s.events.GetMetrics().Overwritten,
	}
	if s.uptime != nil && st.State == StateConnected {
		st.Uptime = s.uptime.ElapsedTime()
	}
	return st
}

// RefreshBattery reads the battery level in the background.
func (s *Supervisor) RefreshBattery() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return
	}

	groutine.Go(s.ctx, "battery-read", func(ctx context.Context) {
		if _, err := s.readBattery(ctx, link); err != nil {
			s.logger.WithError(err).Debug("Battery read failed")
		}
	})
}

// ReadBattery reads the battery level now and caches it.
func (s *Supervisor) ReadBattery(ctx context.Context) (int, error) {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return s.BatteryLevel(), device.ErrNotConnected
	}
	return s.readBattery(ctx, link)
}

func (s *Supervisor) readBattery(ctx context.Context, link device.Link) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TeardownTimeout)
	defer cancel()

	level, err := link.ReadBattery(ctx)
	if err != nil {
		return s.BatteryLevel(), err
	}
	s.setBattery(level)
	return level, nil
}

func (s *Supervisor) setBattery(level int) {
	if level < -1 || level > 100 {
		s.logger.WithField("level", level).Debug("Ignoring out-of-range battery level")
		return
	}
	if prev := s.battery.Swap(int32(level)); int(prev) != level && level >= 0 {
		s.emit(events.Event{Type: events.BatteryUpdated, Battery: level})
	}
}

// NotifyDataAvailable queues an OnDataAvailable callback.
func (s *Supervisor) NotifyDataAvailable(batteryLevel int, hasNewData bool) {
	s.dispatch.post(callbackRecord{kind: callbackDataAvailable, battery: batteryLevel, hasNewData: hasNewData})
	s.emit(events.Event{Type: events.DataAvailable, Battery: batteryLevel})
}

func (s *Supervisor) notifyDisconnection(reason string) {
	s.dispatch.post(callbackRecord{kind: callbackDisconnection, reason: reason})
	s.emit(events.Event{Type: events.Disconnected, Reason: reason})
}

func (s *Supervisor) notifySuccess(deviceID string, battery int, active []string) {
	s.dispatch.post(callbackRecord{
		kind:     callbackConnectionSuccess,
		deviceID: deviceID,
		battery:  battery,
		active:   append([]string(nil), active...),
	})
	s.emit(events.Event{Type: events.Connected, DeviceID: deviceID, Battery: battery, Channels: active})
}

// Emit publishes an event on the lifecycle stream, for components layered
// on top of the supervisor.
func (s *Supervisor) Emit(ev events.Event) {
	s.emit(ev)
}

func (s *Supervisor) emit(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.State == "" {
		ev.State = s.State().String()
	}
	s.events.Send(ev)
}

func (s *Supervisor) setStateLocked(next State, reason string) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("Connection state changed")
	s.emit(events.Event{Type: events.StateChanged, State: next.String(), DeviceID: s.deviceID, Reason: reason})
}

func (s *Supervisor) startUptimeLocked() {
	if s.uptime == nil {
		s.uptime = stopwatch.Start(0)
		return
	}
	s.uptime.Reset()
	s.uptime.Start(0)
}

func (s *Supervisor) stopUptimeLocked() {
	if s.uptime != nil {
		s.uptime.Stop()
	}
}
