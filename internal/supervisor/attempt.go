package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/events"
	"github.com/srg/sensorlink/internal/groutine"
)

// startSessionLocked invalidates the previous session and starts a connect
// attempt for id on a fresh session context. Caller must hold s.mu.
func (s *Supervisor) startSessionLocked(id string, delay time.Duration) {
	s.invalidateLocked()
	s.deviceID = id

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelSession = cancel
	gen := s.generation

	s.wg.Add(1)
	groutine.Go(ctx, "connect-attempt", func(ctx context.Context) {
		defer s.wg.Done()
		s.runAttempt(ctx, gen, id, delay)
	})
}

// currentLocked reports whether gen still owns the supervisor. Caller must hold s.mu.
func (s *Supervisor) currentLocked(gen uint64) bool {
	return gen == s.generation && !s.shutdown.Load()
}

func (s *Supervisor) runAttempt(ctx context.Context, gen uint64, id string, delay time.Duration) {
	if !sleep(ctx, delay) {
		return
	}

	logger := s.logger.WithField("device_id", id)
	for {
		link, err := s.open(ctx, id)
		if err == nil {
			s.onOpened(ctx, gen, id, link)
			return
		}
		if ctx.Err() != nil {
			// Superseded by Disconnect or a newer Connect.
			if link != nil {
				_ = s.closeLink(link)
			}
			return
		}

		retries := int(s.retries.Load())
		if device.ShouldRetry(err) && retries < s.cfg.MaxRetries {
			n := int(s.retries.Add(1))
			wait := s.backoff(n)
			logger.WithFields(logrus.Fields{
				"attempt":     n,
				"max_retries": s.cfg.MaxRetries,
				"retry_in":    wait,
			}).WithError(err).Warn("Connection attempt failed, retrying")
			s.emit(events.Event{Type: events.AttemptFailed, DeviceID: id, Attempt: n, Reason: device.Reason(err)})

			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		s.fail(gen, id, err)
		return
	}
}

// open binds the transport when needed and opens a link to id within
// ConnectTimeout.
func (s *Supervisor) open(ctx context.Context, id string) (device.Link, error) {
	if !s.binder.Bound() {
		if err := s.binder.Bind(ctx); err != nil {
			if errors.Is(err, device.ErrBluetoothOff) || errors.Is(err, device.ErrTransportUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
		}
	}

	link, err := s.binder.Link(id)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := link.Open(openCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: no response within %s", device.ErrTimeout, s.cfg.ConnectTimeout)
		}
		return link, err
	}
	return link, nil
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	mult := s.cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(s.cfg.RetryDelay) * math.Pow(mult, float64(attempt-1)))
}

// fail ends an attempt that will not be retried: Idle, transport released,
// one disconnection callback.
func (s *Supervisor) fail(gen uint64, id string, cause error) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed, device.Reason(cause))
	if s.cancelSession != nil {
		s.cancelSession()
		s.cancelSession = nil
	}
	s.mu.Unlock()

	if err := s.binder.Unbind(); err != nil {
		s.logger.WithError(err).Debug("Unbind after failed connect")
	}

	s.mu.Lock()
	s.connecting.Store(false)
	s.setStateLocked(StateIdle, "")
	s.mu.Unlock()

	reason := device.Reason(cause)
	s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"retries":   s.retries.Load(),
		"reason":    reason,
	}).WithError(cause).Error("Failed to connect to sensor board")
	s.notifyDisconnection(reason)
}

// onOpened enables the channels on a freshly opened link and publishes the
// connection once the settle delay has passed.
func (s *Supervisor) onOpened(ctx context.Context, gen uint64, id string, link device.Link) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		_ = s.closeLink(link)
		return
	}
	s.link = link
	s.retries.Store(0)
	s.mu.Unlock()

	logger := s.logger.WithField("device_id", id)
	logger.Info("Link established, enabling sensor channels...")

	result := s.registrar.EnableAll(ctx, link, s.profile(s.setBattery))
	for name, err := range result.Failed {
		logger.WithField("channel", name).WithError(err).Warn("Channel unavailable")
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.active = result.Active
	s.setStateLocked(StateConnected, "")
	s.startUptimeLocked()
	s.mu.Unlock()

	s.emit(events.Event{Type: events.ChannelsEnabled, DeviceID: id, Channels: result.Active})
	s.RefreshBattery()

	s.wg.Add(1)
	groutine.Go(ctx, "link-watch", func(ctx context.Context) {
		defer s.wg.Done()
		select {
		case <-link.Lost():
			s.handleLoss(gen, link)
		case <-ctx.Done():
		}
	})

	if !sleep(ctx, s.cfg.SettleDelay) {
		return
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.connecting.Store(false)
	active := append([]string(nil), s.active...)
	s.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"channels": len(active),
		"battery":  s.BatteryLevel(),
	}).Info("Sensor board connected")
	s.notifySuccess(id, s.BatteryLevel(), active)
}

// handleLoss reacts to the transport dropping the link: local state is
// cleared, the caller is told, and one reconnect is scheduled after
// ReconnectDelay unless a disconnect was requested.
func (s *Supervisor) handleLoss(gen uint64, link device.Link) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.link != link {
		s.mu.Unlock()
		return
	}

	id := s.deviceID
	s.link = nil
	s.active = nil
	s.stopUptimeLocked()
	s.buffer.Clear()
	s.battery.Store(-1)
	s.connecting.Store(true)
	s.retries.Store(0)

	s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"retry_in":  s.cfg.ReconnectDelay,
	}).Warn("Sensor board connection lost, scheduling reconnect")
	s.emit(events.Event{Type: events.LinkLost, DeviceID: id, Reason: ReasonLinkLost})
	s.notifyDisconnection(ReasonLinkLost)

	s.setStateLocked(StateConnecting, ReasonLinkLost)
	s.startSessionLocked(id, s.cfg.ReconnectDelay)
	s.mu.Unlock()

	if err := s.closeLink(link); err != nil {
		s.logger.WithError(err).Debug("Closing lost link")
	}
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
