package registrar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/measurement"
)

// RouteSpec binds one device route to a buffer channel.
type RouteSpec struct {
	Channel measurement.Channel
	Route   device.Route
	Decode  measurement.Decoder

	// OnData replaces decode-and-record, for routes that feed something other
	// than the measurement buffer (battery).
	OnData func(payload []byte)
}

// ChannelSpec is one independently enableable sensor. It is active when at
// least one of its routes enabled.
type ChannelSpec struct {
	Name   string
	Routes []RouteSpec
}

// Outcome is the setup result of one channel.
type Outcome struct {
	Name string
	Err  error
}

// Result aggregates the outcomes of EnableAll.
type Result struct {
	Active []string
	Failed map[string]error
}

// Registrar enables sensor channels on a freshly opened link.
type Registrar struct {
	buffer *measurement.Buffer
	logger *logrus.Logger
}

func New(buffer *measurement.Buffer, logger *logrus.Logger) *Registrar {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registrar{buffer: buffer, logger: logger}
}

// tracker counts outstanding channels; the report that brings the count to
// zero closes done, exactly once.
type tracker struct {
	pending   atomic.Int32
	completed atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	outcomes []*Outcome
}

func newTracker(n int) *tracker {
	t := &tracker{done: make(chan struct{}), outcomes: make([]*Outcome, n)}
	t.pending.Store(int32(n))
	if n == 0 {
		t.finish()
	}
	return t
}

func (t *tracker) report(idx int, o Outcome) {
	t.mu.Lock()
	t.outcomes[idx] = &o
	t.mu.Unlock()

	if t.pending.Add(-1) == 0 {
		t.finish()
	}
}

func (t *tracker) finish() {
	if t.completed.CompareAndSwap(false, true) {
		close(t.done)
	}
}

// EnableAll enables every channel concurrently and waits until each one has
// reported or ctx is done. Channels still outstanding at cancellation are
// reported failed with the context error. Per-channel failures never abort
// the others.
func (r *Registrar) EnableAll(ctx context.Context, link device.Link, specs []ChannelSpec) Result {
	t := newTracker(len(specs))

	for i, spec := range specs {
		i, spec := i, spec
		groutine.Go(ctx, "enable-"+spec.Name, func(ctx context.Context) {
			t.report(i, Outcome{Name: spec.Name, Err: r.enableChannel(ctx, link, spec)})
		})
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		r.logger.WithError(ctx.Err()).Warn("Channel setup interrupted")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	result := Result{Active: []string{}, Failed: map[string]error{}}
	for i, spec := range specs {
		o := t.outcomes[i]
		switch {
		case o == nil:
			result.Failed[spec.Name] = fmt.Errorf("setup incomplete: %w", context.Cause(ctx))
		case o.Err != nil:
			result.Failed[spec.Name] = o.Err
		default:
			result.Active = append(result.Active, spec.Name)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"active": len(result.Active),
		"failed": len(result.Failed),
	}).Info("Sensor channel setup finished")
	return result
}

func (r *Registrar) enableChannel(ctx context.Context, link device.Link, spec ChannelSpec) (err error) {
	log := r.logger.WithField("channel", spec.Name)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel setup panicked: %v", p)
		}
		if err != nil {
			log.WithError(err).Warn("Failed to enable sensor channel")
		}
	}()

	if link == nil {
		return device.ErrNotConnected
	}
	if len(spec.Routes) == 0 {
		return errors.New("channel has no routes")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		enabled int
		errs    []error
	)
	for _, rs := range spec.Routes {
		rs := rs
		wg.Add(1)
		groutine.Go(ctx, "enable-route-"+string(rs.Channel), func(ctx context.Context) {
			defer wg.Done()
			routeErr := r.enableRoute(ctx, link, rs)

			mu.Lock()
			defer mu.Unlock()
			if routeErr != nil {
				errs = append(errs, fmt.Errorf("%s: %w", rs.Channel, routeErr))
				return
			}
			enabled++
		})
	}
	wg.Wait()

	if enabled == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		log.WithError(errors.Join(errs...)).Warn("Sensor channel partially enabled")
	}
	log.Debug("Sensor channel enabled")
	return nil
}

func (r *Registrar) enableRoute(ctx context.Context, link device.Link, rs RouteSpec) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("route setup panicked: %v", p)
		}
	}()

	if rs.Route.Characteristic == "" {
		return errors.New("route has no characteristic")
	}
	if err := link.EnableRoute(ctx, rs.Route, r.handler(rs)); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if rs.Route.HasStart() {
		if err := link.StartRoute(ctx, rs.Route); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	return nil
}

func (r *Registrar) handler(rs RouteSpec) func([]byte) {
	if rs.OnData != nil {
		return rs.OnData
	}
	decode := rs.Decode
	if decode == nil {
		decode = measurement.DecodeText
	}
	return func(payload []byte) {
		v, err := decode(payload)
		if err != nil {
			r.logger.WithError(err).WithField("channel", rs.Channel).Debug("Dropping undecodable measurement")
			return
		}
		if r.buffer != nil {
			r.buffer.Record(rs.Channel, v)
		}
	}
}
