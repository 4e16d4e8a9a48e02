package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
)

// Callbacks receives the supervisor's notifications. Calls are made from a
// single dispatcher goroutine, in the order the events happened.
type Callbacks interface {
	OnConnectionSuccess(deviceID string, batteryLevel int, active []string)
	OnDisconnection(reason string)
	OnDataAvailable(batteryLevel int, hasNewData bool)
}

// CallbackFuncs adapts plain functions to Callbacks; nil fields are skipped.
type CallbackFuncs struct {
	ConnectionSuccess func(deviceID string, batteryLevel int, active []string)
	Disconnection     func(reason string)
	DataAvailable     func(batteryLevel int, hasNewData bool)
}

func (f CallbackFuncs) OnConnectionSuccess(deviceID string, batteryLevel int, active []string) {
	if f.ConnectionSuccess != nil {
		f.ConnectionSuccess(deviceID, batteryLevel, active)
	}
}

func (f CallbackFuncs) OnDisconnection(reason string) {
	if f.Disconnection != nil {
		f.Disconnection(reason)
	}
}

func (f CallbackFuncs) OnDataAvailable(batteryLevel int, hasNewData bool) {
	if f.DataAvailable != nil {
		f.DataAvailable(batteryLevel, hasNewData)
	}
}

type callbackKind uint8

const (
	callbackConnectionSuccess callbackKind = iota
	callbackDisconnection
	callbackDataAvailable
)

type callbackRecord struct {
	kind       callbackKind
	deviceID   string
	battery    int
	active     []string
	reason     string
	hasNewData bool
}

// dispatcherQueueSize bounds the pending callbacks; the oldest are
// overwritten if the consumer stalls.
const dispatcherQueueSize = 256

// dispatcher hands callbacks to the caller off the transport goroutines.
type dispatcher struct {
	cb     Callbacks
	queue  mpmc.RichOverlappedRingBuffer[callbackRecord]
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *logrus.Logger

	overwritten atomic.Int64
}

func newDispatcher(cb Callbacks, logger *logrus.Logger) *dispatcher {
	if cb == nil {
		cb = CallbackFuncs{}
	}
	d := &dispatcher{
		cb:     cb,
		queue:  mpmc.NewOverlappedRingBuffer[callbackRecord](dispatcherQueueSize),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	groutine.Go(context.Background(), "callback-dispatcher", func(context.Context) { d.run() })
	return d
}

func (d *dispatcher) post(rec callbackRecord) {
	overwrites, err := d.queue.EnqueueM(rec)
	if err != nil {
		d.logger.WithError(err).Error("Failed to queue callback")
		return
	}
	if overwrites > 0 {
		d.overwritten.Add(int64(overwrites))
		d.logger.WithField("dropped", overwrites).Warn("Callback consumer is stalled, oldest callbacks dropped")
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for !d.queue.IsEmpty() {
		rec, err := d.queue.Dequeue()
		if err != nil {
			return
		}
		d.deliver(rec)
	}
}

func (d *dispatcher) deliver(rec callbackRecord) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.WithField("panic", fmt.Sprint(p)).Error("Callback panicked")
		}
	}()

	switch rec.kind {
	case callbackConnectionSuccess:
		d.cb.OnConnectionSuccess(rec.deviceID, rec.battery, rec.active)
	case callbackDisconnection:
		d.cb.OnDisconnection(rec.reason)
	case callbackDataAvailable:
		d.cb.OnDataAvailable(rec.battery, rec.hasNewData)
	}
}

// close delivers what is pending and stops the dispatcher goroutine.
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}
