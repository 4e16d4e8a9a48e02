//go:build test

package testutils

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/sensorlink/internal/device"
)

// RouteKey identifies a route inside FakeLink.
func RouteKey(r device.Route) string {
	return device.NormalizeUUID(r.Characteristic) + "/" + hex.EncodeToString(r.Prefix)
}

type fakeRoute struct {
	route   device.Route
	handler func([]byte)
}

// FakeLink is a scripted device.Link.
//
// Open consumes OpenErrors one per call; once they run out every further Open
// succeeds unless OpenErr is set. BlockOpen makes Open wait for its context.
type FakeLink struct {
	id string

	mu          sync.Mutex
	open        bool
	lost        chan struct{}
	openErrors  []error
	openErr     error
	blockOpen   bool
	openDelay   time.Duration
	routeErrors map[string]error
	startErrors map[string]error
	routes      []fakeRoute
	battery     int
	batteryErr  error
	closeDelay  time.Duration

	Opens     atomic.Int32
	Closes    atomic.Int32
	Teardowns atomic.Int32
	Starts    atomic.Int32
}

func NewFakeLink(id string) *FakeLink {
	return &FakeLink{
		id:          id,
		lost:        make(chan struct{}),
		routeErrors: map[string]error{},
		startErrors: map[string]error{},
		battery:     -1,
	}
}

func (l *FakeLink) ID() string { return l.id }

// FailOpens scripts the next Open calls to fail with errs, in order.
func (l *FakeLink) FailOpens(errs ...error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErrors = append(l.openErrors, errs...)
	return l
}

// FailAlways makes every Open fail with err.
func (l *FakeLink) FailAlways(err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErr = err
	return l
}

// BlockOpen makes Open hang until its context is done.
func (l *FakeLink) BlockOpen() *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockOpen = true
	return l
}

func (l *FakeLink) WithOpenDelay(d time.Duration) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openDelay = d
	return l
}

func (l *FakeLink) WithCloseDelay(d time.Duration) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeDelay = d
	return l
}

// FailRoute makes EnableRoute fail for route.
func (l *FakeLink) FailRoute(route device.Route, err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routeErrors[RouteKey(route)] = err
	return l
}

// FailStart makes StartRoute fail for route.
func (l *FakeLink) FailStart(route device.Route, err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startErrors[RouteKey(route)] = err
	return l
}

func (l *FakeLink) SetBattery(level int, err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.battery = level
	l.batteryErr = err
	return l
}

func (l *FakeLink) Open(ctx context.Context) error {
	l.Opens.Add(1)

	l.mu.Lock()
	block, delay := l.blockOpen, l.openDelay
	var err error
	if len(l.openErrors) > 0 {
		err = l.openErrors[0]
		l.openErrors = l.openErrors[1:]
	} else {
		err = l.openErr
	}
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	l.lost = make(chan struct{})
	l.routes = nil
	return nil
}

func (l *FakeLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *FakeLink) EnableRoute(_ context.Context, route device.Route, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return device.ErrNotConnected
	}
	if err := l.routeErrors[RouteKey(route)]; err != nil {
		return err
	}
	l.routes = append(l.routes, fakeRoute{route: route, handler: handler})
	return nil
}

func (l *FakeLink) StartRoute(_ context.Context, route device.Route) error {
	l.Starts.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return device.ErrNotConnected
	}
	return l.startErrors[RouteKey(route)]
}

func (l *FakeLink) ReadBattery(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return -1, device.ErrNotConnected
	}
	return l.battery, l.batteryErr
}

func (l *FakeLink) TeardownRoutes(_ context.Context) error {
	l.Teardowns.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes = nil
	return nil
}

func (l *FakeLink) Close(ctx context.Context) error {
	l.Closes.Add(1)

	l.mu.Lock()
	delay := l.closeDelay
	l.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	l.routes = nil
	return nil
}

func (l *FakeLink) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// EnabledRoutes returns the keys of the currently subscribed routes.
func (l *FakeLink) EnabledRoutes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.routes))
	for _, r := range l.routes {
		keys = append(keys, RouteKey(r.route))
	}
	return keys
}

// Notify delivers a raw notification to every enabled route it matches, the
// way a multiplexed characteristic does.
func (l *FakeLink) Notify(characteristic string, data []byte) int {
	l.mu.Lock()
	routes := append([]fakeRoute(nil), l.routes...)
	l.mu.Unlock()

	delivered := 0
	for _, r := range routes {
		if device.NormalizeUUID(r.route.Characteristic) != device.NormalizeUUID(characteristic) {
			continue
		}
		if payload, ok := r.route.Matches(data); ok {
			r.handler(payload)
			delivered++
		}
	}
	return delivered
}

// Emit delivers payload on route, prefix included.
func (l *FakeLink) Emit(route device.Route, payload []byte) int {
	return l.Notify(route.Characteristic, append(append([]byte(nil), route.Prefix...), payload...))
}

// SimulateLoss drops the link from the remote side.
func (l *FakeLink) SimulateLoss() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return
	}
	l.open = false
	l.routes = nil
	close(l.lost)
}

// FakeBinder is a scripted device.Binder handing out FakeLinks.
type FakeBinder struct {
	mu      sync.Mutex
	bound   bool
	bindErr error
	links   map[string]*FakeLink

	Binds   atomic.Int32
	Unbinds atomic.Int32
}

func NewFakeBinder() *FakeBinder {
	return &FakeBinder{links: map[string]*FakeLink{}}
}

// FailBind makes Bind fail with err until cleared with nil.
func (b *FakeBinder) FailBind(err error) *FakeBinder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindErr = err
	return b
}

// LinkFor returns the FakeLink for id, creating it so tests can script it
// before connecting.
func (b *FakeBinder) LinkFor(id string) *FakeLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[id]
	if !ok {
		l = NewFakeLink(id)
		b.links[id] = l
	}
	return l
}

func (b *FakeBinder) Bind(_ context.Context) error {
	b.Binds.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindErr != nil {
		return b.bindErr
	}
	b.bound = true
	return nil
}

func (b *FakeBinder) Unbind() error {
	b.Unbinds.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = false
	return nil
}

func (b *FakeBinder) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

func (b *FakeBinder) Link(deviceID string) (device.Link, error) {
	if !b.Bound() {
		return nil, device.ErrTransportUnavailable
	}
	return b.LinkFor(deviceID), nil
}
