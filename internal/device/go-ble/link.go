package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
)

const (
	batteryService        = "180f"
	batteryLevelCharacter = "2a19"
)

var ErrCharacteristicNotFound = errors.New("characteristic not found")

type routeHandler struct {
	route   device.Route
	handler func([]byte)
}

// subscription is one remote notify/indicate subscription shared by every
// route multiplexed over the characteristic.
type subscription struct {
	char     *ble.Characteristic
	indicate bool
	routes   []routeHandler
}

// Link is a go-ble connection to one board.
type Link struct {
	binder  *Binder
	address string
	logger  *logrus.Entry

	// writeMu serializes GATT writes
	writeMu sync.Mutex

	mu     sync.RWMutex
	client Client
	chars  map[string]*ble.Characteristic // "service/characteristic", normalized
	subs   map[string]*subscription       // by characteristic key
	lost   chan struct{}
	cancel context.CancelFunc
}

func newLink(b *Binder, address string) *Link {
	return &Link{
		binder:  b,
		address: address,
		logger:  b.logger.WithField("address", address),
		chars:   map[string]*ble.Characteristic{},
		subs:    map[string]*subscription{},
		lost:    make(chan struct{}),
	}
}

func charKey(service, characteristic string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(characteristic)
}

func (l *Link) ID() string { return l.address }

// Open dials the board and discovers its GATT profile.
func (l *Link) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client != nil {
		return nil
	}
	dev := l.binder.current()
	if dev == nil {
		return device.ErrTransportUnavailable
	}

	if _, ok := ctx.Deadline(); !ok && l.binder.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.binder.opts.ConnectTimeout)
		defer cancel()
	}

	l.logger.Debug("Dialing BLE device...")
	client, err := l.binder.dial(ctx, dev, l.address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("failed to connect to device with address %q: %w", l.address, ctxErr)
		}
		return fmt.Errorf("failed to connect to device with address %q: %w", l.address, NormalizeError(err))
	}

	l.logger.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			l.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	chars := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			chars[charKey(svc.UUID.String(), c.UUID.String())] = c
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	l.client = client
	l.chars = chars
	l.subs = map[string]*subscription{}
	l.lost = make(chan struct{})
	l.cancel = cancel

	// Without Disconnected() a loss only shows up as failing operations.
	if watched, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		lost := l.lost
		groutine.Go(watchCtx, "ble-connection-monitor", func(ctx context.Context) {
			select {
			case <-watched.Disconnected():
				l.markLost(lost, device.ErrNotConnected)
			case <-ctx.Done():
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}

	l.logger.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Info("BLE device connected")
	return nil
}

// markLost tears local state down after the remote side dropped the link.
func (l *Link) markLost(lost chan struct{}, cause error) {
	l.mu.Lock()
	if l.lost != lost || l.client == nil {
		l.mu.Unlock()
		return
	}
	l.logger.WithError(cause).Warn("BLE device reported disconnection")
	l.client = nil
	l.subs = map[string]*subscription{}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	close(lost)
	l.mu.Unlock()
}

func (l *Link) IsOpen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client != nil
}

func (l *Link) lookup(service, characteristic string) (Client, *ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	c, ok := l.chars[charKey(service, characteristic)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in service %s", ErrCharacteristicNotFound, characteristic, service)
	}
	return l.client, c, nil
}

// EnableRoute subscribes to the route's characteristic. The first route on a
// characteristic performs the remote subscription; later ones share it.
func (l *Link) EnableRoute(_ context.Context, route device.Route, handler func([]byte)) error {
	client, char, err := l.lookup(route.Service, route.Characteristic)
	if err != nil {
		return err
	}
	key := charKey(route.Service, route.Characteristic)

	l.mu.Lock()
	if sub, ok := l.subs[key]; ok {
		sub.routes = append(sub.routes, routeHandler{route: route, handler: handler})
		l.mu.Unlock()
		return nil
	}
	indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		l.mu.Unlock()
		return fmt.Errorf("characteristic %s does not support notifications", route.Characteristic)
	}
	sub := &subscription{char: char, indicate: indicate, routes: []routeHandler{{route: route, handler: handler}}}
	l.subs[key] = sub
	l.mu.Unlock()

	if err := NormalizeError(client.Subscribe(char, indicate, func(data []byte) { l.dispatch(key, data) })); err != nil {
		l.mu.Lock()
		if l.subs[key] == sub {
			delete(l.subs, key)
		}
		l.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", route.Characteristic, err)
	}

	l.logger.WithField("char_uuid", device.NormalizeUUID(route.Characteristic)).Debug("Subscribed to characteristic notifications")
	return nil
}

// dispatch fans a notification out to the routes whose prefix matches.
func (l *Link) dispatch(key string, data []byte) {
	l.mu.RLock()
	sub, ok := l.subs[key]
	var routes []routeHandler
	if ok {
		routes = append(routes, sub.routes...)
	}
	l.mu.RUnlock()

	for _, r := range routes {
		if payload, match := r.route.Matches(data); match {
			r.handler(payload)
		}
	}
}

// StartRoute writes the start command to the route's control characteristic.
func (l *Link) StartRoute(_ context.Context, route device.Route) error {
	if !route.HasStart() {
		return nil
	}
	client, char, err := l.lookup(route.Service, route.Control)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := client.WriteCharacteristic(char, route.StartCommand, false); err != nil {
		return fmt.Errorf("write start command to %s: %w", route.Control, NormalizeError(err))
	}
	return nil
}

// ReadBattery reads the standard battery level characteristic.
func (l *Link) ReadBattery(_ context.Context) (int, error) {
	client, char, err := l.lookup(batteryService, batteryLevelCharacter)
	if err != nil {
		return -1, err
	}
	data, err := client.ReadCharacteristic(char)
	if err != nil {
		return -1, fmt.Errorf("read battery level: %w", NormalizeError(err))
	}
	if len(data) == 0 {
		return -1, errors.New("read battery level: empty value")
	}
	return int(data[0]), nil
}

// TeardownRoutes unsubscribes every remote subscription.
func (l *Link) TeardownRoutes(_ context.Context) error {
	l.mu.Lock()
	client := l.client
	subs := l.subs
	l.subs = map[string]*subscription{}
	l.mu.Unlock()

	if client == nil {
		return nil
	}

	var failures []string
	for key, sub := range subs {
		if err := NormalizeError(client.Unsubscribe(sub.char, sub.indicate)); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("unsubscribe failures - %s", strings.Join(failures, "; "))
	}
	return nil
}

// Close cancels the connection. It does not fire Lost.
func (l *Link) Close(ctx context.Context) error {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.subs = map[string]*subscription{}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()

	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "ble-cancel-connection", func(context.Context) {
		done <- client.CancelConnection()
	})
	select {
	case err := <-done:
		if err != nil {
			return NormalizeError(err)
		}
		l.logger.Info("BLE device disconnected")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cancel connection: %w", ctx.Err())
	}
}

func (l *Link) Lost() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lost
}
