package goble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
)

// Client is the part of ble.Client a Link drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// DialFunc opens a GATT client to address on dev.
type DialFunc func(ctx context.Context, dev ble.Device, address string) (Client, error)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

func dialDevice(ctx context.Context, dev ble.Device, address string) (Client, error) {
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Binder owns the host BLE device and creates Links on it.
type Binder struct {
	logger  *logrus.Logger
	factory func() (ble.Device, error)
	dial    DialFunc
	opts    device.OpenOptions

	mu  sync.RWMutex
	dev ble.Device
}

type BinderOption func(*Binder)

// WithDeviceFactory replaces DeviceFactory for this binder.
func WithDeviceFactory(factory func() (ble.Device, error)) BinderOption {
	return func(b *Binder) { b.factory = factory }
}

func WithDialer(dial DialFunc) BinderOption {
	return func(b *Binder) { b.dial = dial }
}

// WithOpenOptions sets the timeout used when Open's context has no deadline.
func WithOpenOptions(opts device.OpenOptions) BinderOption {
	return func(b *Binder) { b.opts = opts }
}

func NewBinder(logger *logrus.Logger, opts ...BinderOption) *Binder {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Binder{
		logger:  logger,
		factory: func() (ble.Device, error) { return DeviceFactory() },
		dial:    dialDevice,
		opts:    device.DefaultOpenOptions(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind creates the host device. Binding twice is a no-op.
func (b *Binder) Bind(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dev != nil {
		return nil
	}
	dev, err := b.factory()
	if err != nil {
		err = NormalizeError(err)
		b.logger.WithError(err).Error("Failed to create BLE device")
		if errors.Is(err, device.ErrBluetoothOff) {
			return err
		}
		return fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
	}
	b.dev = dev
	b.logger.Debug("BLE transport bound")
	return nil
}

// Unbind releases the host device.
func (b *Binder) Unbind() error {
	b.mu.Lock()
	dev := b.dev
	b.dev = nil
	b.mu.Unlock()

	if dev == nil {
		return nil
	}
	b.logger.Debug("BLE transport unbound")
	if stopper, ok := dev.(interface{ Stop() error }); ok {
		return NormalizeError(stopper.Stop())
	}
	return nil
}

func (b *Binder) Bound() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dev != nil
}

// Link returns a closed Link for a device address.
func (b *Binder) Link(deviceID string) (device.Link, error) {
	address := strings.TrimSpace(deviceID)
	if !validAddress(address) {
		return nil, device.NewInvalidTargetError(deviceID)
	}
	if !b.Bound() {
		return nil, device.ErrTransportUnavailable
	}
	return newLink(b, address), nil
}

// validAddress accepts a 48-bit MAC, as BlueZ reports it, or the 128-bit
// peripheral UUID CoreBluetooth hands out instead.
func validAddress(address string) bool {
	if hw, err := net.ParseMAC(address); err == nil {
		return len(hw) == 6
	}
	u, err := ble.Parse(address)
	return err == nil && len(u) == 16
}

func (b *Binder) current() ble.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dev
}

// Scan listens for advertisements on the bound device.
func (b *Binder) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev := b.current()
	if dev == nil {
		return device.ErrTransportUnavailable
	}
	err := dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(convertAdvertisement(adv))
	})
	// go-ble reports the scan window ending as a context error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return NormalizeError(err)
}

func convertAdvertisement(adv ble.Advertisement) device.Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, device.NormalizeUUID(u.String()))
	}
	return device.Advertisement{
		Address:          adv.Addr().String(),
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		TxPower:          int(adv.TxPowerLevel()),
		Connectable:      adv.Connectable(),
		Services:         services,
		ManufacturerData: adv.ManufacturerData(),
	}
}
