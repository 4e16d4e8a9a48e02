package device

import (
	"context"
	"time"
)

// Route addresses one measurement stream on the board: a notify characteristic
// inside a service, plus an optional control characteristic that must receive
// StartCommand before the board starts streaming.
//
// Boards that multiplex several streams over one characteristic tag every
// notification with a header; Prefix selects this route's notifications and
// is stripped before the payload reaches the handler.
type Route struct {
	Service        string
	Characteristic string
	Prefix         []byte
	Control        string
	StartCommand   []byte
}

// Matches reports whether a notification belongs to this route and returns
// the payload without the prefix.
func (r Route) Matches(data []byte) ([]byte, bool) {
	if len(data) < len(r.Prefix) {
		return nil, false
	}
	for i, b := range r.Prefix {
		if data[i] != b {
			return nil, false
		}
	}
	return data[len(r.Prefix):], true
}

// HasStart reports whether the route needs an explicit start write.
func (r Route) HasStart() bool {
	return r.Control != "" && len(r.StartCommand) > 0
}

// Link is a single physical connection to a sensor board.
//
// A Link is created per device identifier by a Binder. Open may be called again
// after a failed Open or after Close; every successful Open re-arms Lost.
type Link interface {
	ID() string
	Open(ctx context.Context) error
	IsOpen() bool

	// EnableRoute subscribes to the route's notifications; handler is invoked
	// from the transport's goroutine for every payload.
	EnableRoute(ctx context.Context, route Route, handler func([]byte)) error
	// StartRoute writes the route's start command to its control characteristic.
	StartRoute(ctx context.Context, route Route) error
	ReadBattery(ctx context.Context) (int, error)

	// TeardownRoutes unsubscribes every enabled route.
	TeardownRoutes(ctx context.Context) error
	Close(ctx context.Context) error

	// Lost is closed when the remote side drops the link. It is not closed by Close.
	Lost() <-chan struct{}
}

// Binder owns the host-side Bluetooth transport (the adapter / central manager)
// and hands out Links once bound.
type Binder interface {
	Bind(ctx context.Context) error
	Unbind() error
	Bound() bool
	Link(deviceID string) (Link, error)
}

// OpenOptions tune a single Open call.
type OpenOptions struct {
	ConnectTimeout time.Duration
}

// DefaultOpenOptions returns the options used when none are configured.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{ConnectTimeout: 30 * time.Second}
}

// Advertisement is one advertising report seen while scanning.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int
	TxPower          int
	Connectable      bool
	Services         []string
	ManufacturerData []byte
}

// Scanner reports advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}
