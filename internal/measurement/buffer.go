package measurement

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Channel names one measurement stream; it is the buffer key.
type Channel string

const (
	Acceleration    Channel = "acceleration"
	Illuminance     Channel = "illuminance"
	Altitude        Channel = "altitude"
	Pressure        Channel = "pressure"
	ColorADCChannel Channel = "colorAdc"
	AngularVelocity Channel = "angularVelocity"
	Humidity        Channel = "humidity"
	MagneticField   Channel = "magneticField"
	ProximityADC    Channel = "proximityAdc"
)

// Channels lists every buffered channel in board order.
var Channels = []Channel{
	Acceleration, Illuminance, Altitude, Pressure, ColorADCChannel,
	AngularVelocity, Humidity, MagneticField, ProximityADC,
}

func (c Channel) String() string { return string(c) }

// MarshalText lets Channel be used as a JSON object key.
func (c Channel) MarshalText() ([]byte, error) { return []byte(c), nil }

func (c *Channel) UnmarshalText(text []byte) error {
	*c = Channel(text)
	return nil
}

// DefaultDebounceInterval is the minimum spacing between two buffered
// measurements of the same channel.
const DefaultDebounceInterval = 20 * time.Millisecond

// Drained is the result of Buffer.Drain, channels in first-insertion order.
type Drained = orderedmap.OrderedMap[Channel, []Measurement]

type series struct {
	mu     sync.Mutex
	items  []Measurement
	lastMs int64
}

// Buffer collects debounced measurements per channel until drained.
//
// Record is safe to call from any number of transport goroutines. Drain and
// Clear are exclusive with Record, so a measurement is either returned by a
// drain or still buffered afterwards, never both.
type Buffer struct {
	mu      sync.RWMutex // Record holds R, Drain/Clear hold W
	series  *hashmap.Map[Channel, *series]
	orderMu sync.Mutex
	order   []Channel

	debounce time.Duration
	now      func() time.Time
	logger   *logrus.Logger
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithDebounce overrides DefaultDebounceInterval. Zero keeps every sample.
func WithDebounce(d time.Duration) BufferOption {
	return func(b *Buffer) { b.debounce = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) { b.now = now }
}

func WithLogger(logger *logrus.Logger) BufferOption {
	return func(b *Buffer) { b.logger = logger }
}

func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		series:   hashmap.New[Channel, *series](),
		debounce: DefaultDebounceInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logrus.New()
	}
	return b
}

// Record normalizes raw and appends it to the channel's series unless the
// previous entry is not older than the debounce interval. Spacing is measured
// on the stored millisecond timestamps. It never fails.
func (b *Buffer) Record(ch Channel, raw any) {
	nowMs := b.now().UnixMilli()
	value := Normalize(raw)

	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.seriesFor(ch)

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.debounce > 0 && len(s.items) > 0 && nowMs-s.lastMs <= b.debounce.Milliseconds() {
		return
	}
	s.items = append(s.items, Measurement{Value: value, TimestampMillis: nowMs})
	s.lastMs = nowMs
}

// seriesFor returns the channel's series, creating it on first use.
// hashmap's GetOrInsert can file an entry that a later Get misses, so new
// keys go through Insert and a lost race falls back to Get.
func (b *Buffer) seriesFor(ch Channel) *series {
	for {
		if s, ok := b.series.Get(ch); ok {
			return s
		}
		s := &series{}
		if b.series.Insert(ch, s) {
			b.orderMu.Lock()
			b.order = append(b.order, ch)
			b.orderMu.Unlock()
			return s
		}
	}
}

// Drain returns everything buffered and leaves the buffer empty.
func (b *Buffer) Drain() *Drained {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := orderedmap.New[Channel, []Measurement]()
	for _, ch := range b.order {
		s, ok := b.series.Get(ch)
		if !ok || len(s.items) == 0 {
			continue
		}
		out.Set(ch, s.items)
	}
	b.resetLocked()

	if out.Len() > 0 {
		b.logger.WithField("channels", out.Len()).Debug("Measurement buffer drained")
	}
	return out
}

// Clear discards everything buffered.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.series = hashmap.New[Channel, *series]()
	b.order = nil
}

// Len returns the number of buffered measurements across all channels.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	b.series.Range(func(_ Channel, s *series) bool {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
		return true
	})
	return n
}

// IsEmpty reports whether any measurement is buffered.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// DebounceInterval returns the configured spacing.
func (b *Buffer) DebounceInterval() time.Duration {
	return b.debounce
}
