package measurement

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBufferDebounce(t *testing.T) {
	clock := newFakeClock()
	buf := NewBuffer(WithClock(clock.Now), WithDebounce(20*time.Millisecond))

	buf.Record(Acceleration, 1.0)
	clock.Advance(10 * time.Millisecond)
	buf.Record(Acceleration, 2.0) // dropped: too soon
	clock.Advance(10 * time.Millisecond)
	buf.Record(Acceleration, 3.0) // dropped: exactly the debounce interval
	clock.Advance(1 * time.Millisecond)
	buf.Record(Acceleration, 4.0)

	drained := buf.Drain()
	series, ok := drained.Get(Acceleration)
	require.True(t, ok)
	require.Len(t, series, 2, "MUST keep only measurements spaced by more than the debounce interval")
	assert.Equal(t, Scalar(1.0), series[0].Value)
	assert.Equal(t, Scalar(4.0), series[1].Value)
	assert.Greater(t, series[1].TimestampMillis-series[0].TimestampMillis, int64(20))
}

func TestBufferDebounceIsPerChannel(t *testing.T) {
	clock := newFakeClock()
	buf := NewBuffer(WithClock(clock.Now))

	buf.Record(Humidity, 40)
	buf.Record(Pressure, 1013.2)

	assert.Equal(t, 2, buf.Len(), "debounce MUST NOT suppress a different channel")
}

func TestBufferBurstCollapsesToOne(t *testing.T) {
	buf := NewBuffer(WithDebounce(20 * time.Millisecond))

	start := time.Now()
	for i := 0; i < 100; i++ {
		buf.Record(Illuminance, i)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Skip("machine too slow to produce a burst inside one debounce window")
	}

	series, _ := buf.Drain().Get(Illuminance)
	assert.Len(t, series, 1, "100 samples inside one window MUST collapse to a single measurement")
}

func TestBufferDrainIsExhaustive(t *testing.T) {
	clock := newFakeClock()
	buf := NewBuffer(WithClock(clock.Now))

	buf.Record(Pressure, 1000.0)
	buf.Record(Altitude, 12.5)
	buf.Record(Acceleration, Vector3{X: 0, Y: 0, Z: 1})

	first := buf.Drain()
	assert.Equal(t, 3, first.Len())
	var order []Channel
	for pair := first.Oldest(); pair != nil; pair = pair.Next() {
		order = append(order, pair.Key)
	}
	assert.Equal(t, []Channel{Pressure, Altitude, Acceleration}, order, "drain MUST preserve first-insertion order")

	second := buf.Drain()
	assert.Equal(t, 0, second.Len(), "second drain MUST be empty")
	assert.True(t, buf.IsEmpty())
}

func TestBufferRecordAfterDrainIsNotDebounced(t *testing.T) {
	clock := newFakeClock()
	buf := NewBuffer(WithClock(clock.Now))

	buf.Record(Humidity, 41)
	buf.Drain()
	buf.Record(Humidity, 42)

	series, ok := buf.Drain().Get(Humidity)
	require.True(t, ok)
	assert.Equal(t, []Measurement{{Value: Integer(42), TimestampMillis: clock.Now().UnixMilli()}}, series)
}

func TestBufferClear(t *testing.T) {
	buf := NewBuffer()
	buf.Record(MagneticField, Vector3{X: 1})
	buf.Record(ProximityADC, uint16(300))

	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 0, buf.Drain().Len())
}

func TestBufferConcurrentRecordAndDrain(t *testing.T) {
	buf := NewBuffer(WithDebounce(0))
	channels := []Channel{Acceleration, AngularVelocity, MagneticField, Humidity}

	const perProducer = 500
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				buf.Record(ch, i)
			}
		}(ch)
	}

	seen := map[Channel]int{}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func() {
		drained := buf.Drain()
		for pair := drained.Oldest(); pair != nil; pair = pair.Next() {
			seen[pair.Key] += len(pair.Value)
		}
	}
loop:
	for {
		select {
		case <-done:
			break loop
		default:
			collect()
		}
	}
	collect()

	for _, ch := range channels {
		assert.LessOrEqual(t, seen[ch], perProducer, "a measurement MUST NOT be returned twice")
		assert.Positive(t, seen[ch])
	}
	assert.True(t, buf.IsEmpty())
}

func TestDrainedMarshalsAsObject(t *testing.T) {
	clock := newFakeClock()
	buf := NewBuffer(WithClock(clock.Now))
	buf.Record(Humidity, 40.5)
	buf.Record(Acceleration, "{x: 0.01g, y: 0.02g, z: 0.98g}")

	data, err := json.Marshal(buf.Drain())
	require.NoError(t, err)

	ts := clock.Now().UnixMilli()
	assert.JSONEq(t, `{
		"humidity": [{"value": 40.5, "timestamp": `+itoa(ts)+`}],
		"acceleration": [{"value": {"x": 0.01, "y": 0.02, "z": 0.98}, "timestamp": `+itoa(ts)+`}]
	}`, string(data))
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

var allChannels = []Channel{
	Acceleration, Illuminance, Altitude, Pressure, ColorADCChannel,
	AngularVelocity, Humidity, MagneticField, ProximityADC,
}

func TestBufferDrainsEveryChannel(t *testing.T) {
	// GOAL: Verify no channel is lost between Record and Drain
	//
	// TEST SCENARIO: 3 spaced samples on each of 9 channels → Len 27, drain returns 9 channels x 3

	clock := newFakeClock()
	buf := NewBuffer(WithClock(clock.Now))

	for round := 0; round < 3; round++ {
		for _, ch := range allChannels {
			buf.Record(ch, round)
		}
		clock.Advance(50 * time.Millisecond)
	}
	require.Equal(t, 27, buf.Len(), "every recorded measurement MUST be counted")

	drained := buf.Drain()
	require.Equal(t, len(allChannels), drained.Len(), "every channel MUST be drained")
	var order []Channel
	for pair := drained.Oldest(); pair != nil; pair = pair.Next() {
		order = append(order, pair.Key)
		assert.Len(t, pair.Value, 3, "channel %s", pair.Key)
	}
	assert.Equal(t, allChannels, order)
	assert.True(t, buf.IsEmpty())
}

func TestBufferConcurrentFirstRecord(t *testing.T) {
	buf := NewBuffer(WithDebounce(0))

	var wg sync.WaitGroup
	for _, ch := range allChannels {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(ch Channel) {
				defer wg.Done()
				buf.Record(ch, 1)
			}(ch)
		}
	}
	wg.Wait()

	assert.Equal(t, 36, buf.Len())
	assert.Equal(t, len(allChannels), buf.Drain().Len(), "racing first records MUST share one series")
}

func TestBufferDebounceOnStoredMillis(t *testing.T) {
	// GOAL: Verify stored timestamps are always spaced by more than the interval
	//
	// TEST SCENARIO: samples at 0.9ms and 20.95ms are 20.05ms apart but store 20ms apart → second dropped

	base := time.UnixMilli(1_700_000_000_000)
	at := base.Add(900 * time.Microsecond)
	buf := NewBuffer(WithClock(func() time.Time { return at }), WithDebounce(20*time.Millisecond))

	buf.Record(Humidity, 40)
	at = base.Add(20*time.Millisecond + 950*time.Microsecond)
	buf.Record(Humidity, 41)
	at = base.Add(21 * time.Millisecond)
	buf.Record(Humidity, 42)

	series, ok := buf.Drain().Get(Humidity)
	require.True(t, ok)
	require.Len(t, series, 2)
	assert.Equal(t, Integer(42), series[1].Value)
	assert.Greater(t, series[1].TimestampMillis-series[0].TimestampMillis, int64(20))
}
