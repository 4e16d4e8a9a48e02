package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/sensorlink/internal/measurement"
	"github.com/srg/sensorlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func drainedBatch(t *testing.T) *measurement.Drained {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	buf := measurement.NewBuffer(measurement.WithClock(func() time.Time { return now }))

	buf.Record(measurement.Acceleration, measurement.Vector3{X: 0.1, Y: -0.2, Z: 0.98})
	buf.Record(measurement.Humidity, 41.5)
	now = now.Add(100 * time.Millisecond)
	buf.Record(measurement.Humidity, 42.0)

	return buf.Drain()
}

func TestStoreDrainedBatch(t *testing.T) {
	// GOAL: Verify a drained batch lands in SQLite with channel, kind and JSON value
	//
	// TEST SCENARIO: 1 acceleration + 2 humidity samples → 3 rows, newest humidity first

	s, err := store.Open(filepath.Join(t.TempDir(), "data", "sensorlink.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	n, err := s.Store(ctx, "AA:BB:CC:DD:EE:FF", drainedBatch(t))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	rows, err := s.Recent(ctx, measurement.Humidity, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.JSONEq(t, "42", string(rows[0].Value))
	assert.Equal(t, measurement.KindScalar, rows[0].Kind)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", rows[0].DeviceID)
	assert.True(t, rows[0].Timestamp.After(rows[1].Timestamp))

	rows, err = s.Recent(ctx, measurement.Acceleration, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"x":0.1,"y":-0.2,"z":0.98}`, string(rows[0].Value))
}

func TestStoreEmptyBatch(t *testing.T) {
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Store(context.Background(), "AA", orderedmap.New[measurement.Channel, []measurement.Measurement]())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Store(context.Background(), "AA", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorlink.db")

	s, err := store.Open(path, nil)
	require.NoError(t, err)
	_, err = s.Store(context.Background(), "AA", drainedBatch(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count, "schema init MUST NOT drop existing rows")
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := store.Open("", nil)
	assert.ErrorIs(t, err, store.ErrInvalidPath)
}
