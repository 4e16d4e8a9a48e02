//go:build test

package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/api"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/measurement"
	"github.com/srg/sensorlink/internal/supervisor"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type fakeSupervisor struct {
	mu            sync.Mutex
	connected     bool
	battery       int
	batteryErr    error
	connectErr    error
	disconnectErr error
	connects      []string
	disconnects   int
	drained       *measurement.Drained
}

func (f *fakeSupervisor) Connect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	return f.connectErr
}

func (f *fakeSupervisor) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return f.disconnectErr
}

func (f *fakeSupervisor) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSupervisor) Measurements() *measurement.Drained {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.drained
	f.drained = orderedmap.New[measurement.Channel, []measurement.Measurement]()
	if out == nil {
		return orderedmap.New[measurement.Channel, []measurement.Measurement]()
	}
	return out
}

func (f *fakeSupervisor) ReadBattery(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battery, f.batteryErr
}

func (f *fakeSupervisor) BatteryLevel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battery
}

func (f *fakeSupervisor) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := supervisor.Status{State: supervisor.StateIdle, Battery: -1}
	if f.connected {
		st.State = supervisor.StateConnected
		st.DeviceID = "AA:BB:CC:DD:EE:FF"
		st.Battery = f.battery
		st.Active = []string{"Accelerometer"}
	}
	return st
}

func newAPI(sup *fakeSupervisor) *api.API {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return api.New(sup, logger)
}

func do(t *testing.T, a *api.API, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestConnectEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
		body       string
		wantCode   int
		wantJSON   string
	}{
		{
			name:     "accepted",
			body:     `{"device_id":"AA:BB:CC:DD:EE:FF"}`,
			wantCode: http.StatusAccepted,
			wantJSON: `{"state":"idle"}`,
		},
		{
			name:       "invalid target",
			connectErr: device.NewInvalidTargetError(""),
			body:       `{"device_id":""}`,
			wantCode:   http.StatusBadRequest,
			wantJSON:   `{"error":"<<PRESENCE>>","reason":"Invalid device address: \"\""}`,
		},
		{
			name:       "already connecting",
			connectErr: device.ErrAlreadyConnecting,
			body:       `{"device_id":"AA:BB:CC:DD:EE:FF"}`,
			wantCode:   http.StatusConflict,
			wantJSON:   `{"error":"<<PRESENCE>>","reason":"<<PRESENCE>>"}`,
		},
		{
			name:     "malformed body",
			body:     `{"device_id":`,
			wantCode: http.StatusBadRequest,
			wantJSON: `{"error":"invalid request body"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := &fakeSupervisor{connectErr: tt.connectErr}
			code, body := do(t, newAPI(sup), http.MethodPost, "/connect", tt.body)

			assert.Equal(t, tt.wantCode, code, body)
			testutils.NewJSONAsserter(t).Assert(body, tt.wantJSON)
		})
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	sup := &fakeSupervisor{connected: true, disconnectErr: errors.New("unsubscribe failed")}

	code, body := do(t, newAPI(sup), http.MethodPost, "/disconnect", "")
	assert.Equal(t, http.StatusOK, code, "teardown errors MUST NOT fail the request")
	testutils.NewJSONAsserter(t).Assert(body, `{"state":"idle"}`)
	assert.Equal(t, 1, sup.disconnects)
}

func TestMeasurementsEndpointDrains(t *testing.T) {
	// GOAL: Verify GET /measurements returns the drained batch in channel order, then nothing
	//
	// TEST SCENARIO: humidity then acceleration buffered → ordered JSON → second call is {}

	drained := orderedmap.New[measurement.Channel, []measurement.Measurement]()
	drained.Set(measurement.Humidity, []measurement.Measurement{{Value: measurement.Scalar(41.5), TimestampMillis: 1000}})
	drained.Set(measurement.Acceleration, []measurement.Measurement{{Value: measurement.Vector3{X: 1}, TimestampMillis: 1001}})
	sup := &fakeSupervisor{connected: true, drained: drained}
	a := newAPI(sup)

	code, body := do(t, a, http.MethodGet, "/measurements", "")
	require.Equal(t, http.StatusOK, code)
	assert.Less(t, strings.Index(body, "humidity"), strings.Index(body, "acceleration"), "channel order MUST be preserved")
	testutils.NewJSONAsserter(t).Assert(body, `{
		"humidity": [{"value": 41.5, "timestamp": 1000}],
		"acceleration": [{"value": {"x": 1, "y": 0, "z": 0}, "timestamp": 1001}]
	}`)

	_, body = do(t, a, http.MethodGet, "/measurements", "")
	assert.JSONEq(t, `{}`, body)
}

func TestBatteryEndpoint(t *testing.T) {
	t.Run("disconnected reports zero", func(t *testing.T) {
		code, body := do(t, newAPI(&fakeSupervisor{battery: 55}), http.MethodGet, "/battery", "")
		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"level":0,"connected":false}`, body)
	})

	t.Run("connected reads the board", func(t *testing.T) {
		_, body := do(t, newAPI(&fakeSupervisor{connected: true, battery: 87}), http.MethodGet, "/battery", "")
		assert.JSONEq(t, `{"level":87,"connected":true}`, body)
	})

	t.Run("unknown level renders as zero", func(t *testing.T) {
		sup := &fakeSupervisor{connected: true, battery: -1, batteryErr: device.ErrNotConnected}
		_, body := do(t, newAPI(sup), http.MethodGet, "/battery", "")
		assert.JSONEq(t, `{"level":0,"connected":true}`, body)
	})
}

func TestStatusEndpoint(t *testing.T) {
	_, body := do(t, newAPI(&fakeSupervisor{connected: true, battery: 70}), http.MethodGet, "/status", "")
	testutils.NewJSONAsserter(t).Assert(body, `{
		"state": "connected",
		"device_id": "AA:BB:CC:DD:EE:FF",
		"battery": 70,
		"active_channels": ["Accelerometer"],
		"uptime_ns": "<<PRESENCE>>"
	}`)
}
