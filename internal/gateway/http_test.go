package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/store"
)

type fakeProtocols struct {
	errs  map[int64]error
	calls []string
}

func (f *fakeProtocols) do(action string, id int64) error {
	f.calls = append(f.calls, fmt.Sprintf("%s:%d", action, id))
	return f.errs[id]
}

func (f *fakeProtocols) Start(_ context.Context, id int64) error   { return f.do("start", id) }
func (f *fakeProtocols) Stop(_ context.Context, id int64) error    { return f.do("stop", id) }
func (f *fakeProtocols) Restart(_ context.Context, id int64) error { return f.do("restart", id) }
func (f *fakeProtocols) State(int64) protocol.State                { return protocol.StateRunning }
func (f *fakeProtocols) Running() []protocol.Status {
	return []protocol.Status{{ID: 1, Name: "ws", Type: "WEBSOCKET", Port: 9001, State: protocol.StateRunning}}
}

type fakeTester struct {
	err error
}

func (f fakeTester) TestConnection(context.Context, int64) (time.Duration, error) {
	return 12 * time.Millisecond, f.err
}

func newTestAPI(p *fakeProtocols, tester PushTester) http.Handler {
	api := &opsAPI{
		protocols: p,
		describe: func() []protocol.Descriptor {
			return []protocol.Descriptor{{Type: "WEBSOCKET", Name: "WebSocket", DefaultPort: 9001}}
		},
		push: tester,
		ping: func(context.Context) error { return nil },
		log:  zerolog.Nop(),
	}
	return api.routes()
}

func doRequest(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	h := newTestAPI(&fakeProtocols{}, fakeTester{})
	code, body := doRequest(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	api := &opsAPI{protocols: &fakeProtocols{}, ping: func(context.Context) error { return errors.New("db gone") }}
	code, body = doRequest(t, api.routes(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "db gone", body["error"])
}

func TestListProtocols(t *testing.T) {
	h := newTestAPI(&fakeProtocols{}, fakeTester{})
	code, body := doRequest(t, h, http.MethodGet, "/protocols")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["running"], 1)
	assert.Len(t, body["types"], 1)
}

func TestControlProtocolMapsErrors(t *testing.T) {
	p := &fakeProtocols{errs: map[int64]error{
		2: fmt.Errorf("load: %w", store.ErrNotFound),
		3: &protocol.AlreadyRunningError{ProtocolID: 3},
		4: &protocol.PortConflictError{Port: 9001, ProtocolID: 4, HolderID: 1},
		5: &protocol.UnknownProtocolError{Type: "COAP"},
		6: &protocol.ProtocolStartError{ProtocolID: 6, Type: "TCP", Err: errors.New("bind")},
		7: &protocol.NotRunningError{ProtocolID: 7},
	}}
	h := newTestAPI(p, fakeTester{})

	tests := []struct {
		path string
		code int
	}{
		{"/protocols/1/start", http.StatusOK},
		{"/protocols/2/start", http.StatusNotFound},
		{"/protocols/3/start", http.StatusConflict},
		{"/protocols/4/restart", http.StatusConflict},
		{"/protocols/5/start", http.StatusBadRequest},
		{"/protocols/6/start", http.StatusInternalServerError},
		{"/protocols/7/stop", http.StatusConflict},
		{"/protocols/x/start", http.StatusBadRequest},
		{"/protocols/1/pause", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, _ := doRequest(t, h, http.MethodPost, tt.path)
			assert.Equal(t, tt.code, code)
		})
	}
	assert.Contains(t, p.calls, "restart:4")
	assert.Contains(t, p.calls, "stop:7")
	assert.NotContains(t, p.calls, "pause:1")
}

func TestControlProtocolRequiresPost(t *testing.T) {
	h := newTestAPI(&fakeProtocols{}, fakeTester{})
	code, _ := doRequest(t, h, http.MethodGet, "/protocols/1/start")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestPushConnectionTest(t *testing.T) {
	code, body := doRequest(t, newTestAPI(&fakeProtocols{}, fakeTester{}), http.MethodPost, "/push-configs/9/test")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 12, body["latencyMs"])

	code, body = doRequest(t, newTestAPI(&fakeProtocols{}, fakeTester{err: errors.New("HTTP 502")}), http.MethodPost, "/push-configs/9/test")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "HTTP 502", body["error"])

	code, _ = doRequest(t, newTestAPI(&fakeProtocols{}, fakeTester{err: store.ErrNotFound}), http.MethodPost, "/push-configs/9/test")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLatestProperties(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir()+"/latest.sqlite", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dev := &model.Device{DeviceKey: "boiler-1", Status: model.DeviceOnline}
	require.NoError(t, st.CreateDevice(ctx, dev))
	require.NoError(t, st.UpsertLatestProperties(ctx, dev.ID, map[string]any{"temp": 21.5, "mode": "eco"}, "MQTT", time.UnixMilli(1700000000000)))

	api := &opsAPI{protocols: &fakeProtocols{}, latest: st, log: zerolog.Nop()}
	code, body := doRequest(t, api.routes(), http.MethodGet, "/devices/boiler-1/latest")
	require.Equal(t, http.StatusOK, code)
	props := body["properties"].(map[string]any)
	temp := props["temp"].(map[string]any)
	assert.Equal(t, 21.5, temp["value"])
	assert.Equal(t, "MQTT", temp["source"])
	assert.EqualValues(t, 1700000000000, temp["timestamp"])
	assert.Equal(t, "eco", props["mode"].(map[string]any)["value"])

	code, _ = doRequest(t, api.routes(), http.MethodGet, "/devices/missing/latest")
	assert.Equal(t, http.StatusNotFound, code)
}
