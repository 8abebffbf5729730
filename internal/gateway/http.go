package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/store"
)

// ProtocolControl is the lifecycle surface exposed over HTTP.
type ProtocolControl interface {
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	Restart(ctx context.Context, id int64) error
	State(id int64) protocol.State
	Running() []protocol.Status
}

type PushTester interface {
	TestConnection(ctx context.Context, configID int64) (time.Duration, error)
}

type LatestReader interface {
	GetDeviceByKey(ctx context.Context, deviceKey string) (*model.Device, error)
	ListLatestProperties(ctx context.Context, deviceID int64) ([]model.LatestProperty, error)
}

// opsAPI serves health, metrics and protocol control endpoints.
type opsAPI struct {
	protocols ProtocolControl
	describe  func() []protocol.Descriptor
	push      PushTester
	latest    LatestReader
	ping      func(ctx context.Context) error
	metrics   http.Handler
	log       zerolog.Logger
}

func (a *opsAPI) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("GET /protocols", a.listProtocols)
	mux.HandleFunc("POST /protocols/{id}/{action}", a.controlProtocol)
	mux.HandleFunc("POST /push-configs/{id}/test", a.testPush)
	mux.HandleFunc("GET /devices/{deviceKey}/latest", a.latestProperties)
	return mux
}

func (a *opsAPI) health(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *opsAPI) listProtocols(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"running": a.protocols.Running()}
	if a.describe != nil {
		body["types"] = a.describe()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *opsAPI) controlProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var op func(context.Context, int64) error
	switch r.PathValue("action") {
	case "start":
		op = a.protocols.Start
	case "stop":
		op = a.protocols.Stop
	case "restart":
		op = a.protocols.Restart
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action"))
		return
	}
	if err := op(r.Context(), id); err != nil {
		a.log.Warn().Err(err).Int64("protocol_id", id).Str("action", r.PathValue("action")).Msg("protocol control failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": a.protocols.State(id)})
}

func (a *opsAPI) testPush(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	latency, err := a.push.TestConnection(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	body := map[string]any{"configId": id, "success": err == nil, "latencyMs": latency.Milliseconds()}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *opsAPI) latestProperties(w http.ResponseWriter, r *http.Request) {
	dev, err := a.latest.GetDeviceByKey(r.Context(), r.PathValue("deviceKey"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rows, err := a.latest.ListLatestProperties(r.Context(), dev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	props := make(map[string]any, len(rows))
	for _, row := range rows {
		var v any
		if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
			v = row.Value
		}
		props[row.Identifier] = map[string]any{"value": v, "source": row.Source, "timestamp": row.Timestamp.UnixMilli()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceKey": dev.DeviceKey, "status": dev.Status, "properties": props})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

// statusFor maps lifecycle and store errors to HTTP status codes.
func statusFor(err error) int {
	var (
		unknown  *protocol.UnknownProtocolError
		disabled *protocol.ConfigDisabledError
		running  *protocol.AlreadyRunningError
		conflict *protocol.PortConflictError
		stopped  *protocol.NotRunningError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &unknown):
		return http.StatusBadRequest
	case errors.As(err, &disabled), errors.As(err, &running), errors.As(err, &conflict), errors.As(err, &stopped):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
