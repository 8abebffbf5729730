// Package httpserver ingests device data posted over HTTP. It keeps no
// per-connection state, so one shared instance serves the protocol type.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/ingest"
	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
)

const Type = "HTTP"

const maxBody = 1 << 20

// SecretHeader carries the device secret on every request.
const SecretHeader = "X-Device-Secret"

func Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Type:        Type,
		Name:        "HTTP",
		Description: "POST /devices/{deviceKey}/properties and /devices/{deviceKey}/events/{identifier}",
		DefaultPort: 8082,
		Singleton:   true,
		New:         func(deps protocol.Deps) protocol.Server { return New(deps) },
	}
}

type Server struct {
	deps protocol.Deps
	log  zerolog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	port    int
	done    chan struct{}
}

func New(deps protocol.Deps) *Server {
	return &Server{
		deps: deps,
		log:  deps.Logger.With().Str("component", "http-ingest").Logger(),
	}
}

var errAlreadyListening = errors.New("http ingest server is already listening")

func (s *Server) Start(_ context.Context, port int, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return errAlreadyListening
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen :%d: %w", port, err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.done = make(chan struct{})

	srv, done := s.httpSrv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http ingest listener stopped")
		}
	}()
	s.log.Info().Int("port", s.port).Msg("http ingest listening")
	return nil
}

// Stop shuts the listener down; the instance can be started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.httpSrv, s.done
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Handler returns the ingest routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /devices/{deviceKey}/properties", s.handleProperties)
	mux.HandleFunc("POST /devices/{deviceKey}/events/{identifier}", s.handleEvent)
	return mux
}

func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	device, params, ok := s.authAndDecode(w, r)
	if !ok {
		return
	}
	if len(params) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty property set"})
		return
	}
	s.deps.Sink.ReportProperties(r.Context(), ingest.Reading{
		Device:     *device,
		Properties: params,
		Source:     Type,
		Timestamp:  time.Now(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	device, params, ok := s.authAndDecode(w, r)
	if !ok {
		return
	}
	s.deps.Sink.ReportEvent(r.Context(), ingest.Event{
		Device:     *device,
		Identifier: r.PathValue("identifier"),
		Params:     params,
		Source:     Type,
		Timestamp:  time.Now(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) authAndDecode(w http.ResponseWriter, r *http.Request) (*model.Device, map[string]any, bool) {
	key := r.PathValue("deviceKey")
	device, err := s.deps.Auth.Authenticate(r.Context(), key, r.Header.Get(SecretHeader))
	if err != nil {
		s.log.Debug().Err(err).Str("device_key", key).Msg("http ingest auth rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return nil, nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, nil, false
	}
	params := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object"})
			return nil, nil, false
		}
	}
	return device, params, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
