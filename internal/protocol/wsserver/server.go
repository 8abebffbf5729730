// Package wsserver accepts device connections over WebSocket.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/session"
)

const Type = "WEBSOCKET"

const (
	defaultIdle    = 60 * time.Second
	authTimeout    = 10 * time.Second
	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 << 10
)

// Descriptor registers the WebSocket server.
func Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Type:        Type,
		Name:        "WebSocket",
		Description: "JSON frames over WebSocket, one session per device key",
		DefaultPort: 8081,
		New:         func(deps protocol.Deps) protocol.Server { return New(deps) },
	}
}

// Server upgrades HTTP connections on a configurable path and binds each
// authenticated connection to a device session.
type Server struct {
	deps     protocol.Deps
	log      zerolog.Logger
	sessions *session.Table
	upgrader websocket.Upgrader

	idle time.Duration
	path string

	httpSrv *http.Server
	port    int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	conns    map[string]*wsConn
	stopping bool
}

func New(deps protocol.Deps) *Server {
	return &Server{
		deps:     deps,
		log:      deps.Logger.With().Str("component", "ws-server").Logger(),
		sessions: deps.SessionTable(Type),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// Start listens on port. Options: path (default /ws), idleTimeout.
func (s *Server) Start(_ context.Context, port int, cfg map[string]any) error {
	def := s.deps.IdleTimeout
	if def <= 0 {
		def = defaultIdle
	}
	s.idle = protocol.DurationOption(cfg, "idleTimeout", def)
	s.path = protocol.StringOption(cfg, "path", "/ws")

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen :%d: %w", port, err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("websocket listener stopped")
		}
	}()
	s.log.Info().Int("port", s.port).Str("path", s.path).Dur("idle", s.idle).Msg("websocket server listening")
	return nil
}

// Stop closes the listener and every connection accepted by this server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	// no upgrade registers a connection once stopping is set
	s.mu.Lock()
	s.stopping = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	err := s.httpSrv.Shutdown(ctx)
	// each connection goroutine evicts its own session and reports OFFLINE
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) Port() int { return s.port }

// Sessions exposes the session table used by this server.
func (s *Server) Sessions() *session.Table { return s.sessions }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("deviceKey")
	var device *model.Device
	if key != "" {
		d, err := s.deps.Auth.Authenticate(r.Context(), key, r.URL.Query().Get("secret"))
		if err != nil {
			s.log.Warn().Err(err).Str("device_key", key).Str("remote", r.RemoteAddr).Msg("websocket auth rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		device = d
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)
	c := &wsConn{id: uuid.NewString(), ws: ws}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, c.id)
			s.mu.Unlock()
		}()
		s.serve(c, device)
	}()
}

// serve authenticates c when needed and runs its read loop.
func (s *Server) serve(c *wsConn, device *model.Device) {
	if device == nil {
		d, err := s.authFirstFrame(c)
		if err != nil {
			s.log.Warn().Err(err).Msg("websocket auth rejected")
			_ = c.Send(protocol.Message{Type: protocol.MsgError, Error: "unauthorized"}.Encode())
			_ = c.Close()
			return
		}
		device = d
	}

	_, prev := s.sessions.Bind(device.DeviceKey, device.ID, c)
	log := s.log.With().Str("device_key", device.DeviceKey).Str("conn", c.id).Logger()
	if prev != nil {
		log.Info().Str("replaced", prev.Conn.ID()).Msg("device reconnected, previous session closed")
	} else {
		s.deps.Notify(s.ctx, *device, model.DeviceOnline)
	}
	_ = c.Send(protocol.Message{Type: protocol.MsgAuthAck, DeviceKey: device.DeviceKey}.Encode())

	c.ws.SetPingHandler(func(data string) error {
		s.sessions.Touch(c.id)
		_ = c.ws.SetReadDeadline(time.Now().Add(s.idle))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	reason := session.ReasonClosed
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.idle))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason = session.ReasonIdle
			}
			break
		}
		s.sessions.Touch(c.id)
		s.handleFrame(c, *device, data, log)
	}

	// a connection replaced by a newer one no longer owns the session
	if s.ctx.Err() != nil {
		reason = session.ReasonShutdown
	}
	if _, owned := s.sessions.Evict(c.id, reason); owned {
		log.Info().Str("reason", reason).Msg("device session closed")
		s.deps.NotifyTeardown(s.ctx, *device, model.DeviceOffline)
	} else {
		_ = c.Close()
	}
}

func (s *Server) authFirstFrame(c *wsConn) (*model.Device, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.MsgAuth {
		return nil, fmt.Errorf("expected auth frame, got %q", msg.Type)
	}
	return s.deps.Auth.Authenticate(s.ctx, msg.DeviceKey, msg.Secret)
}

func (s *Server) handleFrame(c *wsConn, device model.Device, data []byte, log zerolog.Logger) {
	msg, err := protocol.DecodeMessage(data)
	if err == nil {
		if msg.Type == protocol.MsgPing {
			_ = c.Send(protocol.Message{Type: protocol.MsgPong}.Encode())
			return
		}
		err = protocol.Dispatch(s.ctx, s.deps.Sink, device, Type, msg)
	}
	if err != nil {
		log.Debug().Err(err).Msg("bad device frame")
		_ = c.Send(protocol.Message{Type: protocol.MsgError, Error: err.Error()}.Encode())
	}
}

// wsConn adapts a websocket connection to session.Conn.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error { return c.ws.Close() }
