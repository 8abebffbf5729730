// Package tcpserver accepts devices speaking newline-delimited JSON over TCP.
// The first line of every connection must be an auth message.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/session"
)

const Type = "TCP"

const (
	defaultIdle  = 60 * time.Second
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	maxLine      = 64 << 10
)

func Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Type:        Type,
		Name:        "TCP JSON lines",
		Description: "Newline-delimited JSON over raw TCP",
		DefaultPort: 9000,
		New:         func(deps protocol.Deps) protocol.Server { return New(deps) },
	}
}

type Server struct {
	deps     protocol.Deps
	log      zerolog.Logger
	sessions *session.Table
	idle     time.Duration

	listener net.Listener
	port     int
	quit     chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*lineConn
}

func New(deps protocol.Deps) *Server {
	return &Server{
		deps:     deps,
		log:      deps.Logger.With().Str("component", "tcp-server").Logger(),
		sessions: deps.SessionTable(Type),
		conns:    make(map[string]*lineConn),
		quit:     make(chan struct{}),
	}
}

// Start listens on port. Options: idleTimeout.
func (s *Server) Start(_ context.Context, port int, cfg map[string]any) error {
	def := s.deps.IdleTimeout
	if def <= 0 {
		def = defaultIdle
	}
	s.idle = protocol.DurationOption(cfg, "idleTimeout", def)

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen :%d: %w", port, err)
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info().Int("port", s.port).Dur("idle", s.idle).Msg("tcp server listening")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	_ = s.listener.Close()

	// each connection goroutine evicts its own session and reports OFFLINE
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Port() int { return s.port }

func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		c := &lineConn{id: uuid.NewString(), conn: conn}
		s.mu.Lock()
		if s.stopping() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, c.id)
				s.mu.Unlock()
			}()
			s.handleConnection(c)
		}()
	}
}

func (s *Server) handleConnection(c *lineConn) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLine)
	ctx := context.Background()

	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	device, err := s.authenticate(ctx, scanner)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("tcp auth rejected")
		_ = c.Send(protocol.Message{Type: protocol.MsgError, Error: "unauthorized"}.Encode())
		_ = c.Close()
		return
	}

	_, prev := s.sessions.Bind(device.DeviceKey, device.ID, c)
	log := s.log.With().Str("device_key", device.DeviceKey).Str("conn", c.id).Logger()
	if prev == nil {
		s.deps.Notify(ctx, *device, model.DeviceOnline)
	}
	_ = c.Send(protocol.Message{Type: protocol.MsgAuthAck, DeviceKey: device.DeviceKey}.Encode())

	reason := session.ReasonClosed
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.idle))
		if !scanner.Scan() {
			var ne net.Error
			if err := scanner.Err(); errors.As(err, &ne) && ne.Timeout() {
				reason = session.ReasonIdle
			}
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.sessions.Touch(c.id)
		msg, err := protocol.DecodeMessage(line)
		if err == nil {
			if msg.Type == protocol.MsgPing {
				_ = c.Send(protocol.Message{Type: protocol.MsgPong}.Encode())
				continue
			}
			err = protocol.Dispatch(ctx, s.deps.Sink, *device, Type, msg)
		}
		if err != nil {
			log.Debug().Err(err).Msg("bad device line")
			_ = c.Send(protocol.Message{Type: protocol.MsgError, Error: err.Error()}.Encode())
		}
	}

	if s.stopping() {
		reason = session.ReasonShutdown
	}
	if _, owned := s.sessions.Evict(c.id, reason); owned {
		log.Info().Str("reason", reason).Msg("device session closed")
		s.deps.NotifyTeardown(ctx, *device, model.DeviceOffline)
	} else {
		_ = c.Close()
	}
}

func (s *Server) authenticate(ctx context.Context, scanner *bufio.Scanner) (*model.Device, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("connection closed before auth")
	}
	msg, err := protocol.DecodeMessage(scanner.Bytes())
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.MsgAuth {
		return nil, fmt.Errorf("expected auth line, got %q", msg.Type)
	}
	return s.deps.Auth.Authenticate(ctx, msg.DeviceKey, msg.Secret)
}

type lineConn struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *lineConn) ID() string { return c.id }

// Send writes msg followed by a newline.
func (c *lineConn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	buf := make([]byte, 0, len(msg)+1)
	buf = append(append(buf, msg...), '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) Close() error { return c.conn.Close() }
