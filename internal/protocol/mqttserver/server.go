// Package mqttserver is a minimal MQTT 3.1.1 ingest listener. Devices connect
// with username = device key and password = secret, publish JSON to their
// topics and may subscribe to receive downlink messages at QoS 0.
package mqttserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/session"
)

const Type = "MQTT"

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
	defaultIdle    = 90 * time.Second
)

func Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Type:        Type,
		Name:        "MQTT",
		Description: "MQTT 3.1.1 device ingest (QoS 0/1 publish, downlink subscribe)",
		DefaultPort: 1883,
		New:         func(deps protocol.Deps) protocol.Server { return New(deps) },
	}
}

type Server struct {
	deps     protocol.Deps
	log      zerolog.Logger
	sessions *session.Table

	idle      time.Duration
	downTopic string

	listener net.Listener
	port     int
	quit     chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*mqttConn
}

func New(deps protocol.Deps) *Server {
	return &Server{
		deps:     deps,
		log:      deps.Logger.With().Str("component", "mqtt-server").Logger(),
		sessions: deps.SessionTable(Type),
		quit:     make(chan struct{}),
		conns:    make(map[string]*mqttConn),
	}
}

// Start listens on port. Options: idleTimeout (used when a client sends
// keep-alive 0), downTopic (default "devices/{deviceKey}/down").
func (s *Server) Start(_ context.Context, port int, cfg map[string]any) error {
	def := s.deps.IdleTimeout
	if def <= 0 {
		def = defaultIdle
	}
	s.idle = protocol.DurationOption(cfg, "idleTimeout", def)
	s.downTopic = protocol.StringOption(cfg, "downTopic", "devices/{deviceKey}/down")

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen :%d: %w", port, err)
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info().Int("port", s.port).Msg("mqtt server listening")
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
		c := &mqttConn{id: uuid.NewString(), conn: conn}
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

func (s *Server) handleConnection(c *mqttConn) {
	ctx := context.Background()
	r := bufio.NewReader(c.conn)

	_ = c.conn.SetReadDeadline(time.Now().Add(connectTimeout))
	device, keepAlive, err := s.connect(ctx, c, r)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("mqtt connect rejected")
		_ = c.Close()
		return
	}
	c.topic = strings.ReplaceAll(s.downTopic, "{deviceKey}", device.DeviceKey)

	_, prev := s.sessions.Bind(device.DeviceKey, device.ID, c)
	log := s.log.With().Str("device_key", device.DeviceKey).Str("conn", c.id).Logger()
	if prev == nil {
		s.deps.Notify(ctx, *device, model.DeviceOnline)
	}

	// MQTT 3.1.1 tolerates one and a half keep-alive periods of silence
	idle := s.idle
	if keepAlive > 0 {
		idle = time.Duration(keepAlive) * 1500 * time.Millisecond
	}

	reason := session.ReasonClosed
loop:
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		p, err := readPacket(r)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason = session.ReasonIdle
			}
			break
		}
		s.sessions.Touch(c.id)

		switch p.kind {
		case typePublish:
			if err := s.handlePublish(ctx, c, *device, p, log); err != nil {
				log.Debug().Err(err).Msg("publish rejected")
				break loop
			}
		case typeSubscribe:
			id, n, err := parseSubscribe(p.body, true)
			if err != nil {
				break loop
			}
			_ = c.write(suback(id, n))
		case typeUnsubscribe:
			id, _, err := parseSubscribe(p.body, false)
			if err != nil {
				break loop
			}
			_ = c.write(ack(typeUnsuback, id))
		case typePingreq:
			_ = c.write(encode(typePingresp, 0, nil))
		case typeDisconnect:
			break loop
		default:
			log.Debug().Uint8("packet_type", p.kind).Msg("unexpected packet, closing")
			break loop
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

// connect reads CONNECT, authenticates and answers with CONNACK.
func (s *Server) connect(ctx context.Context, c *mqttConn, r *bufio.Reader) (*model.Device, uint16, error) {
	p, err := readPacket(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read connect: %w", err)
	}
	if p.kind != typeConnect {
		return nil, 0, fmt.Errorf("first packet type %d is not CONNECT", p.kind)
	}
	cp, err := parseConnect(p.body)
	if err != nil {
		_ = c.write(connack(connBadProtocol))
		return nil, 0, err
	}
	if cp.protocolLevel != 3 && cp.protocolLevel != 4 {
		_ = c.write(connack(connBadProtocol))
		return nil, 0, fmt.Errorf("unsupported protocol level %d", cp.protocolLevel)
	}
	device, err := s.deps.Auth.Authenticate(ctx, cp.username, cp.password)
	if err != nil {
		_ = c.write(connack(connBadCredentials))
		return nil, 0, err
	}
	if err := c.write(connack(connAccepted)); err != nil {
		return nil, 0, err
	}
	return device, cp.keepAlive, nil
}

func (s *Server) handlePublish(ctx context.Context, c *mqttConn, device model.Device, p packet, log zerolog.Logger) error {
	pub, err := parsePublish(p.flags, p.body)
	if err != nil {
		return err
	}
	if pub.qos > 1 {
		return fmt.Errorf("qos %d not supported", pub.qos)
	}
	msg, err := decodePayload(pub.topic, pub.payload)
	if err == nil {
		err = protocol.Dispatch(ctx, s.deps.Sink, device, Type, msg)
	}
	if err != nil {
		// a bad payload is dropped; the session stays up
		log.Debug().Err(err).Str("topic", pub.topic).Msg("bad publish payload")
	}
	if pub.qos == 1 {
		return c.write(ack(typePuback, pub.packetID))
	}
	return nil
}

// decodePayload accepts a full Message or a bare JSON object of properties.
// Without an explicit type, topics ending in /event or /events carry events.
func decodePayload(topic string, payload []byte) (protocol.Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return protocol.Message{}, fmt.Errorf("decode payload: %w", err)
	}
	_, hasType := raw["type"]
	_, hasParams := raw["params"]
	if hasType || hasParams {
		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			return msg, err
		}
		if msg.Type == "" {
			msg.Type = typeFromTopic(topic)
		}
		return msg, nil
	}
	params := map[string]any{}
	if err := json.Unmarshal(payload, &params); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{Type: typeFromTopic(topic), Params: params}, nil
}

func typeFromTopic(topic string) string {
	if strings.HasSuffix(topic, "/event") || strings.HasSuffix(topic, "/events") {
		return protocol.MsgEvent
	}
	return protocol.MsgProperty
}

type mqttConn struct {
	id      string
	conn    net.Conn
	topic   string
	writeMu sync.Mutex
}

func (c *mqttConn) ID() string { return c.id }

// Send publishes msg to the device downlink topic at QoS 0.
func (c *mqttConn) Send(msg []byte) error {
	return c.write(publishQoS0(c.topic, msg))
}

func (c *mqttConn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(b)
	return err
}

func (c *mqttConn) Close() error { return c.conn.Close() }
