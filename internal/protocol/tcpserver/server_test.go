package tcpserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/protocol/protocoltest"
)

var meter = model.Device{ID: 3, DeviceKey: "meter-3", Secret: "pw", Status: model.DeviceInactive}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *client) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	_, err := c.conn.Write(append(msg.Encode(), '\n'))
	require.NoError(t, err)
}

func (c *client) recv(t *testing.T) protocol.Message {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	msg, err := protocol.DecodeMessage(line)
	require.NoError(t, err)
	return msg
}

func setup(t *testing.T, cfg map[string]any) (*Server, *protocoltest.Env, func() *client) {
	t.Helper()
	env := protocoltest.NewEnv(Type, meter)
	srv := New(env.Deps)
	require.NoError(t, srv.Start(context.Background(), 0, cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	connect := func() *client {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return &client{conn: conn, r: bufio.NewReader(conn)}
	}
	return srv, env, connect
}

func TestAuthThenReport(t *testing.T) {
	_, env, connect := setup(t, nil)
	c := connect()
	c.send(t, protocol.Message{Type: protocol.MsgAuth, DeviceKey: "meter-3", Secret: "pw"})
	assert.Equal(t, protocol.MsgAuthAck, c.recv(t).Type)

	c.send(t, protocol.Message{Type: protocol.MsgProperty, Params: map[string]any{"kwh": 12.25}, Timestamp: 1700000000000})
	require.Eventually(t, func() bool { return len(env.Sink.Readings()) == 1 }, 2*time.Second, 10*time.Millisecond)
	r := env.Sink.Readings()[0]
	assert.Equal(t, 12.25, r.Properties["kwh"])
	assert.Equal(t, time.UnixMilli(1700000000000), r.Timestamp)

	c.send(t, protocol.Message{Type: protocol.MsgProperty})
	assert.Equal(t, protocol.MsgError, c.recv(t).Type)
}

func TestBadCredentialsCloseConnection(t *testing.T) {
	_, env, connect := setup(t, nil)
	c := connect()
	c.send(t, protocol.Message{Type: protocol.MsgAuth, DeviceKey: "meter-3", Secret: "nope"})
	assert.Equal(t, protocol.MsgError, c.recv(t).Type)
	_, err := c.r.ReadBytes('\n')
	assert.Error(t, err)
	assert.Equal(t, 0, env.Sessions.Len())
}

func TestCloseMarksOffline(t *testing.T) {
	_, env, connect := setup(t, nil)
	c := connect()
	c.send(t, protocol.Message{Type: protocol.MsgAuth, DeviceKey: "meter-3", Secret: "pw"})
	c.recv(t)
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return env.Notifier.Count("meter-3", model.DeviceOffline) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.Notifier.Count("meter-3", model.DeviceOnline))
	assert.Equal(t, 0, env.Sessions.Len())
}

func TestIdleTimeout(t *testing.T) {
	_, env, connect := setup(t, map[string]any{"idleTimeout": float64(100)})
	c := connect()
	c.send(t, protocol.Message{Type: protocol.MsgAuth, DeviceKey: "meter-3", Secret: "pw"})
	c.recv(t)
	require.Eventually(t, func() bool {
		return env.Notifier.Count("meter-3", model.DeviceOffline) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.Sessions.Len())
}

func TestStopMarksConnectedDevicesOffline(t *testing.T) {
	srv, env, connect := setup(t, nil)
	c := connect()
	c.send(t, protocol.Message{Type: protocol.MsgAuth, DeviceKey: "meter-3", Secret: "pw"})
	c.recv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	assert.Equal(t, 1, env.Notifier.Count("meter-3", model.DeviceOffline))
	assert.Equal(t, 0, env.Sessions.Len())
	for _, ch := range env.Notifier.Changes() {
		assert.NoError(t, ch.CtxErr, "%s notified on a cancelled context", ch.Status)
	}
}
