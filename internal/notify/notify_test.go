package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/config"
	"iot-gateway/internal/model"
)

// respServer speaks enough RESP2 for PING, PUBLISH, HSET and HGET.
type respServer struct {
	ln        net.Listener
	mu        sync.Mutex
	published map[string][]string
	hashes    map[string]map[string]string
}

func startRESP(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &respServer{ln: ln, published: map[string][]string{}, hashes: map[string]map[string]string{}}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(c)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *respServer) addr() string { return s.ln.Addr().String() }

func (s *respServer) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := io.WriteString(c, s.handle(args)); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, n)
	for i := range args {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(hdr[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}

func (s *respServer) handle(args []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "PUBLISH":
		s.published[args[1]] = append(s.published[args[1]], args[2])
		return ":1\r\n"
	case "HSET":
		h := s.hashes[args[1]]
		if h == nil {
			h = map[string]string{}
			s.hashes[args[1]] = h
		}
		for i := 2; i+1 < len(args); i += 2 {
			h[args[i]] = args[i+1]
		}
		return ":1\r\n"
	case "HGET":
		v, ok := s.hashes[args[1]][args[2]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	}
	return "-ERR unknown command '" + args[0] + "'\r\n"
}

func (s *respServer) messages(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.published[channel]...)
}

var redisCfg = config.RedisConfig{StatusChannel: "gw:status", StatusHash: "gw:last"}

func TestRedisPublishesAndRecordsLastStatus(t *testing.T) {
	srv := startRESP(t)
	cfg := redisCfg
	cfg.Addr = srv.addr()
	ctx := context.Background()

	client, err := OpenRedis(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	r := NewRedis(client, cfg, zerolog.Nop())
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }
	dev := model.Device{ID: 3, DeviceKey: "boiler", DeviceName: "Boiler", ProductID: 9, Status: model.DeviceOnline}

	r.NotifyDeviceStatusChange(ctx, dev, model.DeviceOffline)

	msgs := srv.messages("gw:status")
	require.Len(t, msgs, 1)
	var ev StatusEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &ev))
	assert.Equal(t, StatusEvent{
		DeviceID: 3, DeviceKey: "boiler", DeviceName: "Boiler", ProductID: 9,
		Status: model.DeviceOffline, Previous: model.DeviceOnline, Timestamp: 1700000000000,
	}, ev)

	last, ok, err := r.LastStatus(ctx, "boiler")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.DeviceOffline, last.Status)

	_, ok, err = r.LastStatus(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisFailureDoesNotReachCaller(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = OpenRedis(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
	_, err = OpenRedis(context.Background(), config.RedisConfig{})
	assert.Error(t, err)

	srv := startRESP(t)
	cfg := redisCfg
	cfg.Addr = srv.addr()
	client, err := OpenRedis(context.Background(), cfg)
	require.NoError(t, err)
	r := NewRedis(client, cfg, zerolog.Nop())
	require.NoError(t, client.Close())

	start := time.Now()
	r.NotifyDeviceStatusChange(context.Background(), model.Device{DeviceKey: "x"}, model.DeviceOnline)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestMultiIsolatesPanics(t *testing.T) {
	var got []string
	record := func(name string) Notifier {
		return Func(func(_ context.Context, d model.Device, s model.DeviceStatus) {
			got = append(got, name+":"+d.DeviceKey+":"+string(s))
		})
	}
	m := Multi{Log: zerolog.Nop(), Notifiers: []Notifier{
		record("a"),
		Func(func(context.Context, model.Device, model.DeviceStatus) { panic("boom") }),
		nil,
		record("b"),
	}}
	m.NotifyDeviceStatusChange(context.Background(), model.Device{DeviceKey: "k"}, model.DeviceOnline)
	assert.Equal(t, []string{"a:k:ONLINE", "b:k:ONLINE"}, got)
}

type statusStore struct {
	err error
	set map[int64]model.DeviceStatus
}

func (s *statusStore) SetDeviceStatus(_ context.Context, id int64, st model.DeviceStatus) error {
	if s.err != nil {
		return s.err
	}
	s.set[id] = st
	return nil
}

func TestPersistingStoresThenForwards(t *testing.T) {
	st := &statusStore{set: map[int64]model.DeviceStatus{}}
	var forwarded []model.DeviceStatus
	p := Persisting{Store: st, Log: zerolog.Nop(), Next: Func(func(_ context.Context, _ model.Device, s model.DeviceStatus) {
		forwarded = append(forwarded, s)
	})}
	p.NotifyDeviceStatusChange(context.Background(), model.Device{ID: 8}, model.DeviceOnline)
	assert.Equal(t, model.DeviceOnline, st.set[8])

	st.err = errors.New("db locked")
	p.NotifyDeviceStatusChange(context.Background(), model.Device{ID: 8}, model.DeviceOffline)
	assert.Equal(t, model.DeviceOnline, st.set[8])
	assert.Equal(t, []model.DeviceStatus{model.DeviceOnline, model.DeviceOffline}, forwarded)
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	l := Log{Log: zerolog.New(&buf)}
	l.NotifyDeviceStatusChange(context.Background(), model.Device{ID: 1, DeviceKey: "k", Status: model.DeviceOnline}, model.DeviceOffline)
	assert.Contains(t, buf.String(), `"to":"OFFLINE"`)
	assert.Contains(t, buf.String(), `"from":"ONLINE"`)
}
