package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"iot-gateway/internal/metrics"
)

// ErrNoSession is returned when a device has no live connection.
var ErrNoSession = errors.New("no live session for device")

// Eviction reasons.
const (
	ReasonReplaced = "replaced"
	ReasonIdle     = "idle"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
)

// Conn is a live device connection owned by a protocol server.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Session is one authenticated device connection.
type Session struct {
	DeviceKey   string
	DeviceID    int64
	Conn        Conn
	ConnectedAt time.Time

	lastActive atomic.Int64
}

// LastActive returns the time of the last inbound traffic.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch(t time.Time) { s.lastActive.Store(t.UnixNano()) }

// Table is a two-way deviceKey <-> connection index. At most one session per
// device key exists at any time; binding a new connection closes the old one.
type Table struct {
	protocol string
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	byKey  map[string]*Session
	byConn map[string]*Session
}

// NewTable creates an empty table. m may be nil.
func NewTable(protocol string, m *metrics.Metrics) *Table {
	return &Table{
		protocol: protocol,
		metrics:  m,
		byKey:    make(map[string]*Session),
		byConn:   make(map[string]*Session),
	}
}

// Bind installs conn as the session of deviceKey. A previous session of the
// same device is removed and its connection closed; it is returned.
func (t *Table) Bind(deviceKey string, deviceID int64, conn Conn) (*Session, *Session) {
	now := time.Now()
	s := &Session{DeviceKey: deviceKey, DeviceID: deviceID, Conn: conn, ConnectedAt: now}
	s.touch(now)

	t.mu.Lock()
	prev := t.byKey[deviceKey]
	if prev != nil {
		delete(t.byConn, prev.Conn.ID())
	}
	// the same connection re-authenticating under a new key drops its old key
	if old, ok := t.byConn[conn.ID()]; ok && old.DeviceKey != deviceKey {
		delete(t.byKey, old.DeviceKey)
	}
	t.byKey[deviceKey] = s
	t.byConn[conn.ID()] = s
	n := len(t.byKey)
	t.mu.Unlock()

	if prev != nil && prev.Conn.ID() != conn.ID() {
		_ = prev.Conn.Close()
		t.evicted(ReasonReplaced)
	} else {
		prev = nil
	}
	t.gauge(n)
	return s, prev
}

// Unbind removes the session owned by connID. It reports false when the
// connection had already been replaced or removed.
func (t *Table) Unbind(connID string) (*Session, bool) {
	t.mu.Lock()
	s, ok := t.byConn[connID]
	if ok {
		delete(t.byConn, connID)
		if cur := t.byKey[s.DeviceKey]; cur == s {
			delete(t.byKey, s.DeviceKey)
		}
	}
	n := len(t.byKey)
	t.mu.Unlock()
	if ok {
		t.gauge(n)
	}
	return s, ok
}

// Evict closes and removes the session of connID, recording reason.
func (t *Table) Evict(connID, reason string) (*Session, bool) {
	s, ok := t.Unbind(connID)
	if ok {
		_ = s.Conn.Close()
		t.evicted(reason)
	}
	return s, ok
}

func (t *Table) Lookup(deviceKey string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byKey[deviceKey]
	return s, ok
}

func (t *Table) ByConn(connID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byConn[connID]
	return s, ok
}

// KeyOf returns the device key bound to connID.
func (t *Table) KeyOf(connID string) (string, bool) {
	s, ok := t.ByConn(connID)
	if !ok {
		return "", false
	}
	return s.DeviceKey, true
}

// Touch marks inbound activity on connID.
func (t *Table) Touch(connID string) {
	if s, ok := t.ByConn(connID); ok {
		s.touch(time.Now())
	}
}

// Send writes msg to the live connection of deviceKey.
func (t *Table) Send(deviceKey string, msg []byte) error {
	s, ok := t.Lookup(deviceKey)
	if !ok {
		return ErrNoSession
	}
	return s.Conn.Send(msg)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}

// Idle returns sessions with no inbound traffic for at least d.
func (t *Table) Idle(d time.Duration) []*Session {
	cutoff := time.Now().Add(-d)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Session
	for _, s := range t.byKey {
		if s.LastActive().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes every connection and empties the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.byKey))
	for _, s := range t.byKey {
		all = append(all, s)
	}
	t.byKey = make(map[string]*Session)
	t.byConn = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range all {
		_ = s.Conn.Close()
		t.evicted(ReasonShutdown)
	}
	t.gauge(0)
}

func (t *Table) gauge(n int) {
	if t.metrics != nil {
		t.metrics.Sessions.WithLabelValues(t.protocol).Set(float64(n))
	}
}

func (t *Table) evicted(reason string) {
	if t.metrics != nil {
		t.metrics.SessionEvictions.WithLabelValues(reason).Inc()
	}
}
