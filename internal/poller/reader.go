package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"iot-gateway/internal/model"
)

// Reader performs one Modbus read against a bound device.
type Reader interface {
	Read(ctx context.Context, t Target, fc uint8, start, count uint16) ([]byte, error)
	// Drop discards any cached connection of the device.
	Drop(deviceID int64)
	Close() error
}

// TCPReader reads over Modbus TCP with goburrow/modbus, caching one
// connection per device. Requests to the same device are serialized.
type TCPReader struct {
	defaultTimeout time.Duration

	mu    sync.Mutex
	conns map[int64]*tcpConn
}

type tcpConn struct {
	mu      sync.Mutex
	address string
	handler *mb.TCPClientHandler
	client  mb.Client
}

func NewTCPReader(defaultTimeout time.Duration) *TCPReader {
	if defaultTimeout <= 0 {
		defaultTimeout = 3 * time.Second
	}
	return &TCPReader{defaultTimeout: defaultTimeout, conns: make(map[int64]*tcpConn)}
}

func (r *TCPReader) conn(t Target) *tcpConn {
	address := fmt.Sprintf("%s:%d", t.Binding.Host, t.Binding.Port)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[t.Device.ID]
	if ok && c.address == address {
		return c
	}
	if ok {
		// binding moved to another endpoint
		go c.close()
	}
	h := mb.NewTCPClientHandler(address)
	h.IdleTimeout = time.Minute
	c = &tcpConn{address: address, handler: h, client: mb.NewClient(h)}
	r.conns[t.Device.ID] = c
	return c
}

func (r *TCPReader) Read(ctx context.Context, t Target, fc uint8, start, count uint16) ([]byte, error) {
	c := r.conn(t)
	timeout := r.defaultTimeout
	if t.Binding.TimeoutMs > 0 {
		timeout = time.Duration(t.Binding.TimeoutMs) * time.Millisecond
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler.Timeout = timeout
	slave := t.Binding.SlaveID
	if slave <= 0 || slave > 247 {
		slave = 1
	}
	c.handler.SlaveId = byte(slave)

	switch fc {
	case model.FuncReadCoils:
		return c.client.ReadCoils(start, count)
	case model.FuncReadDiscreteInputs:
		return c.client.ReadDiscreteInputs(start, count)
	case model.FuncReadHoldingRegisters:
		return c.client.ReadHoldingRegisters(start, count)
	case model.FuncReadInputRegisters:
		return c.client.ReadInputRegisters(start, count)
	default:
		return nil, fmt.Errorf("unsupported function code 0x%02x", fc)
	}
}

func (r *TCPReader) Drop(deviceID int64) {
	r.mu.Lock()
	c, ok := r.conns[deviceID]
	delete(r.conns, deviceID)
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

// Close closes every cached connection.
func (r *TCPReader) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int64]*tcpConn)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (c *tcpConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.handler.Close()
}
