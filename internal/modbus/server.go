package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"iot-gateway/internal/model"
)

const (
	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Slave is a minimal Modbus TCP slave serving the four read function codes
// from an in-memory register table.
type Slave struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	requests [5]atomic.Int64

	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
}

// NewSlave constructs a slave with the full 16-bit address space.
func NewSlave() *Slave {
	return &Slave{
		holding:  make([]uint16, 65536),
		input:    make([]uint16, 65536),
		coils:    make([]bool, 65536),
		discrete: make([]bool, 65536),
		conns:    make(map[net.Conn]struct{}),
		quit:     make(chan struct{}),
	}
}

// Listen starts accepting connections on address.
func (s *Slave) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, nil before Listen.
func (s *Slave) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Requests returns how many requests with function code fc were served.
func (s *Slave) Requests(fc uint8) int64 {
	if int(fc) >= len(s.requests) {
		return 0
	}
	return s.requests[fc].Load()
}

func (s *Slave) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Slave) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)

		// transaction and unit id are echoed back as received
		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		frame := append(append(make([]byte, 0, len(header)+len(response)), header...), response...)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (s *Slave) handlePDU(pdu []byte) []byte {
	function := pdu[0]
	var (
		data []byte
		err  error
	)
	switch function {
	case model.FuncReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case model.FuncReadDiscreteInputs:
		data, err = s.readBits(s.discrete, pdu)
	case model.FuncReadHoldingRegisters:
		data, err = s.readRegisters(s.holding, pdu)
	case model.FuncReadInputRegisters:
		data, err = s.readRegisters(s.input, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	s.requests[function].Add(1)
	return append([]byte{function, byte(len(data))}, data...)
}

func (s *Slave) readBits(source []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 2000, len(source))
	if err != nil {
		return nil, err
	}
	result := make([]byte, (quantity+7)/8)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < quantity; i++ {
		if source[start+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Slave) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 125, len(source))
	if err != nil {
		return nil, err
	}
	result := make([]byte, quantity*2)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < quantity; i++ {
		binary.BigEndian.PutUint16(result[i*2:], source[start+i])
	}
	return result, nil
}

func parseRange(pdu []byte, maxQty, size int) (int, int, error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start := int(binary.BigEndian.Uint16(pdu[1:3]))
	quantity := int(binary.BigEndian.Uint16(pdu[3:5]))
	if quantity == 0 || quantity > maxQty {
		return 0, 0, errInvalidQty
	}
	if start+quantity > size {
		return 0, 0, errOutOfRange
	}
	return start, quantity, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops accepting, drops open connections and waits for handlers to exit.
func (s *Slave) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

func (s *Slave) SetHoldingRegister(address uint16, value uint16) {
	s.mu.Lock()
	s.holding[address] = value
	s.mu.Unlock()
}

func (s *Slave) SetInputRegister(address uint16, value uint16) {
	s.mu.Lock()
	s.input[address] = value
	s.mu.Unlock()
}

func (s *Slave) SetCoil(address uint16, value bool) {
	s.mu.Lock()
	s.coils[address] = value
	s.mu.Unlock()
}

func (s *Slave) SetDiscreteInput(address uint16, value bool) {
	s.mu.Lock()
	s.discrete[address] = value
	s.mu.Unlock()
}

// SetRegisters writes consecutive register values starting at address into the
// table selected by fc (0x03 holding or 0x04 input).
func (s *Slave) SetRegisters(fc uint8, address uint16, values ...uint16) error {
	var table []uint16
	switch fc {
	case model.FuncReadHoldingRegisters:
		table = s.holding
	case model.FuncReadInputRegisters:
		table = s.input
	default:
		return fmt.Errorf("function code 0x%02x has no register table", fc)
	}
	if int(address)+len(values) > len(table) {
		return fmt.Errorf("address %d out of range", int(address)+len(values)-1)
	}
	s.mu.Lock()
	copy(table[address:], values)
	s.mu.Unlock()
	return nil
}
