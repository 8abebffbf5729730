// Package modbusserver serves an in-memory Modbus TCP register image as a
// managed protocol. It is used for commissioning and loopback checks of the
// polling engine.
package modbusserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"iot-gateway/internal/modbus"
	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
)

const Type = "MODBUS_TCP"

func Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Type:        Type,
		Name:        "Modbus TCP slave",
		Description: "Register image served over Modbus TCP (function codes 0x01-0x04)",
		DefaultPort: 502,
		New:         func(deps protocol.Deps) protocol.Server { return New(deps) },
	}
}

type Server struct {
	log zerolog.Logger

	mu    sync.Mutex
	slave *modbus.Slave
	port  int
}

func New(deps protocol.Deps) *Server {
	return &Server{log: deps.Logger.With().Str("component", "modbus-slave").Logger()}
}

// Start listens on port. Options "holding", "input", "coils" and "discrete"
// are objects mapping a register address to its initial value.
func (s *Server) Start(_ context.Context, port int, cfg map[string]any) error {
	slave := modbus.NewSlave()
	if err := seed(slave, cfg); err != nil {
		return err
	}
	if err := slave.Listen(fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("listen :%d: %w", port, err)
	}
	s.mu.Lock()
	s.slave = slave
	s.port = slave.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()
	s.log.Info().Int("port", s.port).Msg("modbus slave listening")
	return nil
}

func (s *Server) Stop(context.Context) error {
	s.mu.Lock()
	slave := s.slave
	s.slave = nil
	s.mu.Unlock()
	if slave != nil {
		slave.Close()
	}
	return nil
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Slave returns the running register image, nil when stopped.
func (s *Server) Slave() *modbus.Slave {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slave
}

// AddressSchema describes the fields of a property mapping polled over Modbus TCP.
func (s *Server) AddressSchema() []protocol.AddressField {
	return []protocol.AddressField{
		{Name: "slaveId", Type: "int", Required: true, Description: "unit identifier 1-247"},
		{Name: "functionCode", Type: "int", Required: true, Description: "1 coils, 2 discrete inputs, 3 holding, 4 input registers"},
		{Name: "registerAddress", Type: "int", Required: true, Description: "zero-based register or bit address"},
		{Name: "dataType", Type: "string", Description: "bool, int16, uint16, int32, uint32, float32"},
		{Name: "byteOrder", Type: "string", Description: "ABCD, DCBA, BADC or CDAB for 32-bit types"},
		{Name: "scale", Type: "float", Description: "multiplier applied to the raw value"},
		{Name: "offset", Type: "float", Description: "added after scaling"},
	}
}

func seed(slave *modbus.Slave, cfg map[string]any) error {
	for key, fc := range map[string]uint8{"holding": model.FuncReadHoldingRegisters, "input": model.FuncReadInputRegisters} {
		values, _ := cfg[key].(map[string]any)
		for addr, v := range values {
			a, err := strconv.ParseUint(addr, 10, 16)
			if err != nil {
				return fmt.Errorf("%s register %q: %w", key, addr, err)
			}
			n, ok := v.(float64)
			if !ok || n < 0 || n > 65535 {
				return fmt.Errorf("%s register %s: value %v is not a uint16", key, addr, v)
			}
			if err := slave.SetRegisters(fc, uint16(a), uint16(n)); err != nil {
				return err
			}
		}
	}
	for key, set := range map[string]func(uint16, bool){"coils": slave.SetCoil, "discrete": slave.SetDiscreteInput} {
		values, _ := cfg[key].(map[string]any)
		for addr, v := range values {
			a, err := strconv.ParseUint(addr, 10, 16)
			if err != nil {
				return fmt.Errorf("%s %q: %w", key, addr, err)
			}
			b, _ := v.(bool)
			set(uint16(a), b)
		}
	}
	return nil
}
