package modbus

import (
	"fmt"

	"iot-gateway/internal/model"
)

// Registers returns a copy of count registers from the table selected by fc.
func (s *Slave) Registers(fc uint8, address uint16, count int) ([]uint16, error) {
	var table []uint16
	switch fc {
	case model.FuncReadHoldingRegisters:
		table = s.holding
	case model.FuncReadInputRegisters:
		table = s.input
	default:
		return nil, fmt.Errorf("function code 0x%02x has no register table", fc)
	}
	if count < 0 || int(address)+count > len(table) {
		return nil, fmt.Errorf("address %d out of range", address)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint16(nil), table[address:int(address)+count]...), nil
}

// Bits returns a copy of count coils (0x01) or discrete inputs (0x02).
func (s *Slave) Bits(fc uint8, address uint16, count int) ([]bool, error) {
	var table []bool
	switch fc {
	case model.FuncReadCoils:
		table = s.coils
	case model.FuncReadDiscreteInputs:
		table = s.discrete
	default:
		return nil, fmt.Errorf("function code 0x%02x has no bit table", fc)
	}
	if count < 0 || int(address)+count > len(table) {
		return nil, fmt.Errorf("address %d out of range", address)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bool(nil), table[address:int(address)+count]...), nil
}
