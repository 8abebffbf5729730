package modbus

import (
	"errors"
	"fmt"

	"iot-gateway/internal/model"
)

// Apply writes engineering values into the slave tables using the property
// mappings of a device. Values without an enabled mapping are ignored; bits
// are set when the value is positive.
func (s *Slave) Apply(mappings []model.PropertyMapping, values map[string]float64) error {
	var errs []error
	for _, m := range mappings {
		v, ok := values[m.Identifier]
		if !ok || !m.Enabled {
			continue
		}
		if m.RegisterAddress < 0 || m.RegisterAddress > 0xFFFF {
			errs = append(errs, fmt.Errorf("%s: address %d out of range", m.Identifier, m.RegisterAddress))
			continue
		}
		addr := uint16(m.RegisterAddress)
		switch m.FunctionCode {
		case model.FuncReadCoils:
			s.SetCoil(addr, v > 0)
		case model.FuncReadDiscreteInputs:
			s.SetDiscreteInput(addr, v > 0)
		case model.FuncReadHoldingRegisters, model.FuncReadInputRegisters:
			words, err := EncodeRegisters(v, m.Ext())
			if err == nil {
				err = s.SetRegisters(m.FunctionCode, addr, words...)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", m.Identifier, err))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unsupported function code 0x%02x", m.Identifier, m.FunctionCode))
		}
	}
	return errors.Join(errs...)
}
