package poller

import (
	"errors"
	"fmt"
	"sort"

	"iot-gateway/internal/modbus"
	"iot-gateway/internal/model"
)

// ReadRange is one contiguous read covering every enabled mapping of a
// function code.
type ReadRange struct {
	FunctionCode uint8
	Start        uint16
	Count        uint16
	Mappings     []model.PropertyMapping
}

// Per-request quantity limits of the Modbus application protocol.
const (
	maxReadBits      = 2000
	maxReadRegisters = 125
)

// ErrBadMapping marks property mappings that can never be polled. Retrying
// does not help; the mappings must be fixed.
var ErrBadMapping = errors.New("bad property mapping")

func isBitCode(fc uint8) bool {
	return fc == model.FuncReadCoils || fc == model.FuncReadDiscreteInputs
}

// GroupRanges groups enabled mappings by function code and computes the
// minimal [start, start+count) range per code. 32-bit register types extend
// the range by their second register. Ranges are ordered by function code.
// A range wider than one Modbus request allows fails with ErrBadMapping.
func GroupRanges(mappings []model.PropertyMapping) ([]ReadRange, error) {
	byCode := map[uint8][]model.PropertyMapping{}
	for _, m := range mappings {
		if !m.Enabled {
			continue
		}
		switch m.FunctionCode {
		case model.FuncReadCoils, model.FuncReadDiscreteInputs,
			model.FuncReadHoldingRegisters, model.FuncReadInputRegisters:
		default:
			return nil, fmt.Errorf("%w: %s: unsupported function code 0x%02x", ErrBadMapping, m.Identifier, m.FunctionCode)
		}
		if m.RegisterAddress < 0 || m.RegisterAddress > 0xFFFF {
			return nil, fmt.Errorf("%w: %s: register address %d out of range", ErrBadMapping, m.Identifier, m.RegisterAddress)
		}
		byCode[m.FunctionCode] = append(byCode[m.FunctionCode], m)
	}

	codes := make([]int, 0, len(byCode))
	for fc := range byCode {
		codes = append(codes, int(fc))
	}
	sort.Ints(codes)

	out := make([]ReadRange, 0, len(codes))
	for _, c := range codes {
		fc := uint8(c)
		group := byCode[fc]
		sort.SliceStable(group, func(i, j int) bool { return group[i].RegisterAddress < group[j].RegisterAddress })

		start := group[0].RegisterAddress
		end := start
		for _, m := range group {
			width := 1
			if !isBitCode(fc) {
				width = modbus.Width(m.Ext().DataType)
			}
			if e := m.RegisterAddress + width; e > end {
				end = e
			}
		}
		if end-1 > 0xFFFF {
			return nil, fmt.Errorf("%w: function 0x%02x: range end %d out of range", ErrBadMapping, fc, end-1)
		}
		limit := maxReadRegisters
		if isBitCode(fc) {
			limit = maxReadBits
		}
		if end-start > limit {
			return nil, fmt.Errorf("%w: function 0x%02x: addresses %d..%d span %d, above the per-read limit of %d",
				ErrBadMapping, fc, start, end-1, end-start, limit)
		}
		out = append(out, ReadRange{FunctionCode: fc, Start: uint16(start), Count: uint16(end - start), Mappings: group})
	}
	return out, nil
}
