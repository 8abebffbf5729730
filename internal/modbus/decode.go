package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"iot-gateway/internal/model"
)

// Width returns the number of 16-bit registers a value of dataType occupies.
func Width(dataType string) int {
	switch strings.ToLower(dataType) {
	case "float32", "uint32", "int32":
		return 2
	default:
		return 1
	}
}

// DecodeRegisters decodes the value at the start of data (register bytes,
// big-endian words) according to ext, applying scale and offset.
func DecodeRegisters(data []byte, ext model.MappingExt) (float64, error) {
	scale := ext.Scale
	if scale == 0 {
		scale = 1
	}
	apply := func(v float64) float64 { return v*scale + ext.Offset }

	dt := strings.ToLower(ext.DataType)
	if need := Width(dt) * 2; len(data) < need {
		return 0, fmt.Errorf("insufficient data for %s: have %d bytes, need %d", dt, len(data), need)
	}
	switch dt {
	case "uint16", "":
		return apply(float64(binary.BigEndian.Uint16(data[:2]))), nil
	case "int16":
		return apply(float64(int16(binary.BigEndian.Uint16(data[:2])))), nil
	case "float32":
		u := binary.BigEndian.Uint32(reorder32(data[:4], ext.ByteOrder))
		return apply(float64(math.Float32frombits(u))), nil
	case "uint32":
		u := binary.BigEndian.Uint32(reorder32(data[:4], ext.ByteOrder))
		return apply(float64(u)), nil
	case "int32":
		u := binary.BigEndian.Uint32(reorder32(data[:4], ext.ByteOrder))
		return apply(float64(int32(u))), nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", dt)
	}
}

// Bit returns bit index of a coil/discrete response (LSB first within each byte).
func Bit(data []byte, index int) bool {
	if index < 0 || index/8 >= len(data) {
		return false
	}
	return data[index/8]&(1<<(uint(index)%8)) != 0
}

// reorder32 returns the 4 bytes rearranged into ABCD order.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within words), "CDAB" (word swap).
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}

// EncodeRegisters is the inverse of DecodeRegisters: it strips scale and
// offset from value and returns the register words in wire order.
func EncodeRegisters(value float64, ext model.MappingExt) ([]uint16, error) {
	scale := ext.Scale
	if scale == 0 {
		scale = 1
	}
	raw := (value - ext.Offset) / scale
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return nil, fmt.Errorf("invalid value %v", value)
	}
	dt := strings.ToLower(ext.DataType)
	inRange := func(lo, hi float64) (float64, error) {
		r := math.Round(raw)
		if r < lo || r > hi {
			return 0, fmt.Errorf("value %v out of range for %s", value, dt)
		}
		return r, nil
	}

	var b [4]byte
	switch dt {
	case "uint16", "":
		r, err := inRange(0, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return []uint16{uint16(r)}, nil
	case "int16":
		r, err := inRange(math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		return []uint16{uint16(int16(r))}, nil
	case "float32":
		f := float32(raw)
		if math.IsInf(float64(f), 0) {
			return nil, fmt.Errorf("value %v overflows float32", value)
		}
		binary.BigEndian.PutUint32(b[:], math.Float32bits(f))
	case "uint32":
		r, err := inRange(0, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(b[:], uint32(r))
	case "int32":
		r, err := inRange(math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(b[:], uint32(int32(r)))
	default:
		return nil, fmt.Errorf("unsupported data type: %s", dt)
	}
	// every supported order is its own inverse
	w := reorder32(b[:], ext.ByteOrder)
	return []uint16{binary.BigEndian.Uint16(w[:2]), binary.BigEndian.Uint16(w[2:])}, nil
}
