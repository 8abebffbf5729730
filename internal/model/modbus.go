package model

import (
	"encoding/json"
	"strings"
)

const DriverModbusTCP = "MODBUS_TCP"

type DriverStatus string

const (
	DriverRunning DriverStatus = "RUNNING"
	DriverStopped DriverStatus = "STOPPED"
)

// Driver is a southbound protocol implementation devices can be bound to.
type Driver struct {
	ID         int64        `gorm:"column:id;primaryKey;autoIncrement"`
	Name       string       `gorm:"column:name"`
	DriverType string       `gorm:"column:driver_type;index"`
	Enabled    bool         `gorm:"column:enabled"`
	Status     DriverStatus `gorm:"column:status"`
}

func (Driver) TableName() string { return "drivers" }

// DeviceDriver binds a device to a driver with the connection parameters
// needed to reach it.
type DeviceDriver struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID  int64  `gorm:"column:device_id;index"`
	DriverID  int64  `gorm:"column:driver_id;index"`
	Host      string `gorm:"column:host"`
	Port      int    `gorm:"column:port"`
	SlaveID   int    `gorm:"column:slave_id;default:1"`
	TimeoutMs int    `gorm:"column:timeout_ms"`
}

func (DeviceDriver) TableName() string { return "device_drivers" }

// Modbus function codes.
const (
	FuncReadCoils            uint8 = 0x01
	FuncReadDiscreteInputs   uint8 = 0x02
	FuncReadHoldingRegisters uint8 = 0x03
	FuncReadInputRegisters   uint8 = 0x04
)

// PropertyMapping ties a device property to a register address.
type PropertyMapping struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID        int64  `gorm:"column:device_id;index"`
	Identifier      string `gorm:"column:identifier"`
	FunctionCode    uint8  `gorm:"column:function_code"`
	RegisterAddress int    `gorm:"column:register_address"`
	Enabled         bool   `gorm:"column:enabled"`
	ExtConfig       string `gorm:"column:ext_config"`
}

func (PropertyMapping) TableName() string { return "property_mappings" }

// MappingExt is the decoded ExtConfig of a mapping.
type MappingExt struct {
	DataType  string  `json:"dataType"`
	ByteOrder string  `json:"byteOrder"`
	Scale     float64 `json:"scale"`
	Offset    float64 `json:"offset"`
	Unit      string  `json:"unit"`
}

// Ext parses ExtConfig, filling defaults. Malformed JSON yields the defaults.
func (m PropertyMapping) Ext() MappingExt {
	ext := MappingExt{}
	if s := strings.TrimSpace(m.ExtConfig); s != "" {
		_ = json.Unmarshal([]byte(s), &ext)
	}
	ext.DataType = strings.ToLower(strings.TrimSpace(ext.DataType))
	if ext.DataType == "" {
		switch m.FunctionCode {
		case FuncReadCoils, FuncReadDiscreteInputs:
			ext.DataType = "bool"
		default:
			ext.DataType = "uint16"
		}
	}
	ext.ByteOrder = strings.ToUpper(strings.TrimSpace(ext.ByteOrder))
	if ext.ByteOrder == "" {
		ext.ByteOrder = "ABCD"
	}
	if ext.Scale == 0 {
		ext.Scale = 1
	}
	return ext
}
