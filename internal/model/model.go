package model

import "time"

// DeviceStatus is the connectivity state of a device.
type DeviceStatus string

const (
	DeviceOnline   DeviceStatus = "ONLINE"
	DeviceOffline  DeviceStatus = "OFFLINE"
	DeviceInactive DeviceStatus = "INACTIVE"
	DeviceDisabled DeviceStatus = "DISABLED"
)

// Device is a field device known to the platform.
type Device struct {
	ID         int64        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeviceKey  string       `gorm:"column:device_key;uniqueIndex" json:"deviceKey"`
	DeviceName string       `gorm:"column:device_name" json:"deviceName"`
	ProductID  int64        `gorm:"column:product_id;index" json:"productId"`
	Secret     string       `gorm:"column:secret" json:"-"`
	Status     DeviceStatus `gorm:"column:status;index" json:"status"`
	UpdatedAt  time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Device) TableName() string { return "devices" }

// ProtocolStatus toggles whether a protocol config may be started.
type ProtocolStatus string

const (
	ProtocolEnable  ProtocolStatus = "ENABLE"
	ProtocolDisable ProtocolStatus = "DISABLE"
)

// ProtocolConfig describes one listener the gateway can run.
// Config holds protocol specific options as a JSON object.
type ProtocolConfig struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name         string         `gorm:"column:name" json:"name"`
	ProtocolType string         `gorm:"column:protocol_type;index" json:"protocolType"`
	Port         int            `gorm:"column:port" json:"port"`
	Config       string         `gorm:"column:config" json:"config"`
	Status       ProtocolStatus `gorm:"column:status;index" json:"status"`
}

func (ProtocolConfig) TableName() string { return "protocol_configs" }
