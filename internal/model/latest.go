package model

import "time"

// LatestProperty keeps the most recent value reported for each device property.
// Table: device_latest_properties, one row per (device_id, identifier).
type LatestProperty struct {
	DeviceID   int64     `gorm:"column:device_id;primaryKey"`
	Identifier string    `gorm:"column:identifier;primaryKey"`
	Value      string    `gorm:"column:value"`
	Source     string    `gorm:"column:source"`
	Timestamp  time.Time `gorm:"column:timestamp;index"`
}

func (LatestProperty) TableName() string { return "device_latest_properties" }
