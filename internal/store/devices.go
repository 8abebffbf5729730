package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"iot-gateway/internal/model"
)

// ListRunningModbusDrivers returns enabled MODBUS_TCP drivers in RUNNING state.
func (s *Store) ListRunningModbusDrivers(ctx context.Context) ([]model.Driver, error) {
	var out []model.Driver
	err := s.orm.WithContext(ctx).
		Where("driver_type = ? AND enabled = ? AND status = ?", model.DriverModbusTCP, true, model.DriverRunning).
		Order("id").
		Find(&out).Error
	return out, err
}

// ListBindingsFor returns device bindings of the given drivers, oldest first.
func (s *Store) ListBindingsFor(ctx context.Context, driverIDs []int64) ([]model.DeviceDriver, error) {
	if len(driverIDs) == 0 {
		return nil, nil
	}
	var out []model.DeviceDriver
	err := s.orm.WithContext(ctx).
		Where("driver_id IN ?", driverIDs).
		Order("id").
		Find(&out).Error
	return out, err
}

// ListDevices returns devices among ids whose status is one of statuses.
func (s *Store) ListDevices(ctx context.Context, ids []int64, statuses []model.DeviceStatus) ([]model.Device, error) {
	if len(ids) == 0 || len(statuses) == 0 {
		return nil, nil
	}
	var out []model.Device
	err := s.orm.WithContext(ctx).
		Where("id IN ? AND status IN ?", ids, statuses).
		Order("id").
		Find(&out).Error
	return out, err
}

// GetPropertyAddressMappings returns every mapping of a device, enabled or not.
func (s *Store) GetPropertyAddressMappings(ctx context.Context, deviceID int64) ([]model.PropertyMapping, error) {
	var out []model.PropertyMapping
	err := s.orm.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("function_code, register_address").
		Find(&out).Error
	return out, err
}

func (s *Store) SetDeviceStatus(ctx context.Context, deviceID int64, status model.DeviceStatus) error {
	res := s.orm.WithContext(ctx).
		Model(&model.Device{}).
		Where("id = ?", deviceID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id int64) (*model.Device, error) {
	var d model.Device
	if err := s.orm.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err, "device", id)
	}
	return &d, nil
}

func (s *Store) GetDeviceByKey(ctx context.Context, deviceKey string) (*model.Device, error) {
	var d model.Device
	if err := s.orm.WithContext(ctx).Where("device_key = ?", deviceKey).First(&d).Error; err != nil {
		return nil, notFound(err, "device", deviceKey)
	}
	return &d, nil
}

// UpsertLatestProperties records the last reported value of each property.
func (s *Store) UpsertLatestProperties(ctx context.Context, deviceID int64, values map[string]any, source string, ts time.Time) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]model.LatestProperty, 0, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		rows = append(rows, model.LatestProperty{
			DeviceID:   deviceID,
			Identifier: k,
			Value:      string(b),
			Source:     source,
			Timestamp:  ts,
		})
	}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

func (s *Store) ListLatestProperties(ctx context.Context, deviceID int64) ([]model.LatestProperty, error) {
	var out []model.LatestProperty
	err := s.orm.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("identifier").
		Find(&out).Error
	return out, err
}

func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	return s.orm.WithContext(ctx).Create(d).Error
}

func (s *Store) CreateDriver(ctx context.Context, d *model.Driver) error {
	return s.orm.WithContext(ctx).Create(d).Error
}

func (s *Store) CreateBinding(ctx context.Context, b *model.DeviceDriver) error {
	return s.orm.WithContext(ctx).Create(b).Error
}

func (s *Store) CreateMapping(ctx context.Context, m *model.PropertyMapping) error {
	return s.orm.WithContext(ctx).Create(m).Error
}

// CountDevices returns the number of registered devices.
func (s *Store) CountDevices(ctx context.Context) (int64, error) {
	var n int64
	err := s.orm.WithContext(ctx).Model(&model.Device{}).Count(&n).Error
	return n, err
}
