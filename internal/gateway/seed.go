package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"iot-gateway/internal/model"
	"iot-gateway/internal/store"
)

// Seed is the first-boot inventory loaded into an empty database.
type Seed struct {
	Drivers     []SeedDriver     `yaml:"drivers"`
	Devices     []SeedDevice     `yaml:"devices"`
	Protocols   []SeedProtocol   `yaml:"protocols"`
	PushConfigs []SeedPushConfig `yaml:"push_configs"`
}

type SeedDriver struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Running bool   `yaml:"running"`
}

type SeedDevice struct {
	Key       string        `yaml:"key"`
	Name      string        `yaml:"name"`
	ProductID int64         `yaml:"product_id"`
	Secret    string        `yaml:"secret"`
	Status    string        `yaml:"status"`
	Modbus    *SeedBinding  `yaml:"modbus"`
	Mappings  []SeedMapping `yaml:"mappings"`
}

type SeedBinding struct {
	Driver    string `yaml:"driver"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	SlaveID   int    `yaml:"slave_id"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type SeedMapping struct {
	Identifier   string  `yaml:"identifier"`
	FunctionCode uint8   `yaml:"function_code"`
	Address      int     `yaml:"address"`
	DataType     string  `yaml:"data_type"`
	ByteOrder    string  `yaml:"byte_order"`
	Scale        float64 `yaml:"scale"`
	Offset       float64 `yaml:"offset"`
	Disabled     bool    `yaml:"disabled"`
}

// PropertyMapping converts m into the stored form.
func (m SeedMapping) PropertyMapping(deviceID int64) model.PropertyMapping {
	ext, _ := json.Marshal(model.MappingExt{DataType: m.DataType, ByteOrder: m.ByteOrder, Scale: m.Scale, Offset: m.Offset})
	return model.PropertyMapping{
		DeviceID:        deviceID,
		Identifier:      m.Identifier,
		FunctionCode:    m.FunctionCode,
		RegisterAddress: m.Address,
		Enabled:         !m.Disabled,
		ExtConfig:       string(ext),
	}
}

// Device returns the seed device with key, or false.
func (s Seed) Device(key string) (SeedDevice, bool) {
	for _, d := range s.Devices {
		if d.Key == key {
			return d, true
		}
	}
	return SeedDevice{}, false
}

type SeedProtocol struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Port     int            `yaml:"port"`
	Config   map[string]any `yaml:"config"`
	Disabled bool           `yaml:"disabled"`
}

type SeedPushConfig struct {
	Name          string   `yaml:"name"`
	Type          string   `yaml:"type"`
	TargetURL     string   `yaml:"target_url"`
	Topic         string   `yaml:"topic"`
	ClientID      string   `yaml:"client_id"`
	QoS           int      `yaml:"qos"`
	AuthType      string   `yaml:"auth_type"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Token         string   `yaml:"token"`
	APIKeyHeader  string   `yaml:"api_key_header"`
	Secret        string   `yaml:"secret"`
	Trigger       string   `yaml:"trigger"`
	DataFilter    string   `yaml:"data_filter"`
	DataTransform string   `yaml:"data_transform"`
	RetryTimes    int      `yaml:"retry_times"`
	TimeoutMs     int      `yaml:"timeout_ms"`
	Disabled      bool     `yaml:"disabled"`
	Devices       []string `yaml:"devices"`
}

// LoadSeed reads a seed document from path.
func LoadSeed(path string) (Seed, error) {
	var s Seed
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read seed %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s, nil
}

// ApplySeed writes s into st when st has no devices yet. It reports whether
// anything was written.
func ApplySeed(ctx context.Context, st *store.Store, s Seed) (bool, error) {
	n, err := st.CountDevices(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	drivers := make(map[string]int64, len(s.Drivers))
	for _, d := range s.Drivers {
		drv := &model.Driver{Name: d.Name, DriverType: strings.ToUpper(d.Type), Enabled: true, Status: model.DriverStopped}
		if drv.DriverType == "" {
			drv.DriverType = model.DriverModbusTCP
		}
		if d.Running {
			drv.Status = model.DriverRunning
		}
		if err := st.CreateDriver(ctx, drv); err != nil {
			return false, fmt.Errorf("seed driver %s: %w", d.Name, err)
		}
		drivers[d.Name] = drv.ID
	}

	devices := make(map[string]int64, len(s.Devices))
	for _, d := range s.Devices {
		dev := &model.Device{
			DeviceKey:  d.Key,
			DeviceName: d.Name,
			ProductID:  d.ProductID,
			Secret:     d.Secret,
			Status:     model.DeviceStatus(strings.ToUpper(d.Status)),
		}
		if dev.Status == "" {
			dev.Status = model.DeviceInactive
		}
		if err := st.CreateDevice(ctx, dev); err != nil {
			return false, fmt.Errorf("seed device %s: %w", d.Key, err)
		}
		devices[d.Key] = dev.ID

		if b := d.Modbus; b != nil {
			driverID, ok := drivers[b.Driver]
			if !ok {
				return false, fmt.Errorf("seed device %s: unknown driver %q", d.Key, b.Driver)
			}
			err := st.CreateBinding(ctx, &model.DeviceDriver{
				DeviceID: dev.ID, DriverID: driverID,
				Host: b.Host, Port: b.Port, SlaveID: b.SlaveID, TimeoutMs: b.TimeoutMs,
			})
			if err != nil {
				return false, fmt.Errorf("seed binding %s: %w", d.Key, err)
			}
		}
		for _, m := range d.Mappings {
			pm := m.PropertyMapping(dev.ID)
			if err := st.CreateMapping(ctx, &pm); err != nil {
				return false, fmt.Errorf("seed mapping %s.%s: %w", d.Key, m.Identifier, err)
			}
		}
	}

	for _, p := range s.Protocols {
		raw := ""
		if len(p.Config) > 0 {
			b, err := json.Marshal(p.Config)
			if err != nil {
				return false, fmt.Errorf("seed protocol %s: %w", p.Name, err)
			}
			raw = string(b)
		}
		pc := &model.ProtocolConfig{Name: p.Name, ProtocolType: strings.ToUpper(p.Type), Port: p.Port, Config: raw, Status: model.ProtocolEnable}
		if p.Disabled {
			pc.Status = model.ProtocolDisable
		}
		if err := st.CreateProtocolConfig(ctx, pc); err != nil {
			return false, fmt.Errorf("seed protocol %s: %w", p.Name, err)
		}
	}

	for _, pc := range s.PushConfigs {
		cfg := model.PushConfig{
			Name:          pc.Name,
			PushType:      strings.ToUpper(pc.Type),
			TargetURL:     pc.TargetURL,
			Topic:         pc.Topic,
			ClientID:      pc.ClientID,
			QoS:           pc.QoS,
			AuthType:      strings.ToUpper(pc.AuthType),
			Username:      pc.Username,
			Password:      pc.Password,
			Token:         pc.Token,
			APIKeyHeader:  pc.APIKeyHeader,
			Secret:        pc.Secret,
			PushTrigger:   pc.Trigger,
			DataFilter:    pc.DataFilter,
			DataTransform: pc.DataTransform,
			RetryTimes:    pc.RetryTimes,
			TimeoutMs:     pc.TimeoutMs,
			Enabled:       !pc.Disabled,
		}
		ids := make([]int64, 0, len(pc.Devices))
		for _, key := range pc.Devices {
			id, ok := devices[key]
			if !ok {
				return false, fmt.Errorf("seed push config %s: unknown device %q", cfg.Name, key)
			}
			ids = append(ids, id)
		}
		if err := st.CreatePushConfig(ctx, &cfg, ids...); err != nil {
			return false, fmt.Errorf("seed push config %s: %w", cfg.Name, err)
		}
	}
	return true, nil
}
