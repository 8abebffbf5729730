package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"iot-gateway/internal/model"
)

// ErrAuthFailed is returned when a device key/secret pair is rejected.
var ErrAuthFailed = errors.New("device authentication failed")

// Reading is a set of property values reported by one device.
type Reading struct {
	Device     model.Device
	Properties map[string]any
	Source     string
	Timestamp  time.Time
}

// Event is a device event such as an alarm.
type Event struct {
	Device     model.Device
	Identifier string
	Params     map[string]any
	Source     string
	Timestamp  time.Time
}

// Sink consumes device data from protocol servers and the poller.
// Implementations must not block the caller on downstream I/O.
type Sink interface {
	ReportProperties(ctx context.Context, r Reading)
	ReportEvent(ctx context.Context, e Event)
}

// DeviceLookup finds devices by key.
type DeviceLookup interface {
	GetDeviceByKey(ctx context.Context, deviceKey string) (*model.Device, error)
}

// Authenticator checks device credentials against the device registry.
type Authenticator struct {
	Devices DeviceLookup
}

// Authenticate returns the device for deviceKey when secret matches and the
// device is not disabled.
func (a Authenticator) Authenticate(ctx context.Context, deviceKey, secret string) (*model.Device, error) {
	if deviceKey == "" {
		return nil, fmt.Errorf("%w: empty device key", ErrAuthFailed)
	}
	d, err := a.Devices.GetDeviceByKey(ctx, deviceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if subtle.ConstantTimeCompare([]byte(d.Secret), []byte(secret)) != 1 {
		return nil, fmt.Errorf("%w: bad secret for %s", ErrAuthFailed, deviceKey)
	}
	if d.Status == model.DeviceDisabled {
		return nil, fmt.Errorf("%w: device %s disabled", ErrAuthFailed, deviceKey)
	}
	return d, nil
}
