// Package notify fans device status changes out to Redis, the push pipeline
// and the log.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"iot-gateway/internal/config"
	"iot-gateway/internal/model"
)

type Notifier interface {
	NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, device model.Device, status model.DeviceStatus)

func (f Func) NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus) {
	f(ctx, device, status)
}

// StatusEvent is the JSON document published for a status change.
type StatusEvent struct {
	DeviceID   int64              `json:"deviceId"`
	DeviceKey  string             `json:"deviceKey"`
	DeviceName string             `json:"deviceName"`
	ProductID  int64              `json:"productId"`
	Status     model.DeviceStatus `json:"status"`
	Previous   model.DeviceStatus `json:"previous,omitempty"`
	Timestamp  int64              `json:"timestamp"`
}

func newEvent(d model.Device, status model.DeviceStatus, at time.Time) StatusEvent {
	ev := StatusEvent{
		DeviceID:   d.ID,
		DeviceKey:  d.DeviceKey,
		DeviceName: d.DeviceName,
		ProductID:  d.ProductID,
		Status:     status,
		Timestamp:  at.UnixMilli(),
	}
	if d.Status != status {
		ev.Previous = d.Status
	}
	return ev
}

// Multi calls every notifier in order. A panicking notifier is logged and
// does not stop the others.
type Multi struct {
	Notifiers []Notifier
	Log       zerolog.Logger
}

func (m Multi) NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus) {
	for _, n := range m.Notifiers {
		if n == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.Log.Error().Interface("panic", r).Str("device_key", device.DeviceKey).Msg("status notifier panicked")
				}
			}()
			n.NotifyDeviceStatusChange(ctx, device, status)
		}()
	}
}

// Log writes each change at INFO.
type Log struct {
	Log zerolog.Logger
}

func (l Log) NotifyDeviceStatusChange(_ context.Context, device model.Device, status model.DeviceStatus) {
	l.Log.Info().
		Int64("device_id", device.ID).
		Str("device_key", device.DeviceKey).
		Str("from", string(device.Status)).
		Str("to", string(status)).
		Msg("device status changed")
}

// StatusStore persists device status.
type StatusStore interface {
	SetDeviceStatus(ctx context.Context, deviceID int64, status model.DeviceStatus) error
}

// Persisting stores the new status before passing the change on. Protocol
// servers use it; the poller persists on its own.
type Persisting struct {
	Store StatusStore
	Next  Notifier
	Log   zerolog.Logger
}

func (p Persisting) NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus) {
	if err := p.Store.SetDeviceStatus(ctx, device.ID, status); err != nil {
		p.Log.Error().Err(err).Str("device_key", device.DeviceKey).Str("status", string(status)).Msg("persist device status")
	}
	if p.Next != nil {
		p.Next.NotifyDeviceStatusChange(ctx, device, status)
	}
}

// Redis publishes each change on a channel and records the latest one per
// device in a hash.
type Redis struct {
	client  *redis.Client
	channel string
	hash    string
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// OpenRedis connects to the configured server and pings it.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func NewRedis(client *redis.Client, cfg config.RedisConfig, log zerolog.Logger) *Redis {
	return &Redis{
		client:  client,
		channel: cfg.StatusChannel,
		hash:    cfg.StatusHash,
		timeout: 2 * time.Second,
		log:     log.With().Str("component", "notify-redis").Logger(),
		now:     time.Now,
	}
}

func (r *Redis) NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus) {
	if err := r.publish(ctx, newEvent(device, status, r.now())); err != nil {
		r.log.Warn().Err(err).Str("device_key", device.DeviceKey).Msg("publish status change")
	}
}

func (r *Redis) publish(ctx context.Context, ev StatusEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.channel, b)
	pipe.HSet(ctx, r.hash, ev.DeviceKey, b)
	_, err = pipe.Exec(ctx)
	return err
}

// LastStatus returns the most recent event recorded for deviceKey.
func (r *Redis) LastStatus(ctx context.Context, deviceKey string) (StatusEvent, bool, error) {
	var ev StatusEvent
	raw, err := r.client.HGet(ctx, r.hash, deviceKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return ev, false, nil
	}
	if err != nil {
		return ev, false, err
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, false, err
	}
	return ev, true, nil
}
