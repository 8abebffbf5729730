// Package protocoltest provides in-memory collaborators for protocol server tests.
package protocoltest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"iot-gateway/internal/ingest"
	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/session"
)

// Sink records every reading and event.
type Sink struct {
	mu       sync.Mutex
	readings []ingest.Reading
	events   []ingest.Event
}

func (s *Sink) ReportProperties(_ context.Context, r ingest.Reading) {
	s.mu.Lock()
	s.readings = append(s.readings, r)
	s.mu.Unlock()
}

func (s *Sink) ReportEvent(_ context.Context, e ingest.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *Sink) Readings() []ingest.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Reading(nil), s.readings...)
}

func (s *Sink) Events() []ingest.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Event(nil), s.events...)
}

// StatusChange is one recorded notification.
type StatusChange struct {
	DeviceKey string
	Status    model.DeviceStatus
	// CtxErr is the context error seen when the change arrived.
	CtxErr error
}

// Notifier records status notifications.
type Notifier struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (n *Notifier) NotifyDeviceStatusChange(ctx context.Context, d model.Device, st model.DeviceStatus) {
	n.mu.Lock()
	n.changes = append(n.changes, StatusChange{DeviceKey: d.DeviceKey, Status: st, CtxErr: ctx.Err()})
	n.mu.Unlock()
}

func (n *Notifier) Changes() []StatusChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]StatusChange(nil), n.changes...)
}

// Count returns how many notifications of status were recorded for key.
func (n *Notifier) Count(key string, status model.DeviceStatus) int {
	c := 0
	for _, ch := range n.Changes() {
		if ch.DeviceKey == key && ch.Status == status {
			c++
		}
	}
	return c
}

// Devices is a map-backed device registry usable with ingest.Authenticator.
type Devices map[string]model.Device

func (d Devices) GetDeviceByKey(_ context.Context, key string) (*model.Device, error) {
	dev, ok := d[key]
	if !ok {
		return nil, ingest.ErrAuthFailed
	}
	return &dev, nil
}

// Env bundles the fakes and the Deps built from them.
type Env struct {
	Sink     *Sink
	Notifier *Notifier
	Sessions *session.Table
	Deps     protocol.Deps
}

// NewEnv builds deps whose authenticator accepts the given devices.
func NewEnv(protocolType string, devices ...model.Device) *Env {
	reg := Devices{}
	for _, d := range devices {
		reg[d.DeviceKey] = d
	}
	m := metrics.New()
	env := &Env{
		Sink:     &Sink{},
		Notifier: &Notifier{},
		Sessions: session.NewTable(protocolType, m),
	}
	env.Deps = protocol.Deps{
		Logger:   zerolog.Nop(),
		Sink:     env.Sink,
		Auth:     ingest.Authenticator{Devices: reg},
		Notifier: env.Notifier,
		Metrics:  m,
		Sessions: func(string) *session.Table { return env.Sessions },
	}
	return env
}
