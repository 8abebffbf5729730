package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/model"
	"iot-gateway/internal/tsdb"
	"iot-gateway/internal/workerpool"
)

// Publisher schedules northbound pushes without blocking.
type Publisher interface {
	PushDeviceData(device model.Device, data map[string]any)
	PushDeviceEvent(device model.Device, identifier string, params map[string]any)
}

type PointWriter interface {
	Write(p tsdb.Point) error
}

// LatestStore keeps the last reported value of every property.
type LatestStore interface {
	UpsertLatestProperties(ctx context.Context, deviceID int64, values map[string]any, source string, ts time.Time) error
}

// Fanout forwards readings to the push pipeline, the time-series writer and
// the latest-value table. Any of them may be nil.
type Fanout struct {
	Push   Publisher
	Points PointWriter
	Latest LatestStore
	// Pool runs latest-value upserts off the caller; nil runs them inline.
	Pool *workerpool.Pool

	Measurement      string
	EventMeasurement string
	Log              zerolog.Logger
}

func (f *Fanout) ReportProperties(ctx context.Context, r Reading) {
	if len(r.Properties) == 0 {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if f.Push != nil {
		f.Push.PushDeviceData(r.Device, r.Properties)
	}
	if f.Points != nil {
		p := tsdb.PointFromReading(f.measurement(), r.Device, r.Properties, r.Timestamp)
		p.Tags["source"] = r.Source
		if err := f.Points.Write(p); err != nil {
			f.Log.Warn().Err(err).Str("device_key", r.Device.DeviceKey).Msg("time-series point dropped")
		}
	}
	if f.Latest != nil {
		f.run(func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := f.Latest.UpsertLatestProperties(uctx, r.Device.ID, r.Properties, r.Source, r.Timestamp); err != nil {
				f.Log.Error().Err(err).Str("device_key", r.Device.DeviceKey).Msg("store latest properties")
			}
		})
	}
}

func (f *Fanout) ReportEvent(_ context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	f.Log.Info().Str("device_key", e.Device.DeviceKey).Str("event", e.Identifier).Str("source", e.Source).Msg("device event")
	if f.Push != nil {
		f.Push.PushDeviceEvent(e.Device, e.Identifier, e.Params)
	}
	if f.Points != nil && len(e.Params) > 0 {
		measurement := f.EventMeasurement
		if measurement == "" {
			measurement = "device_event"
		}
		p := tsdb.PointFromReading(measurement, e.Device, e.Params, e.Timestamp)
		p.Tags["identifier"] = e.Identifier
		if err := f.Points.Write(p); err != nil {
			f.Log.Warn().Err(err).Str("device_key", e.Device.DeviceKey).Msg("event point dropped")
		}
	}
}

func (f *Fanout) measurement() string {
	if f.Measurement == "" {
		return "device_property"
	}
	return f.Measurement
}

func (f *Fanout) run(task func()) {
	if f.Pool == nil {
		task()
		return
	}
	if err := f.Pool.Submit(task); err != nil {
		f.Log.Warn().Err(err).Msg("latest-value update dropped")
	}
}
