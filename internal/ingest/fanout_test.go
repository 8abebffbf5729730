package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/model"
	"iot-gateway/internal/tsdb"
	"iot-gateway/internal/workerpool"
)

type recorder struct {
	mu     sync.Mutex
	data   []map[string]any
	events []string
	points []tsdb.Point
	latest []map[string]any
	err    error
}

func (r *recorder) PushDeviceData(_ model.Device, data map[string]any) {
	r.mu.Lock()
	r.data = append(r.data, data)
	r.mu.Unlock()
}

func (r *recorder) PushDeviceEvent(_ model.Device, id string, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, id)
	r.mu.Unlock()
}

func (r *recorder) Write(p tsdb.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
	return r.err
}

func (r *recorder) UpsertLatestProperties(_ context.Context, _ int64, values map[string]any, _ string, _ time.Time) error {
	r.mu.Lock()
	r.latest = append(r.latest, values)
	r.mu.Unlock()
	return nil
}

func (r *recorder) latestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.latest)
}

var boiler = model.Device{ID: 4, DeviceKey: "boiler", DeviceName: "Boiler", ProductID: 2}

func TestFanoutProperties(t *testing.T) {
	rec := &recorder{}
	f := &Fanout{Push: rec, Points: rec, Latest: rec, Log: zerolog.Nop()}
	ts := time.Unix(1700000000, 0)
	f.ReportProperties(context.Background(), Reading{Device: boiler, Properties: map[string]any{"t": 80.0}, Source: "TCP", Timestamp: ts})

	require.Len(t, rec.data, 1)
	require.Len(t, rec.points, 1)
	p := rec.points[0]
	assert.Equal(t, "device_property", p.Measurement)
	assert.Equal(t, map[string]string{"deviceKey": "boiler", "deviceId": "4", "deviceName": "Boiler", "productId": "2", "source": "TCP"}, p.Tags)
	assert.Equal(t, ts, p.Time)
	assert.Equal(t, 1, rec.latestCount())

	f.ReportProperties(context.Background(), Reading{Device: boiler})
	assert.Len(t, rec.data, 1, "empty readings are ignored")
}

func TestFanoutToleratesFailuresAndNilTargets(t *testing.T) {
	rec := &recorder{err: tsdb.ErrQueueFull}
	f := &Fanout{Points: rec, Log: zerolog.Nop()}
	f.ReportProperties(context.Background(), Reading{Device: boiler, Properties: map[string]any{"t": 1.0}})
	f.ReportEvent(context.Background(), Event{Device: boiler, Identifier: "alarm"})
	assert.Len(t, rec.points, 1)
	assert.True(t, errors.Is(rec.err, tsdb.ErrQueueFull))
}

func TestFanoutEvents(t *testing.T) {
	rec := &recorder{}
	f := &Fanout{Push: rec, Points: rec, EventMeasurement: "alarms", Log: zerolog.Nop()}
	f.ReportEvent(context.Background(), Event{Device: boiler, Identifier: "overheat", Params: map[string]any{"t": 120.0}})
	assert.Equal(t, []string{"overheat"}, rec.events)
	require.Len(t, rec.points, 1)
	assert.Equal(t, "alarms", rec.points[0].Measurement)
	assert.Equal(t, "overheat", rec.points[0].Tags["identifier"])
	assert.False(t, rec.points[0].Time.IsZero())
}

func TestFanoutLatestOnPool(t *testing.T) {
	pool, err := workerpool.New(workerpool.Options{Name: "latest", Workers: 1, QueueSize: 4, Logger: zerolog.Nop()})
	require.NoError(t, err)
	rec := &recorder{}
	f := &Fanout{Latest: rec, Pool: pool, Log: zerolog.Nop()}
	for i := 0; i < 5; i++ {
		f.ReportProperties(context.Background(), Reading{Device: boiler, Properties: map[string]any{"i": i}})
	}
	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, 5, rec.latestCount())
}
