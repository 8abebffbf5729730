package tsdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/config"
	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]Point
	err     error
	block   chan struct{}
}

func (s *memSink) WriteBatch(ctx context.Context, points []Point) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]Point(nil), points...))
	return nil
}

func (s *memSink) points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Point
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *memSink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func point(i int) Point {
	return Point{Measurement: "device_property", Tags: map[string]string{"deviceKey": "d1"}, Fields: map[string]any{"v": float64(i)}}
}

func TestWriterFlushesOneBatchPerInterval(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, Options{QueueSize: 100, BatchSize: 10, FlushInterval: 20 * time.Millisecond}, zerolog.Nop(), nil)
	defer w.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, w.Write(point(i)))
	}
	require.Eventually(t, func() bool { return len(sink.points()) == 25 }, 2*time.Second, 5*time.Millisecond)
	for _, n := range sink.batchSizes() {
		assert.LessOrEqual(t, n, 10)
	}
}

func TestWriterCloseDrainsQueue(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, Options{QueueSize: 500, BatchSize: 7, FlushInterval: time.Hour}, zerolog.Nop(), nil)
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Write(point(i)))
	}
	w.Close()
	assert.Len(t, sink.points(), 50)
	assert.Zero(t, w.Pending())
	assert.ErrorIs(t, w.Write(point(99)), ErrClosed)
	w.Close()
}

func TestWriterFullQueueForcesFlush(t *testing.T) {
	m := metrics.New()
	sink := &memSink{}
	w := NewWriter(sink, Options{QueueSize: 4, BatchSize: 2, FlushInterval: time.Hour}, zerolog.Nop(), m)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(point(i)))
	}
	// the fifth write flushed the two oldest points to make room
	assert.Equal(t, []int{2}, sink.batchSizes())
	assert.Equal(t, 3, w.Pending())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TSDBForcedFlushes))
}

func TestWriterForcedFlushWaitsForInFlightBatch(t *testing.T) {
	m := metrics.New()
	sink := &memSink{block: make(chan struct{})}
	w := NewWriter(sink, Options{QueueSize: 2, BatchSize: 2, FlushInterval: time.Hour}, zerolog.Nop(), m)

	require.NoError(t, w.Write(point(1)))
	require.NoError(t, w.Write(point(2)))

	// a flush holding the batch lock keeps the forced flush from draining
	go w.flush(context.Background())
	require.Eventually(t, func() bool { return w.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Write(point(3)))
	require.NoError(t, w.Write(point(4)))

	errc := make(chan error, 1)
	go func() { errc <- w.Write(point(5)) }()
	time.Sleep(20 * time.Millisecond)
	close(sink.block)
	err := <-errc
	// once unblocked the forced flush drains 3 and 4, so 5 fits
	require.NoError(t, err)
	w.Close()
	assert.Len(t, sink.points(), 5)
}

func TestWriterFailedBatchIsCounted(t *testing.T) {
	m := metrics.New()
	sink := &memSink{err: errors.New("influx down")}
	w := NewWriter(sink, Options{QueueSize: 10, BatchSize: 10, FlushInterval: time.Hour}, zerolog.Nop(), m)
	require.NoError(t, w.Write(point(1)))
	require.NoError(t, w.Write(point(2)))
	w.Close()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.TSDBPoints.WithLabelValues("failed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TSDBPoints.WithLabelValues("written")))
}

func TestWriterNormalizesFields(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, Options{FlushInterval: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, w.Write(Point{Measurement: "m", Fields: map[string]any{
		"on": true, "off": false, "t": 21.5, "skip": []int{1}, "name": "pump",
	}}))
	// a point with nothing storable is ignored
	require.NoError(t, w.Write(Point{Measurement: "m", Fields: map[string]any{"x": nil}}))
	w.Close()

	pts := sink.points()
	require.Len(t, pts, 1)
	assert.Equal(t, map[string]any{"on": int64(1), "off": int64(0), "t": 21.5, "name": "pump"}, pts[0].Fields)
	assert.False(t, pts[0].Time.IsZero())
}

func TestPointFromReading(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	p := PointFromReading("device_property", model.Device{ID: 7, DeviceKey: "k7", DeviceName: "Boiler", ProductID: 3},
		map[string]any{"temp": 1.0}, ts)
	assert.Equal(t, map[string]string{"deviceKey": "k7", "deviceId": "7", "deviceName": "Boiler", "productId": "3"}, p.Tags)
	assert.Equal(t, ts, p.Time)
}

func TestInfluxSinkWritesLineProtocol(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, query = string(b), r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(config.TSDBConfig{URL: srv.URL, Token: "tok", Org: "acme", Bucket: "iot", WriteTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer sink.Close()

	err = sink.WriteBatch(context.Background(), []Point{{
		Measurement: "device_property",
		Tags:        map[string]string{"deviceKey": "d1"},
		Fields:      map[string]any{"temp": 21.5},
		Time:        time.Unix(1700000000, 0),
	}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(body, "device_property,deviceKey=d1 temp=21.5"), body)
	assert.Contains(t, query, "org=acme")
	assert.Contains(t, query, "bucket=iot")
}

func TestNewSink(t *testing.T) {
	s, closeFn, err := NewSink(config.TSDBConfig{Enabled: false}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, DiscardSink{}, s)
	closeFn()

	_, _, err = NewSink(config.TSDBConfig{Enabled: true}, zerolog.Nop())
	assert.Error(t, err)
}
