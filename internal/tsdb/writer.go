// Package tsdb buffers device readings and writes them to a time-series
// database in small batches.
package tsdb

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
)

var (
	ErrQueueFull = errors.New("tsdb queue full")
	ErrClosed    = errors.New("tsdb writer closed")
)

// Point is one time-series sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Sink persists a batch of points.
type Sink interface {
	WriteBatch(ctx context.Context, points []Point) error
}

type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Writer queues points and flushes at most BatchSize of them per interval.
type Writer struct {
	sink    Sink
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	queue   chan Point
	flushMu sync.Mutex
	closed  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewWriter(sink Sink, opts Options, log zerolog.Logger, m *metrics.Metrics) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 5000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	w := &Writer{
		sink:    sink,
		opts:    opts,
		log:     log.With().Str("component", "tsdb-writer").Logger(),
		metrics: m,
		queue:   make(chan Point, opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write enqueues p without blocking. When the queue is full it flushes one
// batch synchronously and retries once.
func (w *Writer) Write(p Point) error {
	if w.closed.Load() {
		return ErrClosed
	}
	p.Fields = normalizeFields(p.Fields)
	if len(p.Fields) == 0 {
		return nil
	}
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	if w.offer(p) {
		return nil
	}
	if w.metrics != nil {
		w.metrics.TSDBForcedFlushes.Inc()
	}
	w.flush(context.Background())
	if w.offer(p) {
		return nil
	}
	w.count("dropped", 1)
	return ErrQueueFull
}

func (w *Writer) offer(p Point) bool {
	select {
	case w.queue <- p:
		if w.metrics != nil {
			w.metrics.TSDBQueueDepth.Set(float64(len(w.queue)))
		}
		return true
	default:
		return false
	}
}

// Pending returns the number of queued points.
func (w *Writer) Pending() int { return len(w.queue) }

func (w *Writer) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush(context.Background())
		case <-w.stop:
			for w.flush(context.Background()) > 0 {
			}
			return
		}
	}
}

// flush writes up to one batch and returns how many points it took off the queue.
func (w *Writer) flush(ctx context.Context) int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	batch := make([]Point, 0, w.opts.BatchSize)
drain:
	for len(batch) < w.opts.BatchSize {
		select {
		case p := <-w.queue:
			batch = append(batch, p)
		default:
			break drain
		}
	}
	if w.metrics != nil {
		w.metrics.TSDBQueueDepth.Set(float64(len(w.queue)))
	}
	if len(batch) == 0 {
		return 0
	}

	ctx, span := otel.Tracer("iot-gateway/tsdb").Start(ctx, "tsdb.flush")
	span.SetAttributes(attribute.Int("tsdb.points", len(batch)))
	defer span.End()

	wctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
	defer cancel()
	if err := w.sink.WriteBatch(wctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.count("failed", len(batch))
		w.log.Error().Err(err).Int("points", len(batch)).Msg("tsdb batch write failed, points dropped")
		return len(batch)
	}
	w.count("written", len(batch))
	return len(batch)
}

func (w *Writer) count(outcome string, n int) {
	if w.metrics != nil {
		w.metrics.TSDBPoints.WithLabelValues(outcome).Add(float64(n))
	}
}

// Close stops the flush loop after draining every queued point.
func (w *Writer) Close() {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.stop)
	})
	<-w.done
}

// normalizeFields keeps numeric, bool and string values; bools become 0/1.
func normalizeFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case bool:
			if x {
				out[k] = int64(1)
			} else {
				out[k] = int64(0)
			}
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, string:
			out[k] = x
		}
	}
	return out
}

// PointFromReading builds a point tagged with the identity of device.
func PointFromReading(measurement string, device model.Device, props map[string]any, ts time.Time) Point {
	return Point{
		Measurement: measurement,
		Tags: map[string]string{
			"deviceKey":  device.DeviceKey,
			"deviceId":   strconv.FormatInt(device.ID, 10),
			"deviceName": device.DeviceName,
			"productId":  strconv.FormatInt(device.ProductID, 10),
		},
		Fields: props,
		Time:   ts,
	}
}
