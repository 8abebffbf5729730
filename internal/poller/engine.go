// Package poller polls Modbus TCP devices on every scheduler tick.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/ingest"
	"iot-gateway/internal/metrics"
	"iot-gateway/internal/modbus"
	"iot-gateway/internal/model"
	"iot-gateway/internal/workerpool"
)

// Source is the value of Reading.Source for polled data.
const Source = "MODBUS_TCP"

// Default read used for devices without property mappings.
const (
	defaultReadStart = 0
	defaultReadCount = 16
)

// Repository is the persistence the engine reads devices from.
type Repository interface {
	ListRunningModbusDrivers(ctx context.Context) ([]model.Driver, error)
	ListBindingsFor(ctx context.Context, driverIDs []int64) ([]model.DeviceDriver, error)
	ListDevices(ctx context.Context, ids []int64, statuses []model.DeviceStatus) ([]model.Device, error)
	GetPropertyAddressMappings(ctx context.Context, deviceID int64) ([]model.PropertyMapping, error)
	SetDeviceStatus(ctx context.Context, deviceID int64, status model.DeviceStatus) error
}

type StatusNotifier interface {
	NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus)
}

// Target is a device with the binding used to reach it.
type Target struct {
	Device  model.Device
	Binding model.DeviceDriver
}

type Options struct {
	TickTimeout       time.Duration
	DeviceTimeout     time.Duration
	OfflineRetryEvery int
}

type Deps struct {
	Repo     Repository
	Reader   Reader
	Pool     *workerpool.Pool
	Sink     ingest.Sink
	Notifier StatusNotifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// TickResult summarizes one tick.
type TickResult struct {
	Devices   int
	Submitted int
	Skipped   int
	TimedOut  bool
}

// Engine runs polling ticks. Tick is safe to call concurrently, though the
// scheduler skips overlapping ticks.
type Engine struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	// deviceID -> *atomic.Int64 ticks seen while OFFLINE
	offline sync.Map
}

func New(deps Deps, opts Options) *Engine {
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 15 * time.Second
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 3 * time.Second
	}
	if opts.OfflineRetryEvery <= 0 {
		opts.OfflineRetryEvery = 6
	}
	return &Engine{
		deps: deps,
		opts: opts,
		log:  deps.Logger.With().Str("component", "poller").Logger(),
	}
}

var pollStatuses = []model.DeviceStatus{model.DeviceOnline, model.DeviceInactive, model.DeviceOffline}

// Tick polls every bound device once and waits for the reads up to the tick
// timeout. Reads still running after that finish in the background.
func (e *Engine) Tick(ctx context.Context) TickResult {
	start := time.Now()
	var res TickResult
	if m := e.deps.Metrics; m != nil {
		m.PollTicks.Inc()
		defer func() { m.PollDuration.Observe(time.Since(start).Seconds()) }()
	}

	targets, err := e.targets(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("load poll targets")
		return res
	}
	res.Devices = len(targets)
	if len(targets) == 0 {
		return res
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		if t.Device.Status == model.DeviceOffline && !e.due(t.Device.ID) {
			res.Skipped++
			if e.deps.Metrics != nil {
				e.deps.Metrics.PollOfflineSkips.Inc()
			}
			continue
		}
		t := t
		wg.Add(1)
		err := e.deps.Pool.Submit(func() {
			defer wg.Done()
			e.pollDevice(ctx, t)
		})
		if err != nil {
			wg.Done()
			e.log.Warn().Err(err).Int64("device_id", t.Device.ID).Msg("poll task rejected")
			continue
		}
		res.Submitted++
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	timer := time.NewTimer(e.opts.TickTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		res.TimedOut = true
		if e.deps.Metrics != nil {
			e.deps.Metrics.PollTickTimeouts.Inc()
		}
		e.log.Warn().Dur("timeout", e.opts.TickTimeout).Int("submitted", res.Submitted).
			Msg("poll tick timed out, unfinished reads continue in background")
	case <-ctx.Done():
	}
	e.log.Debug().Int("devices", res.Devices).Int("submitted", res.Submitted).Int("skipped", res.Skipped).
		Dur("took", time.Since(start)).Msg("poll tick finished")
	return res
}

func (e *Engine) targets(ctx context.Context) ([]Target, error) {
	drivers, err := e.deps.Repo.ListRunningModbusDrivers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	if len(drivers) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(drivers))
	for i, d := range drivers {
		ids[i] = d.ID
	}
	bindings, err := e.deps.Repo.ListBindingsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	byDevice := make(map[int64]model.DeviceDriver, len(bindings))
	deviceIDs := make([]int64, 0, len(bindings))
	for _, b := range bindings {
		if _, ok := byDevice[b.DeviceID]; ok {
			continue
		}
		byDevice[b.DeviceID] = b
		deviceIDs = append(deviceIDs, b.DeviceID)
	}
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	devices, err := e.deps.Repo.ListDevices(ctx, deviceIDs, pollStatuses)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]Target, 0, len(devices))
	for _, d := range devices {
		out = append(out, Target{Device: d, Binding: byDevice[d.ID]})
	}
	return out, nil
}

// due advances the offline counter of id and reports whether this tick
// should attempt a read.
func (e *Engine) due(id int64) bool {
	v, _ := e.offline.LoadOrStore(id, new(atomic.Int64))
	n := v.(*atomic.Int64).Add(1) - 1
	return n%int64(e.opts.OfflineRetryEvery) == 0
}

// OfflineCount returns how many ticks id has been seen OFFLINE since its last
// successful read.
func (e *Engine) OfflineCount(id int64) int64 {
	if v, ok := e.offline.Load(id); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

func (e *Engine) pollDevice(ctx context.Context, t Target) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.DeviceTimeout)
	defer cancel()
	log := e.log.With().Int64("device_id", t.Device.ID).Str("device_key", t.Device.DeviceKey).Logger()

	props, err := e.read(ctx, t)
	if err != nil {
		e.deps.Reader.Drop(t.Device.ID)
		e.count("failure")
		e.onFailure(ctx, t.Device, err, log)
		return
	}
	e.count("success")
	e.offline.Delete(t.Device.ID)

	if t.Device.Status != model.DeviceOnline {
		e.setStatus(ctx, t.Device, model.DeviceOnline, log)
		log.Info().Str("was", string(t.Device.Status)).Msg("device back online")
		t.Device.Status = model.DeviceOnline
	}
	if e.deps.Sink != nil && len(props) > 0 {
		e.deps.Sink.ReportProperties(ctx, ingest.Reading{
			Device:     t.Device,
			Properties: props,
			Source:     Source,
			Timestamp:  time.Now(),
		})
	}
}

func (e *Engine) onFailure(ctx context.Context, d model.Device, err error, log zerolog.Logger) {
	if errors.Is(err, ErrBadMapping) {
		log.Error().Err(err).Msg("device mappings cannot be polled, fix the configuration")
		if d.Status == model.DeviceOnline {
			e.setStatus(ctx, d, model.DeviceOffline, log)
		}
		return
	}
	switch d.Status {
	case model.DeviceOnline:
		log.Warn().Err(err).Msg("device poll failed, marking offline")
		e.setStatus(ctx, d, model.DeviceOffline, log)
	default:
		log.Debug().Err(err).Str("status", string(d.Status)).Msg("device poll failed")
	}
}

func (e *Engine) setStatus(ctx context.Context, d model.Device, status model.DeviceStatus, log zerolog.Logger) {
	// the per-device context may already be spent on a slow read
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.deps.Repo.SetDeviceStatus(sctx, d.ID, status); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("update device status")
	}
	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyDeviceStatusChange(sctx, d, status)
	}
}

func (e *Engine) count(result string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.PollResults.WithLabelValues(result).Inc()
	}
}

// read loads the mappings of t and reads them.
func (e *Engine) read(ctx context.Context, t Target) (map[string]any, error) {
	mappings, err := e.deps.Repo.GetPropertyAddressMappings(ctx, t.Device.ID)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	return ReadProperties(ctx, e.deps.Reader, t, mappings, e.log)
}

// ReadProperties performs the range reads covering mappings and decodes them
// into property values. Without enabled mappings the first holding registers
// are returned raw. Values that fail to decode are left out.
func ReadProperties(ctx context.Context, reader Reader, t Target, mappings []model.PropertyMapping, log zerolog.Logger) (map[string]any, error) {
	ranges, err := GroupRanges(mappings)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		data, err := reader.Read(ctx, t, model.FuncReadHoldingRegisters, defaultReadStart, defaultReadCount)
		if err != nil {
			return nil, err
		}
		return rawRegisters(data, defaultReadStart), nil
	}

	props := make(map[string]any)
	for _, r := range ranges {
		data, err := reader.Read(ctx, t, r.FunctionCode, r.Start, r.Count)
		if err != nil {
			return nil, fmt.Errorf("read 0x%02x %d+%d: %w", r.FunctionCode, r.Start, r.Count, err)
		}
		for _, m := range r.Mappings {
			v, err := decode(r, m, data)
			if err != nil {
				log.Debug().Err(err).Int64("device_id", t.Device.ID).Str("identifier", m.Identifier).Msg("decode property")
				continue
			}
			props[m.Identifier] = v
		}
	}
	return props, nil
}

func decode(r ReadRange, m model.PropertyMapping, data []byte) (any, error) {
	offset := m.RegisterAddress - int(r.Start)
	if isBitCode(r.FunctionCode) {
		return modbus.Bit(data, offset), nil
	}
	if offset*2 >= len(data) {
		return nil, errors.New("register outside response")
	}
	ext := m.Ext()
	if ext.DataType == "bool" {
		return data[offset*2] != 0 || data[offset*2+1] != 0, nil
	}
	return modbus.DecodeRegisters(data[offset*2:], ext)
}

// rawRegisters names unmapped holding registers hr_<address>.
func rawRegisters(data []byte, start int) map[string]any {
	out := make(map[string]any, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		out[fmt.Sprintf("hr_%d", start+i/2)] = float64(uint16(data[i])<<8 | uint16(data[i+1]))
	}
	return out
}
