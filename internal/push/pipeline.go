// Package push delivers device data to northbound targets configured as push
// configs: webhooks, MQTT brokers and Kafka topics.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
	"iot-gateway/internal/workerpool"
)

// Store is the persistence the pipeline needs.
type Store interface {
	ListEnabledConfigsForDevice(ctx context.Context, deviceID int64) ([]model.PushConfig, error)
	ListGlobalConfigs(ctx context.Context) ([]model.PushConfig, error)
	GetPushConfig(ctx context.Context, id int64) (*model.PushConfig, error)
	SavePushLog(ctx context.Context, entry *model.PushLog) error
	UpsertDailyStatistic(ctx context.Context, configID int64, success bool, costMs int64, at time.Time) error
}

type Options struct {
	RetryBackoff   time.Duration
	DefaultTimeout time.Duration
	ConfigCacheTTL time.Duration
	ShutdownGrace  time.Duration
}

type Deps struct {
	Store    Store
	Pool     *workerpool.Pool
	Channels map[string]Channel // keyed by push type
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Envelope is the JSON body delivered to every target.
type Envelope struct {
	TraceID    string         `json:"traceId"`
	Trigger    string         `json:"trigger"`
	DeviceID   int64          `json:"deviceId"`
	DeviceKey  string         `json:"deviceKey"`
	DeviceName string         `json:"deviceName"`
	ProductID  int64          `json:"productId"`
	Identifier string         `json:"identifier,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// Result describes one finished delivery.
type Result struct {
	Status     string
	RetryCount int
	Cost       time.Duration
	Err        error
}

// Pipeline fans device data out to the push configs interested in it.
type Pipeline struct {
	deps  Deps
	opts  Options
	log   zerolog.Logger
	cache *ttlCache[[]model.PushConfig]

	stats sync.WaitGroup
	now   func() time.Time
}

const globalKey = "global"

func New(deps Deps, opts Options) *Pipeline {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Pipeline{
		deps:  deps,
		opts:  opts,
		log:   deps.Logger.With().Str("component", "push").Logger(),
		cache: newTTLCache[[]model.PushConfig](opts.ConfigCacheTTL),
		now:   time.Now,
	}
}

// PushDeviceData schedules a PROPERTY_REPORT push of data.
func (p *Pipeline) PushDeviceData(device model.Device, data map[string]any) {
	p.submit(device, model.TriggerPropertyReport, "", data)
}

// PushDeviceEvent schedules an EVENT push.
func (p *Pipeline) PushDeviceEvent(device model.Device, identifier string, params map[string]any) {
	p.submit(device, model.TriggerEvent, identifier, params)
}

// PushDeviceStatus schedules a STATUS_CHANGE push.
func (p *Pipeline) PushDeviceStatus(device model.Device, status model.DeviceStatus) {
	p.submit(device, model.TriggerStatusChange, "", map[string]any{"status": string(status)})
}

// NotifyDeviceStatusChange lets the pipeline act as a status notifier.
func (p *Pipeline) NotifyDeviceStatusChange(_ context.Context, device model.Device, status model.DeviceStatus) {
	p.PushDeviceStatus(device, status)
}

func (p *Pipeline) submit(device model.Device, trigger, identifier string, data map[string]any) {
	ts := p.now()
	err := p.deps.Pool.Submit(func() {
		p.dispatch(context.Background(), device, trigger, identifier, data, ts)
	})
	if err != nil {
		p.log.Warn().Err(err).Str("device_key", device.DeviceKey).Str("trigger", trigger).Msg("push dropped")
	}
}

func (p *Pipeline) dispatch(ctx context.Context, device model.Device, trigger, identifier string, data map[string]any, ts time.Time) {
	configs, err := p.configsFor(ctx, device.ID)
	if err != nil {
		p.log.Error().Err(err).Int64("device_id", device.ID).Msg("resolve push configs")
		return
	}
	for _, cfg := range configs {
		if !cfg.Triggers(trigger) {
			continue
		}
		p.pushToTarget(ctx, cfg, device, trigger, identifier, data, ts)
	}
}

// configsFor returns the enabled configs bound to deviceID, or the global
// configs when the device has none.
func (p *Pipeline) configsFor(ctx context.Context, deviceID int64) ([]model.PushConfig, error) {
	key := strconv.FormatInt(deviceID, 10)
	if v, ok := p.cache.get(key); ok {
		return v, nil
	}
	configs, err := p.deps.Store.ListEnabledConfigsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		if v, ok := p.cache.get(globalKey); ok {
			configs = v
		} else {
			if configs, err = p.deps.Store.ListGlobalConfigs(ctx); err != nil {
				return nil, err
			}
			p.cache.set(globalKey, configs)
		}
	}
	p.cache.set(key, configs)
	return configs, nil
}

// InvalidateConfigs drops cached config resolutions.
func (p *Pipeline) InvalidateConfigs() { p.cache.purge() }

// pushToTarget filters, transforms and delivers one message to cfg. It
// returns nil when the filter discarded the data.
func (p *Pipeline) pushToTarget(ctx context.Context, cfg model.PushConfig, device model.Device, trigger, identifier string, data map[string]any, ts time.Time) *Result {
	log := p.log.With().Int64("config_id", cfg.ID).Str("device_key", device.DeviceKey).Str("trigger", trigger).Logger()

	filter, err := ParseFilter(cfg.DataFilter)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring data filter")
	}
	out, ok := filter.Apply(data)
	if !ok {
		if p.deps.Metrics != nil {
			p.deps.Metrics.PushFiltered.Inc()
		}
		log.Debug().Msg("push filtered out")
		return nil
	}
	transform, err := ParseTransform(cfg.DataTransform)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring data transform")
	}
	out, err = transform.Apply(out)
	if err != nil {
		log.Debug().Err(err).Msg("calculated fields skipped")
	}

	env := Envelope{
		TraceID:    uuid.NewString(),
		Trigger:    trigger,
		DeviceID:   device.ID,
		DeviceKey:  device.DeviceKey,
		DeviceName: device.DeviceName,
		ProductID:  device.ProductID,
		Identifier: identifier,
		Timestamp:  ts.UnixMilli(),
		Data:       out,
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("encode push payload")
		return nil
	}

	entry := &model.PushLog{
		ConfigID: cfg.ID,
		DeviceID: device.ID,
		TraceID:  env.TraceID,
		Trigger:  trigger,
		Payload:  string(body),
		Status:   model.PushPending,
		PushTime: p.now(),
	}
	if err := p.deps.Store.SavePushLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("save pending push log")
	}

	res := p.deliver(ctx, cfg, Message{DeviceKey: device.DeviceKey, TraceID: env.TraceID, Body: body}, cfg.RetryTimes)

	entry.Status = res.Status
	entry.RetryCount = res.RetryCount
	entry.CostTimeMs = res.Cost.Milliseconds()
	if res.Err != nil {
		entry.ErrorMessage = res.Err.Error()
		log.Warn().Err(res.Err).Int("retries", res.RetryCount).Msg("push failed")
	}
	if err := p.deps.Store.SavePushLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("save push log")
	}
	p.recordStatistic(cfg.ID, res, entry.PushTime)
	return &res
}

// deliver sends msg with up to retries extra attempts, waiting
// RetryBackoff × attempt between them.
func (p *Pipeline) deliver(ctx context.Context, cfg model.PushConfig, msg Message, retries int) Result {
	ch, ok := p.deps.Channels[strings.ToUpper(cfg.PushType)]
	if !ok {
		return Result{Status: model.PushFailed, Err: fmt.Errorf("unsupported push type %q", cfg.PushType)}
	}
	if retries < 0 {
		retries = 0
	}
	timeout := p.opts.DefaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	ctx, span := otel.Tracer("iot-gateway/push").Start(ctx, "push.deliver")
	span.SetAttributes(
		attribute.Int64("push.config_id", cfg.ID),
		attribute.String("push.type", cfg.PushType),
		attribute.String("push.trace_id", msg.TraceID),
	)
	defer span.End()

	start := time.Now()
	attempts := 0
	base := p.opts.RetryBackoff
	err := retry.Do(
		func() error {
			attempts++
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return ch.Send(actx, cfg, msg)
		},
		retry.Attempts(uint(retries+1)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return base * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if int(n) < retries {
				p.log.Debug().Err(err).Int64("config_id", cfg.ID).Uint("attempt", n+1).Msg("push attempt failed, retrying")
			}
		}),
		retry.Context(ctx),
	)
	res := Result{RetryCount: attempts - 1, Cost: time.Since(start), Status: model.PushSuccess}
	if err != nil {
		res.Status = model.PushFailed
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("push.retries", res.RetryCount))
	if m := p.deps.Metrics; m != nil {
		m.ObservePush(strings.ToLower(cfg.PushType), err == nil, res.Cost)
		m.PushRetries.Add(float64(res.RetryCount))
	}
	return res
}

func (p *Pipeline) recordStatistic(configID int64, res Result, at time.Time) {
	p.stats.Add(1)
	go func() {
		defer p.stats.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.deps.Store.UpsertDailyStatistic(ctx, configID, res.Status == model.PushSuccess, res.Cost.Milliseconds(), at); err != nil {
			p.log.Error().Err(err).Int64("config_id", configID).Msg("upsert push statistic")
		}
	}()
}

// TestConnection makes one synchronous delivery attempt of a probe message to
// the target of configID. It writes no push log or statistic.
func (p *Pipeline) TestConnection(ctx context.Context, configID int64) (time.Duration, error) {
	cfg, err := p.deps.Store.GetPushConfig(ctx, configID)
	if err != nil {
		return 0, err
	}
	env := Envelope{
		TraceID:   uuid.NewString(),
		Trigger:   "TEST",
		DeviceKey: "connection-test",
		Timestamp: p.now().UnixMilli(),
		Data:      map[string]any{"test": true},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	res := p.deliver(ctx, *cfg, Message{DeviceKey: env.DeviceKey, TraceID: env.TraceID, Body: body}, 0)
	return res.Cost, res.Err
}

// Close waits for queued pushes and pending statistics, then closes every
// channel.
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.deps.Pool.Shutdown(p.opts.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}
	p.stats.Wait()
	for name, ch := range p.deps.Channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s channel: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultChannels builds the WEBHOOK, MQTT and KAFKA channels.
func DefaultChannels(log zerolog.Logger) map[string]Channel {
	return map[string]Channel{
		model.PushWebhook: NewWebhookChannel(nil),
		model.PushMQTT:    NewMQTTChannel(log, 10*time.Second),
		model.PushKafka:   NewKafkaChannel(),
	}
}
