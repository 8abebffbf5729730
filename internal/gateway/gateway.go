// Package gateway assembles the gateway process: store, protocol servers,
// poller, push pipeline, time-series writer and the ops HTTP endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"iot-gateway/internal/config"
	"iot-gateway/internal/ingest"
	"iot-gateway/internal/logging"
	"iot-gateway/internal/metrics"
	"iot-gateway/internal/notify"
	"iot-gateway/internal/poller"
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/protocol/builtin"
	"iot-gateway/internal/push"
	"iot-gateway/internal/session"
	"iot-gateway/internal/store"
	"iot-gateway/internal/tsdb"
	"iot-gateway/internal/workerpool"
)

// Gateway owns every long-lived component of the process.
type Gateway struct {
	cfg config.Config
	log zerolog.Logger

	store     *store.Store
	metrics   *metrics.Metrics
	registry  *protocol.Registry
	protocols *protocol.Manager
	sessions  *sessionTables

	pollPool   *workerpool.Pool
	pushPool   *workerpool.Pool
	latestPool *workerpool.Pool

	reader   *poller.TCPReader
	engine   *poller.Engine
	pipeline *push.Pipeline
	points   *tsdb.Writer
	sinkDone func()
	redis    *redis.Client
	cron     *cron.Cron

	http *http.Server
}

// sessionTables hands out one session table per protocol type.
type sessionTables struct {
	m      *metrics.Metrics
	mu     sync.Mutex
	tables map[string]*session.Table
}

func (s *sessionTables) get(protocolType string) *session.Table {
	key := strings.ToUpper(protocolType)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[key]
	if !ok {
		t = session.NewTable(key, s.m)
		s.tables[key] = t
	}
	return t
}

func (s *sessionTables) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tables {
		t.CloseAll()
	}
}

// New builds a gateway from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
	}
	ok := false
	defer func() {
		if !ok {
			g.abort()
		}
	}()

	var err error

	g.store, err = store.Open(cfg.Database.Path, logging.Component(log, "store"))
	if err != nil {
		return nil, err
	}
	g.registry, err = builtin.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("protocol registry: %w", err)
	}
	g.sessions = &sessionTables{m: g.metrics, tables: make(map[string]*session.Table)}

	if g.pollPool, err = g.newPool("poll", cfg.Poller.Workers, cfg.Poller.MaxWorkers, cfg.Poller.QueueSize); err != nil {
		return nil, err
	}
	if g.pushPool, err = g.newPool("push", cfg.Push.Workers, cfg.Push.MaxWorkers, cfg.Push.QueueSize); err != nil {
		return nil, err
	}
	if g.latestPool, err = g.newPool("latest", 2, 4, 1000); err != nil {
		return nil, err
	}

	sink, closeSink, err := tsdb.NewSink(cfg.TSDB, logging.Component(log, "tsdb"))
	if err != nil {
		return nil, fmt.Errorf("tsdb: %w", err)
	}
	g.sinkDone = closeSink
	g.points = tsdb.NewWriter(sink, tsdb.Options{
		QueueSize:     cfg.TSDB.QueueSize,
		BatchSize:     cfg.TSDB.BatchSize,
		FlushInterval: cfg.TSDB.FlushInterval,
		WriteTimeout:  cfg.TSDB.WriteTimeout,
	}, log, g.metrics)

	g.pipeline = push.New(push.Deps{
		Store:    g.store,
		Pool:     g.pushPool,
		Channels: push.DefaultChannels(log),
		Metrics:  g.metrics,
		Logger:   log,
	}, push.Options{
		RetryBackoff:   cfg.Push.RetryBackoff,
		DefaultTimeout: cfg.Push.DefaultTimeout,
		ConfigCacheTTL: cfg.Push.ConfigCacheTTL,
		ShutdownGrace:  cfg.Push.ShutdownGrace,
	})

	var redisNotifier notify.Notifier
	if cfg.Redis.Enabled {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		rdb, rerr := notify.OpenRedis(rctx, cfg.Redis)
		cancel()
		if rerr != nil {
			log.Warn().Err(rerr).Msg("redis unavailable, status changes are not published")
		} else {
			g.redis = rdb
			redisNotifier = notify.NewRedis(rdb, cfg.Redis, log)
		}
	}
	statusFanout := notify.Multi{
		Notifiers: []notify.Notifier{notify.Log{Log: logging.Component(log, "status")}, redisNotifier, g.pipeline},
		Log:       log,
	}

	fanout := &ingest.Fanout{
		Push:        g.pipeline,
		Points:      g.points,
		Latest:      g.store,
		Pool:        g.latestPool,
		Measurement: cfg.TSDB.Measurement,
		Log:         logging.Component(log, "ingest"),
	}

	g.reader = poller.NewTCPReader(cfg.Poller.DeviceTimeout)
	g.engine = poller.New(poller.Deps{
		Repo:     g.store,
		Reader:   g.reader,
		Pool:     g.pollPool,
		Sink:     fanout,
		Notifier: statusFanout,
		Metrics:  g.metrics,
		Logger:   log,
	}, poller.Options{
		TickTimeout:       cfg.Poller.TickTimeout,
		DeviceTimeout:     cfg.Poller.DeviceTimeout,
		OfflineRetryEvery: cfg.Poller.OfflineRetryEvery,
	})

	g.protocols = protocol.NewManager(g.registry, g.store, protocol.Deps{
		Logger:      log,
		Sink:        fanout,
		Auth:        ingest.Authenticator{Devices: g.store},
		Notifier:    notify.Persisting{Store: g.store, Next: statusFanout, Log: logging.Component(log, "status")},
		Metrics:     g.metrics,
		IdleTimeout: cfg.Session.IdleTimeout,
		Sessions:    g.sessions.get,
	})

	g.cron = newScheduler(log)
	ok = true
	return g, nil
}

func (g *Gateway) newPool(name string, workers, maxWorkers, queue int) (*workerpool.Pool, error) {
	return workerpool.New(workerpool.Options{
		Name:         name,
		Workers:      workers,
		MaxWorkers:   maxWorkers,
		QueueSize:    queue,
		Logger:       g.log,
		OnCallerRuns: func() { g.metrics.PoolCallerRuns.WithLabelValues(name).Inc() },
		OnPanic:      func() { g.metrics.PoolPanics.WithLabelValues(name).Inc() },
	})
}

// Handler returns the ops HTTP handler.
func (g *Gateway) Handler() http.Handler {
	api := &opsAPI{
		protocols: g.protocols,
		describe:  g.registry.Describe,
		push:      g.pipeline,
		latest:    g.store,
		ping:      g.store.Ping,
		metrics:   g.metrics.Handler(),
		log:       logging.Component(g.log, "ops-http"),
	}
	return api.routes()
}

// Store exposes the relational store, mainly for seeding.
func (g *Gateway) Store() *store.Store { return g.store }

// Run starts the protocols, the poll schedule and the ops endpoint, blocks
// until ctx is done and then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	if _, err := g.protocols.StartAll(ctx); err != nil {
		g.log.Warn().Err(err).Msg("some protocols failed to start")
	}

	if g.cfg.Poller.Enabled {
		if _, err := every(g.cron, ctx, g.cfg.Poller.Interval, func(ctx context.Context) {
			res := g.engine.Tick(ctx)
			g.log.Debug().Int("devices", res.Devices).Int("submitted", res.Submitted).Int("skipped", res.Skipped).Bool("timed_out", res.TimedOut).Msg("poll tick")
		}); err != nil {
			g.shutdown()
			return fmt.Errorf("schedule poller: %w", err)
		}
	}
	g.cron.Start()

	errCh := make(chan error, 1)
	if g.cfg.HTTP.Addr != "" {
		g.http = &http.Server{
			Addr:              g.cfg.HTTP.Addr,
			Handler:           g.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			g.log.Info().Str("addr", g.cfg.HTTP.Addr).Msg("ops http listening")
			if err := g.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("ops http: %w", err)
			}
		}()
	}

	g.log.Info().Dur("poll_interval", g.cfg.Poller.Interval).Bool("poller", g.cfg.Poller.Enabled).Msg("gateway started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		g.log.Error().Err(runErr).Msg("ops http failed")
	}
	g.shutdown()
	return runErr
}

// shutdown stops producers before consumers so queued data is flushed.
func (g *Gateway) shutdown() {
	g.log.Info().Msg("gateway shutting down")
	if g.http != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = g.http.Shutdown(sctx)
		cancel()
	}
	<-g.cron.Stop().Done()

	if err := g.pollPool.Shutdown(g.cfg.Poller.ShutdownGrace); err != nil {
		g.log.Warn().Err(err).Msg("poll pool shutdown")
	}
	_ = g.reader.Close()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	g.protocols.StopAll(sctx)
	cancel()
	g.sessions.closeAll()

	if err := g.latestPool.Shutdown(5 * time.Second); err != nil {
		g.log.Warn().Err(err).Msg("latest pool shutdown")
	}
	if err := g.pipeline.Close(); err != nil {
		g.log.Warn().Err(err).Msg("push pipeline shutdown")
	}
	g.points.Close()
	g.closeResources()
	g.log.Info().Msg("gateway stopped")
}

// abort undoes a partially built gateway.
func (g *Gateway) abort() {
	for _, p := range []*workerpool.Pool{g.pollPool, g.pushPool, g.latestPool} {
		if p != nil {
			_ = p.Shutdown(time.Second)
		}
	}
	if g.points != nil {
		g.points.Close()
	}
	g.closeResources()
}

// closeResources releases handles opened by New.
func (g *Gateway) closeResources() {
	if g.sinkDone != nil {
		g.sinkDone()
		g.sinkDone = nil
	}
	if g.redis != nil {
		_ = g.redis.Close()
		g.redis = nil
	}
	if g.store != nil {
		_ = g.store.Close()
		g.store = nil
	}
}
