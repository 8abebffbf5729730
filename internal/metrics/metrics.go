package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors, registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	PollTicks        prometheus.Counter
	PollTickTimeouts prometheus.Counter
	PollResults      *prometheus.CounterVec
	PollOfflineSkips prometheus.Counter
	PollDuration     prometheus.Histogram

	PushResults  *prometheus.CounterVec
	PushRetries  prometheus.Counter
	PushDuration *prometheus.HistogramVec
	PushFiltered prometheus.Counter

	TSDBPoints        *prometheus.CounterVec
	TSDBForcedFlushes prometheus.Counter
	TSDBQueueDepth    prometheus.Gauge

	PoolCallerRuns *prometheus.CounterVec
	PoolPanics     *prometheus.CounterVec

	ProtocolsRunning prometheus.Gauge
	Sessions         *prometheus.GaugeVec
	SessionEvictions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_ticks_total",
			Help: "Total polling ticks executed.",
		}),
		PollTickTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_tick_timeouts_total",
			Help: "Polling ticks that stopped waiting before every device finished.",
		}),
		PollResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_device_polls_total",
			Help: "Device polls by result.",
		}, []string{"result"}),
		PollOfflineSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_offline_skips_total",
			Help: "Offline devices skipped by backoff.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_poll_tick_duration_seconds",
			Help:    "Wall time of a polling tick.",
			Buckets: prometheus.DefBuckets,
		}),
		PushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_push_total",
			Help: "Northbound deliveries by channel and result.",
		}, []string{"channel", "result"}),
		PushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_push_retries_total",
			Help: "Northbound delivery retries.",
		}),
		PushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_push_duration_seconds",
			Help:    "Northbound delivery latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		PushFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_push_filtered_total",
			Help: "Pushes discarded by data filters.",
		}),
		TSDBPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tsdb_points_total",
			Help: "Time-series points by outcome.",
		}, []string{"outcome"}),
		TSDBForcedFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_forced_flushes_total",
			Help: "Flushes forced by a full queue.",
		}),
		TSDBQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_tsdb_queue_depth",
			Help: "Points waiting to be flushed.",
		}),
		PoolCallerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pool_caller_runs_total",
			Help: "Tasks executed on the submitting goroutine because the pool was saturated.",
		}, []string{"pool"}),
		PoolPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pool_panics_total",
			Help: "Recovered task panics.",
		}, []string{"pool"}),
		ProtocolsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_protocols_running",
			Help: "Protocol servers currently running.",
		}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Live device sessions by protocol.",
		}, []string{"protocol"}),
		SessionEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_session_evictions_total",
			Help: "Sessions evicted by reason.",
		}, []string{"reason"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PollTicks, m.PollTickTimeouts, m.PollResults, m.PollOfflineSkips, m.PollDuration,
		m.PushResults, m.PushRetries, m.PushDuration, m.PushFiltered,
		m.TSDBPoints, m.TSDBForcedFlushes, m.TSDBQueueDepth,
		m.PoolCallerRuns, m.PoolPanics,
		m.ProtocolsRunning, m.Sessions, m.SessionEvictions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObservePush records one finished delivery.
func (m *Metrics) ObservePush(channel string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failed"
	}
	m.PushResults.WithLabelValues(channel, result).Inc()
	m.PushDuration.WithLabelValues(channel).Observe(d.Seconds())
}
