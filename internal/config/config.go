package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Problem describes a config value that was rejected and replaced by its default.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Config is the gateway process configuration. It mirrors config/gateway.yaml.
type Config struct {
	Service  string         `yaml:"service"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Poller   PollerConfig   `yaml:"poller"`
	Push     PushConfig     `yaml:"push"`
	TSDB     TSDBConfig     `yaml:"tsdb"`
	Redis    RedisConfig    `yaml:"redis"`
	Session  SessionConfig  `yaml:"session"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type PollerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	Workers           int           `yaml:"workers"`
	MaxWorkers        int           `yaml:"max_workers"`
	QueueSize         int           `yaml:"queue_size"`
	TickTimeout       time.Duration `yaml:"tick_timeout"`
	DeviceTimeout     time.Duration `yaml:"device_timeout"`
	OfflineRetryEvery int           `yaml:"offline_retry_every"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

type PushConfig struct {
	Workers        int           `yaml:"workers"`
	MaxWorkers     int           `yaml:"max_workers"`
	QueueSize      int           `yaml:"queue_size"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ConfigCacheTTL time.Duration `yaml:"config_cache_ttl"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type TSDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	Measurement   string        `yaml:"measurement"`
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	StatusChannel string `yaml:"status_channel"`
	StatusHash    string `yaml:"status_hash"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Default returns a config populated with the gateway defaults.
func Default() Config {
	return Config{
		Service:  "iot-gateway",
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: "data/gateway.sqlite"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Poller: PollerConfig{
			Enabled:           true,
			Interval:          5 * time.Second,
			Workers:           10,
			MaxWorkers:        50,
			QueueSize:         500,
			TickTimeout:       15 * time.Second,
			DeviceTimeout:     3 * time.Second,
			OfflineRetryEvery: 6,
			ShutdownGrace:     10 * time.Second,
		},
		Push: PushConfig{
			Workers:        4,
			MaxWorkers:     10,
			QueueSize:      500,
			RetryBackoff:   time.Second,
			DefaultTimeout: 5 * time.Second,
			ConfigCacheTTL: 30 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		TSDB: TSDBConfig{
			Measurement:   "device_property",
			QueueSize:     5000,
			BatchSize:     100,
			FlushInterval: time.Second,
			WriteTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			StatusChannel: "gateway:device:status",
			StatusHash:    "gateway:device:last_status",
		},
		Session: SessionConfig{IdleTimeout: 90 * time.Second},
	}
}

// Load reads the YAML file at path (optional when empty), applies environment
// overrides and validates the result. Invalid values are reset to their defaults
// and reported as problems.
func Load(path string) (Config, []Problem, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	problems := make([]Problem, 0, 4)
	applyEnv(&cfg, &problems)
	validate(&cfg, &problems)
	return cfg, problems, nil
}

func applyEnv(cfg *Config, problems *[]Problem) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("GATEWAY_LOG_LEVEL", &cfg.Log.Level)
	setString("GATEWAY_DB_PATH", &cfg.Database.Path)
	setString("GATEWAY_HTTP_ADDR", &cfg.HTTP.Addr)
	setString("INFLUX_URL", &cfg.TSDB.URL)
	setString("INFLUX_TOKEN", &cfg.TSDB.Token)
	setString("INFLUX_ORG", &cfg.TSDB.Org)
	setString("INFLUX_BUCKET", &cfg.TSDB.Bucket)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)

	if cfg.TSDB.URL != "" && os.Getenv("INFLUX_URL") != "" {
		cfg.TSDB.Enabled = true
	}
	if cfg.Redis.Addr != "" && os.Getenv("REDIS_ADDR") != "" {
		cfg.Redis.Enabled = true
	}
	if v, ok := os.LookupEnv("GATEWAY_POLL_INTERVAL"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			*problems = append(*problems, Problem{Field: "GATEWAY_POLL_INTERVAL", Message: "must be a duration"})
		} else {
			cfg.Poller.Interval = d
		}
	}
	if v, ok := os.LookupEnv("REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			*problems = append(*problems, Problem{Field: "REDIS_DB", Message: "must be an integer"})
		} else {
			cfg.Redis.DB = n
		}
	}
}

func validate(cfg *Config, problems *[]Problem) {
	def := Default()
	add := func(field, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: msg})
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		add("log.level", "must be one of trace/debug/info/warn/error")
		cfg.Log.Level = def.Log.Level
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		add("log.format", "must be json or console")
		cfg.Log.Format = def.Log.Format
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		add("database.path", "must not be empty")
		cfg.Database.Path = def.Database.Path
	}

	p := &cfg.Poller
	if p.Interval <= 0 {
		add("poller.interval", "must be > 0")
		p.Interval = def.Poller.Interval
	}
	if p.Workers <= 0 {
		add("poller.workers", "must be > 0")
		p.Workers = def.Poller.Workers
	}
	if p.MaxWorkers < p.Workers {
		add("poller.max_workers", "must be >= poller.workers")
		p.MaxWorkers = max(p.Workers, def.Poller.MaxWorkers)
	}
	if p.QueueSize <= 0 {
		add("poller.queue_size", "must be > 0")
		p.QueueSize = def.Poller.QueueSize
	}
	if p.TickTimeout <= 0 {
		add("poller.tick_timeout", "must be > 0")
		p.TickTimeout = def.Poller.TickTimeout
	}
	if p.DeviceTimeout <= 0 {
		add("poller.device_timeout", "must be > 0")
		p.DeviceTimeout = def.Poller.DeviceTimeout
	}
	if p.OfflineRetryEvery <= 0 {
		add("poller.offline_retry_every", "must be > 0")
		p.OfflineRetryEvery = def.Poller.OfflineRetryEvery
	}
	if p.ShutdownGrace <= 0 {
		p.ShutdownGrace = def.Poller.ShutdownGrace
	}

	ps := &cfg.Push
	if ps.Workers <= 0 {
		add("push.workers", "must be > 0")
		ps.Workers = def.Push.Workers
	}
	if ps.MaxWorkers < ps.Workers {
		add("push.max_workers", "must be >= push.workers")
		ps.MaxWorkers = max(ps.Workers, def.Push.MaxWorkers)
	}
	if ps.QueueSize <= 0 {
		add("push.queue_size", "must be > 0")
		ps.QueueSize = def.Push.QueueSize
	}
	if ps.RetryBackoff < 0 {
		add("push.retry_backoff", "must be >= 0")
		ps.RetryBackoff = def.Push.RetryBackoff
	}
	if ps.DefaultTimeout <= 0 {
		ps.DefaultTimeout = def.Push.DefaultTimeout
	}
	if ps.ConfigCacheTTL < 0 {
		ps.ConfigCacheTTL = def.Push.ConfigCacheTTL
	}
	if ps.ShutdownGrace <= 0 {
		ps.ShutdownGrace = def.Push.ShutdownGrace
	}

	ts := &cfg.TSDB
	if ts.QueueSize <= 0 {
		add("tsdb.queue_size", "must be > 0")
		ts.QueueSize = def.TSDB.QueueSize
	}
	if ts.BatchSize <= 0 || ts.BatchSize > ts.QueueSize {
		add("tsdb.batch_size", "must be in 1..queue_size")
		ts.BatchSize = min(def.TSDB.BatchSize, ts.QueueSize)
	}
	if ts.FlushInterval <= 0 {
		add("tsdb.flush_interval", "must be > 0")
		ts.FlushInterval = def.TSDB.FlushInterval
	}
	if ts.WriteTimeout <= 0 {
		ts.WriteTimeout = def.TSDB.WriteTimeout
	}
	if strings.TrimSpace(ts.Measurement) == "" {
		ts.Measurement = def.TSDB.Measurement
	}
	if ts.Enabled && (ts.URL == "" || ts.Org == "" || ts.Bucket == "") {
		add("tsdb", "url, org and bucket are required when enabled; tsdb disabled")
		ts.Enabled = false
	}

	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		add("redis.addr", "required when redis is enabled; redis disabled")
		cfg.Redis.Enabled = false
	}
	if cfg.Redis.StatusChannel == "" {
		cfg.Redis.StatusChannel = def.Redis.StatusChannel
	}
	if cfg.Redis.StatusHash == "" {
		cfg.Redis.StatusHash = def.Redis.StatusHash
	}
	if cfg.Session.IdleTimeout <= 0 {
		cfg.Session.IdleTimeout = def.Session.IdleTimeout
	}
}
