package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
)

// State is the lifecycle state of one protocol config.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

// ConfigSource loads protocol configs.
type ConfigSource interface {
	GetProtocolConfig(ctx context.Context, id int64) (*model.ProtocolConfig, error)
	ListProtocolConfigs(ctx context.Context, status model.ProtocolStatus) ([]model.ProtocolConfig, error)
}

// Status is a snapshot of one managed instance.
type Status struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Port      int       `json:"port"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

type instance struct {
	cfg       model.ProtocolConfig
	server    Server
	state     State
	startedAt time.Time
}

// Manager owns protocol server instances and their ports. At most one
// instance runs per protocol config and per port.
type Manager struct {
	registry *Registry
	configs  ConfigSource
	deps     Deps
	log      zerolog.Logger
	metrics  *metrics.Metrics

	// mu guards instances; it is never held across server Start/Stop.
	mu        sync.Mutex
	instances map[int64]*instance
}

func NewManager(registry *Registry, configs ConfigSource, deps Deps) *Manager {
	return &Manager{
		registry:  registry,
		configs:   configs,
		deps:      deps,
		log:       deps.Logger.With().Str("component", "protocol-manager").Logger(),
		metrics:   deps.Metrics,
		instances: make(map[int64]*instance),
	}
}

// Start brings up the protocol config id.
func (m *Manager) Start(ctx context.Context, id int64) error {
	cfg, err := m.configs.GetProtocolConfig(ctx, id)
	if err != nil {
		return fmt.Errorf("load protocol config %d: %w", id, err)
	}
	if cfg.Status != model.ProtocolEnable {
		return &ConfigDisabledError{ProtocolID: id, Name: cfg.Name}
	}
	desc, err := m.registry.Resolve(cfg.ProtocolType)
	if err != nil {
		return err
	}

	inst, err := m.reserve(*cfg)
	if err != nil {
		return err
	}
	log := m.log.With().Int64("protocol_id", id).Str("type", cfg.ProtocolType).Int("port", cfg.Port).Logger()
	log.Debug().Msg("protocol starting")

	opts := parseConfig(cfg.Config, log)
	server, err := m.registry.Create(cfg.ProtocolType, m.deps)
	if err == nil {
		err = server.Start(ctx, cfg.Port, opts)
		// a shared singleton may still be serving another config
		if err != nil && !desc.Singleton {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Stop(stopCtx)
			cancel()
		}
	}
	if err != nil {
		m.release(id, StateFailed)
		log.Error().Err(err).Msg("protocol start failed")
		return &ProtocolStartError{ProtocolID: id, Type: cfg.ProtocolType, Err: err}
	}

	m.mu.Lock()
	inst.server = server
	inst.state = StateRunning
	inst.startedAt = time.Now()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ProtocolsRunning.Inc()
	}
	log.Info().Int("bound_port", server.Port()).Msg("protocol running")
	return nil
}

// reserve claims the config id and its port in one critical section so two
// concurrent starts cannot share a port.
func (m *Manager) reserve(cfg model.ProtocolConfig) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[cfg.ID]; ok {
		return nil, &AlreadyRunningError{ProtocolID: cfg.ID}
	}
	if cfg.Port > 0 {
		for _, other := range m.instances {
			if other.cfg.Port == cfg.Port {
				return nil, &PortConflictError{
					Port:       cfg.Port,
					ProtocolID: cfg.ID,
					HolderID:   other.cfg.ID,
					HolderName: other.cfg.Name,
					HolderType: other.cfg.ProtocolType,
				}
			}
		}
	}
	inst := &instance{cfg: cfg, state: StateStarting}
	m.instances[cfg.ID] = inst
	return inst, nil
}

func (m *Manager) release(id int64, via State) {
	m.mu.Lock()
	if inst, ok := m.instances[id]; ok {
		inst.state = via
		delete(m.instances, id)
	}
	m.mu.Unlock()
}

// Stop shuts down the running protocol id and removes it.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.state != StateRunning {
		m.mu.Unlock()
		return &NotRunningError{ProtocolID: id}
	}
	inst.state = StateStopping
	m.mu.Unlock()

	err := inst.server.Stop(ctx)
	m.release(id, StateStopped)
	if m.metrics != nil {
		m.metrics.ProtocolsRunning.Dec()
	}
	log := m.log.With().Int64("protocol_id", id).Str("type", inst.cfg.ProtocolType).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("protocol stopped with error")
		return fmt.Errorf("stop protocol %d: %w", id, err)
	}
	log.Info().Msg("protocol stopped")
	return nil
}

// Restart stops id when running and starts it again. A failed start leaves
// the protocol stopped.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	if err := m.Stop(ctx, id); err != nil {
		var nr *NotRunningError
		if !errors.As(err, &nr) {
			m.log.Warn().Err(err).Int64("protocol_id", id).Msg("restart: stop failed, starting anyway")
		}
	}
	return m.Start(ctx, id)
}

// IsRunning reports whether id is in the RUNNING state.
func (m *Manager) IsRunning(id int64) bool {
	return m.State(id) == StateRunning
}

func (m *Manager) State(id int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		return inst.state
	}
	return StateStopped
}

// Running lists managed instances ordered by id.
func (m *Manager) Running() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.instances))
	for _, inst := range m.instances {
		st := Status{
			ID:        inst.cfg.ID,
			Name:      inst.cfg.Name,
			Type:      inst.cfg.ProtocolType,
			Port:      inst.cfg.Port,
			State:     inst.state,
			StartedAt: inst.startedAt,
		}
		if inst.server != nil {
			st.Port = inst.server.Port()
		}
		out = append(out, st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartAll starts every enabled protocol config. Failures are logged and do
// not prevent the remaining starts; they are returned joined.
func (m *Manager) StartAll(ctx context.Context) (int, error) {
	cfgs, err := m.configs.ListProtocolConfigs(ctx, model.ProtocolEnable)
	if err != nil {
		return 0, fmt.Errorf("list protocol configs: %w", err)
	}
	started := 0
	var errs []error
	for _, c := range cfgs {
		if err := m.Start(ctx, c.ID); err != nil {
			m.log.Error().Err(err).Int64("protocol_id", c.ID).Str("name", c.Name).Msg("auto-start failed")
			errs = append(errs, err)
			continue
		}
		started++
	}
	m.log.Info().Int("started", started).Int("failed", len(errs)).Msg("protocol auto-start finished")
	return started, errors.Join(errs...)
}

// StopAll stops every running protocol.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn().Err(err).Int64("protocol_id", id).Msg("stop on shutdown")
		}
	}
}

// parseConfig decodes the JSON options of a protocol. Malformed JSON yields an
// empty config.
func parseConfig(raw string, log zerolog.Logger) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warn().Err(err).Msg("malformed protocol config, using empty config")
		return map[string]any{}
	}
	return out
}
