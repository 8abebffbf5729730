package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
)

type fakeServer struct {
	failStart error
	started   atomic.Int32
	stopped   atomic.Int32
	port      int
	cfg       map[string]any
}

func (s *fakeServer) Start(_ context.Context, port int, cfg map[string]any) error {
	s.started.Add(1)
	if s.failStart != nil {
		return s.failStart
	}
	s.port = port
	s.cfg = cfg
	return nil
}

func (s *fakeServer) Stop(context.Context) error {
	s.stopped.Add(1)
	return nil
}

func (s *fakeServer) Port() int { return s.port }

type schemaServer struct{ fakeServer }

func (s *schemaServer) AddressSchema() []AddressField {
	return []AddressField{{Name: "slaveId", Type: "int", Required: true}}
}

type memConfigs struct {
	mu   sync.Mutex
	cfgs map[int64]model.ProtocolConfig
}

func (c *memConfigs) add(cfg model.ProtocolConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfgs == nil {
		c.cfgs = map[int64]model.ProtocolConfig{}
	}
	c.cfgs[cfg.ID] = cfg
}

func (c *memConfigs) GetProtocolConfig(_ context.Context, id int64) (*model.ProtocolConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.cfgs[id]
	if !ok {
		return nil, fmt.Errorf("protocol config %d: not found", id)
	}
	return &cfg, nil
}

func (c *memConfigs) ListProtocolConfigs(_ context.Context, status model.ProtocolStatus) ([]model.ProtocolConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.ProtocolConfig
	for _, cfg := range c.cfgs {
		if status == "" || cfg.Status == status {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// harness wires a registry of fake protocols; created records every server built.
type harness struct {
	reg     *Registry
	configs *memConfigs
	mgr     *Manager
	mu      sync.Mutex
	created []*fakeServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: NewRegistry(), configs: &memConfigs{}}
	require.NoError(t, h.reg.Register(Descriptor{Type: "ok", New: func(Deps) Server {
		s := &fakeServer{}
		h.mu.Lock()
		h.created = append(h.created, s)
		h.mu.Unlock()
		return s
	}}))
	require.NoError(t, h.reg.Register(Descriptor{Type: "broken", New: func(Deps) Server {
		return &fakeServer{failStart: errors.New("bind: address already in use")}
	}}))
	require.NoError(t, h.reg.Register(Descriptor{Type: "shared", Singleton: true, New: func(Deps) Server {
		return &schemaServer{}
	}}))
	h.reg.Seal()
	h.mgr = NewManager(h.reg, h.configs, Deps{Logger: zerolog.Nop(), Metrics: metrics.New()})
	return h
}

func TestRegistryResolveAndCreate(t *testing.T) {
	h := newHarness(t)

	_, err := h.reg.Resolve("nope")
	var unknown *UnknownProtocolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Type)

	d, err := h.reg.Resolve(" OK ")
	require.NoError(t, err)
	assert.Equal(t, "OK", d.Type)

	a, err := h.reg.Create("ok", Deps{})
	require.NoError(t, err)
	b, err := h.reg.Create("ok", Deps{})
	require.NoError(t, err)
	assert.NotSame(t, a.(*fakeServer), b.(*fakeServer))

	s1, err := h.reg.Create("shared", Deps{})
	require.NoError(t, err)
	s2, err := h.reg.Create("SHARED", Deps{})
	require.NoError(t, err)
	assert.Same(t, s1.(*schemaServer), s2.(*schemaServer))

	schema, err := h.reg.AddressSchema("shared", Deps{})
	require.NoError(t, err)
	require.Len(t, schema, 1)
	assert.Equal(t, "slaveId", schema[0].Name)
	schema, err = h.reg.AddressSchema("ok", Deps{})
	require.NoError(t, err)
	assert.Nil(t, schema)

	assert.ErrorIs(t, h.reg.Register(Descriptor{Type: "late", New: func(Deps) Server { return &fakeServer{} }}), ErrRegistrySealed)
	assert.Len(t, h.reg.Describe(), 3)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	newFn := func(Deps) Server { return &fakeServer{} }
	require.NoError(t, r.Register(Descriptor{Type: "tcp", New: newFn}))
	assert.Error(t, r.Register(Descriptor{Type: "TCP", New: newFn}))
	assert.Error(t, r.Register(Descriptor{Type: "", New: newFn}))
	assert.Error(t, r.Register(Descriptor{Type: "udp"}))
}

func TestManagerStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "a", ProtocolType: "ok", Port: 9100, Status: model.ProtocolEnable, Config: `{"idleTimeout":"30s"}`})

	require.NoError(t, h.mgr.Start(ctx, 1))
	assert.True(t, h.mgr.IsRunning(1))
	assert.Equal(t, StateRunning, h.mgr.State(1))
	require.Len(t, h.created, 1)
	assert.Equal(t, "30s", h.created[0].cfg["idleTimeout"])

	var already *AlreadyRunningError
	assert.ErrorAs(t, h.mgr.Start(ctx, 1), &already)

	require.NoError(t, h.mgr.Stop(ctx, 1))
	assert.False(t, h.mgr.IsRunning(1))
	assert.Equal(t, StateStopped, h.mgr.State(1))
	assert.Equal(t, int32(1), h.created[0].stopped.Load())

	var notRunning *NotRunningError
	assert.ErrorAs(t, h.mgr.Stop(ctx, 1), &notRunning)
}

func TestManagerRejectsDisabledAndUnknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "off", ProtocolType: "ok", Port: 9100, Status: model.ProtocolDisable})
	h.configs.add(model.ProtocolConfig{ID: 2, Name: "what", ProtocolType: "carrier-pigeon", Port: 9101, Status: model.ProtocolEnable})

	var disabled *ConfigDisabledError
	assert.ErrorAs(t, h.mgr.Start(ctx, 1), &disabled)
	var unknown *UnknownProtocolError
	assert.ErrorAs(t, h.mgr.Start(ctx, 2), &unknown)
	assert.Error(t, h.mgr.Start(ctx, 99))
	assert.Empty(t, h.mgr.Running())
}

func TestManagerPortConflictLeavesHolderUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "first", ProtocolType: "ok", Port: 9100, Status: model.ProtocolEnable})
	h.configs.add(model.ProtocolConfig{ID: 2, Name: "second", ProtocolType: "ok", Port: 9100, Status: model.ProtocolEnable})

	require.NoError(t, h.mgr.Start(ctx, 1))
	err := h.mgr.Start(ctx, 2)
	var conflict *PortConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.HolderID)
	assert.Equal(t, "first", conflict.HolderName)
	assert.Contains(t, err.Error(), "first")

	assert.True(t, h.mgr.IsRunning(1))
	assert.False(t, h.mgr.IsRunning(2))
	require.Len(t, h.created, 1)
	assert.Equal(t, int32(0), h.created[0].stopped.Load())
}

func TestManagerConcurrentStartsOnSamePort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const n = 16
	for i := int64(1); i <= n; i++ {
		h.configs.add(model.ProtocolConfig{ID: i, Name: fmt.Sprintf("p%d", i), ProtocolType: "ok", Port: 9200, Status: model.ProtocolEnable})
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if h.mgr.Start(ctx, id) == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	running := h.mgr.Running()
	require.Len(t, running, 1)
	assert.Equal(t, 9200, running[0].Port)
}

func TestManagerStartFailureIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "bad", ProtocolType: "broken", Port: 9100, Status: model.ProtocolEnable})
	h.configs.add(model.ProtocolConfig{ID: 2, Name: "good", ProtocolType: "ok", Port: 9100, Status: model.ProtocolEnable})

	err := h.mgr.Start(ctx, 1)
	var startErr *ProtocolStartError
	require.ErrorAs(t, err, &startErr)
	assert.Contains(t, startErr.Error(), "address already in use")
	assert.Equal(t, StateStopped, h.mgr.State(1))

	// the port is free again
	require.NoError(t, h.mgr.Start(ctx, 2))
}

func TestManagerMalformedConfigFallsBackToEmpty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "a", ProtocolType: "ok", Port: 9100, Status: model.ProtocolEnable, Config: `{"broken":`})

	require.NoError(t, h.mgr.Start(ctx, 1))
	require.Len(t, h.created, 1)
	assert.Empty(t, h.created[0].cfg)
}

func TestManagerRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "a", ProtocolType: "ok", Port: 9100, Status: model.ProtocolEnable})

	require.NoError(t, h.mgr.Restart(ctx, 1))
	require.NoError(t, h.mgr.Restart(ctx, 1))
	assert.True(t, h.mgr.IsRunning(1))
	require.Len(t, h.created, 2)
	assert.Equal(t, int32(1), h.created[0].stopped.Load())

	// disabling the config then restarting leaves it stopped
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "a", ProtocolType: "ok", Port: 9100, Status: model.ProtocolDisable})
	var disabled *ConfigDisabledError
	assert.ErrorAs(t, h.mgr.Restart(ctx, 1), &disabled)
	assert.False(t, h.mgr.IsRunning(1))
}

func TestManagerStartAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configs.add(model.ProtocolConfig{ID: 1, Name: "a", ProtocolType: "ok", Port: 9101, Status: model.ProtocolEnable})
	h.configs.add(model.ProtocolConfig{ID: 2, Name: "b", ProtocolType: "broken", Port: 9102, Status: model.ProtocolEnable})
	h.configs.add(model.ProtocolConfig{ID: 3, Name: "c", ProtocolType: "ok", Port: 9103, Status: model.ProtocolEnable})
	h.configs.add(model.ProtocolConfig{ID: 4, Name: "d", ProtocolType: "ok", Port: 9104, Status: model.ProtocolDisable})

	started, err := h.mgr.StartAll(ctx)
	assert.Equal(t, 2, started)
	var startErr *ProtocolStartError
	assert.ErrorAs(t, err, &startErr)
	assert.True(t, h.mgr.IsRunning(1))
	assert.True(t, h.mgr.IsRunning(3))
	assert.False(t, h.mgr.IsRunning(4))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h.mgr.StopAll(stopCtx)
	assert.Empty(t, h.mgr.Running())
}

func TestOptions(t *testing.T) {
	cfg := map[string]any{"n": float64(3), "s": "x", "d": "2s", "ms": float64(250), "b": true, "ns": "12"}
	assert.Equal(t, 3, IntOption(cfg, "n", 0))
	assert.Equal(t, 12, IntOption(cfg, "ns", 0))
	assert.Equal(t, 7, IntOption(cfg, "missing", 7))
	assert.Equal(t, "x", StringOption(cfg, "s", "y"))
	assert.Equal(t, 2*time.Second, DurationOption(cfg, "d", 0))
	assert.Equal(t, 250*time.Millisecond, DurationOption(cfg, "ms", 0))
	assert.True(t, BoolOption(cfg, "b", false))
}
