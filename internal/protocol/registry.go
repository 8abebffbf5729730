package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iot-gateway/internal/ingest"
	"iot-gateway/internal/metrics"
	"iot-gateway/internal/model"
	"iot-gateway/internal/session"
)

// Server is a protocol listener managed by the lifecycle Manager.
type Server interface {
	Start(ctx context.Context, port int, cfg map[string]any) error
	Stop(ctx context.Context) error
	// Port returns the bound port, which differs from the configured one when that was 0.
	Port() int
}

// AddressField describes one device addressing parameter a protocol needs.
type AddressField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// AddressConfigProvider is implemented by servers that expose a device
// addressing schema.
type AddressConfigProvider interface {
	AddressSchema() []AddressField
}

// Authenticator validates device credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceKey, secret string) (*model.Device, error)
}

// StatusNotifier receives device connectivity changes.
type StatusNotifier interface {
	NotifyDeviceStatusChange(ctx context.Context, device model.Device, status model.DeviceStatus)
}

// Deps are injected into stateful servers when they are created.
type Deps struct {
	Logger      zerolog.Logger
	Sink        ingest.Sink
	Auth        Authenticator
	Notifier    StatusNotifier
	Metrics     *metrics.Metrics
	IdleTimeout time.Duration
	// Sessions returns the shared session table for a protocol type.
	Sessions func(protocolType string) *session.Table
}

// Descriptor is the registration of one protocol type.
type Descriptor struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DefaultPort int    `json:"defaultPort"`
	// Singleton servers are created once and shared; others are built per start.
	Singleton bool                   `json:"singleton"`
	New       func(deps Deps) Server `json:"-"`
}

type registration struct {
	desc     Descriptor
	once     sync.Once
	instance Server
}

// ErrRegistrySealed is returned by Register after Seal.
var ErrRegistrySealed = errors.New("protocol registry is sealed")

// Registry maps protocol types to their constructors. It is filled at startup
// and sealed; after that it is only read.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]*registration
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]*registration)}
}

func normalize(t string) string { return strings.ToUpper(strings.TrimSpace(t)) }

// Register adds a protocol type. Duplicate types are rejected.
func (r *Registry) Register(d Descriptor) error {
	d.Type = normalize(d.Type)
	if d.Type == "" {
		return errors.New("protocol type is required")
	}
	if d.New == nil {
		return fmt.Errorf("protocol %s: constructor is required", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.byType[d.Type]; ok {
		return fmt.Errorf("protocol %s already registered", d.Type)
	}
	r.byType[d.Type] = &registration{desc: d}
	return nil
}

// Seal forbids further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) lookup(t string) (*registration, error) {
	r.mu.RLock()
	reg, ok := r.byType[normalize(t)]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownProtocolError{Type: t}
	}
	return reg, nil
}

// Resolve returns the descriptor registered for t.
func (r *Registry) Resolve(t string) (Descriptor, error) {
	reg, err := r.lookup(t)
	if err != nil {
		return Descriptor{}, err
	}
	return reg.desc, nil
}

// Create returns a server for t: the shared instance for singletons, a fresh
// one otherwise.
func (r *Registry) Create(t string, deps Deps) (Server, error) {
	reg, err := r.lookup(t)
	if err != nil {
		return nil, err
	}
	if !reg.desc.Singleton {
		s := reg.desc.New(deps)
		if s == nil {
			return nil, fmt.Errorf("protocol %s: constructor returned nil", reg.desc.Type)
		}
		return s, nil
	}
	reg.once.Do(func() { reg.instance = reg.desc.New(deps) })
	if reg.instance == nil {
		return nil, fmt.Errorf("protocol %s: constructor returned nil", reg.desc.Type)
	}
	return reg.instance, nil
}

func (r *Registry) Types() []string {
	descs := r.Describe()
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Type
	}
	return out
}

// Describe lists every registration sorted by type.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.byType))
	for _, reg := range r.byType {
		out = append(out, reg.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// AddressSchema returns the addressing schema of t, or nil when its server
// does not provide one.
func (r *Registry) AddressSchema(t string, deps Deps) ([]AddressField, error) {
	reg, err := r.lookup(t)
	if err != nil {
		return nil, err
	}
	var s Server
	if reg.desc.Singleton {
		if s, err = r.Create(t, deps); err != nil {
			return nil, err
		}
	} else {
		s = reg.desc.New(deps)
	}
	if p, ok := s.(AddressConfigProvider); ok {
		return p.AddressSchema(), nil
	}
	return nil, nil
}
