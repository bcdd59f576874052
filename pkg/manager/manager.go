// Package manager drives every enabled plugin through its lifecycle and
// routes host requests to ready instances.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pluginhost/pkg/bridge"
	"pluginhost/pkg/metrics"
	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
	"pluginhost/pkg/registry"
	"pluginhost/pkg/supervisor"
	"pluginhost/pkg/transport"
	"pluginhost/pkg/worker"
)

// Config holds lifecycle and restart policy settings.
type Config struct {
	Handshake    models.HandshakeConfig
	Timeouts     transport.Timeouts
	StartTimeout time.Duration
	StopTimeout  time.Duration
	SocketDir    string
	Network      string

	// MaxRestarts bounds consecutive restarts. Zero disables restarting.
	MaxRestarts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// StableAfter resets the restart budget once an instance has stayed up this long.
	StableAfter time.Duration

	HealthCheckConcurrency int
	EncryptionKey          string
	EventBuffer            int
}

// DefaultConfig returns the stock restart policy: three restarts with
// exponential backoff from 1s doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		Handshake:              protocol.Handshake,
		Timeouts:               transport.DefaultTimeouts,
		StartTimeout:           10 * time.Second,
		StopTimeout:            5 * time.Second,
		MaxRestarts:            3,
		InitialBackoff:         time.Second,
		MaxBackoff:             30 * time.Second,
		BackoffFactor:          2,
		StableAfter:            time.Minute,
		HealthCheckConcurrency: 4,
		EventBuffer:            100,
	}
}

// Option customises a Manager.
type Option func(*Manager)

// WithBridge injects the host services bridge. Without it plugins get no
// callback service.
func WithBridge(b *bridge.Bridge) Option {
	return func(m *Manager) { m.bridge = b }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithPool runs dispatched calls on a shared worker pool.
func WithPool(p *worker.Pool) Option {
	return func(m *Manager) { m.pool = p }
}

// Manager owns every plugin instance. The instance set is fixed at New.
type Manager struct {
	cfg        Config
	supervisor *supervisor.Supervisor
	bridge     *bridge.Bridge
	metrics    *metrics.Collector
	pool       *worker.Pool

	order     []string
	instances map[string]*instance
	bindings  *bindingTable
	events    chan models.Event

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a manager for every descriptor in the registry. Nothing is
// launched until Start.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	if cfg.HealthCheckConcurrency <= 0 {
		cfg.HealthCheckConcurrency = 4
	}

	m := &Manager{
		cfg: cfg,
		supervisor: supervisor.New(supervisor.Config{
			Handshake:    cfg.Handshake,
			StartTimeout: cfg.StartTimeout,
			StopTimeout:  cfg.StopTimeout,
			SocketDir:    cfg.SocketDir,
			Network:      cfg.Network,
		}),
		instances: make(map[string]*instance),
		bindings:  newBindingTable(),
		events:    make(chan models.Event, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, desc := range reg.AllDescriptors() {
		m.order = append(m.order, desc.ID)
		m.instances[desc.ID] = newInstance(desc)
		m.metrics.SetState(desc.ID, models.StatePending)
	}
	return m
}

// Start launches a control loop per enabled plugin. Disabled plugins stay Pending.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("plugin manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	launched := 0
	for _, id := range m.order {
		inst := m.instances[id]
		if !inst.desc.Enabled {
			slog.Info("Plugin disabled, leaving pending", "component", "PluginManager", "plugin_id", id)
			close(inst.loopDone)
			continue
		}
		launched++
		m.wg.Add(1)
		go m.run(m.ctx, inst)
	}

	slog.Info("Plugin manager started", "component", "PluginManager", "plugins", len(m.order), "launched", launched)
	return nil
}

// Stop shuts every plugin down gracefully and waits for the control loops.
// The events channel is closed afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	slog.Info("Stopping plugin manager", "component", "PluginManager")
	cancel()
	m.wg.Wait()
	close(m.events)
	slog.Info("Plugin manager stopped", "component", "PluginManager")
}

// Events streams lifecycle events. Delivery is best effort: events are
// dropped when the buffer is full.
func (m *Manager) Events() <-chan models.Event { return m.events }

func (m *Manager) sendEvent(evt models.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case m.events <- evt:
	default:
		slog.Warn("Event channel full, dropping event", "component", "PluginManager", "type", evt.Type, "plugin_id", evt.PluginID)
	}
}

func (m *Manager) lookup(id string) (*instance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return inst, nil
}

// Status returns a snapshot of one plugin.
func (m *Manager) Status(id string) (models.PluginStatus, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return models.PluginStatus{}, err
	}
	return inst.status(), nil
}

// Statuses returns a snapshot of every plugin in registry order.
func (m *Manager) Statuses() []models.PluginStatus {
	out := make([]models.PluginStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id].status())
	}
	return out
}

// GetPluginMetrics returns call statistics for one plugin.
func (m *Manager) GetPluginMetrics(id string) (models.PluginMetrics, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return models.PluginMetrics{}, err
	}
	return inst.metrics(), nil
}

// Routable lists the plugin ids currently present in the binding table.
func (m *Manager) Routable() []string {
	ids := m.bindings.bound()
	sort.Strings(ids)
	return ids
}

// StopPlugin stops one plugin and keeps it Stopped. Stopping a stopped plugin is a no-op.
func (m *Manager) StopPlugin(ctx context.Context, id string) error {
	return m.control(ctx, id, models.OpStop)
}

// RestartPlugin relaunches a plugin and resets its restart budget. It also
// revives plugins parked in Stopped.
func (m *Manager) RestartPlugin(ctx context.Context, id string) error {
	return m.control(ctx, id, models.OpRestart)
}

func (m *Manager) control(ctx context.Context, id, op string) error {
	inst, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !inst.desc.Enabled {
		return fmt.Errorf("%w: %s", models.ErrPluginDisabled, id)
	}
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return fmt.Errorf("%w: %s: manager not started", models.ErrCapabilityUnavailable, id)
	}

	replyCh := make(chan models.Response, 1)
	select {
	case inst.reqCh <- models.Request{Operation: op, PluginID: id, ReplyCh: replyCh}:
	case <-inst.loopDone:
		return fmt.Errorf("%w: %s: manager stopped", models.ErrCapabilityUnavailable, id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case resp := <-replyCh:
		return resp.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}
