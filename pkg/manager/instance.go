package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"pluginhost/pkg/models"
	"pluginhost/pkg/transport"
)

// healthReport is a single health observation applied by the control loop.
// client identifies the session it was made on; reports about an earlier
// session are dropped.
type healthReport struct {
	client *transport.Client
	ok     bool
	err    error
}

// instance is the runtime record of one registry entry. Lifecycle fields are
// written only by the instance's control loop; mu protects readers.
type instance struct {
	desc models.PluginDescriptor

	reqCh    chan models.Request
	reports  chan healthReport
	loopDone chan struct{}

	mu                  sync.RWMutex
	state               models.LifecycleState
	instanceID          string
	pid                 int
	version             string
	restartCount        int
	consecutiveFailures int
	lastHealthCheck     time.Time
	lastHealthOK        bool
	lastError           string
	startedAt           time.Time

	calls        atomic.Uint64
	failures     atomic.Uint64
	timeouts     atomic.Uint64
	latencyTotal atomic.Int64 // nanoseconds
	lastCallAt   atomic.Int64 // unix nanoseconds
}

func newInstance(desc models.PluginDescriptor) *instance {
	return &instance{
		desc:     desc,
		reqCh:    make(chan models.Request),
		reports:  make(chan healthReport, 16),
		loopDone: make(chan struct{}),
		state:    models.StatePending,
	}
}

func (inst *instance) getState() models.LifecycleState {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.state
}

// report hands a failed call to the control loop without blocking the caller.
func (inst *instance) report(r healthReport) {
	select {
	case inst.reports <- r:
	default:
	}
}

func (inst *instance) status() models.PluginStatus {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return models.PluginStatus{
		ID:                  inst.desc.ID,
		InstanceID:          inst.instanceID,
		Kind:                inst.desc.Kind,
		Enabled:             inst.desc.Enabled,
		State:               inst.state,
		PID:                 inst.pid,
		PluginVersion:       inst.version,
		RestartCount:        inst.restartCount,
		ConsecutiveFailures: inst.consecutiveFailures,
		LastHealthCheck:     inst.lastHealthCheck,
		LastHealthOK:        inst.lastHealthOK,
		LastError:           inst.lastError,
		StartedAt:           inst.startedAt,
	}
}

func (inst *instance) recordCall(d time.Duration, failed, timedOut bool) {
	inst.calls.Add(1)
	inst.latencyTotal.Add(int64(d))
	inst.lastCallAt.Store(time.Now().UnixNano())
	if failed {
		inst.failures.Add(1)
	}
	if timedOut {
		inst.timeouts.Add(1)
	}
}

func (inst *instance) metrics() models.PluginMetrics {
	st := inst.status()
	m := models.PluginMetrics{
		ID:       st.ID,
		State:    st.State,
		Calls:    inst.calls.Load(),
		Failures: inst.failures.Load(),
		Timeouts: inst.timeouts.Load(),
		Restarts: st.RestartCount,
	}
	if m.Calls > 0 {
		m.AvgLatencyMs = float64(inst.latencyTotal.Load()) / float64(m.Calls) / float64(time.Millisecond)
	}
	if last := inst.lastCallAt.Load(); last > 0 {
		m.LastCallAt = time.Unix(0, last)
	}
	if st.State.Routable() && !st.StartedAt.IsZero() {
		m.UptimeSeconds = time.Since(st.StartedAt).Seconds()
	}
	return m
}
