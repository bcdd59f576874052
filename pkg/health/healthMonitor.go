package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pluginhost/pkg/models"
)

// Checker runs one health sweep over every plugin.
type Checker interface {
	HealthCheckAll(ctx context.Context) []models.HealthResult
}

// FailureRecord tracks crash history for a single plugin.
type FailureRecord struct {
	LastTime time.Time
	Count    int
}

// HealthMonitor sweeps plugin health on a fixed interval and consumes the
// manager's lifecycle events. Plugins that crash repeatedly inside the
// window are reported as flapping.
type HealthMonitor struct {
	checker   Checker
	eventChan <-chan models.Event
	interval  time.Duration
	window    time.Duration
	threshold int

	failures map[string]FailureRecord

	mu        sync.RWMutex
	recent    []models.Event
	maxRecent int
	last      []models.HealthResult
	flapping  map[string]bool
}

// NewHealthMonitor creates a new HealthMonitor instance.
func NewHealthMonitor(
	checker Checker,
	eventChan <-chan models.Event,
	interval time.Duration,
	window time.Duration,
	threshold int,
) *HealthMonitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthMonitor{
		checker:   checker,
		eventChan: eventChan,
		interval:  interval,
		window:    window,
		threshold: threshold,
		failures:  make(map[string]FailureRecord),
		maxRecent: 200,
		flapping:  make(map[string]bool),
	}
}

// Run starts the health monitor's main loop. A non-positive interval
// disables periodic sweeps but events are still consumed.
func (hm *HealthMonitor) Run(ctx context.Context) {
	slog.Info("Starting health monitor",
		"component", "HealthMonitor",
		"interval", hm.interval.String(),
		"window", hm.window.String(),
		"threshold", hm.threshold,
	)

	var tick <-chan time.Time
	if hm.interval > 0 {
		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := hm.eventChan
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping health monitor", "component", "HealthMonitor")
			return
		case <-tick:
			hm.Sweep(ctx)
		case event, ok := <-events:
			if !ok {
				events = nil // manager stopped
				continue
			}
			hm.handleEvent(event)
		}
	}
}

// Sweep runs one health check over all plugins and records the results.
func (hm *HealthMonitor) Sweep(ctx context.Context) []models.HealthResult {
	results := hm.checker.HealthCheckAll(ctx)
	unhealthy := 0
	for _, r := range results {
		if r.Healthy || r.State == models.StatePending {
			continue
		}
		unhealthy++
		slog.Warn("Plugin unhealthy",
			"component", "HealthMonitor",
			"plugin_id", r.ID,
			"state", r.State,
			"error", r.Error,
		)
	}
	slog.Debug("Health sweep finished", "component", "HealthMonitor", "plugins", len(results), "unhealthy", unhealthy)

	hm.mu.Lock()
	hm.last = results
	hm.mu.Unlock()
	return results
}

func (hm *HealthMonitor) handleEvent(event models.Event) {
	hm.mu.Lock()
	hm.recent = append(hm.recent, event)
	if len(hm.recent) > hm.maxRecent {
		hm.recent = hm.recent[len(hm.recent)-hm.maxRecent:]
	}
	hm.mu.Unlock()

	switch event.Type {
	case models.EventCrashed:
		hm.handleFailure(event)
	case models.EventStateChanged:
		if event.To == models.StateReady {
			hm.setFlapping(event.PluginID, false)
		}
	case models.EventRestartExhausted, models.EventHandshakeRejected:
		slog.Error("Plugin taken out of service",
			"component", "HealthMonitor",
			"plugin_id", event.PluginID,
			"reason", event.Type,
			"error", event.Error,
		)
		delete(hm.failures, event.PluginID)
	}
}

// handleFailure processes a crash event and updates the failure count.
func (hm *HealthMonitor) handleFailure(event models.Event) {
	record := hm.failures[event.PluginID]

	if event.Timestamp.Sub(record.LastTime) < hm.window {
		record.Count++
		slog.Debug("Crash count increased",
			"component", "HealthMonitor",
			"plugin_id", event.PluginID,
			"count", record.Count,
			"threshold", hm.threshold,
		)

		if record.Count >= hm.threshold {
			slog.Warn("Plugin is flapping",
				"component", "HealthMonitor",
				"plugin_id", event.PluginID,
				"count", record.Count,
				"window", hm.window.String(),
			)
			hm.setFlapping(event.PluginID, true)
			delete(hm.failures, event.PluginID)
			return
		}
	} else {
		// Outside window: reset count to 1
		record.Count = 1
	}

	record.LastTime = event.Timestamp
	hm.failures[event.PluginID] = record
}

func (hm *HealthMonitor) setFlapping(id string, on bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if on {
		hm.flapping[id] = true
	} else {
		delete(hm.flapping, id)
	}
}

// Recent returns the retained lifecycle events, oldest first.
func (hm *HealthMonitor) Recent() []models.Event {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]models.Event, len(hm.recent))
	copy(out, hm.recent)
	return out
}

// LastSweep returns the results of the most recent periodic sweep.
func (hm *HealthMonitor) LastSweep() []models.HealthResult {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]models.HealthResult, len(hm.last))
	copy(out, hm.last)
	return out
}

// Flapping reports whether a plugin crossed the crash threshold and has not
// become ready since.
func (hm *HealthMonitor) Flapping(id string) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.flapping[id]
}
