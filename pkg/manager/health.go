package manager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"pluginhost/pkg/models"
)

// HealthCheckPlugin pings one instance and applies the result to its
// lifecycle. It never waits longer than the ping timeout plus the time the
// control loop needs to answer.
func (m *Manager) HealthCheckPlugin(ctx context.Context, id string) (models.HealthResult, error) {
	inst, err := m.lookup(id)
	if err != nil {
		return models.HealthResult{}, err
	}

	result := models.HealthResult{ID: id, State: inst.getState(), CheckedAt: time.Now()}
	client, ok := m.bindings.lookup(id, inst.desc.Kind)
	if !ok {
		result.Error = fmt.Sprintf("plugin is %s", result.State)
		return result, nil
	}

	start := time.Now()
	pingErr := client.Ping(ctx)
	result.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
	result.Healthy = pingErr == nil
	if pingErr != nil {
		result.Error = pingErr.Error()
	}
	if pingErr != nil && ctx.Err() != nil {
		// The caller gave up; the ping says nothing about the plugin.
		result.State = inst.getState()
		return result, nil
	}
	m.metrics.RecordHealthCheck(id, result.Healthy)

	inst.mu.Lock()
	inst.lastHealthCheck = result.CheckedAt
	inst.lastHealthOK = result.Healthy
	inst.mu.Unlock()

	result.State = m.applyReport(ctx, inst, healthReport{client: client, ok: pingErr == nil, err: pingErr})
	return result, nil
}

// applyReport hands the observation to the control loop and returns the
// resulting state. If the loop is busy booting, the current state is returned.
func (m *Manager) applyReport(ctx context.Context, inst *instance, r healthReport) models.LifecycleState {
	wait := m.cfg.Timeouts.Ping
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	replyCh := make(chan models.Response, 1)
	select {
	case inst.reqCh <- models.Request{Operation: models.OpHealthReport, PluginID: inst.desc.ID, Payload: r, ReplyCh: replyCh}:
	case <-inst.loopDone:
		return inst.getState()
	case <-timer.C:
		return inst.getState()
	case <-ctx.Done():
		return inst.getState()
	}

	select {
	case resp := <-replyCh:
		if state, ok := resp.Data.(models.LifecycleState); ok {
			return state
		}
	case <-timer.C:
	case <-ctx.Done():
	}
	return inst.getState()
}

// HealthCheckAll checks every plugin concurrently and returns results in registry order.
func (m *Manager) HealthCheckAll(ctx context.Context) []models.HealthResult {
	results := make([]models.HealthResult, len(m.order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.HealthCheckConcurrency)
	for i, id := range m.order {
		g.Go(func() error {
			r, err := m.HealthCheckPlugin(gctx, id)
			if err != nil {
				r = models.HealthResult{ID: id, Error: err.Error(), CheckedAt: time.Now()}
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}
