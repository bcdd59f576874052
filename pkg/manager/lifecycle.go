package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pluginhost/pkg/database"
	"pluginhost/pkg/handshake"
	"pluginhost/pkg/models"
	"pluginhost/pkg/supervisor"
	"pluginhost/pkg/transport"
)

type outcomeKind int

const (
	outcomeCrashed  outcomeKind = iota // eligible for restart
	outcomeRejected                    // handshake mismatch, never restarted
	outcomeFatal                       // configuration problem, never restarted
	outcomeStopped                     // operator stop
	outcomeRestart                     // operator restart
	outcomeShutdown                    // manager stopping
)

type outcome struct {
	kind   outcomeKind
	err    error
	stable bool // instance stayed up for StableAfter
}

// run is the single control loop for one plugin instance. It is the only
// writer of the instance's lifecycle fields.
func (m *Manager) run(ctx context.Context, inst *instance) {
	defer m.wg.Done()
	defer close(inst.loopDone)

	budget := 0
	backoff := m.cfg.InitialBackoff

	for {
		out := m.runOnce(ctx, inst)

		switch out.kind {
		case outcomeShutdown:
			m.transition(inst, models.StateStopped, nil)
			return

		case outcomeStopped:
			m.transition(inst, models.StateStopped, nil)
			if !m.park(ctx, inst) {
				return
			}
			budget, backoff = 0, m.cfg.InitialBackoff
			m.transition(inst, models.StateRestarting, nil)
			continue

		case outcomeRestart:
			budget, backoff = 0, m.cfg.InitialBackoff
			m.transition(inst, models.StateRestarting, nil)
			continue

		case outcomeRejected, outcomeFatal:
			m.transition(inst, models.StateStopped, out.err)
			if !m.park(ctx, inst) {
				return
			}
			budget, backoff = 0, m.cfg.InitialBackoff
			m.transition(inst, models.StateRestarting, nil)
			continue
		}

		// Crashed
		if out.stable {
			budget, backoff = 0, m.cfg.InitialBackoff
		}
		if budget >= m.cfg.MaxRestarts {
			slog.Error("Plugin restart budget exhausted, stopping",
				"component", "PluginManager",
				"plugin_id", inst.desc.ID,
				"max_restarts", m.cfg.MaxRestarts,
				"error", out.err,
			)
			m.transition(inst, models.StateStopped, out.err)
			m.sendEvent(models.Event{
				Type:     models.EventRestartExhausted,
				PluginID: inst.desc.ID,
				Error:    errString(out.err),
			})
			if !m.park(ctx, inst) {
				return
			}
			budget, backoff = 0, m.cfg.InitialBackoff
			m.transition(inst, models.StateRestarting, nil)
			continue
		}

		budget++
		inst.mu.Lock()
		inst.restartCount++
		inst.mu.Unlock()
		m.metrics.RecordRestart(inst.desc.ID)
		m.transition(inst, models.StateRestarting, nil)

		slog.Info("Restarting plugin",
			"component", "PluginManager",
			"plugin_id", inst.desc.ID,
			"attempt", budget,
			"backoff", backoff.String(),
		)
		switch m.waitBackoff(ctx, inst, backoff) {
		case outcomeShutdown:
			m.transition(inst, models.StateStopped, nil)
			return
		case outcomeStopped:
			m.transition(inst, models.StateStopped, nil)
			if !m.park(ctx, inst) {
				return
			}
			budget, backoff = 0, m.cfg.InitialBackoff
			m.transition(inst, models.StateRestarting, nil)
			continue
		case outcomeRestart:
			budget, backoff = 0, m.cfg.InitialBackoff
			continue
		}
		backoff = nextBackoff(backoff, m.cfg.BackoffFactor, m.cfg.MaxBackoff)
	}
}

func nextBackoff(current time.Duration, factor float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if limit > 0 && next > limit {
		return limit
	}
	return next
}

// waitBackoff sleeps before a relaunch while still answering control requests.
// outcomeCrashed means the wait elapsed normally.
func (m *Manager) waitBackoff(ctx context.Context, inst *instance, d time.Duration) outcomeKind {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return outcomeShutdown
		case <-timer.C:
			return outcomeCrashed
		case <-inst.reports:
		case req := <-inst.reqCh:
			switch req.Operation {
			case models.OpStop:
				reply(req, nil, nil)
				return outcomeStopped
			case models.OpRestart:
				reply(req, nil, nil)
				return outcomeRestart
			default:
				reply(req, inst.getState(), nil)
			}
		}
	}
}

// park holds a Stopped instance until an operator restart (true) or manager
// shutdown (false).
func (m *Manager) park(ctx context.Context, inst *instance) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-inst.reports:
		case req := <-inst.reqCh:
			switch req.Operation {
			case models.OpRestart:
				reply(req, nil, nil)
				return true
			case models.OpStop:
				reply(req, nil, nil)
			default:
				reply(req, inst.getState(), nil)
			}
		}
	}
}

func reply(req models.Request, data any, err error) {
	if req.ReplyCh == nil {
		return
	}
	req.ReplyCh <- models.Response{Data: data, Error: err}
}

// runOnce boots one process and serves it until it ends.
func (m *Manager) runOnce(ctx context.Context, inst *instance) outcome {
	id := inst.desc.ID
	m.transition(inst, models.StateLaunching, nil)

	desc := inst.desc
	if hasSecrets(desc) {
		decrypted, err := database.DecryptEnv(desc, m.cfg.EncryptionKey)
		if err != nil {
			return m.fail(inst, outcomeFatal, &models.LaunchError{PluginID: id, Reason: "decrypt secrets", Err: err})
		}
		desc = decrypted
	}

	bootCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	finish := m.watchBoot(inst, cancel)

	proc, client, version, err := m.boot(bootCtx, inst, desc)
	if pending := finish(); pending != nil {
		if err == nil {
			m.teardown(inst, proc, client, "stopped during boot")
		}
		reply(*pending, nil, nil)
		if pending.Operation == models.OpRestart {
			return outcome{kind: outcomeRestart}
		}
		return outcome{kind: outcomeStopped}
	}
	if err != nil {
		return m.bootFailure(ctx, inst, err)
	}
	exits := m.supervisor.Monitor(proc)

	inst.mu.Lock()
	inst.version = version
	inst.startedAt = time.Now()
	inst.lastError = ""
	inst.mu.Unlock()

	m.transition(inst, models.StateReady, nil)
	m.bindings.bind(id, desc.Kind, client)
	slog.Info("Plugin ready",
		"component", "PluginManager",
		"plugin_id", id,
		"instance_id", proc.InstanceID,
		"pid", proc.PID(),
		"version", version,
	)

	return m.serve(ctx, inst, proc, client, exits)
}

// boot launches the process and drives it through handshake and init. On
// error nothing is left running.
func (m *Manager) boot(ctx context.Context, inst *instance, desc models.PluginDescriptor) (*supervisor.Process, *transport.Client, string, error) {
	id := desc.ID
	proc, info, err := m.supervisor.Launch(ctx, desc, func(proc *supervisor.Process) {
		inst.mu.Lock()
		inst.instanceID = proc.InstanceID
		inst.pid = proc.PID()
		inst.version = ""
		inst.consecutiveFailures = 0
		inst.mu.Unlock()
		m.transition(inst, models.StateHandshakeWait, nil)
	})
	if err != nil {
		return nil, nil, "", err
	}

	var callbacks any
	if m.bridge != nil {
		callbacks = m.bridge.For(desc)
	}
	client, err := transport.Dial(ctx, id, info, callbacks, m.cfg.Timeouts)
	if err != nil {
		_ = m.supervisor.Terminate(proc)
		return nil, nil, "", err
	}

	abort := func(err error) (*supervisor.Process, *transport.Client, string, error) {
		client.Close()
		_ = m.supervisor.Terminate(proc)
		return nil, nil, "", err
	}

	observed, err := client.Handshake(ctx)
	if err != nil {
		return abort(err)
	}
	if err := handshake.Match(id, observed, m.cfg.Handshake); err != nil {
		return abort(err)
	}

	m.transition(inst, models.StateInitializing, nil)
	if err := client.Init(ctx, proc.InstanceID, envMap(desc)); err != nil {
		return abort(fmt.Errorf("init: %w", err))
	}
	version, err := client.GetVersion(ctx)
	if err != nil {
		return abort(fmt.Errorf("get version: %w", err))
	}
	return proc, client, version, nil
}

// watchBoot answers control requests while the instance boots. The first
// stop or restart cancels the boot. The returned func ends the watch and
// yields that request, which the caller replies to once the boot has unwound.
func (m *Manager) watchBoot(inst *instance, cancel context.CancelFunc) func() *models.Request {
	done := make(chan struct{})
	result := make(chan *models.Request, 1)

	go func() {
		var pending *models.Request
		defer func() { result <- pending }()
		for {
			select {
			case <-done:
				return
			case req := <-inst.reqCh:
				switch {
				case pending != nil:
					reply(req, nil, nil)
				case req.Operation == models.OpStop, req.Operation == models.OpRestart:
					pending = &req
					cancel()
				default:
					reply(req, inst.getState(), nil)
				}
			}
		}
	}()

	return func() *models.Request {
		close(done)
		return <-result
	}
}

func (m *Manager) bootFailure(ctx context.Context, inst *instance, err error) outcome {
	if ctx.Err() != nil {
		return outcome{kind: outcomeShutdown, err: err}
	}
	var hsErr *models.HandshakeError
	if errors.As(err, &hsErr) {
		m.sendEvent(models.Event{
			Type:       models.EventHandshakeRejected,
			PluginID:   inst.desc.ID,
			InstanceID: inst.status().InstanceID,
			Error:      err.Error(),
		})
		return m.fail(inst, outcomeRejected, err)
	}
	return m.fail(inst, outcomeCrashed, err)
}

// fail records err and moves the instance to Crashed when the outcome allows a restart.
func (m *Manager) fail(inst *instance, kind outcomeKind, err error) outcome {
	slog.Error("Plugin failed",
		"component", "PluginManager",
		"plugin_id", inst.desc.ID,
		"error", err,
	)
	if kind == outcomeCrashed {
		m.transition(inst, models.StateCrashed, err)
		m.sendEvent(models.Event{Type: models.EventCrashed, PluginID: inst.desc.ID, Error: errString(err)})
	} else {
		inst.mu.Lock()
		inst.lastError = errString(err)
		inst.mu.Unlock()
	}
	return outcome{kind: kind, err: err}
}

// serve watches a ready instance until it crashes or is told to stop.
func (m *Manager) serve(ctx context.Context, inst *instance, proc *supervisor.Process, client *transport.Client, exits <-chan supervisor.ExitEvent) outcome {
	id := inst.desc.ID

	var stableC <-chan time.Time
	if m.cfg.StableAfter > 0 {
		stableTimer := time.NewTimer(m.cfg.StableAfter)
		defer stableTimer.Stop()
		stableC = stableTimer.C
	}
	stable := false

	crash := func(err error) outcome {
		m.bindings.unbind(id, inst.desc.Kind)
		out := m.fail(inst, outcomeCrashed, err)
		out.stable = stable
		client.Close()
		_ = m.supervisor.Terminate(proc)
		return out
	}

	for {
		select {
		case <-ctx.Done():
			m.teardown(inst, proc, client, "host shutdown")
			return outcome{kind: outcomeShutdown}

		case evt := <-exits:
			return crash(fmt.Errorf("process exited unexpectedly (code %d): %v", evt.ExitCode, evt.Err))

		case <-client.Done():
			return crash(fmt.Errorf("%w: connection lost", models.ErrRPCTransport))

		case <-stableC:
			stable = true

		case r := <-inst.reports:
			if r.client != client {
				continue
			}
			if m.applyHealth(inst, r) {
				return crash(fmt.Errorf("health check failed twice: %w", r.err))
			}

		case req := <-inst.reqCh:
			switch req.Operation {
			case models.OpStop:
				m.teardown(inst, proc, client, "stopped by operator")
				reply(req, nil, nil)
				return outcome{kind: outcomeStopped}
			case models.OpRestart:
				m.teardown(inst, proc, client, "restarted by operator")
				reply(req, nil, nil)
				return outcome{kind: outcomeRestart}
			case models.OpHealthReport:
				r, _ := req.Payload.(healthReport)
				if r.client != client {
					reply(req, inst.getState(), nil)
					continue
				}
				if m.applyHealth(inst, r) {
					out := crash(fmt.Errorf("health check failed twice: %w", r.err))
					reply(req, inst.getState(), nil)
					return out
				}
				reply(req, inst.getState(), nil)
			default:
				reply(req, nil, fmt.Errorf("unknown operation %q", req.Operation))
			}
		}
	}
}

// applyHealth applies one observation. It returns true when the instance
// must be treated as crashed.
func (m *Manager) applyHealth(inst *instance, r healthReport) bool {
	inst.mu.Lock()
	state := inst.state
	if r.ok {
		inst.consecutiveFailures = 0
	} else {
		inst.consecutiveFailures++
		inst.lastError = errString(r.err)
	}
	inst.mu.Unlock()

	switch {
	case r.ok && state == models.StateDegraded:
		m.transition(inst, models.StateReady, nil)
	case !r.ok && state == models.StateReady:
		slog.Warn("Plugin degraded", "component", "PluginManager", "plugin_id", inst.desc.ID, "error", r.err)
		m.transition(inst, models.StateDegraded, r.err)
	case !r.ok && state == models.StateDegraded:
		return true
	}
	return false
}

// teardown unpublishes the instance, asks it to exit and reaps it.
func (m *Manager) teardown(inst *instance, proc *supervisor.Process, client *transport.Client, reason string) {
	m.bindings.unbind(inst.desc.ID, inst.desc.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeouts.Ping)
	if err := client.Shutdown(ctx, reason); err != nil {
		slog.Debug("Plugin shutdown call failed", "component", "PluginManager", "plugin_id", inst.desc.ID, "error", err)
	}
	cancel()

	client.Close()
	if err := m.supervisor.Terminate(proc); err != nil {
		slog.Warn("Failed to terminate plugin", "component", "PluginManager", "plugin_id", inst.desc.ID, "error", err)
	}
}

func (m *Manager) transition(inst *instance, to models.LifecycleState, cause error) {
	inst.mu.Lock()
	from := inst.state
	inst.state = to
	if cause != nil {
		inst.lastError = cause.Error()
	}
	if !to.Routable() {
		inst.consecutiveFailures = 0
	}
	instanceID := inst.instanceID
	inst.mu.Unlock()

	if from == to {
		return
	}
	m.metrics.SetState(inst.desc.ID, to)
	slog.Info("Plugin state changed",
		"component", "PluginManager",
		"plugin_id", inst.desc.ID,
		"from", from,
		"to", to,
	)
	m.sendEvent(models.Event{
		Type:       models.EventStateChanged,
		PluginID:   inst.desc.ID,
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Error:      errString(cause),
	})
}

func hasSecrets(desc models.PluginDescriptor) bool {
	for _, v := range desc.Env {
		if v.Secret {
			return true
		}
	}
	return false
}

func envMap(desc models.PluginDescriptor) map[string]string {
	env := make(map[string]string, len(desc.Env))
	for _, v := range desc.Env {
		env[v.Key] = v.Value
	}
	return env
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
