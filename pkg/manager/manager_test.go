package manager

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginhost/pkg/bridge"
	"pluginhost/pkg/database"
	"pluginhost/pkg/metrics"
	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
	"pluginhost/pkg/registry"
	"pluginhost/pkg/transport"
	"pluginhost/pkg/worker"
)

const testKey = "1234567890123456789012345678901212345678901234567890123456789012"

var testHandshake = models.HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "HC_MANAGER_TEST", MagicCookieValue: "manager-test"}

// TestMain doubles as the plugin binary when MANAGER_TEST_PLUGIN is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(pluginModeEnv); mode != "" {
		runTestPlugin(mode)
		return
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Handshake = testHandshake
	cfg.Timeouts = transport.Timeouts{Ping: time.Second, Init: 2 * time.Second, Default: 2 * time.Second, Upload: 2 * time.Second}
	cfg.StartTimeout = 5 * time.Second
	cfg.StopTimeout = time.Second
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.EncryptionKey = testKey

	dir, err := os.MkdirTemp("", "ph")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg.SocketDir = dir
	return cfg
}

func startManager(t *testing.T, cfg Config, descs ...models.PluginDescriptor) *Manager {
	t.Helper()
	reg, err := registry.New(descs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(4, "test-dispatch", 16)
	pool.Start(ctx)

	m := New(reg, cfg,
		WithBridge(bridge.New(bridge.NewMemoryStore(), time.Second, nil)),
		WithMetrics(metrics.NewCollector("test")),
		WithPool(pool),
	)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	return m
}

func waitState(t *testing.T, m *Manager, id string, want models.LifecycleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.Status(id)
		return err == nil && st.State == want
	}, 10*time.Second, 10*time.Millisecond, "plugin %s never reached %s", id, want)
}

func drainEvents(m *Manager) []models.Event {
	var out []models.Event
	for {
		select {
		case evt, ok := <-m.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func countEvents(events []models.Event, typ models.EventType, id string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ && e.PluginID == id {
			n++
		}
	}
	return n
}

func TestDisabledPluginStaysPending(t *testing.T) {
	disabled := descriptor("hc-off-plugin", "function", models.KindFunction)
	disabled.Enabled = false
	m := startManager(t, testConfig(t), disabled, descriptor("hc-on-plugin", "function", models.KindFunction))

	waitState(t, m, "hc-on-plugin", models.StateReady)

	st, err := m.Status("hc-off-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, st.State)
	assert.Zero(t, st.PID)

	assert.ErrorIs(t, m.StopPlugin(context.Background(), "hc-off-plugin"), models.ErrPluginDisabled)
	assert.ErrorIs(t, m.RestartPlugin(context.Background(), "hc-off-plugin"), models.ErrPluginDisabled)

	_, err = m.Execute(context.Background(), "hc-off-plugin", "echo", nil)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)

	for _, e := range drainEvents(m) {
		assert.NotEqual(t, "hc-off-plugin", e.PluginID)
	}
}

func TestEchoEndToEnd(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-echo-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-echo-plugin", models.StateReady)

	out, err := m.Execute(context.Background(), "hc-echo-plugin", "echo", []byte(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"hi"}`, string(out))

	st, err := m.Status("hc-echo-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, st.State)
	assert.Equal(t, "1.2.3", st.PluginVersion)
	assert.NotZero(t, st.PID)
	assert.NotEmpty(t, st.InstanceID)

	pm, err := m.GetPluginMetrics("hc-echo-plugin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pm.Calls)
	assert.Zero(t, pm.Failures)
	assert.Equal(t, []string{"hc-echo-plugin"}, m.Routable())

	events := drainEvents(m)
	var path []models.LifecycleState
	for _, e := range events {
		if e.Type == models.EventStateChanged {
			path = append(path, e.To)
		}
	}
	assert.Equal(t, []models.LifecycleState{models.StateLaunching, models.StateHandshakeWait, models.StateInitializing, models.StateReady}, path)
}

func TestCrashIsolation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 0
	m := startManager(t, cfg,
		descriptor("hc-a-plugin", "function", models.KindFunction),
		descriptor("hc-b-plugin", "function", models.KindFunction),
		descriptor("hc-c-plugin", "function", models.KindFunction),
	)
	for _, id := range []string{"hc-a-plugin", "hc-b-plugin", "hc-c-plugin"} {
		waitState(t, m, id, models.StateReady)
	}

	_, err := m.Execute(context.Background(), "hc-b-plugin", "crash", nil)
	require.NoError(t, err)

	waitState(t, m, "hc-b-plugin", models.StateStopped)
	assert.Equal(t, []string{"hc-a-plugin", "hc-c-plugin"}, m.Routable())

	for _, id := range []string{"hc-a-plugin", "hc-c-plugin"} {
		st, err := m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, models.StateReady, st.State)
		out, err := m.Execute(context.Background(), id, "echo", []byte("still here"))
		require.NoError(t, err)
		assert.Equal(t, "still here", string(out))
	}

	_, err = m.Execute(context.Background(), "hc-b-plugin", "echo", nil)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)

	events := drainEvents(m)
	assert.Equal(t, 1, countEvents(events, models.EventCrashed, "hc-b-plugin"))
	assert.Equal(t, 1, countEvents(events, models.EventRestartExhausted, "hc-b-plugin"))
}

func TestRestartBound(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 2
	m := startManager(t, cfg, descriptor("hc-flaky-plugin", "exit", models.KindFunction))

	waitState(t, m, "hc-flaky-plugin", models.StateStopped)

	st, err := m.Status("hc-flaky-plugin")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RestartCount)
	assert.Contains(t, st.LastError, "before handshake")

	events := drainEvents(m)
	assert.Equal(t, 3, countEvents(events, models.EventCrashed, "hc-flaky-plugin"))
	assert.Equal(t, 1, countEvents(events, models.EventRestartExhausted, "hc-flaky-plugin"))

	// Stays stopped: no further launches happen on their own.
	time.Sleep(100 * time.Millisecond)
	st, _ = m.Status("hc-flaky-plugin")
	assert.Equal(t, models.StateStopped, st.State)
}

func TestCallTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeouts.Default = 300 * time.Millisecond
	m := startManager(t, cfg, descriptor("hc-slow-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-slow-plugin", models.StateReady)

	start := time.Now()
	_, err := m.Execute(context.Background(), "hc-slow-plugin", "sleep", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, models.ErrRPCTimeout)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	waitState(t, m, "hc-slow-plugin", models.StateDegraded)

	pm, err := m.GetPluginMetrics("hc-slow-plugin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pm.Timeouts)

	// Degraded instances stay routable.
	out, err := m.Execute(context.Background(), "hc-slow-plugin", "echo", []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
}

func TestCallerCancellation(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-slow-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-slow-plugin", models.StateReady)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := m.Execute(ctx, "hc-slow-plugin", "sleep", nil)
	assert.ErrorIs(t, err, models.ErrRPCTimeout)

	ctx2, cancel2 := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel2)
	_, err = m.Execute(ctx2, "hc-slow-plugin", "sleep", nil)
	assert.ErrorIs(t, err, context.Canceled)

	// Abandoned calls are not the plugin's fault.
	time.Sleep(100 * time.Millisecond)
	st, err := m.Status("hc-slow-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, st.State)
	assert.Zero(t, st.RestartCount)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Zero(t, countEvents(drainEvents(m), models.EventCrashed, "hc-slow-plugin"))
}

func TestRelayedTimeoutIsAPluginError(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-stall-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-stall-plugin", models.StateReady)

	for range 2 {
		_, err := m.Execute(context.Background(), "hc-stall-plugin", "stall", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "host Get")
		assert.NotErrorIs(t, err, models.ErrRPCTimeout)
		assert.NotErrorIs(t, err, models.ErrRPCTransport)

		var remote *protocol.RemoteError
		assert.ErrorAs(t, err, &remote)
	}

	time.Sleep(100 * time.Millisecond)
	st, err := m.Status("hc-stall-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, st.State)
	assert.Zero(t, st.RestartCount)
}

func TestPluginAtFault(t *testing.T) {
	live := context.Background()
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"success", live, nil, false},
		{"per-call timeout", live, fmt.Errorf("%w: Execute: %w", models.ErrRPCTimeout, context.DeadlineExceeded), true},
		{"connection lost", live, fmt.Errorf("%w: session closed", models.ErrRPCTransport), true},
		{"caller cancelled", gone, fmt.Errorf("%w: Execute: %w", models.ErrRPCTimeout, context.Canceled), false},
		{"plugin error", live, protocol.DecodeError(rpc.ServerError("rpc timeout: host Get")), false},
		{"permission", live, fmt.Errorf("%w: kv.write", models.ErrPermissionDenied), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pluginAtFault(tt.ctx, tt.err))
		})
	}
}

func TestStaleReportsAreIgnored(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-echo-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-echo-plugin", models.StateReady)

	// Reports made on a session that no longer exists.
	inst := m.instances["hc-echo-plugin"]
	for range 3 {
		inst.report(healthReport{err: fmt.Errorf("%w: session closed", models.ErrRPCTransport)})
	}
	assert.Equal(t, models.StateReady, m.applyReport(context.Background(), inst, healthReport{err: errors.New("old ping")}))

	time.Sleep(100 * time.Millisecond)
	st, err := m.Status("hc-echo-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, st.State)
	assert.Zero(t, st.RestartCount)
}

func TestHandshakeRejected(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-skew-plugin", "badversion", models.KindFunction))

	waitState(t, m, "hc-skew-plugin", models.StateStopped)

	st, err := m.Status("hc-skew-plugin")
	require.NoError(t, err)
	assert.Zero(t, st.RestartCount)
	assert.Contains(t, st.LastError, "protocol_version")

	events := drainEvents(m)
	assert.Equal(t, 1, countEvents(events, models.EventHandshakeRejected, "hc-skew-plugin"))
	assert.Zero(t, countEvents(events, models.EventCrashed, "hc-skew-plugin"))
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartTimeout = 200 * time.Millisecond
	cfg.MaxRestarts = 0
	m := startManager(t, cfg, descriptor("hc-mute-plugin", "hang", models.KindFunction))

	waitState(t, m, "hc-mute-plugin", models.StateStopped)
	events := drainEvents(m)
	assert.Equal(t, 1, countEvents(events, models.EventCrashed, "hc-mute-plugin"))
}

func TestStopDuringBoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartTimeout = 30 * time.Second
	m := startManager(t, cfg, descriptor("hc-mute-plugin", "hang", models.KindFunction))
	waitState(t, m, "hc-mute-plugin", models.StateHandshakeWait)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.StopPlugin(ctx, "hc-mute-plugin"))
	assert.Less(t, time.Since(start), 3*time.Second)

	waitState(t, m, "hc-mute-plugin", models.StateStopped)
	st, err := m.Status("hc-mute-plugin")
	require.NoError(t, err)
	assert.Zero(t, st.RestartCount)

	events := drainEvents(m)
	assert.Zero(t, countEvents(events, models.EventCrashed, "hc-mute-plugin"))
	assert.Zero(t, countEvents(events, models.EventRestartExhausted, "hc-mute-plugin"))
}

func TestStopAndRestartPlugin(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-echo-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-echo-plugin", models.StateReady)
	ctx := context.Background()

	first, _ := m.Status("hc-echo-plugin")

	require.NoError(t, m.StopPlugin(ctx, "hc-echo-plugin"))
	waitState(t, m, "hc-echo-plugin", models.StateStopped)
	require.NoError(t, m.StopPlugin(ctx, "hc-echo-plugin"), "stopping twice is a no-op")

	st, _ := m.Status("hc-echo-plugin")
	assert.Equal(t, models.StateStopped, st.State)

	_, err := m.Execute(ctx, "hc-echo-plugin", "echo", nil)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)

	require.NoError(t, m.RestartPlugin(ctx, "hc-echo-plugin"))
	waitState(t, m, "hc-echo-plugin", models.StateReady)

	second, _ := m.Status("hc-echo-plugin")
	assert.NotEqual(t, first.InstanceID, second.InstanceID)

	out, err := m.Execute(ctx, "hc-echo-plugin", "echo", []byte("back"))
	require.NoError(t, err)
	assert.Equal(t, "back", string(out))

	assert.ErrorIs(t, m.StopPlugin(ctx, "hc-nope-plugin"), models.ErrNotFound)
}

func TestInjectedServiceIsScoped(t *testing.T) {
	a := descriptor("hc-a-plugin", "function", models.KindFunction)
	a.Services = []string{models.ServiceKVRead, models.ServiceKVWrite}
	b := descriptor("hc-b-plugin", "function", models.KindFunction)
	b.Services = []string{models.ServiceKVRead, models.ServiceKVWrite}
	m := startManager(t, testConfig(t), a, b)
	waitState(t, m, "hc-a-plugin", models.StateReady)
	waitState(t, m, "hc-b-plugin", models.StateReady)
	ctx := context.Background()

	_, err := m.Execute(ctx, "hc-a-plugin", "put", []byte(`{"key":"color","value":"blue"}`))
	require.NoError(t, err)

	out, err := m.Execute(ctx, "hc-a-plugin", "get", []byte("color"))
	require.NoError(t, err)
	assert.Equal(t, "blue", string(out))

	out, err = m.Execute(ctx, "hc-b-plugin", "get", []byte("color"))
	require.NoError(t, err)
	assert.Equal(t, "<missing>", string(out))

	_, err = m.Execute(ctx, "hc-b-plugin", "put", []byte(`{"key":"color","value":"red"}`))
	require.NoError(t, err)

	out, err = m.Execute(ctx, "hc-a-plugin", "get", []byte("color"))
	require.NoError(t, err)
	assert.Equal(t, "blue", string(out))
}

func TestInjectedServicePermissionDenied(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-reader-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-reader-plugin", models.StateReady)

	_, err := m.Execute(context.Background(), "hc-reader-plugin", "put", []byte(`{"key":"k","value":"v"}`))
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	st, _ := m.Status("hc-reader-plugin")
	assert.Equal(t, models.StateReady, st.State, "misuse of host services does not affect the plugin's health")
}

func TestHealthCheckTransitions(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 0
	m := startManager(t, cfg, descriptor("hc-moody-plugin", "function", models.KindFunction))
	waitState(t, m, "hc-moody-plugin", models.StateReady)
	ctx := context.Background()

	res, err := m.HealthCheckPlugin(ctx, "hc-moody-plugin")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, models.StateReady, res.State)

	_, err = m.Execute(ctx, "hc-moody-plugin", "sick", nil)
	require.NoError(t, err)

	res, err = m.HealthCheckPlugin(ctx, "hc-moody-plugin")
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	assert.Equal(t, models.StateDegraded, res.State)
	assert.Contains(t, res.Error, "feeling sick")

	_, err = m.Execute(ctx, "hc-moody-plugin", "heal", nil)
	require.NoError(t, err)
	res, err = m.HealthCheckPlugin(ctx, "hc-moody-plugin")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, res.State)

	_, err = m.Execute(ctx, "hc-moody-plugin", "sick", nil)
	require.NoError(t, err)
	_, err = m.HealthCheckPlugin(ctx, "hc-moody-plugin")
	require.NoError(t, err)
	res, err = m.HealthCheckPlugin(ctx, "hc-moody-plugin")
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	assert.False(t, res.State.Routable())

	waitState(t, m, "hc-moody-plugin", models.StateStopped)
	assert.Empty(t, m.Routable())

	res, err = m.HealthCheckPlugin(ctx, "hc-moody-plugin")
	require.NoError(t, err)
	assert.False(t, res.Healthy)

	_, err = m.HealthCheckPlugin(ctx, "hc-nope-plugin")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestHealthCheckAll(t *testing.T) {
	disabled := descriptor("hc-off-plugin", "function", models.KindFunction)
	disabled.Enabled = false
	m := startManager(t, testConfig(t),
		descriptor("hc-a-plugin", "function", models.KindFunction),
		disabled,
		descriptor("hc-fs-plugin", "storage", models.KindStorage),
	)
	waitState(t, m, "hc-a-plugin", models.StateReady)
	waitState(t, m, "hc-fs-plugin", models.StateReady)

	results := m.HealthCheckAll(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, "hc-a-plugin", results[0].ID)
	assert.True(t, results[0].Healthy)
	assert.Equal(t, "hc-off-plugin", results[1].ID)
	assert.False(t, results[1].Healthy)
	assert.Equal(t, models.StatePending, results[1].State)
	assert.True(t, results[2].Healthy)
}

func TestStorageEndToEnd(t *testing.T) {
	m := startManager(t, testConfig(t), descriptor("hc-fs-plugin", "storage", models.KindStorage))
	waitState(t, m, "hc-fs-plugin", models.StateReady)
	ctx := context.Background()

	info, err := m.UploadFile(ctx, "hc-fs-plugin", protocol.FileMetadata{Name: "report.txt", ContentType: "text/plain"}, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "report.txt", info.Name)
	assert.Equal(t, int64(5), info.Size)

	files, err := m.ListFiles(ctx, "hc-fs-plugin", "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, info.ID, files[0].ID)

	res, err := m.DeleteFiles(ctx, "hc-fs-plugin", []string{info.ID, "nope"})
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID}, res.Deleted)
	assert.Equal(t, []string{"nope"}, res.Missing)

	_, err = m.Execute(ctx, "hc-fs-plugin", "echo", nil)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable, "routing is keyed by capability kind")
}

func TestUnknownPluginIsUnavailable(t *testing.T) {
	m := startManager(t, testConfig(t))
	_, err := m.Execute(context.Background(), "hc-ghost-plugin", "echo", nil)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSecretEnvIsDecrypted(t *testing.T) {
	cipher, err := database.EncryptString("open sesame", testKey)
	require.NoError(t, err)

	desc := descriptor("hc-secret-plugin", "function", models.KindFunction)
	desc.Env = append(desc.Env, models.EnvVar{Key: "PASSWORD", Value: cipher, Secret: true})
	m := startManager(t, testConfig(t), desc)
	waitState(t, m, "hc-secret-plugin", models.StateReady)

	out, err := m.Execute(context.Background(), "hc-secret-plugin", "env", []byte("PASSWORD"))
	require.NoError(t, err)
	assert.Equal(t, "open sesame", string(out))
}

func TestBadSecretIsFatal(t *testing.T) {
	desc := descriptor("hc-secret-plugin", "function", models.KindFunction)
	desc.Env = append(desc.Env, models.EnvVar{Key: "PASSWORD", Value: "not-a-ciphertext", Secret: true})
	m := startManager(t, testConfig(t), desc)

	waitState(t, m, "hc-secret-plugin", models.StateStopped)
	st, _ := m.Status("hc-secret-plugin")
	assert.Zero(t, st.RestartCount)
	assert.Contains(t, st.LastError, "decrypt")
}

func TestManagerStop(t *testing.T) {
	reg, err := registry.New([]models.PluginDescriptor{descriptor("hc-echo-plugin", "function", models.KindFunction)})
	require.NoError(t, err)
	m := New(reg, testConfig(t))
	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
	waitState(t, m, "hc-echo-plugin", models.StateReady)

	m.Stop()
	st, _ := m.Status("hc-echo-plugin")
	assert.Equal(t, models.StateStopped, st.State)
	assert.Empty(t, m.Routable())

	drainEvents(m)
	_, open := <-m.Events()
	assert.False(t, open)

	m.Stop()
	assert.Error(t, m.StopPlugin(context.Background(), "hc-echo-plugin"))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 2, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 2, 30*time.Second))
	assert.Equal(t, time.Second, nextBackoff(time.Second, 1, 0))
}
