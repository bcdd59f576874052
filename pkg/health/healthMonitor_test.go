package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginhost/pkg/models"
)

type fakeChecker struct {
	sweeps atomic.Int32
}

func (f *fakeChecker) HealthCheckAll(context.Context) []models.HealthResult {
	f.sweeps.Add(1)
	return []models.HealthResult{
		{ID: "hc-a-plugin", State: models.StateReady, Healthy: true},
		{ID: "hc-b-plugin", State: models.StateDegraded, Error: "ping timeout"},
		{ID: "hc-c-plugin", State: models.StatePending},
	}
}

func crashed(id string, at time.Time) models.Event {
	return models.Event{Type: models.EventCrashed, PluginID: id, Timestamp: at}
}

func TestHandleFailureThreshold(t *testing.T) {
	base := time.Now()
	tests := []struct {
		name     string
		offsets  []time.Duration
		flapping bool
	}{
		{"single crash", []time.Duration{0}, false},
		{"three crashes inside window", []time.Duration{0, time.Second, 2 * time.Second}, true},
		{"crashes spread beyond window", []time.Duration{0, 2 * time.Minute, 4 * time.Minute}, false},
		{"window resets then fills", []time.Duration{0, 2 * time.Minute, 2*time.Minute + time.Second, 2*time.Minute + 2*time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor(&fakeChecker{}, nil, 0, time.Minute, 3)
			for _, off := range tt.offsets {
				hm.handleEvent(crashed("hc-x-plugin", base.Add(off)))
			}
			assert.Equal(t, tt.flapping, hm.Flapping("hc-x-plugin"))
		})
	}
}

func TestReadyClearsFlapping(t *testing.T) {
	hm := NewHealthMonitor(&fakeChecker{}, nil, 0, time.Minute, 2)
	now := time.Now()
	hm.handleEvent(crashed("hc-x-plugin", now))
	hm.handleEvent(crashed("hc-x-plugin", now.Add(time.Second)))
	require.True(t, hm.Flapping("hc-x-plugin"))

	hm.handleEvent(models.Event{Type: models.EventStateChanged, PluginID: "hc-x-plugin", From: models.StateInitializing, To: models.StateReady})
	assert.False(t, hm.Flapping("hc-x-plugin"))
	assert.Len(t, hm.Recent(), 3)
}

func TestRecentIsBounded(t *testing.T) {
	hm := NewHealthMonitor(&fakeChecker{}, nil, 0, time.Minute, 3)
	hm.maxRecent = 5
	for i := 0; i < 12; i++ {
		hm.handleEvent(models.Event{Type: models.EventStateChanged, PluginID: "hc-x-plugin", To: models.StateLaunching, Timestamp: time.Unix(int64(i), 0)})
	}
	recent := hm.Recent()
	require.Len(t, recent, 5)
	assert.Equal(t, int64(7), recent[0].Timestamp.Unix())
	assert.Equal(t, int64(11), recent[4].Timestamp.Unix())
}

func TestSweepRecordsResults(t *testing.T) {
	checker := &fakeChecker{}
	hm := NewHealthMonitor(checker, nil, 0, time.Minute, 3)

	results := hm.Sweep(context.Background())
	assert.Len(t, results, 3)
	assert.Equal(t, results, hm.LastSweep())
	assert.Equal(t, int32(1), checker.sweeps.Load())
}

func TestRunConsumesEventsAndTicks(t *testing.T) {
	checker := &fakeChecker{}
	events := make(chan models.Event, 4)
	hm := NewHealthMonitor(checker, events, 20*time.Millisecond, time.Minute, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hm.Run(ctx)
		close(done)
	}()

	events <- models.Event{Type: models.EventRestartExhausted, PluginID: "hc-x-plugin"}
	close(events)

	require.Eventually(t, func() bool {
		return checker.sweeps.Load() >= 2 && len(hm.Recent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
