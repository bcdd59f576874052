package metrics

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginhost/pkg/models"
)

func TestRecordCall(t *testing.T) {
	c := NewCollector("test")

	c.RecordCall("hc-echo-plugin", "Execute", 10*time.Millisecond, nil)
	c.RecordCall("hc-echo-plugin", "Execute", time.Second, fmt.Errorf("%w: slow", models.ErrRPCTimeout))
	c.RecordCall("hc-echo-plugin", "Execute", 0, models.ErrCapabilityUnavailable)
	c.RecordCall("hc-echo-plugin", "Execute", 0, errors.New("plugin said no"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("hc-echo-plugin", "Execute", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("hc-echo-plugin", "Execute", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("hc-echo-plugin", "Execute", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("hc-echo-plugin", "Execute", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.callDuration))
}

func TestSetState(t *testing.T) {
	c := NewCollector("test")
	c.SetState("hc-echo-plugin", models.StateReady)
	c.SetState("hc-echo-plugin", models.StateDegraded)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.pluginState.WithLabelValues("hc-echo-plugin", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pluginState.WithLabelValues("hc-echo-plugin", "degraded")))
}

func TestBridgeAndHealthCounters(t *testing.T) {
	c := NewCollector("test")
	c.BridgeCall("hc-a-plugin", "kv.write", models.ErrPermissionDenied)
	c.BridgeCall("hc-a-plugin", "kv.read", nil)
	c.RecordHealthCheck("hc-a-plugin", false)
	c.RecordRestart("hc-a-plugin")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.bridgeCallsTotal.WithLabelValues("hc-a-plugin", "kv.write", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bridgeCallsTotal.WithLabelValues("hc-a-plugin", "kv.read", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healthChecksTotal.WithLabelValues("hc-a-plugin", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restartsTotal.WithLabelValues("hc-a-plugin")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCall("p", "m", 0, nil)
		c.SetState("p", models.StateReady)
		c.RecordRestart("p")
		c.BridgeCall("p", "kv.read", nil)
		c.RecordHealthCheck("p", true)
	})
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandler(t *testing.T) {
	c := NewCollector("pluginhost")
	c.RecordRestart("hc-a-plugin")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `pluginhost_plugin_restarts_total{plugin="hc-a-plugin"} 1`))
}
