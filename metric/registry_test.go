package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
)

func TestRegistryRegisterAndUnregister(t *testing.T) {
	reg := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_frames_total",
		Help: "test",
	})
	require.NoError(t, reg.RegisterCounter("fabric", "test_frames_total", counter))

	// Duplicate registration under the same service name is invalid.
	err := reg.RegisterCounter("fabric", "test_frames_total", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, reg.Unregister("fabric", "test_frames_total"))
	assert.False(t, reg.Unregister("fabric", "test_frames_total"))

	// Re-registration after unregister succeeds.
	require.NoError(t, reg.RegisterCounter("fabric", "test_frames_total", counter))
}

func TestRegistryCoreMetricsGather(t *testing.T) {
	reg := NewRegistry()
	reg.Core.PacketsSent.WithLabelValues("loopback").Inc()
	reg.Core.TasksRunning.Set(3)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["nodecore_fabric_packets_sent_total"])
	assert.True(t, names["nodecore_scheduler_tasks_running"])
}

func TestRegistryVecRegistration(t *testing.T) {
	reg := NewRegistry()

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_tokens",
		Help: "test",
	}, []string{"context"})
	require.NoError(t, reg.RegisterGaugeVec("rpc", "test_tokens", vec))

	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_duration_seconds",
		Help: "test",
	})
	require.NoError(t, reg.RegisterHistogram("rpc", "test_duration_seconds", hist))
}
