package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/config"
	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/health"
	"github.com/emberline/nodecore/schedule"
)

func minimalConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(`
node:
  name: test-node
  device_id: 7
`))
	require.NoError(t, err)
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	cfg := minimalConfig(t)
	cfg.Node.DeviceID = 0
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestLifecycleAndBootBookkeeping(t *testing.T) {
	e, err := New(minimalConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), errors.ErrAlreadyStarted)

	assert.Equal(t, uint32(1), e.Boot().Count)
	assert.NotZero(t, e.Boot().Session)
	assert.Equal(t, health.StateHealthy, e.Health().State)

	require.NoError(t, e.Stop(2*time.Second))
	assert.ErrorIs(t, e.Stop(time.Second), errors.ErrNotStarted)
}

func TestRebootRequestDrainsEngine(t *testing.T) {
	e, err := New(minimalConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(2 * time.Second)

	e.RequestReboot()

	done := make(chan error, 1)
	go func() { done <- e.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine loops did not drain after reboot request")
	}
}

func TestScheduledTaskRunsFromConfig(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.Schedule = []config.EntryConfig{
		{Task: 1, Periodicity: "lockout", LockoutS: 1},
	}

	var runs atomic.Int32
	tasks := map[uint8]schedule.Task{
		1: {
			Name:     "blink",
			Executor: schedule.ExecutorWorkQueue,
			Work:     func(*schedule.Invocation) { runs.Add(1) },
		},
	}

	e, err := New(cfg, tasks)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(2 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Positive(t, runs.Load())
}

func TestEnvironmentReportsUptime(t *testing.T) {
	e, err := New(minimalConfig(t), nil)
	require.NoError(t, err)

	// Before Start the uptime is zero.
	assert.Zero(t, e.Environment().UptimeS)
	assert.Equal(t, uint8(100), e.Environment().BatterySoC)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(2 * time.Second)
	assert.NotZero(t, e.Environment().EpochS)
}
