package appstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
)

type recordingObserver struct {
	mu      sync.Mutex
	sets    []uint8
	clears  []uint8
	already []bool
}

func (o *recordingObserver) StateSet(id uint8, wasAlready bool, _ uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sets = append(o.sets, id)
	o.already = append(o.already, wasAlready)
}

func (o *recordingObserver) StateCleared(id uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears = append(o.clears, id)
}

func TestSetClearBasics(t *testing.T) {
	r := New(nil)

	assert.False(t, r.Get(42))
	assert.False(t, r.Set(42))
	assert.True(t, r.Get(42))
	assert.True(t, r.Set(42))

	assert.True(t, r.Clear(42))
	assert.False(t, r.Get(42))
	assert.False(t, r.Clear(42))
}

func TestSetTo(t *testing.T) {
	r := New(nil)
	r.SetTo(7, true)
	assert.True(t, r.Get(7))
	r.SetTo(7, false)
	assert.False(t, r.Get(7))
}

func TestStateTimeoutExpiry(t *testing.T) {
	r := New(nil)
	const state = 100

	assert.False(t, r.SetTimeout(state, 17))

	var snap Snapshot
	for i := 0; i < 17; i++ {
		require.True(t, r.Get(state), "state clear after %d ticks", i)
		r.Snapshot(&snap)
		r.Tick(&snap)
	}
	assert.False(t, r.Get(state))

	_, err := r.Timeout(state)
	assert.ErrorIs(t, err, errors.ErrNoData)
}

func TestSetTimeoutReplacesCountdown(t *testing.T) {
	r := New(nil)
	const state = 10

	r.SetTimeout(state, 100)
	assert.True(t, r.SetTimeout(state, 2))

	remaining, err := r.Timeout(state)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), remaining)

	var snap Snapshot
	r.Snapshot(&snap)
	r.Tick(&snap)
	assert.True(t, r.Get(state))
	r.Snapshot(&snap)
	r.Tick(&snap)
	assert.False(t, r.Get(state))
}

func TestSetRemovesCountdown(t *testing.T) {
	r := New(nil)
	const state = 11

	r.SetTimeout(state, 5)
	r.Set(state)

	_, err := r.Timeout(state)
	assert.ErrorIs(t, err, errors.ErrNoData)

	var snap Snapshot
	for i := 0; i < 10; i++ {
		r.Snapshot(&snap)
		r.Tick(&snap)
	}
	assert.True(t, r.Get(state), "plain set must outlive old countdown")
}

func TestClearRemovesCountdown(t *testing.T) {
	r := New(nil)
	const state = 12

	r.SetTimeout(state, 5)
	r.Clear(state)
	_, err := r.Timeout(state)
	assert.ErrorIs(t, err, errors.ErrNoData)
}

func TestSetTimeoutZeroClears(t *testing.T) {
	r := New(nil)
	const state = 13

	r.Set(state)
	assert.True(t, r.SetTimeout(state, 0))
	assert.False(t, r.Get(state))
}

func TestTimeoutSlotExhaustion(t *testing.T) {
	r := New(nil)

	for i := 0; i < MaxTimeouts; i++ {
		assert.False(t, r.SetTimeout(uint8(50+i), 10))
	}

	// One past the limit is a no-op: bit not set, no countdown.
	extra := uint8(50 + MaxTimeouts)
	assert.False(t, r.SetTimeout(extra, 10))
	assert.False(t, r.Get(extra))
	_, err := r.Timeout(extra)
	assert.ErrorIs(t, err, errors.ErrNoData)

	// Updating an already timed state still works at the limit.
	assert.True(t, r.SetTimeout(50, 20))
	remaining, err := r.Timeout(50)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), remaining)
}

func TestTickSnapshotDiscipline(t *testing.T) {
	r := New(nil)
	const state = 14
	obs := &recordingObserver{}
	r.RegisterCallback(obs)

	r.SetTimeout(state, 1)

	// A stale snapshot that never observed the state set: the expiring
	// countdown is dropped silently and the bit survives.
	var stale Snapshot
	r.Tick(&stale)

	assert.True(t, r.Get(state))
	_, err := r.Timeout(state)
	assert.ErrorIs(t, err, errors.ErrNoData, "countdown dropped even though state survives")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Empty(t, obs.clears)
}

func TestObserverCallbacks(t *testing.T) {
	r := New(nil)
	obs := &recordingObserver{}
	r.RegisterCallback(obs)

	r.Set(20)
	r.Set(20)
	r.Clear(20)
	r.Clear(20)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.sets, 2)
	assert.False(t, obs.already[0])
	assert.True(t, obs.already[1])
	assert.Equal(t, []uint8{20}, obs.clears, "cleared fires once per transition")
}

func TestObserverExpiryCallback(t *testing.T) {
	r := New(nil)
	obs := &recordingObserver{}
	r.RegisterCallback(obs)

	r.SetTimeout(21, 1)
	var snap Snapshot
	r.Snapshot(&snap)
	r.Tick(&snap)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []uint8{21}, obs.clears)
}

func TestUnregisterCallback(t *testing.T) {
	r := New(nil)
	obs := &recordingObserver{}
	r.RegisterCallback(obs)
	r.UnregisterCallback(obs)

	r.Set(22)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Empty(t, obs.sets)
}

func TestConcurrentMutation(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint8) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := base*8 + uint8(i%8) + DeviceStateBase
				r.Set(id)
				r.Get(id)
				r.Clear(id)
			}
		}(uint8(g))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var snap Snapshot
		for i := 0; i < 100; i++ {
			r.Snapshot(&snap)
			r.Tick(&snap)
		}
	}()
	wg.Wait()
	<-done
}
