package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/appstate"
	"github.com/emberline/nodecore/pkg/worker"
)

type fixedEnv struct {
	mu  sync.Mutex
	env Environment
}

func (f *fixedEnv) Environment() Environment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env
}

func newQueue(t *testing.T) *worker.Queue {
	t.Helper()
	q, err := worker.NewQueue(16)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(time.Second) })
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestWorkQueueTaskRunsAndReschedules(t *testing.T) {
	states := fakeStates{}
	q := newQueue(t)

	var mu sync.Mutex
	var counters []uint32
	task := Task{
		Name:     "sampler",
		Executor: ExecutorWorkQueue,
		Work: func(inv *Invocation) {
			mu.Lock()
			counters = append(counters, inv.Counter)
			mu.Unlock()
			if inv.Counter < 2 {
				inv.Reschedule(time.Millisecond)
			}
		},
	}

	entries := []Entry{{
		TaskID:      1,
		Periodicity: PeriodicityLockout,
		LockoutS:    60 | LockoutIgnoreFirst,
	}}
	s, err := New(entries, map[uint8]Task{1: task}, states, nil, q)
	require.NoError(t, err)

	s.Iterate(Environment{UptimeS: 5, BatterySoC: 50})
	waitFor(t, func() bool { return !s.States()[0].Running })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{0, 1, 2}, counters)
	st := s.States()[0]
	assert.Equal(t, uint64(5), st.LastRunS)
}

func TestThreadTaskTerminatesOnSignal(t *testing.T) {
	states := fakeStates{}
	q := newQueue(t)

	done := make(chan struct{})
	task := Task{
		Name:     "poller",
		Executor: ExecutorThread,
		Thread: func(_ *Entry, terminate <-chan struct{}, _ any) {
			<-terminate
			close(done)
		},
	}

	entries := []Entry{{
		TaskID:      1,
		Periodicity: PeriodicityLockout,
		LockoutS:    60 | LockoutIgnoreFirst,
	}}
	s, err := New(entries, map[uint8]Task{1: task}, states, nil, q)
	require.NoError(t, err)

	s.Iterate(Environment{UptimeS: 5, BatterySoC: 50})
	require.True(t, s.States()[0].Running)

	// Rebooting forces termination on the next pass.
	states[appstate.Rebooting] = true
	s.Iterate(Environment{UptimeS: 6, BatterySoC: 50})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("terminate signal never delivered")
	}
	st := s.States()[0]
	assert.False(t, st.Running)
	assert.Equal(t, uint64(6), st.LastTerminateS)
}

func TestRuntimeCapTerminates(t *testing.T) {
	states := fakeStates{}
	q := newQueue(t)

	task := Task{
		Name:     "longpoll",
		Executor: ExecutorThread,
		Thread: func(_ *Entry, terminate <-chan struct{}, _ any) {
			<-terminate
		},
	}

	entries := []Entry{{
		TaskID:      1,
		Periodicity: PeriodicityLockout,
		LockoutS:    600 | LockoutIgnoreFirst,
		TimeoutS:    3,
	}}
	s, err := New(entries, map[uint8]Task{1: task}, states, nil, q)
	require.NoError(t, err)

	s.Iterate(Environment{UptimeS: 10, BatterySoC: 50})
	require.True(t, s.States()[0].Running)

	for uptime := uint64(11); uptime <= 13; uptime++ {
		s.Iterate(Environment{UptimeS: uptime, BatterySoC: 50})
	}
	assert.False(t, s.States()[0].Running)
	assert.Equal(t, uint64(3), s.States()[0].AccumulatedRuntimeS)
}

func TestAfterEntryChainsOnTermination(t *testing.T) {
	states := fakeStates{}
	q := newQueue(t)

	ran := make(chan uint8, 4)
	quick := Task{
		Name:     "quick",
		Executor: ExecutorWorkQueue,
		Work:     func(inv *Invocation) { ran <- inv.Entry.TaskID },
	}

	entries := []Entry{
		{TaskID: 1, Periodicity: PeriodicityLockout, LockoutS: 600 | LockoutIgnoreFirst},
		{TaskID: 2, Periodicity: PeriodicityAfter, PeriodS: 2, After: 0},
	}
	s, err := New(entries, map[uint8]Task{1: quick, 2: quick}, states, nil, q)
	require.NoError(t, err)

	s.Iterate(Environment{UptimeS: 5, BatterySoC: 50})
	waitFor(t, func() bool { return !s.States()[0].Running })
	term := s.States()[0].LastTerminateS

	// One second early: not yet.
	s.Iterate(Environment{UptimeS: term + 1, BatterySoC: 50})
	assert.False(t, s.States()[1].Running)

	s.Iterate(Environment{UptimeS: term + 2, BatterySoC: 50})
	waitFor(t, func() bool {
		st := s.States()[1]
		return st.LastRunS == term+2
	})
}

func TestNewRejectsUnknownTask(t *testing.T) {
	q := newQueue(t)
	entries := []Entry{{TaskID: 9, Periodicity: PeriodicityFixed, PeriodS: 5}}
	_, err := New(entries, map[uint8]Task{}, fakeStates{}, nil, q)
	assert.Error(t, err)
}
