package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/metric"
	"github.com/emberline/nodecore/pkg/worker"
)

// Executor selects how a task runs.
type Executor uint8

const (
	// ExecutorThread runs the task on its own goroutine; the task
	// polls the terminate channel at its own suspension points.
	ExecutorThread Executor = iota
	// ExecutorWorkQueue runs each invocation to completion on the
	// shared serial work queue; the task reschedules itself through
	// the invocation.
	ExecutorWorkQueue
)

// ThreadFunc is a thread-executor task body. It must return promptly
// after terminate closes.
type ThreadFunc func(entry *Entry, terminate <-chan struct{}, args any)

// WorkFunc is one deferred-work invocation. Call Reschedule on the
// invocation to run again after a delay; returning without it ends the
// activation.
type WorkFunc func(inv *Invocation)

// Invocation carries per-activation state into a deferred-work task.
type Invocation struct {
	Entry *Entry
	Args  any
	// Counter is zero on the first run of an activation and increments
	// for each rescheduled continuation.
	Counter uint32

	requeue bool
	delay   time.Duration
}

// Reschedule requests another run of this activation after delay.
func (inv *Invocation) Reschedule(delay time.Duration) {
	inv.requeue = true
	inv.delay = delay
}

// Task binds a task id to an executor and body.
type Task struct {
	Name     string
	Executor Executor
	Thread   ThreadFunc
	Work     WorkFunc
}

type taskRuntime struct {
	terminate chan struct{}
	work      *worker.Work
	inv       *Invocation
	stopped   bool
}

// Scheduler iterates a validated schedule table at a one-second
// cadence and raises task executors.
type Scheduler struct {
	logger *slog.Logger
	core   *metric.CoreMetrics
	src    StateSource
	env    EnvironmentProvider
	queue  *worker.Queue

	entries []Entry
	tasks   map[uint8]Task

	mu      sync.Mutex
	st      []State
	rt      []taskRuntime
	running int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics wires the shared core metrics.
func WithMetrics(core *metric.CoreMetrics) Option {
	return func(s *Scheduler) { s.core = core }
}

// New validates the table and builds a scheduler. The worker queue is
// the shared deferred-work executor; it must be started by the caller.
func New(entries []Entry, tasks map[uint8]Task, src StateSource, env EnvironmentProvider,
	queue *worker.Queue, opts ...Option) (*Scheduler, error) {

	st, err := ValidateTable(entries)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		task, ok := tasks[entries[i].TaskID]
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("entry %d names unknown task %d", i, entries[i].TaskID),
				"schedule", "New", "task binding")
		}
		if task.Executor == ExecutorThread && task.Thread == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("task %q has no thread body", task.Name),
				"schedule", "New", "task binding")
		}
		if task.Executor == ExecutorWorkQueue && task.Work == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("task %q has no work body", task.Name),
				"schedule", "New", "task binding")
		}
	}

	s := &Scheduler{
		logger:  slog.Default(),
		src:     src,
		env:     env,
		queue:   queue,
		entries: entries,
		tasks:   tasks,
		st:      st,
		rt:      make([]taskRuntime, len(entries)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s, nil
}

// States returns a copy of the runtime state table.
func (s *Scheduler) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.st...)
}

// Iterate evaluates every entry against the environment once. Running
// entries accumulate one second of runtime per call.
func (s *Scheduler) Iterate(env Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		e := &s.entries[i]
		st := &s.st[i]

		if !st.Running {
			if ShouldStart(e, st, s.st, s.src, env) {
				s.startLocked(i, env)
			}
			continue
		}

		st.AccumulatedRuntimeS++
		if ShouldTerminate(e, st, s.src, env) {
			s.terminateLocked(i, env, "condition")
		}
	}
}

// startLocked raises the executor for entry i. Caller holds s.mu.
func (s *Scheduler) startLocked(i int, env Environment) {
	e := &s.entries[i]
	task := s.tasks[e.TaskID]

	st := &s.st[i]
	st.LastRunS = env.UptimeS
	st.AccumulatedRuntimeS = 0
	st.Running = true
	s.running++

	rt := &s.rt[i]
	rt.stopped = false

	s.logger.Debug("task start", "task", task.Name, "entry", i, "uptime_s", env.UptimeS)
	if s.core != nil {
		s.core.TasksStarted.WithLabelValues(task.Name).Inc()
		s.core.TasksRunning.Set(float64(s.running))
	}

	switch task.Executor {
	case ExecutorThread:
		rt.terminate = make(chan struct{})
		terminate := rt.terminate
		go func() {
			task.Thread(e, terminate, e.Args)
			s.finish(i, "returned")
		}()

	case ExecutorWorkQueue:
		rt.inv = &Invocation{Entry: e, Args: e.Args}
		rt.work = s.queue.NewWork(func(ctx context.Context, w *worker.Work) {
			s.runWork(i, task, w)
		})
		if err := rt.work.Submit(); err != nil {
			s.logger.Warn("task submit failed", "task", task.Name, "error", err)
			s.finishLocked(i, env.UptimeS, "submit failed")
		}
	}
}

// runWork executes one deferred-work invocation and requeues it when
// the task asked for a continuation and no termination is pending.
func (s *Scheduler) runWork(i int, task Task, w *worker.Work) {
	s.mu.Lock()
	inv := s.rt[i].inv
	stopped := s.rt[i].stopped
	s.mu.Unlock()
	if inv == nil || stopped {
		return
	}

	inv.requeue = false
	task.Work(inv)

	s.mu.Lock()
	stopped = s.rt[i].stopped
	s.mu.Unlock()

	if inv.requeue && !stopped {
		inv.Counter++
		if err := w.SubmitDelayed(inv.delay); err != nil {
			s.logger.Warn("task requeue failed", "task", task.Name, "error", err)
			s.finish(i, "requeue failed")
		}
		return
	}
	if !stopped {
		s.finish(i, "completed")
	}
}

// terminateLocked signals the executor and records termination.
// Caller holds s.mu.
func (s *Scheduler) terminateLocked(i int, env Environment, reason string) {
	rt := &s.rt[i]
	rt.stopped = true
	if rt.terminate != nil {
		close(rt.terminate)
		rt.terminate = nil
	}
	if rt.work != nil {
		rt.work.Cancel()
		rt.work = nil
		rt.inv = nil
	}
	s.finishLocked(i, env.UptimeS, reason)
}

// finish records natural completion of entry i's executor.
func (s *Scheduler) finish(i int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uptime := s.st[i].LastRunS + s.st[i].AccumulatedRuntimeS
	s.finishLocked(i, uptime, reason)
}

func (s *Scheduler) finishLocked(i int, uptimeS uint64, reason string) {
	st := &s.st[i]
	if !st.Running {
		return
	}
	st.Running = false
	st.LastTerminateS = uptimeS
	s.running--

	task := s.tasks[s.entries[i].TaskID]
	s.logger.Debug("task terminate", "task", task.Name, "entry", i, "reason", reason)
	if s.core != nil {
		s.core.TasksTerminated.WithLabelValues(task.Name, reason).Inc()
		s.core.TasksRunning.Set(float64(s.running))
	}
}

// Run drives Iterate at a one-second cadence until ctx is cancelled,
// then terminates every running entry.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			env := s.env.Environment()
			s.mu.Lock()
			for i := range s.st {
				if s.st[i].Running {
					s.terminateLocked(i, env, "shutdown")
				}
			}
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			s.Iterate(s.env.Environment())
		}
	}
}
