// Package worker provides the shared deferred-work queue: a bounded,
// single-goroutine executor for short cooperative work items. Items on
// the same queue serialize against each other; work may re-queue itself
// with a delay. Long-running activities belong on their own goroutine,
// not here.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberline/nodecore/metric"
)

// Func is the body of a work item. It runs to completion on the queue
// goroutine and receives the item handle so it can re-queue itself.
type Func func(ctx context.Context, w *Work)

// Work is a submittable work item bound to a queue. A Work that is
// already pending ignores further submissions until it runs.
type Work struct {
	q       *Queue
	fn      Func
	pending atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer
}

// Queue is a bounded single-goroutine work queue.
type Queue struct {
	queueSize int
	workChan  chan *Work

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	wg          sync.WaitGroup

	// Statistics (atomic)
	submitted int64
	processed int64
	dropped   int64

	metrics *queueMetrics
}

type queueMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	dropped    prometheus.Counter
	runTime    prometheus.Histogram
}

// Option configures a Queue.
type Option func(*Queue) error

// WithMetrics registers queue metrics with the given registry under the
// provided prefix.
func WithMetrics(registry metric.Registrar, prefix string) Option {
	return func(q *Queue) error {
		if registry == nil || prefix == "" {
			return nil
		}
		m := &queueMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_queue_depth",
				Help: "Current deferred work queue depth",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Total work items submitted",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_processed_total",
				Help: "Total work items processed",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Total work items dropped due to full queue",
			}),
			runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    prefix + "_run_duration_seconds",
				Help:    "Time spent running work items",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			}),
		}
		const service = "worker_queue"
		if err := registry.RegisterGauge(service, prefix+"_queue_depth", m.queueDepth); err != nil {
			return err
		}
		if err := registry.RegisterCounter(service, prefix+"_submitted_total", m.submitted); err != nil {
			return err
		}
		if err := registry.RegisterCounter(service, prefix+"_processed_total", m.processed); err != nil {
			return err
		}
		if err := registry.RegisterCounter(service, prefix+"_dropped_total", m.dropped); err != nil {
			return err
		}
		if err := registry.RegisterHistogram(service, prefix+"_run_duration_seconds", m.runTime); err != nil {
			return err
		}
		q.metrics = m
		return nil
	}
}

// NewQueue creates a deferred-work queue with the given capacity.
func NewQueue(queueSize int, opts ...Option) (*Queue, error) {
	if queueSize <= 0 {
		queueSize = 64
	}
	q := &Queue{
		queueSize: queueSize,
		workChan:  make(chan *Work, queueSize),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// NewWork binds fn to the queue and returns its handle.
func (q *Queue) NewWork(fn Func) *Work {
	if fn == nil {
		panic(ErrNilFunc)
	}
	return &Work{q: q, fn: fn}
}

// Submit enqueues fn as a one-shot work item.
func (q *Queue) Submit(fn Func) error {
	return q.NewWork(fn).Submit()
}

// Start starts the queue goroutine.
func (q *Queue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.started {
		return ErrQueueAlreadyStarted
	}
	q.wg.Add(1)
	go q.run(ctx)
	q.started = true
	return nil
}

// Stop stops the queue, waiting up to timeout for in-flight work.
func (q *Queue) Stop(timeout time.Duration) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if !q.started || q.stopped {
		return nil
	}
	close(q.workChan)
	q.stopped = true

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current queue statistics.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		QueueSize:  q.queueSize,
		QueueDepth: len(q.workChan),
		Submitted:  atomic.LoadInt64(&q.submitted),
		Processed:  atomic.LoadInt64(&q.processed),
		Dropped:    atomic.LoadInt64(&q.dropped),
	}
}

// QueueStats represents queue statistics.
type QueueStats struct {
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-q.workChan:
			if !ok {
				return
			}
			w.pending.Store(false)

			start := time.Now()
			w.fn(ctx, w)
			duration := time.Since(start)

			atomic.AddInt64(&q.processed, 1)
			if q.metrics != nil {
				q.metrics.processed.Inc()
				q.metrics.queueDepth.Set(float64(len(q.workChan)))
				q.metrics.runTime.Observe(duration.Seconds())
			}
		}
	}
}

func (q *Queue) enqueue(w *Work) error {
	q.lifecycleMu.Lock()
	if !q.started {
		q.lifecycleMu.Unlock()
		w.pending.Store(false)
		return ErrQueueNotStarted
	}
	if q.stopped {
		q.lifecycleMu.Unlock()
		w.pending.Store(false)
		return ErrQueueStopped
	}
	q.lifecycleMu.Unlock()

	select {
	case q.workChan <- w:
		atomic.AddInt64(&q.submitted, 1)
		if q.metrics != nil {
			q.metrics.submitted.Inc()
			q.metrics.queueDepth.Set(float64(len(q.workChan)))
		}
		return nil
	default:
		w.pending.Store(false)
		atomic.AddInt64(&q.dropped, 1)
		if q.metrics != nil {
			q.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Submit enqueues the work item now. Submitting an already pending item
// is a no-op.
func (w *Work) Submit() error {
	if !w.pending.CompareAndSwap(false, true) {
		return nil
	}
	return w.q.enqueue(w)
}

// SubmitDelayed enqueues the work item after delay, overriding any
// previously scheduled delayed submission.
func (w *Work) SubmitDelayed(delay time.Duration) error {
	if delay <= 0 {
		return w.Submit()
	}

	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, func() {
		// Errors here have no caller to report to; the queue counts drops.
		_ = w.Submit()
	})
	return nil
}

// Cancel stops a pending delayed submission. It does not remove an item
// already on the queue.
func (w *Work) Cancel() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
