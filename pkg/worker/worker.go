// Package worker provides a bounded runner for detached background tasks.
//
// Policies hand fire-and-forget work (revalidations, trims) to a Runner so
// the already-returned response is never blocked. Task failures flow through
// an explicit error channel and are logged, never surfaced to the original
// caller.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/edgecache/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Task is a named unit of detached background work.
type Task struct {
	Name string
	Run  func(context.Context) error
}

// taskError pairs a failed task with its error for the drain loop.
type taskError struct {
	name string
	err  error
}

// Runner executes detached tasks with bounded concurrency.
type Runner struct {
	workers   int
	queueSize int

	tasks chan Task
	errs  chan taskError

	logger *slog.Logger

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	workersWg   *sync.WaitGroup
	drainWg     *sync.WaitGroup

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	// Rate-limited failure logging; a dead origin would otherwise flood
	// the log with one line per background revalidation.
	suppressMu    sync.Mutex
	suppressUntil map[string]time.Time
	suppressEvery time.Duration

	metrics *Metrics
}

// Metrics holds Prometheus metrics for the background runner.
type Metrics struct {
	failures   *prometheus.CounterVec
	dropped    prometheus.Counter
	queueGauge prometheus.Gauge
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetricsRegistry registers runner metrics with the given registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry, prefix string) Option {
	return func(r *Runner) {
		m := &Metrics{
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "edgecache",
				Subsystem: "background",
				Name:      "failures_total",
				Help:      "Total background task failures by task name",
			}, []string{"task"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "edgecache",
				Subsystem: "background",
				Name:      "dropped_total",
				Help:      "Total background tasks dropped due to a full queue",
			}),
			queueGauge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "edgecache",
				Subsystem: "background",
				Name:      "queue_depth",
				Help:      "Current background task queue depth",
			}),
		}
		if err := registry.RegisterCounterVec(prefix, "background_failures_total", m.failures); err != nil {
			return
		}
		if err := registry.RegisterCounter(prefix, "background_dropped_total", m.dropped); err != nil {
			return
		}
		if err := registry.RegisterGauge(prefix, "background_queue_depth", m.queueGauge); err != nil {
			return
		}
		r.metrics = m
	}
}

// WithSuppressWindow sets the minimum interval between logged failures for
// the same task name.
func WithSuppressWindow(d time.Duration) Option {
	return func(r *Runner) {
		r.suppressEvery = d
	}
}

// NewRunner creates a background task runner.
func NewRunner(workers, queueSize int, logger *slog.Logger, opts ...Option) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		workers:       workers,
		queueSize:     queueSize,
		tasks:         make(chan Task, queueSize),
		errs:          make(chan taskError, queueSize),
		logger:        logger,
		suppressUntil: make(map[string]time.Time),
		suppressEvery: time.Minute,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start launches the worker and error-drain goroutines.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	r.workersWg = &sync.WaitGroup{}
	for i := 0; i < r.workers; i++ {
		r.workersWg.Add(1)
		go r.worker(ctx)
	}

	r.drainWg = &sync.WaitGroup{}
	r.drainWg.Add(1)
	go r.drainErrors(ctx)

	r.started = true
	return nil
}

// Go submits a detached task. It never blocks; when the queue is full the
// task is dropped and counted.
func (r *Runner) Go(task Task) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started {
		return ErrNotStarted
	}
	if r.stopped {
		return ErrStopped
	}

	select {
	case r.tasks <- task:
		atomic.AddInt64(&r.submitted, 1)
		if r.metrics != nil {
			r.metrics.queueGauge.Set(float64(len(r.tasks)))
		}
		return nil
	default:
		atomic.AddInt64(&r.dropped, 1)
		if r.metrics != nil {
			r.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop drains in-flight tasks and shuts the runner down.
func (r *Runner) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started || r.stopped {
		return nil
	}

	close(r.tasks)

	done := make(chan struct{})
	go func() {
		r.workersWg.Wait()
		// Workers are the only producers on the error channel; once they
		// finish it is safe to close it and let the drain loop exit.
		close(r.errs)
		r.drainWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		r.stopped = true
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current runner statistics.
func (r *Runner) Stats() Stats {
	return Stats{
		Workers:   r.workers,
		Submitted: atomic.LoadInt64(&r.submitted),
		Processed: atomic.LoadInt64(&r.processed),
		Failed:    atomic.LoadInt64(&r.failed),
		Dropped:   atomic.LoadInt64(&r.dropped),
	}
}

// Stats represents runner statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func (r *Runner) worker(ctx context.Context) {
	defer r.workersWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-r.tasks:
			if !ok {
				return
			}

			err := task.Run(ctx)
			atomic.AddInt64(&r.processed, 1)
			if err != nil {
				atomic.AddInt64(&r.failed, 1)
				if r.metrics != nil {
					r.metrics.failures.WithLabelValues(task.Name).Inc()
				}
				select {
				case r.errs <- taskError{name: task.Name, err: err}:
				default:
					// Error channel full; the counter still records it.
				}
			}
		}
	}
}

// drainErrors is the single consumer of the task error channel.
func (r *Runner) drainErrors(ctx context.Context) {
	defer r.drainWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case te, ok := <-r.errs:
			if !ok {
				return
			}
			if r.shouldLog(te.name) {
				r.logger.Warn("background task failed",
					"task", te.name,
					"error", te.err)
			}
		}
	}
}

// shouldLog applies per-task rate limiting to failure logging.
func (r *Runner) shouldLog(name string) bool {
	now := time.Now()

	r.suppressMu.Lock()
	defer r.suppressMu.Unlock()

	if until, ok := r.suppressUntil[name]; ok && now.Before(until) {
		return false
	}
	r.suppressUntil[name] = now.Add(r.suppressEvery)
	return true
}
