// Package syncer drains the mutation queue when connectivity returns.
//
// A drain pass replays mutations strictly in enqueue order and halts on
// the first transport failure, leaving the failed mutation and everything
// behind it queued for the next pass. Requests for a drain coalesce: any
// number of signals while a pass is running fold into at most one
// follow-up pass.
package syncer

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/metric"
	"github.com/c360/edgecache/queue"
)

// Replayer re-sends a queued mutation to the origin. A returned error
// means the origin was unreachable; a response of any status means the
// mutation was delivered.
type Replayer interface {
	Replay(ctx context.Context, m *queue.Mutation) (*http.Response, error)
}

// Notifier receives replay outcomes. The message bridge implements this
// to tell connected clients their queued writes have landed.
type Notifier interface {
	SyncSuccess(url string, at time.Time)
}

// Manager owns the drain loop.
type Manager struct {
	queue    *queue.Queue
	replayer Replayer
	notifier Notifier
	logger   *slog.Logger

	signal   chan struct{}
	draining atomic.Bool

	replayed *prometheus.CounterVec
	passes   prometheus.Counter
}

// New builds a sync manager. notifier may be nil.
func New(q *queue.Queue, r Replayer, notifier Notifier, logger *slog.Logger, registry *metric.MetricsRegistry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		queue:    q,
		replayer: r,
		notifier: notifier,
		logger:   logger,
		signal:   make(chan struct{}, 1),
	}

	if registry != nil {
		replayed := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecache",
			Subsystem: "sync",
			Name:      "replayed_total",
			Help:      "Queued mutations replayed, by outcome",
		}, []string{"outcome"})
		passes := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgecache",
			Subsystem: "sync",
			Name:      "drain_passes_total",
			Help:      "Drain passes started",
		})
		if err := registry.RegisterCounterVec("sync", "replayed_total", replayed); err == nil {
			m.replayed = replayed
		}
		if err := registry.RegisterCounter("sync", "drain_passes_total", passes); err == nil {
			m.passes = passes
		}
	}

	return m
}

// Signal requests a drain pass. Never blocks; signals raised while a
// pass is pending or running coalesce into one.
func (m *Manager) Signal() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run processes drain signals until ctx is cancelled. Blocking; callers
// run it on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
			if err := m.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("drain pass halted", "error", err)
			}
		}
	}
}

// Drain replays every pending mutation in FIFO order, halting on the
// first failure. A pass already in flight makes this call a no-op.
func (m *Manager) Drain(ctx context.Context) error {
	if !m.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer m.draining.Store(false)

	pending, err := m.queue.List(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if m.passes != nil {
		m.passes.Inc()
	}
	m.logger.Info("draining mutation queue", "pending", len(pending))

	for _, mut := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := m.replayer.Replay(ctx, mut)
		if err != nil {
			// Transport failure: keep this mutation and everything after
			// it so replay order is preserved for the next pass.
			if m.replayed != nil {
				m.replayed.WithLabelValues("failed").Inc()
			}
			m.logger.Warn("replay failed, halting pass",
				"id", mut.ID,
				"method", mut.Method,
				"url", mut.URL,
				"error", err)
			return errors.Wrap(errors.ErrReplayFailed, "syncer", "Drain", "replay mutation")
		}

		if err := m.queue.Delete(ctx, mut.ID); err != nil {
			return err
		}

		if m.replayed != nil {
			m.replayed.WithLabelValues("replayed").Inc()
		}
		m.logger.Info("replayed queued mutation",
			"id", mut.ID,
			"method", mut.Method,
			"url", mut.URL,
			"status", resp.StatusCode)

		if m.notifier != nil {
			m.notifier.SyncSuccess(mut.URL, time.Now())
		}
	}

	m.logger.Info("mutation queue drained")
	return nil
}
