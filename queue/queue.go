// Package queue provides the durable FIFO write-replay queue.
//
// Mutating requests that fail for lack of connectivity are serialized here
// and replayed in enqueue order by the sync manager. Entries live until a
// successful replay deletes them; the queue itself has no expiry and no
// cap, which is why depth and oldest-entry age are exported as gauges.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"

	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/metric"
	"github.com/c360/edgecache/pkg/retry"
)

// Credentials modes carried on a queued mutation, mirroring the request
// modes the client used.
const (
	CredentialsInclude    = "include"
	CredentialsSameOrigin = "same-origin"
	CredentialsOmit       = "omit"
)

// Mutation is one pending write awaiting replay.
type Mutation struct {
	// ID is time-ordered so database key order is FIFO order.
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Method      string      `json:"method"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	Credentials string      `json:"credentials"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// NewID builds a time-ordered unique mutation ID. Zero-padding keeps the
// lexicographic key order identical to enqueue order; the UUID suffix
// disambiguates same-nanosecond enqueues.
func NewID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// Queue is a durable FIFO queue of pending mutations.
type Queue struct {
	db     *leveldb.DB
	logger *slog.Logger

	depthGauge     prometheus.Gauge
	oldestAgeGauge prometheus.Gauge
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetricsRegistry registers queue depth gauges with the registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(q *Queue) {
		depth := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgecache",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of mutations awaiting replay",
		})
		oldest := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgecache",
			Subsystem: "queue",
			Name:      "oldest_age_seconds",
			Help:      "Age of the oldest queued mutation in seconds",
		})
		if err := registry.RegisterGauge("queue", "depth", depth); err != nil {
			return
		}
		if err := registry.RegisterGauge("queue", "oldest_age_seconds", oldest); err != nil {
			return
		}
		q.depthGauge = depth
		q.oldestAgeGauge = oldest
	}
}

// Open opens (or creates) the queue database at path.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := retry.DoWithResult(ctx, retry.Startup(), func() (*leveldb.DB, error) {
		db, err := leveldb.OpenFile(path, nil)
		if ldberrors.IsCorrupted(err) {
			logger.Warn("mutation queue corrupted, recovering", "path", path)
			db, err = leveldb.RecoverFile(path, nil)
		}
		return db, err
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "queue", "Open", "open database")
	}

	q := &Queue{db: db, logger: logger}
	for _, opt := range opts {
		opt(q)
	}
	q.refreshGauges()
	return q, nil
}

// Append adds a mutation to the tail of the queue. A missing ID or
// EnqueuedAt is filled in.
func (q *Queue) Append(ctx context.Context, m *Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.WrapInvalid(errors.ErrMalformedRecord, "queue", "Append", "mutation cannot be nil")
	}
	if m.URL == "" || m.Method == "" {
		return errors.WrapInvalid(
			fmt.Errorf("mutation needs url and method"),
			"queue", "Append", "validate mutation")
	}

	now := time.Now()
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	if m.ID == "" {
		m.ID = NewID(now)
	}
	if m.Credentials == "" {
		m.Credentials = CredentialsSameOrigin
	}

	data, err := json.Marshal(m)
	if err != nil {
		return errors.WrapFatal(err, "queue", "Append", "marshal mutation")
	}

	if err := q.db.Put([]byte(m.ID), data, nil); err != nil {
		return errors.WrapTransient(err, "queue", "Append", "write mutation")
	}

	q.logger.Info("queued mutation for replay",
		"id", m.ID,
		"method", m.Method,
		"url", m.URL)
	q.refreshGauges()
	return nil
}

// List returns all pending mutations in FIFO order. Malformed records are
// skipped, never fatal.
func (q *Queue) List(ctx context.Context) ([]*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []*Mutation
	for iter.Next() {
		var m Mutation
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			q.logger.Warn("skipping malformed queued mutation",
				"id", string(iter.Key()))
			continue
		}
		out = append(out, &m)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "queue", "List", "iterate queue")
	}
	return out, nil
}

// Delete removes a replayed mutation. Deleting a missing ID is a no-op.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.db.Delete([]byte(id), nil); err != nil {
		return errors.WrapTransient(err, "queue", "Delete", "delete mutation")
	}
	q.refreshGauges()
	return nil
}

// Len returns the number of pending mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, errors.WrapTransient(err, "queue", "Len", "iterate queue")
	}
	return n, nil
}

// OldestAge returns how long the head of the queue has been waiting.
// Returns errors.ErrQueueEmpty when nothing is pending.
func (q *Queue) OldestAge(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		var m Mutation
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		return time.Since(m.EnqueuedAt), nil
	}
	if err := iter.Error(); err != nil {
		return 0, errors.WrapTransient(err, "queue", "OldestAge", "iterate queue")
	}
	return 0, errors.ErrQueueEmpty
}

// Close releases the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// refreshGauges recomputes depth and oldest-age after queue changes.
// Best effort; gauge staleness is harmless.
func (q *Queue) refreshGauges() {
	if q.depthGauge == nil {
		return
	}

	iter := q.db.NewIterator(nil, nil)
	defer iter.Release()

	n := 0
	var oldest time.Time
	for iter.Next() {
		if n == 0 {
			var m Mutation
			if err := json.Unmarshal(iter.Value(), &m); err == nil {
				oldest = m.EnqueuedAt
			}
		}
		n++
	}

	q.depthGauge.Set(float64(n))
	if n == 0 || oldest.IsZero() {
		q.oldestAgeGauge.Set(0)
	} else {
		q.oldestAgeGauge.Set(time.Since(oldest).Seconds())
	}
}
