// Package evict implements the cache trimming policies.
//
// The store never expires anything on its own; the policies here bound
// each tier after writes and during periodic maintenance. Trims are
// tolerant of concurrent writes: counts and sizes are snapshots, and a
// tier may briefly overshoot its bound between a write and the trim that
// follows it.
package evict

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgecache/metric"
	"github.com/c360/edgecache/storage"
)

// Manager applies count, size and age bounds to cache namespaces.
type Manager struct {
	store  storage.CacheStore
	logger *slog.Logger

	evictions *prometheus.CounterVec
}

// New builds an eviction manager over a store.
func New(store storage.CacheStore, logger *slog.Logger, registry *metric.MetricsRegistry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, logger: logger}

	if registry != nil {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecache",
			Subsystem: "evict",
			Name:      "evictions_total",
			Help:      "Entries removed by eviction, by namespace and reason",
		}, []string{"namespace", "reason"})
		if err := registry.RegisterCounterVec("evict", "evictions_total", vec); err == nil {
			m.evictions = vec
		}
	}

	return m
}

func (m *Manager) countEviction(namespace, reason string, n int) {
	if m.evictions != nil && n > 0 {
		m.evictions.WithLabelValues(namespace, reason).Add(float64(n))
	}
}

// TrimCount deletes entries in store-enumeration order until the
// namespace holds at most limit entries. A namespace already under the
// limit is untouched.
func (m *Manager) TrimCount(ctx context.Context, namespace string, limit int) error {
	keys, err := m.store.Keys(ctx, namespace)
	if err != nil {
		return err
	}
	if len(keys) <= limit {
		return nil
	}

	excess := keys[:len(keys)-limit]
	for _, key := range excess {
		if err := m.store.Delete(ctx, namespace, key); err != nil {
			return err
		}
	}

	m.countEviction(namespace, "count", len(excess))
	m.logger.Info("trimmed namespace by count",
		"namespace", namespace,
		"deleted", len(excess),
		"limit", limit)
	return nil
}

// TrimSize deletes the oldest entries (by Last-Modified, epoch when the
// header is absent) until total body bytes fit under maxBytes. Entries
// without the header sort first, so they are evicted before dated ones.
func (m *Manager) TrimSize(ctx context.Context, namespace string, maxBytes int64) error {
	type candidate struct {
		key      string
		size     int64
		modified time.Time
	}

	var total int64
	var entries []candidate
	err := m.store.Scan(ctx, namespace, func(key string, entry *storage.Entry) error {
		total += entry.Size()
		entries = append(entries, candidate{
			key:      key,
			size:     entry.Size(),
			modified: entry.LastModified(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	if total <= maxBytes {
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].modified.Before(entries[j].modified)
	})

	deleted := 0
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if err := m.store.Delete(ctx, namespace, e.key); err != nil {
			return err
		}
		total -= e.size
		deleted++
	}

	m.countEviction(namespace, "size", deleted)
	m.logger.Info("trimmed namespace by size",
		"namespace", namespace,
		"deleted", deleted,
		"remaining_bytes", total,
		"max_bytes", maxBytes)
	return nil
}

// PurgeExpired deletes every entry stored longer ago than maxAge.
func (m *Manager) PurgeExpired(ctx context.Context, namespace string, maxAge time.Duration) error {
	now := time.Now()

	var expired []string
	err := m.store.Scan(ctx, namespace, func(key string, entry *storage.Entry) error {
		if entry.Age(now) > maxAge {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range expired {
		if err := m.store.Delete(ctx, namespace, key); err != nil {
			return err
		}
	}

	if len(expired) > 0 {
		m.countEviction(namespace, "expired", len(expired))
		m.logger.Info("purged expired entries",
			"namespace", namespace,
			"deleted", len(expired),
			"max_age", maxAge)
	}
	return nil
}
