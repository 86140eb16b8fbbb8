// Package storage provides the durable tiered cache store.
//
// The store is a namespaced key-value layout over a single embedded
// database. Each cache tier (static/dynamic/api/image) owns one versioned
// namespace; entries are keyed by "method URL" within it. The store never
// expires anything on its own; all trimming is driven by the eviction
// manager.
package storage

import (
	"context"
	"net/http"
	"time"
)

// Key builds the request key an entry is stored under.
func Key(method, url string) string {
	return method + " " + url
}

// Entry is one cached response. StoredAt is recorded explicitly because
// the underlying store keeps no per-record metadata of its own.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Key returns the request key for this entry.
func (e *Entry) Key() string {
	return Key(e.Method, e.URL)
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Size returns the stored body length in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// LastModified returns the entry's Last-Modified header as a time, falling
// back to the Unix epoch when the header is absent or unparseable. Size
// trimming therefore degrades to insertion order for entries without the
// header instead of skipping them.
func (e *Entry) LastModified() time.Time {
	if e.Header != nil {
		if raw := e.Header.Get("Last-Modified"); raw != "" {
			if t, err := http.ParseTime(raw); err == nil {
				return t
			}
		}
	}
	return time.Unix(0, 0)
}

// Clone returns a deep copy so a stored entry can be mutated (headers
// injected, etc.) without touching the cached bytes.
func (e *Entry) Clone() *Entry {
	clone := *e
	clone.Header = e.Header.Clone()
	clone.Body = make([]byte, len(e.Body))
	copy(clone.Body, e.Body)
	return &clone
}

// CacheStore is the pluggable backend interface for the tiered cache.
//
// All implementations must be safe for concurrent use. Operations are
// atomic per key only; multi-step sequences (count then delete) tolerate
// benign races: double-delete is a no-op and double-insert overwrites.
type CacheStore interface {
	// Put stores an entry in a namespace, overwriting any previous entry
	// under the same key (last write wins). A zero StoredAt is set to now.
	Put(ctx context.Context, namespace string, entry *Entry) error

	// Get retrieves an entry. Missing keys and malformed records both
	// return errors.ErrKeyNotFound; a malformed record is never fatal.
	Get(ctx context.Context, namespace, key string) (*Entry, error)

	// Delete removes an entry. Deleting a missing key is a no-op.
	Delete(ctx context.Context, namespace, key string) error

	// Keys returns all keys in a namespace in store-enumeration order.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Scan visits every well-formed entry in a namespace in
	// store-enumeration order. Malformed records are skipped.
	Scan(ctx context.Context, namespace string, fn func(key string, entry *Entry) error) error

	// Count returns the number of entries in a namespace.
	Count(ctx context.Context, namespace string) (int, error)

	// TotalBytes returns the sum of stored body lengths in a namespace.
	TotalBytes(ctx context.Context, namespace string) (int64, error)

	// Namespaces lists every namespace that currently holds entries.
	Namespaces(ctx context.Context) ([]string, error)

	// DeleteNamespace removes a namespace and everything in it.
	DeleteNamespace(ctx context.Context, namespace string) error

	// Close releases the underlying database.
	Close() error
}
