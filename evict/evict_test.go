package evict

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgecache/storage"
)

func openStore(t *testing.T) storage.CacheStore {
	t.Helper()
	s, err := storage.Open(context.Background(), t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s storage.CacheStore, ns, url string, body []byte, lastModified time.Time) {
	t.Helper()
	e := &storage.Entry{
		Method: "GET",
		URL:    url,
		Status: 200,
		Header: http.Header{},
		Body:   body,
	}
	if !lastModified.IsZero() {
		e.Header.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	require.NoError(t, s.Put(context.Background(), ns, e))
}

func TestTrimCountNoOpUnderLimit(t *testing.T) {
	s := openStore(t)
	m := New(s, slog.Default(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		put(t, s, "dynamic-v1", fmt.Sprintf("/page-%d", i), []byte("x"), time.Time{})
	}

	before, err := s.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)

	require.NoError(t, m.TrimCount(ctx, "dynamic-v1", 5))

	after, err := s.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "namespace under its limit is untouched")
}

func TestTrimCountDeletesDownToLimit(t *testing.T) {
	s := openStore(t)
	m := New(s, slog.Default(), nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		put(t, s, "dynamic-v1", fmt.Sprintf("/page-%d", i), []byte("x"), time.Time{})
	}

	require.NoError(t, m.TrimCount(ctx, "dynamic-v1", 5))

	count, err := s.Count(ctx, "dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Deletion follows enumeration order, so the tail of the ordering
	// survives.
	keys, err := s.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /page-3", "GET /page-4", "GET /page-5", "GET /page-6", "GET /page-7"}, keys)
}

func TestTrimSizeEvictsOldestFirst(t *testing.T) {
	s := openStore(t)
	m := New(s, slog.Default(), nil)
	ctx := context.Background()

	now := time.Now()
	put(t, s, "image-v1", "/old.png", make([]byte, 400), now.Add(-72*time.Hour))
	put(t, s, "image-v1", "/mid.png", make([]byte, 400), now.Add(-24*time.Hour))
	put(t, s, "image-v1", "/new.png", make([]byte, 400), now.Add(-time.Hour))

	require.NoError(t, m.TrimSize(ctx, "image-v1", 900))

	_, err := s.Get(ctx, "image-v1", storage.Key("GET", "/old.png"))
	assert.Error(t, err, "oldest entry evicted first")

	_, err = s.Get(ctx, "image-v1", storage.Key("GET", "/mid.png"))
	assert.NoError(t, err)
	_, err = s.Get(ctx, "image-v1", storage.Key("GET", "/new.png"))
	assert.NoError(t, err)

	total, err := s.TotalBytes(ctx, "image-v1")
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(900))
}

func TestTrimSizeUndatedEntriesEvictFirst(t *testing.T) {
	s := openStore(t)
	m := New(s, slog.Default(), nil)
	ctx := context.Background()

	put(t, s, "image-v1", "/undated.png", make([]byte, 500), time.Time{})
	put(t, s, "image-v1", "/dated.png", make([]byte, 500), time.Now().Add(-365*24*time.Hour))

	require.NoError(t, m.TrimSize(ctx, "image-v1", 600))

	_, err := s.Get(ctx, "image-v1", storage.Key("GET", "/undated.png"))
	assert.Error(t, err, "entry without Last-Modified sorts to the epoch and goes first")

	_, err = s.Get(ctx, "image-v1", storage.Key("GET", "/dated.png"))
	assert.NoError(t, err)
}

func TestTrimSizeNoOpUnderBound(t *testing.T) {
	s := openStore(t)
	m := New(s, slog.Default(), nil)
	ctx := context.Background()

	put(t, s, "image-v1", "/a.png", make([]byte, 100), time.Now())
	require.NoError(t, m.TrimSize(ctx, "image-v1", 1000))

	count, err := s.Count(ctx, "image-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPurgeExpired(t *testing.T) {
	s := openStore(t)
	m := New(s, slog.Default(), nil)
	ctx := context.Background()

	fresh := &storage.Entry{
		Method: "GET", URL: "/api/v1/fresh", Status: 200,
		Body: []byte("{}"), StoredAt: time.Now(),
	}
	stale := &storage.Entry{
		Method: "GET", URL: "/api/v1/stale", Status: 200,
		Body: []byte("{}"), StoredAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.Put(ctx, "api-v1", fresh))
	require.NoError(t, s.Put(ctx, "api-v1", stale))

	require.NoError(t, m.PurgeExpired(ctx, "api-v1", 5*time.Minute))

	_, err := s.Get(ctx, "api-v1", storage.Key("GET", "/api/v1/stale"))
	assert.Error(t, err)
	_, err = s.Get(ctx, "api-v1", storage.Key("GET", "/api/v1/fresh"))
	assert.NoError(t, err)
}
