package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/storage"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	failing map[string]bool
	fetched []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, method, url string, _ http.Header) (*storage.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if f.failing[url] {
		return nil, errors.ErrOriginUnreachable
	}
	return &storage.Entry{
		Method:   method,
		URL:      url,
		Status:   200,
		Header:   http.Header{},
		Body:     []byte("asset:" + url),
		StoredAt: time.Now(),
	}, nil
}

type recordingClaimer struct {
	mu       sync.Mutex
	versions []string
}

func (c *recordingClaimer) ClaimClients(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, version)
}

func newController(t *testing.T, precache []string, fetcher Fetcher, claimer Claimer) (*Controller, storage.CacheStore, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Origin = "http://localhost:3000"
	cfg.Cache.Version = "v2"
	cfg.Cache.Precache = precache

	store, err := storage.Open(context.Background(), t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(cfg, store, fetcher, claimer, slog.Default()), store, cfg
}

func TestInstallPrecachesAllAssets(t *testing.T) {
	urls := []string{"/index.html", "/app.js", "/styles.css"}
	c, store, cfg := newController(t, urls, &scriptedFetcher{}, nil)
	ctx := context.Background()

	assert.Equal(t, Installing, c.State())
	require.NoError(t, c.Install(ctx))
	assert.Equal(t, Waiting, c.State())

	ns := cfg.Namespace(config.TierStatic)
	for _, url := range urls {
		entry, err := store.Get(ctx, ns, storage.Key("GET", url))
		require.NoError(t, err, url)
		assert.Equal(t, []byte("asset:"+url), entry.Body)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	urls := []string{"/index.html", "/app.js", "/styles.css"}
	fetcher := &scriptedFetcher{failing: map[string]bool{"/app.js": true}}
	c, store, cfg := newController(t, urls, fetcher, nil)
	ctx := context.Background()

	err := c.Install(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPrecacheFailed)
	assert.Equal(t, Installing, c.State(), "failed install leaves the controller retryable")

	// Nothing was stored, not even the assets that fetched fine.
	count, err := store.Count(ctx, cfg.Namespace(config.TierStatic))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestInstallRetryAfterFailureSucceeds(t *testing.T) {
	urls := []string{"/index.html", "/app.js"}
	fetcher := &scriptedFetcher{failing: map[string]bool{"/app.js": true}}
	c, store, cfg := newController(t, urls, fetcher, nil)
	ctx := context.Background()

	require.Error(t, c.Install(ctx))

	fetcher.mu.Lock()
	fetcher.failing = nil
	fetcher.mu.Unlock()

	require.NoError(t, c.Install(ctx))
	assert.Equal(t, Waiting, c.State())

	count, err := store.Count(ctx, cfg.Namespace(config.TierStatic))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestActivateGarbageCollectsOldGenerations(t *testing.T) {
	c, store, cfg := newController(t, nil, &scriptedFetcher{}, nil)
	ctx := context.Background()

	// Leftovers from a previous generation plus current-generation data.
	old := &storage.Entry{Method: "GET", URL: "/a", Status: 200, Body: []byte("old")}
	require.NoError(t, store.Put(ctx, "static-v1", old))
	require.NoError(t, store.Put(ctx, "dynamic-v1", old.Clone()))
	cur := &storage.Entry{Method: "GET", URL: "/a", Status: 200, Body: []byte("cur")}
	require.NoError(t, store.Put(ctx, cfg.Namespace(config.TierStatic), cur))

	require.NoError(t, c.Activate(ctx))
	assert.Equal(t, Active, c.State())
	assert.True(t, c.Serving())

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v2"}, names, "only current-generation namespaces survive")
}

func TestActivateClaimsClients(t *testing.T) {
	claimer := &recordingClaimer{}
	c, _, _ := newController(t, nil, &scriptedFetcher{}, claimer)

	require.NoError(t, c.Activate(context.Background()))

	claimer.mu.Lock()
	defer claimer.mu.Unlock()
	assert.Equal(t, []string{"v2"}, claimer.versions)
}

func TestSkipWaitingPromotesOnlyFromWaiting(t *testing.T) {
	c, _, _ := newController(t, nil, &scriptedFetcher{}, nil)
	ctx := context.Background()

	// Still Installing: promotion refused.
	err := c.SkipWaiting(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotActive)

	require.NoError(t, c.Install(ctx))
	require.NoError(t, c.SkipWaiting(ctx))
	assert.Equal(t, Active, c.State())

	// Already Active: promotion refused again.
	assert.Error(t, c.SkipWaiting(ctx))
}

func TestMarkRedundant(t *testing.T) {
	c, _, _ := newController(t, nil, &scriptedFetcher{}, nil)
	c.MarkRedundant()
	assert.Equal(t, Redundant, c.State())
	assert.False(t, c.Serving())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installing", Installing.String())
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "redundant", Redundant.String())
	assert.Equal(t, "unknown", State(42).String())
}
