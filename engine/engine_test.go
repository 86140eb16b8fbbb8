package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgecache/bridge"
	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/lifecycle"
	"github.com/c360/edgecache/policy"
)

// testOrigin is a fake backend. Closing its server simulates the origin
// becoming unreachable: subsequent fetches fail at the transport level.
type testOrigin struct {
	srv      *httptest.Server
	requests atomic.Int64
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.requests.Add(1)
		switch r.URL.Path {
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>shell</html>"))
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte("console.log('app')"))
		case "/dashboard.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>dashboard</html>"))
		case "/api/v1/state":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"state":"live"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newTestEngine(t *testing.T, originURL string) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Origin = originURL
	cfg.Storage.Path = t.TempDir()
	cfg.Cache.Precache = []string{"/index.html", "/app.js"}

	e, err := New(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(5 * time.Second) })
	return e
}

func waitActive(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Lifecycle().State() == lifecycle.Active
	}, 5*time.Second, 20*time.Millisecond, "engine never activated")
}

func TestPrecachedShellServedAfterOriginDies(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, o.srv.URL)
	waitActive(t, e)

	o.srv.Close()

	for _, url := range []string{"/index.html", "/app.js"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
		assert.Equal(t, 200, rec.Code, url)
		assert.Equal(t, "hit", rec.Header().Get(policy.HeaderCache), url)
	}
}

func TestDashboardScenario(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, o.srv.URL)
	waitActive(t, e)

	// First visit: no cached entry, network live.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/dashboard.html", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "<html>dashboard</html>", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get(policy.HeaderCache))

	// Origin goes away; the stored copy still answers.
	o.srv.Close()
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/dashboard.html", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "<html>dashboard</html>", rec.Body.String())
	assert.Equal(t, "hit", rec.Header().Get(policy.HeaderCache))
}

func TestOfflineMutationQueued(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, o.srv.URL)
	waitActive(t, e)

	// Take the origin down and issue a write.
	o.srv.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/notes", nil)
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(policy.HeaderQueuedID))
}

func TestPassThroughBeforeActivation(t *testing.T) {
	o := newTestOrigin(t)

	cfg := config.Default()
	cfg.Server.Origin = o.srv.URL
	cfg.Storage.Path = t.TempDir()
	// An impossible precache pins the engine in Installing.
	cfg.Cache.Precache = []string{"/does-not-exist-anywhere"}

	e, err := New(context.Background(), cfg, slog.Default())
	require.NoError(t, err)

	// Not started, not active: requests still reach the origin via the
	// transparent proxy.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/state", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Empty(t, rec.Header().Get(policy.HeaderCache), "proxied, not policy-served")
}

func TestClearCacheCommand(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, o.srv.URL)
	waitActive(t, e)

	// Populate the api tier.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/state", nil))
	require.Equal(t, 200, rec.Code)

	ns := e.cfg.Namespace(config.TierAPI)
	count, err := e.store.Count(context.Background(), ns)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	e.handleCommand(context.Background(), bridge.Command{
		Type:      bridge.CommandClearCache,
		CacheName: ns,
	})

	count, err = e.store.Count(context.Background(), ns)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHealthReflectsComponents(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, o.srv.URL)
	waitActive(t, e)

	status := e.Health(context.Background())
	assert.True(t, status.IsHealthy(), "all components healthy while online and drained")
	assert.NotNil(t, status.Metrics)

	// A queued mutation degrades the gateway.
	o.srv.Close()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/notes", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	status = e.Health(context.Background())
	assert.True(t, status.IsDegraded())
}

func TestAPITTLThroughEngine(t *testing.T) {
	o := newTestOrigin(t)
	e := newTestEngine(t, o.srv.URL)
	waitActive(t, e)

	// Warm the api tier, then kill the origin.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/state", nil))
	require.Equal(t, 200, rec.Code)
	o.srv.Close()

	// Within the freshness window the cached state answers.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/state", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "stale", rec.Header().Get(policy.HeaderCache))
	assert.Equal(t, `{"state":"live"}`, rec.Body.String())
}
