// Package engine wires the gateway together and serves intercepted traffic.
//
// The Engine is the single context object everything hangs off: store,
// queue, router, policies, eviction, sync, lifecycle and the message
// bridge are constructed once and passed explicitly, so a test can build
// a fresh engine with no process-global state. Requests the engine
// declines to handle fall through to a transparent reverse proxy.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360/edgecache/bridge"
	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/evict"
	"github.com/c360/edgecache/health"
	"github.com/c360/edgecache/lifecycle"
	"github.com/c360/edgecache/metric"
	"github.com/c360/edgecache/origin"
	"github.com/c360/edgecache/pkg/retry"
	"github.com/c360/edgecache/pkg/worker"
	"github.com/c360/edgecache/policy"
	"github.com/c360/edgecache/queue"
	"github.com/c360/edgecache/router"
	"github.com/c360/edgecache/storage"
	"github.com/c360/edgecache/syncer"
)

// Engine owns every component of the gateway.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	store      storage.CacheStore
	queue      *queue.Queue
	router     *router.Router
	policies   *policy.Handler
	evictor    *evict.Manager
	syncer     *syncer.Manager
	lifecycle  *lifecycle.Controller
	bridge     *bridge.Hub
	origin     *origin.Client
	background *worker.Runner
	proxy      *httputil.ReverseProxy

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a stopped engine from configuration. Durable resources
// are opened here; Start launches the loops.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := metric.NewMetricsRegistry()

	store, err := storage.Open(ctx, filepath.Join(cfg.Storage.Path, "cache"), logger)
	if err != nil {
		return nil, errors.Wrap(err, "engine", "New", "open cache store")
	}

	q, err := queue.Open(ctx, filepath.Join(cfg.Storage.Path, "queue"), logger,
		queue.WithMetricsRegistry(registry))
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "engine", "New", "open mutation queue")
	}

	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, errors.WrapInvalid(err, "engine", "New", "parse origin URL")
	}

	originClient := origin.New(cfg, logger)
	hub := bridge.NewHub(logger)
	evictor := evict.New(store, logger, registry)
	syncMgr := syncer.New(q, originClient, hub, logger, registry)
	background := worker.NewRunner(4, 256, logger,
		worker.WithMetricsRegistry(registry, "engine"))

	policies := policy.New(cfg, store, q, originClient, originClient, evictor,
		background, syncMgr, logger, registry)

	ctrl := lifecycle.New(cfg, store, originClient, hub, logger)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    registry,
		store:      store,
		queue:      q,
		router:     router.New(cfg),
		policies:   policies,
		evictor:    evictor,
		syncer:     syncMgr,
		lifecycle:  ctrl,
		bridge:     hub,
		origin:     originClient,
		background: background,
		proxy:      httputil.NewSingleHostReverseProxy(originURL),
	}
	e.proxy.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	return e, nil
}

// Start launches the background loops and kicks off install/activate.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.startedAt = time.Now()

	if err := e.background.Start(runCtx); err != nil {
		cancel()
		return err
	}

	e.wg.Add(4)
	go func() { defer e.wg.Done(); e.syncer.Run(runCtx) }()
	go func() { defer e.wg.Done(); e.commandLoop(runCtx) }()
	go func() { defer e.wg.Done(); e.maintenanceLoop(runCtx) }()
	go func() { defer e.wg.Done(); e.recoveryLoop(runCtx) }()

	// Install retries until the origin can serve the precache list, then
	// the generation is promoted immediately rather than waiting for the
	// previous one to wind down.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.installAndActivate(runCtx)
	}()

	e.started = true
	e.logger.Info("engine started",
		"origin", e.cfg.Server.Origin,
		"version", e.cfg.Cache.Version)
	return nil
}

// Stop shuts the engine down, draining background work within timeout.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errors.ErrNotStarted
	}

	e.cancel()
	_ = e.bridge.Close()

	if err := e.background.Stop(timeout); err != nil {
		e.logger.Warn("background runner did not drain in time", "error", err)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("engine loops did not stop in time")
	}

	if err := e.queue.Close(); err != nil {
		e.logger.Warn("failed to close mutation queue", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close cache store", "error", err)
	}

	e.started = false
	e.logger.Info("engine stopped")
	return nil
}

// installAndActivate retries the precache until it succeeds, then
// promotes the generation.
func (e *Engine) installAndActivate(ctx context.Context) {
	err := retry.Do(ctx, retry.Startup(), func() error {
		return e.lifecycle.Install(ctx)
	})
	if err != nil {
		e.logger.Error("install did not complete, serving pass-through only", "error", err)
		return
	}
	if err := e.lifecycle.SkipWaiting(ctx); err != nil {
		e.logger.Error("activation failed", "error", err)
	}
}

// ServeHTTP is the interception point. Until the lifecycle controller is
// active, and for traffic the router declines, the request is proxied to
// the origin untouched.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.lifecycle.Serving() {
		e.proxy.ServeHTTP(w, r)
		return
	}

	switch e.router.Classify(r) {
	case router.PassThrough:
		e.proxy.ServeHTTP(w, r)
	case router.Stream:
		e.serveStream(w, r)
	case router.Mutate:
		e.policies.Mutate(w, r)
	case router.API:
		e.policies.APITTL(w, r)
	case router.Image:
		e.policies.ImageBounded(w, r)
	case router.Static:
		e.policies.CacheFirst(w, r)
	default:
		e.policies.StaleWhileRevalidate(w, r)
	}
}

// serveStream forwards a long-lived response without buffering it.
// Errors propagate unmodified; a broken stream is the client's signal to
// reconnect.
func (e *Engine) serveStream(w http.ResponseWriter, r *http.Request) {
	resp, err := e.origin.Do(r)
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// commandLoop dispatches bridge commands.
func (e *Engine) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.bridge.Commands():
			e.handleCommand(ctx, cmd)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd bridge.Command) {
	switch cmd.Type {
	case bridge.CommandSkipWaiting:
		if err := e.lifecycle.SkipWaiting(ctx); err != nil {
			e.logger.Warn("skip-waiting refused", "error", err)
		}

	case bridge.CommandClearCache:
		if err := e.clearCache(ctx, cmd.CacheName); err != nil {
			e.logger.Error("cache clear failed", "cache", cmd.CacheName, "error", err)
			return
		}
		notice := bridge.Notice{Type: bridge.NoticeCacheCleared, CacheName: cmd.CacheName}
		if cmd.From != nil {
			e.bridge.Send(cmd.From, notice)
		} else {
			e.bridge.Broadcast(notice)
		}

	case bridge.CommandSync:
		if cmd.Tag == "" || cmd.Tag == bridge.SyncTag {
			e.syncer.Signal()
		} else {
			e.logger.Warn("ignoring sync command with unknown tag", "tag", cmd.Tag)
		}

	default:
		e.logger.Warn("ignoring unknown bridge command", "type", cmd.Type)
	}
}

// clearCache deletes one namespace, or every namespace when name is "".
func (e *Engine) clearCache(ctx context.Context, name string) error {
	if name != "" {
		return e.store.DeleteNamespace(ctx, name)
	}
	names, err := e.store.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range names {
		if err := e.store.DeleteNamespace(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// maintenanceLoop trims the bounded tiers and purges expired API entries
// on the configured cadence.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Maintenance.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runMaintenance(ctx)
		}
	}
}

func (e *Engine) runMaintenance(ctx context.Context) {
	e.logger.Info("running cache maintenance")

	if err := e.evictor.TrimCount(ctx, e.cfg.Namespace(config.TierDynamic), e.cfg.Cache.DynamicMaxEntries); err != nil {
		e.logger.Warn("dynamic trim failed", "error", err)
	}
	if err := e.evictor.TrimSize(ctx, e.cfg.Namespace(config.TierImage), int64(e.cfg.Cache.ImageMaxBytes)); err != nil {
		e.logger.Warn("image trim failed", "error", err)
	}
	if err := e.evictor.PurgeExpired(ctx, e.cfg.Namespace(config.TierAPI), e.cfg.Cache.APIMaxAge.Std()); err != nil {
		e.logger.Warn("api purge failed", "error", err)
	}
}

// recoveryLoop wakes the syncer whenever origin connectivity returns.
func (e *Engine) recoveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.origin.Recovered():
			e.logger.Info("connectivity recovered, triggering drain")
			e.syncer.Signal()
		}
	}
}

// Health reports the aggregated gateway status.
func (e *Engine) Health(ctx context.Context) health.Status {
	var subs []health.Status

	depth, err := e.queue.Len(ctx)
	switch {
	case err != nil:
		subs = append(subs, health.NewUnhealthy("queue", err.Error()))
	case depth > 0:
		subs = append(subs, health.NewDegraded("queue", "mutations awaiting replay"))
	default:
		subs = append(subs, health.NewHealthy("queue", "empty"))
	}

	if _, err := e.store.Namespaces(ctx); err != nil {
		subs = append(subs, health.NewUnhealthy("store", err.Error()))
	} else {
		subs = append(subs, health.NewHealthy("store", "open"))
	}

	if e.origin.Online() {
		subs = append(subs, health.NewHealthy("origin", "reachable"))
	} else {
		subs = append(subs, health.NewDegraded("origin", "offline, serving from cache"))
	}

	if e.lifecycle.Serving() {
		subs = append(subs, health.NewHealthy("lifecycle", e.lifecycle.State().String()))
	} else {
		subs = append(subs, health.NewDegraded("lifecycle", e.lifecycle.State().String()))
	}

	return health.Aggregate("gateway", subs).WithMetrics(&health.Metrics{
		Uptime:      time.Since(e.startedAt),
		QueueDepth:  depth,
		ClientCount: e.bridge.ClientCount(),
	})
}

// ControlMux serves the management surface: the bridge WebSocket,
// Prometheus metrics and the health probe.
func (e *Engine) ControlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", e.bridge)
	mux.Handle("/metrics", e.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := e.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy && status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Syncer exposes the sync manager for an explicit drain trigger.
func (e *Engine) Syncer() *syncer.Manager {
	return e.syncer
}

// Lifecycle exposes the lifecycle controller.
func (e *Engine) Lifecycle() *lifecycle.Controller {
	return e.lifecycle
}
