// Package policy implements the caching strategies the router dispatches to.
//
// Five strategies cover the traffic classes: cache-first for app-shell
// assets, stale-while-revalidate for navigations, a hard TTL for API
// reads, a size-bounded cache-first variant for images, and network-only
// with offline queueing for mutations. Every error is absorbed at the
// policy boundary and converted into a cached value or the synthesized
// offline fallback; a policy never surfaces a hard network failure to the
// client.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/metric"
	"github.com/c360/edgecache/pkg/worker"
	"github.com/c360/edgecache/queue"
	"github.com/c360/edgecache/storage"
)

// Response headers that mark synthesized and cache-served responses so
// clients can tell them from live origin responses.
const (
	// HeaderCache reports how the response was produced: network, hit,
	// stale or fallback.
	HeaderCache = "X-Edgecache"
	// HeaderQueuedID carries the mutation ID on a queued-acceptance
	// response.
	HeaderQueuedID = "X-Edgecache-Queued"
)

// Fetcher retrieves a URL from the origin as a cacheable entry.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header) (*storage.Entry, error)
}

// Forwarder sends a raw request to the origin. Used by the mutation path
// where the response streams straight back to the client.
type Forwarder interface {
	Do(r *http.Request) (*http.Response, error)
}

// Evictor applies tier bounds after writes.
type Evictor interface {
	TrimCount(ctx context.Context, namespace string, limit int) error
	TrimSize(ctx context.Context, namespace string, maxBytes int64) error
}

// Signaler wakes the sync manager after a mutation is queued.
type Signaler interface {
	Signal()
}

// Background runs detached tasks.
type Background interface {
	Go(task worker.Task) error
}

// Handler holds the shared dependencies of all five strategies.
type Handler struct {
	store      storage.CacheStore
	queue      *queue.Queue
	fetcher    Fetcher
	forwarder  Forwarder
	evictor    Evictor
	background Background
	signaler   Signaler
	logger     *slog.Logger

	cfg *config.Config

	// revalidate deduplicates concurrent background refreshes of the
	// same key. Foreground fetches are deliberately not deduplicated:
	// concurrent requests for one key race and the last write wins.
	revalidate singleflight.Group

	requests *prometheus.CounterVec
}

// New builds the policy handler set.
func New(
	cfg *config.Config,
	store storage.CacheStore,
	q *queue.Queue,
	fetcher Fetcher,
	forwarder Forwarder,
	evictor Evictor,
	background Background,
	signaler Signaler,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:      store,
		queue:      q,
		fetcher:    fetcher,
		forwarder:  forwarder,
		evictor:    evictor,
		background: background,
		signaler:   signaler,
		logger:     logger,
		cfg:        cfg,
	}

	if registry != nil {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecache",
			Subsystem: "policy",
			Name:      "requests_total",
			Help:      "Requests handled, by policy and outcome",
		}, []string{"policy", "outcome"})
		if err := registry.RegisterCounterVec("policy", "requests_total", vec); err == nil {
			h.requests = vec
		}
	}

	return h
}

func (h *Handler) count(policy, outcome string) {
	if h.requests != nil {
		h.requests.WithLabelValues(policy, outcome).Inc()
	}
}

// requestURL returns the cache-key URL for a request. Proxied requests
// use path plus query; allow-listed cross-origin requests keep the full
// absolute URL so they cannot collide with same-origin paths.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return r.URL.RequestURI()
}

// CacheFirst serves app-shell assets from the static tier. A hit answers
// immediately and refreshes in the background; only a miss consults the
// network on the request path.
func (h *Handler) CacheFirst(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns := h.cfg.Namespace(config.TierStatic)
	url := requestURL(r)
	key := storage.Key(r.Method, url)

	if entry, err := h.store.Get(ctx, ns, key); err == nil {
		h.count("cache-first", "hit")
		h.detachRevalidate("static revalidate", ns, r.Method, url, r.Header.Clone())
		writeEntry(w, entry, "hit")
		return
	}

	entry, err := h.fetcher.Fetch(ctx, r.Method, url, r.Header)
	if err != nil {
		h.count("cache-first", "fallback")
		writeOfflineFallback(w, url)
		return
	}

	if perr := h.store.Put(ctx, ns, entry.Clone()); perr != nil {
		h.logger.Warn("failed to cache static asset", "url", url, "error", perr)
	}
	h.count("cache-first", "network")
	writeEntry(w, entry, "network")
}

// StaleWhileRevalidate serves navigable content from the dynamic tier.
// The origin fetch always starts; a cached entry is returned without
// waiting on it, and the fetch result overwrites the entry when it lands.
func (h *Handler) StaleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns := h.cfg.Namespace(config.TierDynamic)
	url := requestURL(r)
	key := storage.Key(r.Method, url)

	// The fetch outlives the request when a cached entry answers it, so
	// it runs on a detached context on its own goroutine. Buffered so
	// the goroutine never leaks when nobody joins it.
	result := make(chan fetchResult, 1)
	bgCtx := context.WithoutCancel(ctx)
	header := r.Header.Clone()
	method := r.Method
	go func() {
		entry, err := h.fetcher.Fetch(bgCtx, method, url, header)
		if err == nil {
			if perr := h.store.Put(bgCtx, ns, entry.Clone()); perr != nil {
				h.logger.Warn("failed to cache dynamic response", "url", url, "error", perr)
			}
			h.detachTrimCount(ns)
		}
		result <- fetchResult{entry: entry, err: err}
	}()

	if cached, err := h.store.Get(ctx, ns, key); err == nil {
		h.count("stale-while-revalidate", "hit")
		writeEntry(w, cached, "hit")
		return
	}

	res := <-result
	if res.err != nil {
		h.count("stale-while-revalidate", "fallback")
		writeOfflineFallback(w, url)
		return
	}
	h.count("stale-while-revalidate", "network")
	writeEntry(w, res.entry, "network")
}

type fetchResult struct {
	entry *storage.Entry
	err   error
}

// APITTL serves API reads network-first with a hard freshness cutoff on
// the cached fallback. Stale API state is never served; past the window
// the request degrades to the offline fallback.
func (h *Handler) APITTL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns := h.cfg.Namespace(config.TierAPI)
	url := requestURL(r)
	key := storage.Key(r.Method, url)

	entry, err := h.fetcher.Fetch(ctx, r.Method, url, r.Header)
	if err == nil {
		if perr := h.store.Put(ctx, ns, entry.Clone()); perr != nil {
			h.logger.Warn("failed to cache api response", "url", url, "error", perr)
		}
		h.count("api-ttl", "network")
		writeEntry(w, entry, "network")
		return
	}

	cached, gerr := h.store.Get(ctx, ns, key)
	if gerr != nil {
		h.count("api-ttl", "fallback")
		writeOfflineFallback(w, url)
		return
	}

	if cached.Age(time.Now()) >= h.cfg.Cache.APIMaxAge.Std() {
		h.count("api-ttl", "expired")
		writeOfflineFallback(w, url)
		return
	}

	h.count("api-ttl", "stale")
	writeEntry(w, cached, "stale")
}

// ImageBounded serves binary assets cache-first from the size-bounded
// image tier. Old entries trigger a store-only background refresh; the
// cached bytes still answer the request.
func (h *Handler) ImageBounded(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns := h.cfg.Namespace(config.TierImage)
	url := requestURL(r)
	key := storage.Key(r.Method, url)

	if entry, err := h.store.Get(ctx, ns, key); err == nil {
		if entry.Age(time.Now()) > h.cfg.Cache.ImageRefreshAfter.Std() {
			h.detachRevalidate("image refresh", ns, r.Method, url, r.Header.Clone())
		}
		h.count("image", "hit")
		writeEntry(w, entry, "hit")
		return
	}

	entry, err := h.fetcher.Fetch(ctx, r.Method, url, r.Header)
	if err != nil {
		h.count("image", "fallback")
		writeOfflineFallback(w, url)
		return
	}

	if perr := h.store.Put(ctx, ns, entry.Clone()); perr != nil {
		h.logger.Warn("failed to cache image", "url", url, "error", perr)
	}
	h.detachTrimSize(ns)
	h.count("image", "network")
	writeEntry(w, entry, "network")
}

// Mutate forwards state-changing requests to the origin. When the origin
// is unreachable the fully-read request is queued for replay and the
// client gets a queued-acceptance response, never a silent success and
// never a hard failure.
func (h *Handler) Mutate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	url := requestURL(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	fwd := r.Clone(ctx)
	fwd.Body = io.NopCloser(bytes.NewReader(body))
	fwd.ContentLength = int64(len(body))

	resp, err := h.forwarder.Do(fwd)
	if err == nil {
		defer resp.Body.Close()
		h.count("mutate", "network")
		copyResponse(w, resp)
		return
	}

	m := &queue.Mutation{
		URL:         url,
		Method:      r.Method,
		Header:      r.Header.Clone(),
		Body:        body,
		Credentials: credentialsMode(r.Header),
	}
	if qerr := h.queue.Append(ctx, m); qerr != nil {
		h.logger.Error("failed to queue mutation", "url", url, "error", qerr)
		writeOfflineFallback(w, url)
		return
	}

	if h.signaler != nil {
		h.signaler.Signal()
	}
	h.count("mutate", "queued")
	writeQueuedAcceptance(w, m)
}

// credentialsMode infers the credentials mode a replay should use from
// the headers the client sent.
func credentialsMode(header http.Header) string {
	if header.Get("Authorization") != "" || header.Get("Cookie") != "" {
		return queue.CredentialsInclude
	}
	return queue.CredentialsSameOrigin
}

// detachRevalidate submits a background fetch-and-store refresh for a
// key. Concurrent refreshes of the same key collapse into one.
func (h *Handler) detachRevalidate(name, ns, method, url string, header http.Header) {
	if h.background == nil {
		return
	}
	err := h.background.Go(worker.Task{
		Name: name,
		Run: func(ctx context.Context) error {
			_, err, _ := h.revalidate.Do(ns+"|"+method+" "+url, func() (any, error) {
				entry, err := h.fetcher.Fetch(ctx, method, url, header)
				if err != nil {
					return nil, err
				}
				return nil, h.store.Put(ctx, ns, entry)
			})
			return err
		},
	})
	if err != nil && !errors.Is(err, worker.ErrQueueFull) {
		h.logger.Debug("background revalidation not submitted", "url", url, "error", err)
	}
}

// detachTrimCount submits the dynamic-tier count trim.
func (h *Handler) detachTrimCount(ns string) {
	if h.background == nil {
		return
	}
	limit := h.cfg.Cache.DynamicMaxEntries
	_ = h.background.Go(worker.Task{
		Name: "dynamic count trim",
		Run: func(ctx context.Context) error {
			return h.evictor.TrimCount(ctx, ns, limit)
		},
	})
}

// detachTrimSize submits the image-tier size trim.
func (h *Handler) detachTrimSize(ns string) {
	if h.background == nil {
		return
	}
	maxBytes := int64(h.cfg.Cache.ImageMaxBytes)
	_ = h.background.Go(worker.Task{
		Name: "image size trim",
		Run: func(ctx context.Context) error {
			return h.evictor.TrimSize(ctx, ns, maxBytes)
		},
	})
}

// writeEntry writes a stored or freshly fetched entry as the response.
func writeEntry(w http.ResponseWriter, entry *storage.Entry, served string) {
	for k, vv := range entry.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderCache, served)
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// writeOfflineFallback synthesizes the offline response. 503 keeps it
// distinguishable from anything the origin would send through the cache.
func writeOfflineFallback(w http.ResponseWriter, url string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HeaderCache, "fallback")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "offline",
		"url":   url,
	})
}

// writeQueuedAcceptance synthesizes the accepted-but-queued response for
// a mutation stored for later replay.
func writeQueuedAcceptance(w http.ResponseWriter, m *queue.Mutation) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HeaderCache, "queued")
	w.Header().Set(HeaderQueuedID, m.ID)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"queued":      true,
		"id":          m.ID,
		"url":         m.URL,
		"method":      m.Method,
		"enqueued_at": m.EnqueuedAt.UTC().Format(time.RFC3339),
	})
}

// copyResponse streams a live origin response back to the client.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
