// Package router classifies intercepted requests into handling decisions.
//
// Classification is an ordered predicate chain over method and URL shape;
// the first match wins, so overlapping patterns (a stream endpoint under
// the API prefix, an image under a static prefix) resolve deterministically.
package router

import (
	"net/http"
	"path"
	"strings"

	"github.com/c360/edgecache/config"
)

// Decision is the handling strategy chosen for a request.
type Decision int

const (
	// PassThrough forwards the request untouched, no caching or queueing.
	PassThrough Decision = iota
	// Mutate is a state-changing request: network first, queue when offline.
	Mutate
	// Stream is a long-lived response that must never be buffered or cached.
	Stream
	// API is a read against the backend API: network first with TTL fallback.
	API
	// Image is a binary asset: cache first within a size-bounded tier.
	Image
	// Static is an app-shell asset: cache first.
	Static
	// Dynamic is navigable content: serve stale, revalidate in background.
	Dynamic
)

// String returns the string representation of a Decision.
func (d Decision) String() string {
	switch d {
	case PassThrough:
		return "pass-through"
	case Mutate:
		return "mutate"
	case Stream:
		return "stream"
	case API:
		return "api"
	case Image:
		return "image"
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Router classifies requests against the configured URL pattern sets.
type Router struct {
	routes       config.RouteConfig
	allowOrigins []string
	precached    map[string]struct{}
}

// New builds a Router from the gateway configuration.
func New(cfg *config.Config) *Router {
	precached := make(map[string]struct{}, len(cfg.Cache.Precache))
	for _, u := range cfg.Cache.Precache {
		precached[u] = struct{}{}
	}
	return &Router{
		routes:       cfg.Routes,
		allowOrigins: cfg.Cache.AllowOrigins,
		precached:    precached,
	}
}

// Classify picks the handling decision for a request. The chain is ordered:
// method first, then streams before the API prefix they may live under,
// then extension-based tiers, then prefix-based tiers.
func (rt *Router) Classify(r *http.Request) Decision {
	if !rt.sameOriginOrAllowed(r) {
		return PassThrough
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Mutate
	}

	p := r.URL.Path

	for _, prefix := range rt.routes.StreamPrefixes {
		if strings.HasPrefix(p, prefix) {
			return Stream
		}
	}

	// Precached shell assets are always served cache-first regardless of
	// their extension, so the installed shell works offline as a unit.
	if _, ok := rt.precached[p]; ok {
		return Static
	}

	for _, prefix := range rt.routes.APIPrefixes {
		if strings.HasPrefix(p, prefix) {
			return API
		}
	}

	ext := strings.ToLower(path.Ext(p))
	if ext != "" {
		for _, e := range rt.routes.ImageExtensions {
			if ext == e {
				return Image
			}
		}
		for _, e := range rt.routes.StaticExtensions {
			if ext == e {
				return Static
			}
		}
	}

	for _, prefix := range rt.routes.StaticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return Static
		}
	}

	return Dynamic
}

// sameOriginOrAllowed reports whether the gateway should handle the
// request. Proxied requests carry relative URLs and always qualify;
// absolute URLs qualify only when their origin is on the allow list.
func (rt *Router) sameOriginOrAllowed(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	origin := r.URL.Scheme + "://" + r.URL.Host
	for _, allowed := range rt.allowOrigins {
		if strings.TrimRight(allowed, "/") == origin {
			return true
		}
	}
	return false
}

// Cacheable reports whether a decision populates a cache tier.
func (d Decision) Cacheable() bool {
	switch d {
	case API, Image, Static, Dynamic:
		return true
	default:
		return false
	}
}

// Tier returns the cache tier a decision stores into, or "" for
// non-caching decisions.
func (d Decision) Tier() string {
	switch d {
	case API:
		return config.TierAPI
	case Image:
		return config.TierImage
	case Static:
		return config.TierStatic
	case Dynamic:
		return config.TierDynamic
	default:
		return ""
	}
}
