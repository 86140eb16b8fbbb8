// Package lifecycle manages the install/activate state machine of a cache
// generation.
//
// Install precaches the configured asset list into the static tier,
// all-or-nothing: every asset is fetched before anything is stored, so a
// half-populated shell can never be activated. Activate garbage-collects
// namespaces from prior generations and claims connected clients. A
// Waiting generation is promoted only by an explicit SkipWaiting, never
// on its own.
package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/storage"
)

// State represents the controller's position in the generation lifecycle.
type State int

const (
	// Installing means the precache is in progress.
	Installing State = iota
	// Waiting means the precache finished and the generation awaits
	// promotion.
	Waiting
	// Active means this generation serves traffic.
	Active
	// Redundant means a newer generation replaced this one.
	Redundant
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Fetcher retrieves precache assets from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header) (*storage.Entry, error)
}

// Claimer re-points connected clients at the newly activated generation.
type Claimer interface {
	ClaimClients(version string)
}

// Controller drives a cache generation through its lifecycle.
type Controller struct {
	cfg     *config.Config
	store   storage.CacheStore
	fetcher Fetcher
	claimer Claimer
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New builds a controller in the Installing state. claimer may be nil.
func New(cfg *config.Config, store storage.CacheStore, fetcher Fetcher, claimer Claimer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		claimer: claimer,
		logger:  logger,
		state:   Installing,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Info("lifecycle state changed", "from", prev.String(), "to", s.String())
}

// Serving reports whether intercepted traffic should be handled.
func (c *Controller) Serving() bool {
	return c.State() == Active
}

// Install precaches the configured asset list into the static namespace.
// All assets are fetched before any is stored; one failed asset aborts
// the whole install and the controller stays Installing so the caller can
// retry.
func (c *Controller) Install(ctx context.Context) error {
	urls := c.cfg.Cache.Precache
	ns := c.cfg.Namespace(config.TierStatic)

	start := time.Now()
	c.logger.Info("installing cache generation",
		"version", c.cfg.Cache.Version,
		"precache_assets", len(urls))

	entries := make([]*storage.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			entry, err := c.fetcher.Fetch(gctx, http.MethodGet, url, nil)
			if err != nil {
				return errors.Wrap(err, "lifecycle", "Install", "precache "+url)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("install aborted, precache incomplete", "error", err)
		return errors.WrapTransient(errors.ErrPrecacheFailed, "lifecycle", "Install", "precache assets")
	}

	for _, entry := range entries {
		if err := c.store.Put(ctx, ns, entry); err != nil {
			return errors.Wrap(err, "lifecycle", "Install", "store precached asset")
		}
	}

	c.setState(Waiting)
	c.logger.Info("install complete",
		"version", c.cfg.Cache.Version,
		"assets", len(urls),
		"took", time.Since(start))
	return nil
}

// Activate deletes every namespace outside the current generation's
// whitelist, claims connected clients and starts serving.
func (c *Controller) Activate(ctx context.Context) error {
	whitelist := make(map[string]struct{})
	for _, ns := range c.cfg.Namespaces() {
		whitelist[ns] = struct{}{}
	}

	existing, err := c.store.Namespaces(ctx)
	if err != nil {
		return errors.Wrap(err, "lifecycle", "Activate", "list namespaces")
	}

	for _, ns := range existing {
		if _, keep := whitelist[ns]; keep {
			continue
		}
		if err := c.store.DeleteNamespace(ctx, ns); err != nil {
			return errors.Wrap(err, "lifecycle", "Activate", "delete stale namespace")
		}
		c.logger.Info("garbage collected stale namespace", "namespace", ns)
	}

	c.setState(Active)

	if c.claimer != nil {
		c.claimer.ClaimClients(c.cfg.Cache.Version)
	}
	return nil
}

// SkipWaiting promotes a Waiting generation to Active immediately. Called
// from the message bridge on an explicit client request; a generation is
// never promoted mid-session on its own.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	if c.State() != Waiting {
		return errors.WrapInvalid(errors.ErrNotActive, "lifecycle", "SkipWaiting", "promote generation")
	}
	return c.Activate(ctx)
}

// MarkRedundant retires this generation.
func (c *Controller) MarkRedundant() {
	c.setState(Redundant)
}
