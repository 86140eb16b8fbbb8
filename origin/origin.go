// Package origin is the network client for the backend the gateway fronts.
//
// It distinguishes the two failure shapes the caching policies care about:
// a transport error means the network (or the backend) is unreachable and
// maps to errors.ErrNetworkUnavailable; any HTTP response, including 4xx
// and 5xx, means the network worked and is returned as a result.
package origin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/queue"
	"github.com/c360/edgecache/storage"
)

// hopHeaders are stripped before forwarding; they describe the client
// connection, not the request.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client fetches from the configured origin and tracks its reachability.
type Client struct {
	base   string
	client *http.Client
	logger *slog.Logger

	online    atomic.Bool
	recovered chan struct{}
}

// New builds a Client for the configured origin. A zero fetch timeout
// means fetches are bounded only by the request context.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		base: cfg.Server.Origin,
		client: &http.Client{
			Timeout: cfg.Server.FetchTimeout.Std(),
			// Redirects are cached as responses, not followed, so the
			// cached body matches what the origin actually sent.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:    logger,
		recovered: make(chan struct{}, 1),
	}
	c.online.Store(true)
	return c
}

// Online reports the result of the most recent origin contact.
func (c *Client) Online() bool {
	return c.online.Load()
}

// Recovered signals each offline-to-online transition. The channel has a
// one-slot buffer; an unconsumed signal coalesces with later ones.
func (c *Client) Recovered() <-chan struct{} {
	return c.recovered
}

// markOnline records the outcome of an origin contact and fires the
// recovery signal on an offline-to-online transition.
func (c *Client) markOnline(ok bool) {
	was := c.online.Swap(ok)
	if ok && !was {
		c.logger.Info("origin reachable again")
		select {
		case c.recovered <- struct{}{}:
		default:
		}
	}
	if !ok && was {
		c.logger.Warn("origin unreachable, operating offline")
	}
}

// Resolve turns a request URL into the absolute origin URL to fetch.
// Absolute URLs (allow-listed cross-origin assets) are used as-is.
func (c *Client) Resolve(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return c.base + url
}

// Fetch performs a GET against the origin and materializes the response
// as a cacheable entry. Transport failures return ErrOriginUnreachable.
func (c *Client) Fetch(ctx context.Context, method, url string, header http.Header) (*storage.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Resolve(url), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "origin", "Fetch", "build request")
	}
	copyForwardHeaders(req.Header, header)

	resp, err := c.client.Do(req)
	if err != nil {
		c.markOnline(false)
		return nil, errors.WrapTransient(errors.ErrOriginUnreachable, "origin", "Fetch", "contact origin")
	}
	defer resp.Body.Close()
	c.markOnline(true)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "origin", "Fetch", "read response body")
	}

	return &storage.Entry{
		Method:   method,
		URL:      url,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// Do forwards a request to the origin and returns the raw response. Used
// for streams and pass-through traffic where the body must not be
// materialized. The caller owns the response body.
func (c *Client) Do(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, c.Resolve(r.URL.RequestURI()), r.Body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "origin", "Do", "build request")
	}
	copyForwardHeaders(req.Header, r.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		c.markOnline(false)
		return nil, errors.WrapTransient(errors.ErrOriginUnreachable, "origin", "Do", "contact origin")
	}
	c.markOnline(true)
	return resp, nil
}

// Replay re-sends a queued mutation. Success is the origin answering at
// all: an HTTP error status still consumes the mutation, because retrying
// a request the backend has rejected can never succeed.
func (c *Client) Replay(ctx context.Context, m *queue.Mutation) (*http.Response, error) {
	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, c.Resolve(m.URL), body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "origin", "Replay", "build request")
	}
	copyForwardHeaders(req.Header, m.Header)

	if m.Credentials == queue.CredentialsOmit {
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.markOnline(false)
		return nil, errors.WrapTransient(errors.ErrReplayFailed, "origin", "Replay", "contact origin")
	}
	defer resp.Body.Close()
	c.markOnline(true)

	// The replayed response is discarded; the original requester is long
	// gone. Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp, nil
}

// copyForwardHeaders copies end-to-end headers from src into dst.
func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
