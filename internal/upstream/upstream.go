// Package upstream provides the HTTP client the proxy, prefetcher and
// synchronizer use to reach the upstream registry and its changes feed.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// condRequestHeaders are stripped from every forwarded request (metadata
// misses and passthrough alike) so the upstream body is always returned in
// full — a conditional 304 from upstream would otherwise leave the proxy
// with nothing to trim and cache (spec.md §4.3).
var condRequestHeaders = []string{"If-None-Match", "If-Modified-Since"}

// Client wraps an *http.Client tuned for registry traffic, plus a shared
// token-bucket limiter for background fetchers (prefetch, sync) so a large
// dependency graph or a big changes-feed batch can't turn into a burst
// against the upstream registry.
type Client struct {
	HTTP     *http.Client
	Registry string // host[:port] of the metadata registry, e.g. "registry.npmjs.org"
	Scheme   string // "https" or "http"

	// Limiter bounds background (prefetch/sync) fetch rate. Foreground
	// client-driven requests are not limited by it.
	Limiter *rate.Limiter
}

// New builds a Client with production-sensible transport timeouts, modeled
// on the teacher's *http.Transport tuning.
func New(registry string, requestTimeout time.Duration, backgroundRatePerSecond float64) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		// The proxy wants the compressed bytes exactly as upstream sent
		// them (spec.md §6) — Go's transport would otherwise silently
		// decompress gzip responses and strip Content-Encoding whenever the
		// caller doesn't set Accept-Encoding itself.
		DisableCompression: true,
	}

	limiter := rate.NewLimiter(rate.Limit(backgroundRatePerSecond), int(backgroundRatePerSecond))
	if backgroundRatePerSecond <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return &Client{
		HTTP:     &http.Client{Transport: transport},
		Registry: registry,
		Scheme:   "https",
		Limiter:  limiter,
	}
}

// MetadataURL builds the upstream URL for a package metadata GET.
func (c *Client) MetadataURL(packageName string) string {
	return fmt.Sprintf("%s://%s/%s", c.Scheme, c.Registry, packageName)
}

// URL builds an upstream URL for an arbitrary request-target (path plus
// optional query string), used by the passthrough path for non-metadata
// requests (tarballs, search, dist-tags, login).
func (c *Client) URL(requestURI string) string {
	return fmt.Sprintf("%s://%s%s", c.Scheme, c.Registry, requestURI)
}

// Forward builds an outbound request that copies method, headers and body
// from r but targets url, stripping the conditional-request headers and
// rewriting Host. All other request headers, hop-by-hop ones included, are
// copied as they are.
func (c *Client) Forward(r *http.Request, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	req.Header = r.Header.Clone()
	for _, h := range condRequestHeaders {
		req.Header.Del(h)
	}
	req.Host = c.Registry
	return req, nil
}

// Do forwards r to url and returns the upstream response.
func (c *Client) Do(r *http.Request, url string) (*http.Response, error) {
	req, err := c.Forward(r, url)
	if err != nil {
		return nil, err
	}
	return c.HTTP.Do(req)
}

// Fetch issues a plain GET against url with no originating client request to
// forward from, used by the background prefetcher and synchronizer. It
// blocks on the background rate limiter before dialing out.
//
// Unlike Forward, it does not force Host to c.Registry: url may point at a
// different upstream host entirely (the synchronizer's changes feed is
// typically a separate host from the metadata registry), so Host is left to
// derive from url itself.
func (c *Client) Fetch(ctx context.Context, url string) (*http.Response, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("upstream: rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	return c.HTTP.Do(req)
}
