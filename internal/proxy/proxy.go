// Package proxy implements the HTTP front door (spec.md §4.3): the request
// classifier, cache-hit serving, and the miss path that streams upstream to
// the client while handing a copy to the async strip pipeline.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/stats"
	"github.com/Utopian-Contributors/upm-registry/internal/strip"
	"github.com/Utopian-Contributors/upm-registry/internal/upstream"
)

// Handler is the registry proxy's HTTP entrypoint. Dependency prefetching is
// not triggered here: it hangs off Strip's OnTrimmed hook, which already
// holds the one-time-decompressed, trimmed document the prefetcher needs, so
// the proxy itself never decodes a body twice.
type Handler struct {
	Upstream        *upstream.Client
	Cache           cachestore.Store
	Stats           stats.Sink
	Strip           *strip.Pipeline
	UpstreamTimeout time.Duration
}

const healthPath = "/-/health"

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == healthPath {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
		return
	}

	if r.Method != http.MethodGet {
		h.passthrough(w, r)
		return
	}

	if strings.Contains(r.URL.Path, "/-/") {
		h.passthrough(w, r)
		return
	}

	h.handleMetadataGet(w, r)
}

// passthrough forwards a request in both directions: non-GET requests
// (publish/unpublish, etc.) and special-path requests (tarballs, search,
// dist-tag management, login). No caching, no retry. Method, path, body and
// headers are forwarded as received, except that the conditional-request
// headers (If-None-Match, If-Modified-Since) are removed by Upstream.Do, so
// upstream never answers a passthrough request with 304.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := h.Upstream.URL(r.URL.RequestURI())

	resp, err := h.Upstream.Do(r, target)
	if err != nil {
		slog.Debug("proxy: passthrough upstream failed", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("proxy: error streaming passthrough response", "path", r.URL.Path, "error", err)
	}

	h.Stats.RecordPassthrough(r.URL.Path, time.Since(start))
}

func (h *Handler) handleMetadataGet(w http.ResponseWriter, r *http.Request) {
	name, err := decodePackageName(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.serveFromCache(w, r.Context(), name) {
		return
	}

	h.serveMiss(w, r, name)
}

// serveFromCache attempts to serve name from the cache store. It returns
// true if it fully handled the response (hit or internal failure),
// false to fall through to the upstream miss path.
func (h *Handler) serveFromCache(w http.ResponseWriter, ctx context.Context, name string) bool {
	size, err := h.Cache.Size(ctx, name)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return false
		}
		slog.Error("proxy: cache read failure", "package", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return true
	}

	body, err := h.Cache.Get(ctx, name)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return false
		}
		slog.Error("proxy: cache read failure", "package", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return true
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		slog.Debug("proxy: error streaming cached response", "package", name, "error", err)
		return true
	}

	h.Stats.RecordHit(name, size)
	return true
}

func (h *Handler) serveMiss(w http.ResponseWriter, r *http.Request, name string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), h.UpstreamTimeout)
	defer cancel()

	target := h.Upstream.MetadataURL(name)
	resp, err := h.Upstream.Do(r.WithContext(ctx), target)
	if err != nil {
		slog.Debug("proxy: upstream metadata fetch failed", "package", name, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	written, copyErr := strip.TeeToRawStage(resp.Body, w, h.Cache, name)
	if copyErr != nil {
		slog.Debug("proxy: error streaming miss response", "package", name, "error", copyErr)
	}

	h.Stats.RecordMiss(name, written, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		// Non-200 bodies (404, 401, ...) are forwarded but never cached —
		// there is nothing meaningful to trim.
		if err := h.Cache.DeleteRaw(context.Background(), name); err != nil {
			slog.Debug("proxy: failed to discard raw stage for non-200 miss", "package", name, "error", err)
		}
		return
	}

	contentEncoding := resp.Header.Get("Content-Encoding")
	h.Strip.Enqueue(name, contentEncoding)
}

// decodePackageName extracts the package name from a request path of the
// form "/<pkg>" or "/<@scope>/<pkg>".
func decodePackageName(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	name, err := url.PathUnescape(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid package path: %w", err)
	}
	if name == "" {
		return "", fmt.Errorf("empty package name")
	}
	return name, nil
}

// hopByHopHeaders must never be forwarded by a proxy (RFC 7230 §6.1),
// Transfer-Encoding included. No Content-Length is computed here: the
// client gets upstream's own Content-Length when upstream sent one, and a
// chunked upstream response reaches the client without one.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
}
