package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/strip"
	"github.com/Utopian-Contributors/upm-registry/internal/upstream"
)

type fakeStats struct {
	mu     sync.Mutex
	hits   int
	misses int
	pass   int
}

func (f *fakeStats) RecordHit(pkg string, servedBytes int64) { f.mu.Lock(); f.hits++; f.mu.Unlock() }
func (f *fakeStats) RecordMiss(pkg string, compressedBytes int64, elapsed time.Duration) {
	f.mu.Lock()
	f.misses++
	f.mu.Unlock()
}
func (f *fakeStats) RecordStrip(pkg string, rawBytes, strippedBytes int64)  {}
func (f *fakeStats) RecordSync(pkg string, prevBytes, newBytes int64)      {}
func (f *fakeStats) RecordPrefetch(pkg string, rawBytes, strippedBytes int64) {}
func (f *fakeStats) RecordPassthrough(path string, elapsed time.Duration) {
	f.mu.Lock()
	f.pass++
	f.mu.Unlock()
}
func (f *fakeStats) RawSize(pkg string) (int64, bool) { return 0, false }

func newTestHandler(t *testing.T, upstreamSrv *httptest.Server) (*Handler, cachestore.Store) {
	t.Helper()
	store := cachestore.NewFSStore(t.TempDir())
	stats := &fakeStats{}

	u, err := url.Parse(upstreamSrv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	client := upstream.New(u.Host, 5*time.Second, 0)
	client.Scheme = u.Scheme

	pipeline := strip.NewPipeline(store, stats, 2)

	return &Handler{
		Upstream:        client,
		Cache:           store,
		Stats:           stats,
		Strip:           pipeline,
		UpstreamTimeout: 5 * time.Second,
	}, store
}

func TestHealthCheck(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/-/health", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetadataMissFetchesStreamsAndCaches(t *testing.T) {
	body := `{"name":"left-pad","dist-tags":{"latest":"1.0.0"},"versions":{"1.0.0":{"name":"left-pad","version":"1.0.0","dist":{"tarball":"https://x/t.tgz","shasum":"a"}}}}`
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer upstreamSrv.Close()

	h, store := newTestHandler(t, upstreamSrv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/left-pad", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != body {
		t.Fatalf("miss body mismatch: got %q", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(context.Background(), "left-pad"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("strip pipeline never populated the cache")
}

func TestMetadataHitServesFromCache(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be contacted on a cache hit")
	}))
	defer upstreamSrv.Close()

	h, store := newTestHandler(t, upstreamSrv)
	trimmed := []byte(`{"name":"left-pad","dist-tags":{},"versions":{}}`)
	if err := store.Put(context.Background(), "left-pad", trimmed); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/left-pad", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != string(trimmed) {
		t.Fatalf("hit body = %q, want %q", rec.Body.String(), trimmed)
	}
	wantLen := strconv.Itoa(len(trimmed))
	if got := rec.Header().Get("Content-Length"); got != wantLen {
		t.Fatalf("Content-Length = %q, want %q", got, wantLen)
	}
}

func TestNonGetPassesThrough(t *testing.T) {
	var gotMethod string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstreamSrv.Close()

	h, _ := newTestHandler(t, upstreamSrv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/left-pad", strings.NewReader(`{}`))
	h.ServeHTTP(rec, req)

	if gotMethod != http.MethodPut {
		t.Fatalf("upstream saw method %q, want PUT", gotMethod)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}

func TestSpecialPathPassesThrough(t *testing.T) {
	var gotPath string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	h, _ := newTestHandler(t, upstreamSrv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/left-pad/-/left-pad-1.0.0.tgz", nil)
	h.ServeHTTP(rec, req)

	if gotPath != "/left-pad/-/left-pad-1.0.0.tgz" {
		t.Fatalf("upstream saw path %q", gotPath)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNonOKMissIsNotCached(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer upstreamSrv.Close()

	h, store := newTestHandler(t, upstreamSrv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := store.Get(context.Background(), "does-not-exist"); err == nil {
		t.Error("404 response should never be cached")
	}
}
