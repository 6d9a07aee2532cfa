package prefetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/upstream"
)

type fakeStats struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeStats) RecordPrefetch(pkg string, rawBytes, strippedBytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, pkg)
}

func metadataFor(name string, deps map[string]string) string {
	depsJSON := "{"
	first := true
	for k, v := range deps {
		if !first {
			depsJSON += ","
		}
		first = false
		depsJSON += fmt.Sprintf("%q:%q", k, v)
	}
	depsJSON += "}"
	return fmt.Sprintf(`{"name":%q,"dist-tags":{"latest":"1.0.0"},"versions":{"1.0.0":{"name":%q,"version":"1.0.0","dependencies":%s}}}`, name, name, depsJSON)
}

func TestTriggerWalksDependencyGraph(t *testing.T) {
	served := map[string]string{
		"left-pad": metadataFor("left-pad", nil),
		"chalk":    metadataFor("chalk", map[string]string{"ansi-styles": "^1.0.0"}),
		"ansi-styles": metadataFor("ansi-styles", nil),
	}

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[1:]
		body, ok := served[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer upstreamSrv.Close()

	u, err := url.Parse(upstreamSrv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	client := upstream.New(u.Host, 5*time.Second, 0)
	client.Scheme = u.Scheme

	store := cachestore.NewFSStore(t.TempDir())
	stats := &fakeStats{}
	p := New(client, store, stats, 4, 10)

	root := metadataFor("app", map[string]string{"chalk": "^1.0.0"})
	p.Trigger([]byte(root))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, errChalk := store.Size(context.Background(), "chalk")
		_, errAnsi := store.Size(context.Background(), "ansi-styles")
		if errChalk == nil && errAnsi == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("prefetch did not walk the full dependency graph in time")
}

func TestTriggerSkipsAlreadyCachedPackages(t *testing.T) {
	var fetched sync.Map

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[1:]
		fetched.Store(name, true)
		w.Write([]byte(metadataFor(name, nil)))
	}))
	defer upstreamSrv.Close()

	u, _ := url.Parse(upstreamSrv.URL)
	client := upstream.New(u.Host, 5*time.Second, 0)
	client.Scheme = u.Scheme

	store := cachestore.NewFSStore(t.TempDir())
	if err := store.Put(context.Background(), "already-cached", []byte(`{}`)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	stats := &fakeStats{}
	p := New(client, store, stats, 4, 10)

	root := metadataFor("app", map[string]string{"already-cached": "^1.0.0"})
	p.Trigger([]byte(root))

	time.Sleep(100 * time.Millisecond)

	if _, ok := fetched.Load("already-cached"); ok {
		t.Error("prefetcher should not re-fetch a package already present in the cache")
	}
}

func TestTriggerIgnoresNonMetadataInput(t *testing.T) {
	store := cachestore.NewFSStore(t.TempDir())
	stats := &fakeStats{}
	client := upstream.New("example.invalid", time.Second, 0)
	p := New(client, store, stats, 2, 10)

	p.Trigger([]byte(`not json`))
	p.Trigger([]byte(`{"some":"blob"}`))

	time.Sleep(20 * time.Millisecond)
}
