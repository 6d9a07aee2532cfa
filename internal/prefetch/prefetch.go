// Package prefetch implements the dependency prefetcher (spec.md §4.5): a
// best-effort BFS walk over a package's latest-version dependency graph,
// warming the cache for packages a client is likely to request next.
package prefetch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/compress"
	"github.com/Utopian-Contributors/upm-registry/internal/trim"
	"github.com/Utopian-Contributors/upm-registry/internal/upstream"
)

// Stats is the narrow slice of stats.Sink the prefetcher needs.
type Stats interface {
	RecordPrefetch(pkg string, rawBytes, strippedBytes int64)
}

// Prefetcher walks a document's dependency graph in the background. A
// traversal never blocks the request that triggered it — Trigger always
// returns immediately.
type Prefetcher struct {
	upstream *upstream.Client
	cache    cachestore.Store
	stats    Stats
	sem      *semaphore.Weighted

	// maxPerTraversal bounds how many distinct packages a single Trigger
	// call will fetch, so a pathologically wide dependency graph can't turn
	// one response into an unbounded fan-out (spec.md §5, N_MAX).
	maxPerTraversal int

	// inflight deduplicates concurrent fetches of the same package across
	// traversals triggered by different requests.
	inflight sync.Map // package name -> struct{}
}

// New builds a Prefetcher bounded to maxConcurrent simultaneous fetches and
// maxPerTraversal distinct packages per Trigger call.
func New(client *upstream.Client, cache cachestore.Store, stats Stats, maxConcurrent int64, maxPerTraversal int) *Prefetcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxPerTraversal < 1 {
		maxPerTraversal = 1
	}
	return &Prefetcher{
		upstream:        client,
		cache:           cache,
		stats:           stats,
		sem:             semaphore.NewWeighted(maxConcurrent),
		maxPerTraversal: maxPerTraversal,
	}
}

// npmDoc is the shape of a trimmed metadata document, just enough to
// recover the latest version's dependency union.
type npmDoc struct {
	DistTags map[string]string       `json:"dist-tags"`
	Versions map[string]versionEntry `json:"versions"`
}

type versionEntry struct {
	Dependencies         map[string]string `json:"dependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
}

func dependenciesOf(v versionEntry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, deps := range []map[string]string{v.Dependencies, v.OptionalDependencies, v.PeerDependencies} {
		for name := range deps {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Trigger starts (or no-ops) a background prefetch walk seeded from a
// freshly trimmed document. It never blocks the caller.
func (p *Prefetcher) Trigger(trimmedDocument []byte) {
	var doc npmDoc
	if err := json.Unmarshal(trimmedDocument, &doc); err != nil {
		return
	}
	latest := doc.DistTags["latest"]
	if latest == "" {
		return
	}
	ve, ok := doc.Versions[latest]
	if !ok {
		return
	}
	roots := dependenciesOf(ve)
	if len(roots) == 0 {
		return
	}

	go p.walk(context.Background(), roots)
}

// walk performs a level-by-level BFS. Each level's fetches run concurrently
// (bounded by the shared semaphore); a failure in one branch only stops
// that branch, never the rest of the traversal.
func (p *Prefetcher) walk(ctx context.Context, roots []string) {
	visited := make(map[string]struct{})
	budget := int32(p.maxPerTraversal)
	queue := roots

	for len(queue) > 0 && atomic.LoadInt32(&budget) > 0 {
		var mu sync.Mutex
		var next []string
		var wg sync.WaitGroup

		for _, name := range queue {
			if _, seen := visited[name]; seen {
				continue
			}
			visited[name] = struct{}{}

			if atomic.AddInt32(&budget, -1) < 0 {
				atomic.AddInt32(&budget, 1)
				break
			}

			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := p.sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer p.sem.Release(1)

				children := p.fetchOne(ctx, name)
				if len(children) > 0 {
					mu.Lock()
					next = append(next, children...)
					mu.Unlock()
				}
			}(name)
		}

		wg.Wait()
		queue = next
	}
}

// fetchOne fetches, decompresses, trims and caches a single package,
// returning its own dependency union for the next BFS level. It returns nil
// on any failure or if the package was already cached or already being
// fetched by a concurrent traversal.
func (p *Prefetcher) fetchOne(ctx context.Context, name string) []string {
	if _, loaded := p.inflight.LoadOrStore(name, struct{}{}); loaded {
		return nil
	}
	defer p.inflight.Delete(name)

	if _, err := p.cache.Size(ctx, name); err == nil {
		return nil // already cached — assume its own subtree is covered
	}

	url := p.upstream.MetadataURL(name)
	resp, err := p.upstream.Fetch(ctx, url)
	if err != nil {
		slog.Debug("prefetch: fetch failed", "package", name, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil
	}

	decoded, err := compress.Decode(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		slog.Debug("prefetch: decompress failed", "package", name, "error", err)
		return nil
	}

	raw, err := io.ReadAll(decoded)
	if err != nil {
		slog.Debug("prefetch: read failed", "package", name, "error", err)
		return nil
	}

	trimmed, err := trim.Document(raw)
	if err != nil {
		slog.Debug("prefetch: trim failed", "package", name, "error", err)
		return nil
	}

	if err := p.cache.Put(ctx, name, trimmed); err != nil {
		slog.Debug("prefetch: cache write failed", "package", name, "error", err)
		return nil
	}

	p.stats.RecordPrefetch(name, int64(len(raw)), int64(len(trimmed)))

	var doc npmDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil
	}
	latest := doc.DistTags["latest"]
	ve, ok := doc.Versions[latest]
	if !ok {
		return nil
	}
	return dependenciesOf(ve)
}
