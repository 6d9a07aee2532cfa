package strip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/compress"
	"github.com/Utopian-Contributors/upm-registry/internal/trim"
)

// Stats is the subset of stats.Sink the pipeline needs, kept narrow to
// avoid an import cycle and to make the pipeline trivially testable.
type Stats interface {
	RecordStrip(pkg string, rawBytes, strippedBytes int64)
}

// Pipeline runs the CPU-bound half of the strip flow (decompress, parse,
// trim, marshal) on a bounded worker pool, so one large document can't
// stall the request path or other strip jobs (spec.md §5).
type Pipeline struct {
	store Stats
	cache cachestore.Store
	sem   *semaphore.Weighted

	// OnTrimmed, if set, is called after a trimmed document is durably
	// written to the cache. It hands the prefetcher the document it needs
	// without requiring a second decompress of the upstream body.
	OnTrimmed func(name string, trimmed []byte)
}

// NewPipeline builds a Pipeline bounded to maxConcurrent simultaneous
// decompress/parse/trim jobs.
func NewPipeline(cache cachestore.Store, sink Stats, maxConcurrent int64) *Pipeline {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pipeline{store: sink, cache: cache, sem: semaphore.NewWeighted(maxConcurrent)}
}

// Enqueue schedules the post-response stages for a freshly staged raw body
// under name, encoded per contentEncoding. It is fire-and-forget: failures
// are logged and leave the raw stage in place for the next miss to
// overwrite, never propagating to a client (spec.md §4.4, §7).
func (p *Pipeline) Enqueue(name, contentEncoding string) {
	go func() {
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			slog.Debug("strip: semaphore acquire failed", "package", name, "error", err)
			return
		}
		defer p.sem.Release(1)

		if err := p.process(ctx, name, contentEncoding); err != nil {
			slog.Warn("strip: pipeline failed", "package", name, "error", err)
		}
	}()
}

// process implements spec.md §4.4 steps 2-7. Step 1 (writing the buffered
// body to raw staging) already happened via TeeToRawStage before Enqueue
// was called.
func (p *Pipeline) process(ctx context.Context, name, contentEncoding string) error {
	raw, err := p.cache.ReadRaw(ctx, name)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return nil // nothing staged — a concurrent strip already consumed it
		}
		return fmt.Errorf("reading raw stage: %w", err)
	}
	defer raw.Close()

	decompressed, err := compress.Decode(raw, contentEncoding)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}

	rawBody, err := io.ReadAll(decompressed)
	if err != nil {
		// Parse/decode failure: leave the raw stage in place for the next
		// miss to overwrite, and do not cache anything.
		slog.Warn("strip: decompression failed, leaving raw stage for retry", "package", name, "error", err)
		return nil
	}

	trimmed, err := trim.Document(rawBody)
	if err != nil {
		slog.Warn("strip: parse failed, leaving raw stage for retry", "package", name, "error", err)
		return nil
	}

	if err := p.cache.Put(ctx, name, trimmed); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	if err := p.cache.DeleteRaw(ctx, name); err != nil {
		slog.Debug("strip: failed to clean up raw stage", "package", name, "error", err)
	}

	p.store.RecordStrip(name, int64(len(rawBody)), int64(len(trimmed)))

	if p.OnTrimmed != nil {
		p.OnTrimmed(name, trimmed)
	}
	return nil
}
