// Package syncer implements the change synchronizer (spec.md §4.6): a
// long-running loop against the upstream changes feed that keeps cached
// entries current with upstream edits and deletions.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Utopian-Contributors/upm-registry/internal/atomicfile"
	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/compress"
	"github.com/Utopian-Contributors/upm-registry/internal/trim"
	"github.com/Utopian-Contributors/upm-registry/internal/upstream"
)

// Stats is the narrow slice of stats.Sink the synchronizer needs.
type Stats interface {
	RecordSync(pkg string, prevBytes, newBytes int64)
}

// Syncer runs the changes-feed poll loop.
type Syncer struct {
	upstream   *upstream.Client
	cache      cachestore.Store
	stats      Stats
	sem        *semaphore.Weighted
	cursorPath string

	changesFeedURL string // base URL, e.g. "https://replicate.npmjs.com/registry/_changes"
	pageLimit      int
	pollInterval   time.Duration
	maxBackoff     time.Duration
}

// Config holds the tunables for a Syncer.
type Config struct {
	ChangesFeedURL string
	CursorPath     string
	PageLimit      int           // suggested 1000
	PollInterval   time.Duration // suggested 10s
	MaxBackoff     time.Duration // suggested 5 * time.Minute
	MaxConcurrent  int64
}

// New builds a Syncer from cfg.
func New(client *upstream.Client, cache cachestore.Store, stats Stats, cfg Config) *Syncer {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Syncer{
		upstream:       client,
		cache:          cache,
		stats:          stats,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		cursorPath:     cfg.CursorPath,
		changesFeedURL: cfg.ChangesFeedURL,
		pageLimit:      cfg.PageLimit,
		pollInterval:   cfg.PollInterval,
		maxBackoff:     cfg.MaxBackoff,
	}
}

type changesResponse struct {
	Results []changeRow     `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
}

// Run blocks, polling the changes feed until ctx is canceled. It never
// returns an error: every failure is logged and followed by a backoff
// sleep, per spec.md §4.6's last line.
func (s *Syncer) Run(ctx context.Context) {
	backoff := s.pollInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fullPage, err := s.runOnce(ctx)
		if err != nil {
			slog.Warn("syncer: poll failed", "error", err)
			sleep(ctx, backoff)
			backoff = nextBackoff(backoff, s.maxBackoff)
			continue
		}
		backoff = s.pollInterval

		if fullPage {
			continue
		}
		sleep(ctx, s.pollInterval)
	}
}

// runOnce executes one iteration of the loop body (steps 1-9). It returns
// whether the page was full (caller should loop immediately) and any error
// (caller backs off and retries without advancing the cursor).
func (s *Syncer) runOnce(ctx context.Context) (fullPage bool, err error) {
	cursor := s.readCursor()

	reqURL := fmt.Sprintf("%s?since=%s&limit=%d", s.changesFeedURL, cursor, s.pageLimit)
	resp, err := s.upstream.Fetch(ctx, reqURL)
	if err != nil {
		return false, fmt.Errorf("fetching changes feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return false, fmt.Errorf("changes feed rate-limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("changes feed returned status %d", resp.StatusCode)
	}

	var page changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return false, fmt.Errorf("parsing changes feed response: %w", err)
	}

	toFetch := s.applyDeletesAndClassify(ctx, page.Results)
	s.fetchBatch(ctx, toFetch)

	if err := s.writeCursor(page.LastSeq); err != nil {
		return false, fmt.Errorf("persisting cursor: %w", err)
	}

	return len(page.Results) >= s.pageLimit, nil
}

// applyDeletesAndClassify walks the page's rows in order, applying
// deletions immediately and returning the names that need a re-fetch.
func (s *Syncer) applyDeletesAndClassify(ctx context.Context, rows []changeRow) []string {
	var toFetch []string
	for _, row := range rows {
		if row.ID == "" || row.ID != strings.ToLower(row.ID) {
			continue
		}
		if _, err := s.cache.Size(ctx, row.ID); err != nil {
			continue // not already cached — the synchronizer never pre-populates
		}

		if row.Deleted {
			if err := s.cache.Delete(ctx, row.ID); err != nil {
				slog.Debug("syncer: delete failed", "package", row.ID, "error", err)
			}
			continue
		}
		toFetch = append(toFetch, row.ID)
	}
	return toFetch
}

// fetchBatch re-downloads, trims and overwrites each name in toFetch,
// concurrently and bounded by the same semaphore discipline as the
// prefetcher. A failure on one name leaves its cache entry untouched.
func (s *Syncer) fetchBatch(ctx context.Context, toFetch []string) {
	var wg sync.WaitGroup
	for _, name := range toFetch {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			s.syncOne(ctx, name)
		}()
	}
	wg.Wait()
}

func (s *Syncer) syncOne(ctx context.Context, name string) {
	prevSize, _ := s.cache.Size(ctx, name)

	url := s.upstream.MetadataURL(name)
	resp, err := s.upstream.Fetch(ctx, url)
	if err != nil {
		slog.Debug("syncer: fetch failed", "package", name, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	decoded, err := compress.Decode(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		slog.Debug("syncer: decompress failed", "package", name, "error", err)
		return
	}

	raw, err := io.ReadAll(decoded)
	if err != nil {
		slog.Debug("syncer: read failed", "package", name, "error", err)
		return
	}

	trimmed, err := trim.Document(raw)
	if err != nil {
		slog.Debug("syncer: trim failed", "package", name, "error", err)
		return
	}

	if err := s.cache.Put(ctx, name, trimmed); err != nil {
		slog.Debug("syncer: cache write failed", "package", name, "error", err)
		return
	}

	s.stats.RecordSync(name, prevSize, int64(len(trimmed)))
}

// readCursor returns the last persisted cursor, or "0" if none exists.
func (s *Syncer) readCursor() string {
	data, err := os.ReadFile(s.cursorPath)
	if err != nil {
		return "0"
	}
	cursor := strings.TrimSpace(string(data))
	if cursor == "" {
		return "0"
	}
	return cursor
}

// writeCursor persists raw (a JSON number or string) as the new cursor.
// It is only called after a batch's effects have already been applied to
// the store, preserving the crash-replay safety invariant (spec.md §9).
func (s *Syncer) writeCursor(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	value := strings.Trim(string(raw), `"`)
	return atomicfile.Write(s.cursorPath, []byte(value))
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	doubled := current * 2
	if doubled > ceiling {
		return ceiling
	}
	return doubled
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
