// Package strip implements the async strip pipeline (spec.md §4.4): tee the
// upstream miss body to raw staging while it streams to the client, then —
// once the client response has closed — decompress exactly once, parse,
// trim, and write the result to the cache store.
package strip

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
)

// bgCtx is used for the raw-stage upload, which must complete even if the
// client's own request context is canceled mid-stream (spec.md §5:
// "the upstream fetch continues to completion so that the strip pipeline
// can still populate the cache").
var bgCtx = context.Background()

// TeeToRawStage copies src to dst (the client response) while simultaneously
// staging a copy in the cache store's raw area under name. Staging is
// best-effort: if it fails, the client stream is not interrupted — writes
// to the stage are silently discarded on error so the TeeReader never sees
// a write failure. The stage is fed through an unbuffered pipe, so a
// StageRaw that stops reading without failing also holds up the client copy.
//
// The flow mirrors the teacher's tee-to-store pattern, but the destination
// is raw staging, not the durable cache — the durable write happens later,
// in the pipeline job queued by Pipeline.Enqueue, after dst has been fully
// written.
func TeeToRawStage(src io.Reader, dst io.Writer, store cachestore.Store, name string) (int64, error) {
	pr, pw := io.Pipe()
	sw := &safeWriter{w: pw}
	tee := io.TeeReader(src, sw)

	stageDone := make(chan struct{})
	go func() {
		defer close(stageDone)
		if err := store.StageRaw(bgCtx, name, readerOnly{pr}); err != nil {
			slog.Debug("strip: raw stage failed", "package", name, "error", err)
			io.Copy(io.Discard, pr)
		}
	}()

	n, copyErr := io.Copy(dst, tee)
	if copyErr != nil {
		// The client went away, but the raw stage must still see the full
		// body (spec.md §5: the upstream fetch continues to completion so
		// the strip pipeline can still populate the cache) — keep draining
		// src through tee so StageRaw receives everything.
		io.Copy(io.Discard, tee)
	}

	pw.Close()
	<-stageDone

	return n, copyErr
}

// readerOnly hides a concrete reader type (e.g. *io.PipeReader) from store
// implementations that might type-assert on it.
type readerOnly struct{ io.Reader }

// safeWriter discards writes after the first error, so a staging failure
// never propagates back into the client's copy via the TeeReader.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}
