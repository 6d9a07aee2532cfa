package strip

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
)

func TestTeeToRawStageWritesClientAndStage(t *testing.T) {
	store := cachestore.NewFSStore(t.TempDir())
	body := []byte(`{"name":"express","dist-tags":{},"versions":{}}`)

	rec := httptest.NewRecorder()
	n, err := TeeToRawStage(bytes.NewReader(body), rec, store, "express")
	if err != nil {
		t.Fatalf("TeeToRawStage: %v", err)
	}
	if n != int64(len(body)) {
		t.Fatalf("n = %d, want %d", n, len(body))
	}
	if rec.Body.String() != string(body) {
		t.Fatalf("client body = %q, want %q", rec.Body.String(), body)
	}

	raw, err := store.ReadRaw(context.Background(), "express")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	defer raw.Close()
	var buf bytes.Buffer
	buf.ReadFrom(raw)
	if buf.String() != string(body) {
		t.Fatalf("staged body = %q, want %q", buf.String(), body)
	}
}

type fakeSink struct {
	mu  sync.Mutex
	raw int64
	str int64
}

func (f *fakeSink) RecordStrip(pkg string, rawBytes, strippedBytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw, f.str = rawBytes, strippedBytes
}

func TestPipelineDecompressParseTrimWrite(t *testing.T) {
	store := cachestore.NewFSStore(t.TempDir())
	ctx := context.Background()

	full := []byte(`{"name":"express","description":"prose","dist-tags":{"latest":"1.0.0"},"versions":{"1.0.0":{"name":"express","version":"1.0.0","dist":{"tarball":"https://x/t.tgz","shasum":"abc","integrity":"sha512-x","signatures":[{}]}}}}`)

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write(full)
	w.Close()

	if err := store.StageRaw(ctx, "express", bytes.NewReader(gz.Bytes())); err != nil {
		t.Fatalf("StageRaw: %v", err)
	}

	sink := &fakeSink{}
	p := NewPipeline(store, sink, 2)
	p.Enqueue("express", "gzip")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(ctx, "express"); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rc, err := store.Get(ctx, "express")
	if err != nil {
		t.Fatalf("cache entry not written: %v", err)
	}
	defer rc.Close()
	var got bytes.Buffer
	got.ReadFrom(rc)
	if bytes.Contains(got.Bytes(), []byte("signatures")) {
		t.Error("trimmed cache entry retained forbidden signatures field")
	}
	if bytes.Contains(got.Bytes(), []byte("description")) {
		t.Error("trimmed cache entry retained forbidden description field")
	}

	if _, err := store.ReadRaw(ctx, "express"); err == nil {
		t.Error("raw stage should be deleted after successful strip")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.raw == 0 || sink.str == 0 {
		t.Errorf("strip event not recorded: raw=%d stripped=%d", sink.raw, sink.str)
	}
}

func TestPipelineBadJSONLeavesRawStageForRetry(t *testing.T) {
	store := cachestore.NewFSStore(t.TempDir())
	ctx := context.Background()

	if err := store.StageRaw(ctx, "broken", bytes.NewReader([]byte("not json"))); err != nil {
		t.Fatalf("StageRaw: %v", err)
	}

	sink := &fakeSink{}
	p := NewPipeline(store, sink, 2)
	p.Enqueue("broken", "")

	time.Sleep(50 * time.Millisecond)

	if _, err := store.Get(ctx, "broken"); err == nil {
		t.Error("cache entry should not be written for unparseable content")
	}
	if _, err := store.ReadRaw(ctx, "broken"); err != nil {
		t.Error("raw stage should survive a parse failure so the next miss can overwrite it")
	}
}
