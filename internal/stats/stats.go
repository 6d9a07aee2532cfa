// Package stats implements the stats sink named by spec.md §4.7: an
// append-only event log the core writes to, a bounded raw-size memory used
// to credit cache hits with bandwidth savings, and a Prometheus exposition
// surface for the out-of-scope dashboard to scrape. Queries beyond raw size
// lookup are the dashboard's concern, not the core's.
package stats

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink is the interface the core calls to report events. The core only
// writes; aggregation queries are consumed by the out-of-scope dashboard
// directly against the event log or the Prometheus registry.
type Sink interface {
	RecordHit(pkg string, servedBytes int64)
	RecordMiss(pkg string, compressedBytes int64, elapsed time.Duration)
	RecordStrip(pkg string, rawBytes, strippedBytes int64)
	RecordSync(pkg string, prevBytes, newBytes int64)
	RecordPrefetch(pkg string, rawBytes, strippedBytes int64)
	RecordPassthrough(path string, elapsed time.Duration)

	// RawSize returns the last observed pre-trim size for pkg, used by the
	// proxy to compute a hit's bandwidth savings. ok is false if unknown.
	RawSize(pkg string) (size int64, ok bool)
}

// event is a single append-only log record. Only the fields relevant to
// Type are populated; zero-value fields are omitted from the JSON.
type event struct {
	Time            time.Time `json:"time"`
	Type            string    `json:"type"`
	Package         string    `json:"package,omitempty"`
	Path            string    `json:"path,omitempty"`
	ServedBytes     int64     `json:"served_bytes,omitempty"`
	SavedBytes      int64     `json:"saved_bytes,omitempty"`
	CompressedBytes int64     `json:"compressed_bytes,omitempty"`
	RawBytes        int64     `json:"raw_bytes,omitempty"`
	StrippedBytes   int64     `json:"stripped_bytes,omitempty"`
	PrevBytes       int64     `json:"prev_bytes,omitempty"`
	NewBytes        int64     `json:"new_bytes,omitempty"`
	ElapsedMS       int64     `json:"elapsed_ms,omitempty"`
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// EventLog is the default Sink: an append-only JSON-Lines file plus a
// bounded in-memory raw-size table and a Prometheus registry.
type EventLog struct {
	mu      sync.Mutex
	file    *os.File
	rawSize *lru.Cache[string, int64]

	metrics *metrics
}

const defaultRawSizeCapacity = 10000

// Open opens (creating if necessary) the event log at path and replays it
// to rebuild the raw-size memory. Loss of this replay (a missing or
// truncated log) only affects reported savings, never correctness.
func Open(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	cache, err := lru.New[string, int64](defaultRawSizeCapacity)
	if err != nil {
		return nil, err
	}
	el := &EventLog{rawSize: cache, metrics: newMetrics()}

	if err := el.replay(path); err != nil {
		slog.Warn("stats: event log replay incomplete", "error", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	el.file = file
	return el, nil
}

func (el *EventLog) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		switch e.Type {
		case "strip":
			el.rawSize.Add(e.Package, e.RawBytes)
		case "sync":
			el.rawSize.Add(e.Package, e.PrevBytes)
		case "prefetch":
			el.rawSize.Add(e.Package, e.RawBytes)
		}
	}
	return scanner.Err()
}

func (el *EventLog) append(e event) {
	e.Time = nowFunc()
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("stats: failed to marshal event", "type", e.Type, "error", err)
		return
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}
	if _, err := el.file.Write(data); err != nil {
		slog.Warn("stats: failed to append event", "type", e.Type, "error", err)
	}
}

func (el *EventLog) RecordHit(pkg string, servedBytes int64) {
	saved := int64(0)
	if raw, ok := el.RawSize(pkg); ok && raw > servedBytes {
		saved = raw - servedBytes
	}
	el.append(event{Type: "hit", Package: pkg, ServedBytes: servedBytes, SavedBytes: saved})
	el.metrics.hits.Inc()
	el.metrics.servedBytes.Add(float64(servedBytes))
	el.metrics.savedBytes.Add(float64(saved))
}

func (el *EventLog) RecordMiss(pkg string, compressedBytes int64, elapsed time.Duration) {
	el.append(event{Type: "miss", Package: pkg, CompressedBytes: compressedBytes, ElapsedMS: elapsed.Milliseconds()})
	el.metrics.misses.Inc()
}

func (el *EventLog) RecordStrip(pkg string, rawBytes, strippedBytes int64) {
	el.rawSize.Add(pkg, rawBytes)
	el.append(event{Type: "strip", Package: pkg, RawBytes: rawBytes, StrippedBytes: strippedBytes})
	el.metrics.strips.Inc()
}

func (el *EventLog) RecordSync(pkg string, prevBytes, newBytes int64) {
	el.rawSize.Add(pkg, prevBytes)
	el.append(event{Type: "sync", Package: pkg, PrevBytes: prevBytes, NewBytes: newBytes})
	el.metrics.syncs.Inc()
}

func (el *EventLog) RecordPrefetch(pkg string, rawBytes, strippedBytes int64) {
	el.rawSize.Add(pkg, rawBytes)
	el.append(event{Type: "prefetch", Package: pkg, RawBytes: rawBytes, StrippedBytes: strippedBytes})
	el.metrics.prefetches.Inc()
}

func (el *EventLog) RecordPassthrough(path string, elapsed time.Duration) {
	el.append(event{Type: "passthrough", Path: path, ElapsedMS: elapsed.Milliseconds()})
	el.metrics.passthroughs.Inc()
}

func (el *EventLog) RawSize(pkg string) (int64, bool) {
	return el.rawSize.Get(pkg)
}

// Registerer exposes the sink's own Prometheus registry so the caller can
// add further collectors to the same registry that Gatherer serves.
func (el *EventLog) Registerer() prometheus.Registerer {
	return el.metrics.registry
}

// Gatherer exposes the same registry for a promhttp handler to scrape.
func (el *EventLog) Gatherer() prometheus.Gatherer {
	return el.metrics.registry
}

// Close flushes and closes the underlying event log file.
func (el *EventLog) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return nil
	}
	err := el.file.Close()
	el.file = nil
	return err
}

var _ Sink = (*EventLog)(nil)
