package stats

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordHitUsesRawSizeMemory(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	log.RecordStrip("express", 2_800_000, 900_000)
	log.RecordHit("express", 900_000)

	raw, ok := log.RawSize("express")
	if !ok || raw != 2_800_000 {
		t.Fatalf("RawSize = %d,%v want 2800000,true", raw, ok)
	}
}

func TestRecordHitUnknownRawSizeZeroSavings(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	// Should not panic nor block on an unseen package.
	log.RecordHit("never-seen", 100)
}

func TestEventLogReplayRebuildsRawSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.RecordStrip("left-pad", 500, 100)
	first.RecordSync("left-pad", 600, 120)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	raw, ok := second.RawSize("left-pad")
	if !ok || raw != 600 {
		t.Fatalf("RawSize after replay = %d,%v want 600,true (most recent sync wins)", raw, ok)
	}
}

func TestRecordPassthroughAndMiss(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	log.RecordPassthrough("/express/-/express-4.18.0.tgz", 12*time.Millisecond)
	log.RecordMiss("express", 1_200_000, 80*time.Millisecond)
}
