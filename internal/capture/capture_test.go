package capture

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func readRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var out []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse line: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestLazyHeaderOnFirstEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture", "events.jsonl")
	w := NewWriter(path, "run-1")

	if _, err := os.Stat(path); err == nil {
		t.Fatalf("file created before first event")
	}
	if err := w.WriteEvent(EventMessage, map[string]any{"kind": "assistant"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 3 {
		t.Fatalf("records = %d, want header+event+end", len(records))
	}
	if records[0].EventType != EventSessionStart {
		t.Fatalf("first record = %q", records[0].EventType)
	}
	if records[0].Metadata["run_id"] != "run-1" {
		t.Fatalf("header metadata = %v", records[0].Metadata)
	}
	if records[1].EventType != EventMessage {
		t.Fatalf("second record = %q", records[1].EventType)
	}
	if records[2].EventType != EventSessionEnd {
		t.Fatalf("last record = %q", records[2].EventType)
	}
}

func TestCloseWithoutEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w := NewWriter(path, "run-2")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("file created by empty close")
	}
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w := NewWriter(path, "run-3")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := w.WriteEvent(EventToolResult, map[string]any{"worker": n}); err != nil {
					t.Errorf("write: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 82 {
		t.Fatalf("records = %d, want 82", len(records))
	}
	if records[0].EventType != EventSessionStart {
		t.Fatalf("header missing under concurrency")
	}
}
