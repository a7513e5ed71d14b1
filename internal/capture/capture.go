package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types written by the orchestration layer.
const (
	EventSessionStart = "session_start"
	EventMessage      = "message"
	EventToolResult   = "tool_result"
	EventSubLoopStop  = "subloop_stop"
	EventSessionEnd   = "session_end"
)

type record struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Payload   any            `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Writer 把事件增量写入 JSONL 文件；所有写入都由互斥锁串行化。
// Writer streams orchestration events to a JSONL file. All writes are
// serialized with a mutex and the session header is written lazily on the
// first event, so the writer tolerates use before explicit initialization.
type Writer struct {
	mu      sync.Mutex
	path    string
	runID   string
	file    *os.File
	started bool
}

func NewWriter(path, runID string) *Writer {
	return &Writer{path: path, runID: runID}
}

// WriteEvent appends one event record, opening the file and writing the
// session header first if this is the first write.
func (w *Writer) WriteEvent(eventType string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		if err := w.startLocked(); err != nil {
			return err
		}
	}
	return w.writeLocked(record{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

func (w *Writer) startLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("capture: ensure dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("capture: open %s: %w", w.path, err)
	}
	w.file = f
	w.started = true
	return w.writeLocked(record{
		EventType: EventSessionStart,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  map[string]any{"run_id": w.runID},
	})
}

func (w *Writer) writeLocked(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("capture: marshal event: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("capture: write event: %w", err)
	}
	return nil
}

// Close writes the session-end marker and releases the file. A writer that
// never received an event closes without touching the filesystem.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	endErr := w.writeLocked(record{
		EventType: EventSessionEnd,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  map[string]any{"run_id": w.runID},
	})
	closeErr := w.file.Close()
	w.file = nil
	w.started = false
	if endErr != nil {
		return endErr
	}
	if closeErr != nil {
		return fmt.Errorf("capture: close: %w", closeErr)
	}
	return nil
}
