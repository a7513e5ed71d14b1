package trajectory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteJSONL 将每条消息的投影作为一行 JSON 写入 w。
// WriteJSONL writes one line-delimited JSON record per message, each record
// the serialized projection of the message including its tags.
func (t *Trajectory) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for i, m := range t.messages {
		if err := enc.Encode(m.Record()); err != nil {
			return fmt.Errorf("trajectory: encode record %d: %w", i, err)
		}
	}
	return nil
}

// ExportJSONL writes the whole trajectory to path, replacing any previous
// export.
func (t *Trajectory) ExportJSONL(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("trajectory: ensure export dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trajectory: create export: %w", err)
	}
	if err := t.WriteJSONL(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("trajectory: close export: %w", err)
	}
	return nil
}
