package hooks

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newGuard() *Guard {
	return New(DefaultConfig(), zap.NewNop())
}

func TestCheckWrite(t *testing.T) {
	g := newGuard()
	cases := []struct {
		path    string
		deny    bool
		pattern string
	}{
		{"/etc/passwd", true, "/etc/"},
		{"/sys/kernel/param", true, "/sys/"},
		{"~/.ssh/id_rsa", true, "~/.ssh/"},
		{"/tmp/workdir/notes.md", false, ""},
		{"", false, ""},
	}
	for _, tc := range cases {
		res := g.CheckWrite(tc.path)
		if res.Denied() != tc.deny {
			t.Fatalf("path %q: denied = %v, want %v", tc.path, res.Denied(), tc.deny)
		}
		if tc.deny && !strings.Contains(res.Reason, tc.pattern) {
			t.Fatalf("path %q: reason %q does not name pattern %q", tc.path, res.Reason, tc.pattern)
		}
		if !tc.deny && res.Reason != "" {
			t.Fatalf("path %q: unexpected reason %q", tc.path, res.Reason)
		}
	}
}

func TestCheckCommand(t *testing.T) {
	g := newGuard()
	cases := []struct {
		command string
		deny    bool
	}{
		{"rm -rf /", true},
		{"dd if=/dev/zero of=/dev/sda", true},
		{"echo ok > /dev/null", true},
		{"ls -la", false},
		{"rm file.txt", false},
	}
	for _, tc := range cases {
		if got := g.CheckCommand(tc.command).Denied(); got != tc.deny {
			t.Fatalf("command %q: denied = %v, want %v", tc.command, got, tc.deny)
		}
	}
}

func TestPreActionDispatch(t *testing.T) {
	g := newGuard()
	if res := g.PreAction("Write", map[string]any{"file_path": "/etc/hosts"}); !res.Denied() {
		t.Fatalf("write to /etc/hosts allowed")
	}
	if res := g.PreAction("Write", map[string]any{"path": "~/.ssh/config"}); !res.Denied() {
		t.Fatalf("legacy path key not checked")
	}
	if res := g.PreAction("Bash", map[string]any{"command": "rm -rf build"}); !res.Denied() {
		t.Fatalf("destructive command allowed")
	}
	if res := g.PreAction("Read", map[string]any{"file_path": "/etc/hosts"}); res.Denied() {
		t.Fatalf("tool without validator was denied")
	}
}

func TestAuditLog(t *testing.T) {
	g := newGuard()
	g.RecordAction("Write", "tu-1")
	g.RecordAction("Bash", "tu-2")
	records := g.AuditLog()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].ToolName != "Write" || records[1].ToolID != "tu-2" {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Timestamp.IsZero() {
		t.Fatalf("timestamp missing")
	}
}
