package security

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	dir := t.TempDir()
	a := NewAuditLogger(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(a.Close)
	return a, dir
}

func TestLogAppendsJSONL(t *testing.T) {
	a, dir := newTestLogger(t)

	a.Log("127.0.0.1:51234", "curl/8.0", "POST /v1/users/u1/poll", 202, "manual poll scheduled")
	a.Log("127.0.0.1:51235", "curl/8.0", "POST /v1/users/ghost/poll", 404, "unknown user")

	content, err := os.ReadFile(filepath.Join(dir, "logs", "admin_access.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"status":202`) {
		t.Errorf("first line missing status: %s", lines[0])
	}
}

func TestGetRecentLogsNewestFirst(t *testing.T) {
	a, _ := newTestLogger(t)

	a.Log("127.0.0.1:1", "ua", "POST /v1/users/a/poll", 202, "")
	a.Log("127.0.0.1:2", "ua", "POST /v1/users/b/poll", 202, "")
	a.Log("127.0.0.1:3", "ua", "POST /v1/users/c/poll", 409, "poll in flight")

	entries := a.GetRecentLogs(2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "POST /v1/users/c/poll" {
		t.Errorf("newest entry first, got %s", entries[0].Action)
	}
	if entries[0].Status != 409 {
		t.Errorf("status = %d", entries[0].Status)
	}
	if entries[0].ID == "" {
		t.Error("entry id not assigned")
	}
}

func TestGetRecentLogsEmptyFile(t *testing.T) {
	a, _ := newTestLogger(t)
	if entries := a.GetRecentLogs(10); len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}
