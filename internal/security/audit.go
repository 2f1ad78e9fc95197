// Package security keeps the append-only audit trail for the admin surface.
package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one audited admin request.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /v1/users/u1/poll"
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger appends admin access records to a JSONL file under the data
// directory. Audit writes are best effort; a broken file never blocks a
// request.
type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

func NewAuditLogger(dataDir string, logger *slog.Logger) *AuditLogger {
	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	path := filepath.Join(logDir, "admin_access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}

	return &AuditLogger{
		logFile: f,
		logPath: path,
		logger:  logger,
	}
}

// Log appends one entry and mirrors it to the process logger.
func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.WriteString(string(jsonBytes) + "\n")
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "audit", "action", action, "status", status, "ip", sourceIP)
}

func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// GetRecentLogs reads the newest entries back for the status surface.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
