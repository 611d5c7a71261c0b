// Package audit writes the append-only per-conversation message logs.
// These files exist for operators; context reconstruction never reads
// them.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one logged message.
type Record struct {
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	OpenID    string `json:"open_id,omitempty"`
	UserName  string `json:"user_name"`
	Text      string `json:"text"`
}

// Logger appends JSONL records, one file per direct-chat user or group
// chat. Safe for concurrent use.
type Logger struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
}

// NewLogger writes under dir, creating it if needed.
func NewLogger(dir string, log *slog.Logger) (*Logger, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Logger{dir: dir, log: log}, nil
}

// Append writes one record to the log named by logID. Failures are logged
// and swallowed; audit must never break message handling.
func (l *Logger) Append(logID string, rec Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(l.dir, logID+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("open audit log", slog.String("log_id", logID), slog.Any("error", err))
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		l.log.Warn("write audit log", slog.String("log_id", logID), slog.Any("error", err))
	}
}
