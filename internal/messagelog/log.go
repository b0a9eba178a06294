// Package messagelog is the append-only inbound/outbound audit writer
// (spec.md §4.10). It never blocks the dispatch pipeline on a write failure:
// errors are logged and swallowed.
//
// Grounded on the teacher's atomic session-file write idiom
// (internal/sessions/manager.go's Save: temp file → fsync → rename). An
// append-only log can't use the same rename-into-place trick (there is one
// file, appended to forever, not replaced), so each row is written with
// O_APPEND|O_SYNC instead; individual line writes under 4KB are atomic at
// the OS level on the filesystems this runs on, which is what the spec's
// append-rows-but-never-rewrite contract needs.
package messagelog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Direction tags whether a row is inbound (from platform) or outbound
// (engine response).
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Row is one line of the audit log.
type Row struct {
	Direction  Direction `json:"direction"`
	ConfigID   string    `json:"configId"`
	ExternalID string    `json:"externalId,omitempty"`
	Content    string    `json:"content,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	UserName   string    `json:"userName,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Log appends JSON-lines rows to a single file under storageDir. Safe for
// concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
}

// New opens (creating if absent) messages.log under storageDir.
func New(storageDir string) (*Log, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	return &Log{path: filepath.Join(storageDir, "messages.log")}, nil
}

// Append writes one row. Failures are logged, never returned to the caller,
// per spec.md §4.10 ("writes never block the pipeline critically").
func (l *Log) Append(direction Direction, configID, externalID, content, userID, userName, sessionID string) {
	row := Row{
		Direction:  direction,
		ConfigID:   configID,
		ExternalID: externalID,
		Content:    content,
		UserID:     userID,
		UserName:   userName,
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
	}

	line, err := json.Marshal(row)
	if err != nil {
		slog.Warn("messagelog.marshal_failed", "err", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o644)
	if err != nil {
		slog.Warn("messagelog.open_failed", "path", l.path, "err", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		slog.Warn("messagelog.write_failed", "path", l.path, "err", err)
	}
}
