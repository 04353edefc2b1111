package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"example.com/backstage/services/openbk-ota/internal/core"
	"github.com/google/uuid"
)

const walEntryType = "update_session"

// renameFile is swapped in tests to simulate a failed replace.
var renameFile = os.Rename

// WALEntry is one journaled session.
type WALEntry struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Type      string             `json:"type"`
	Session   core.UpdateSession `json:"session"`
}

// WAL is an append-only JSON-lines journal of finished update sessions. It
// lets backup pointers survive a restart without a database.
type WAL struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
	keepLast     int
}

// NewWAL opens or creates the journal at path. Compaction keeps the last
// keepLast sessions per device.
func NewWAL(path string, keepLast int) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	if keepLast <= 0 {
		keepLast = 20
	}
	return &WAL{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: 16 * 1024 * 1024, // 16MB
		keepLast:     keepLast,
	}, nil
}

// Append journals a finished session.
func (w *WAL) Append(session *core.UpdateSession) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := WALEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      walEntryType,
		Session:   *session,
	}

	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}
	entryBytes = append(entryBytes, '\n')

	if _, err := w.file.Write(entryBytes); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.currentSize += int64(len(entryBytes))

	if w.currentSize > w.rotationSize {
		if err := w.compactLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}
	return nil
}

// Replay returns every journaled session in write order. Corrupted lines
// are skipped.
func (w *WAL) Replay() ([]core.UpdateSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.readLocked()
	if err != nil {
		return nil, err
	}
	sessions := make([]core.UpdateSession, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, e.entry.Session)
	}
	return sessions, nil
}

type walLine struct {
	entry WALEntry
	raw   []byte
}

func (w *WAL) readLocked() ([]walLine, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var lines []walLine
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil || entry.Type != walEntryType {
			continue
		}
		lines = append(lines, walLine{entry: entry, raw: append([]byte(nil), scanner.Bytes()...)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
	}
	return lines, nil
}

// Compact drops all but the newest sessions of each device.
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compactLocked()
}

func (w *WAL) compactLocked() error {
	lines, err := w.readLocked()
	if err != nil {
		return err
	}

	perDevice := make(map[string]int)
	keep := make([]bool, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		id := lines[i].entry.Session.DeviceID
		if perDevice[id] < w.keepLast {
			keep[i] = true
			perDevice[id]++
		}
	}

	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}
	defer tempFile.Close()

	writer := bufio.NewWriter(tempFile)
	newSize := int64(0)
	for i, l := range lines {
		if !keep[i] {
			continue
		}
		if _, err := writer.Write(l.raw); err != nil {
			return fmt.Errorf("failed to write to temp WAL: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline to temp WAL: %w", err)
		}
		newSize += int64(len(l.raw) + 1)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush temp WAL: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}

	// The old handle stays usable until the compacted file is in place.
	if err := renameFile(tempPath, w.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	w.file.Close()
	w.file = file
	w.currentSize = newSize
	return nil
}

// Close closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL before closing: %w", err)
		}
		return w.file.Close()
	}
	return nil
}

// Stats returns WAL statistics.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path":          w.path,
		"size":          w.currentSize,
		"rotation_size": w.rotationSize,
		"keep_last":     w.keepLast,
	}
}
