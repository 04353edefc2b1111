package infrastructure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"example.com/backstage/services/openbk-ota/internal/core"
)

func TestWALAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "sessions.wal")
	w, err := NewWAL(path, 5)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}

	started := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "a"} {
		s := &core.UpdateSession{
			ID:              fmt.Sprintf("s%d", i),
			DeviceID:        id,
			Kind:            core.SessionInstall,
			State:           core.StateCompleted,
			TargetVersion:   "1.17.551",
			PreviousVersion: "1.17.500",
			StartedAt:       started.Add(time.Duration(i) * time.Minute),
		}
		if err := w.Append(s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// A torn write at the tail must not hide earlier entries.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"broken","session":{` + "\n")
	f.Close()

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewWAL(path, 5)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	defer reopened.Close()

	sessions, err := reopened.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("replayed %d sessions, want 3", len(sessions))
	}
	if sessions[2].ID != "s2" || sessions[2].PreviousVersion != "1.17.500" || !sessions[2].StartedAt.Equal(started.Add(2*time.Minute)) {
		t.Errorf("last session = %+v", sessions[2])
	}

	if err := reopened.Append(&core.UpdateSession{ID: "s3", DeviceID: "b"}); err != nil {
		t.Fatalf("Append after replay: %v", err)
	}
	sessions, _ = reopened.Replay()
	if len(sessions) != 4 || sessions[3].ID != "s3" {
		t.Errorf("append after replay not visible: %d sessions", len(sessions))
	}
}

func TestWALCompactKeepsNewestPerDevice(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "sessions.wal"), 2)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if err := w.Append(&core.UpdateSession{ID: fmt.Sprintf("a%d", i), DeviceID: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Append(&core.UpdateSession{ID: "b0", DeviceID: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := w.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	sessions, err := w.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	if fmt.Sprint(ids) != "[a3 a4 b0]" {
		t.Errorf("after compaction = %v", ids)
	}

	if err := w.Append(&core.UpdateSession{ID: "a5", DeviceID: "a"}); err != nil {
		t.Fatalf("Append after compaction: %v", err)
	}
	if st := w.Stats(); st["size"].(int64) == 0 {
		t.Error("size not tracked")
	}
}

func TestWALFailedCompactionKeepsJournalWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.wal")
	w, err := NewWAL(path, 1)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	defer w.Close()

	for _, id := range []string{"a0", "a1"} {
		if err := w.Append(&core.UpdateSession{ID: id, DeviceID: "a"}); err != nil {
			t.Fatal(err)
		}
	}

	renameFile = func(string, string) error { return errors.New("disk full") }
	t.Cleanup(func() { renameFile = os.Rename })

	if err := w.Compact(); err == nil {
		t.Fatal("expected compaction to fail")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	if err := w.Append(&core.UpdateSession{ID: "a2", DeviceID: "a"}); err != nil {
		t.Fatalf("Append after failed compaction: %v", err)
	}
	sessions, err := w.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(sessions) != 3 || sessions[2].ID != "a2" {
		t.Errorf("journal = %+v", sessions)
	}
}
