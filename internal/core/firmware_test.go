package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestFirmwareServer(t *testing.T, ttl time.Duration) (*FirmwareServer, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFirmwareServer(FirmwareServerConfig{
		StoragePath: dir,
		BaseURL:     "https://10.0.0.5:8080/",
		PathPrefix:  "api/openbk_firmware/",
		ServeTTL:    ttl,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewFirmwareServer: %v", err)
	}
	return s, dir
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://ota.local:8080/": "http://ota.local:8080",
		"http://10.0.0.5:8080":    "http://10.0.0.5:8080",
		" http://host// ":         "http://host",
	}
	for in, want := range tests {
		if got := NormalizeBaseURL(in); got != want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStageServesUntilLastHolderReleases(t *testing.T) {
	s, dir := newTestFirmwareServer(t, 0)
	asset := testRelease(newBuild, PlatformBK7231N).Assets[0]
	data := []byte("image bytes")

	url, err := s.Stage("a", asset, data)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if want := "http://10.0.0.5:8080/api/openbk_firmware/" + asset.Filename; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	if _, ok := s.Acquire("b", asset); !ok {
		t.Fatal("Acquire must reuse the staged blob")
	}

	f, ok := s.Lookup(asset.Filename)
	if !ok {
		t.Fatal("staged blob not found")
	}
	got, err := os.ReadFile(f.Path)
	if err != nil || string(got) != string(data) {
		t.Fatalf("stored blob = %q, %v", got, err)
	}
	if f.Size != int64(len(data)) || len(f.Digest) != 64 {
		t.Errorf("unexpected metadata %+v", f)
	}

	s.Release("a")
	if _, ok := s.Lookup(asset.Filename); !ok {
		t.Fatal("blob dropped while still held")
	}

	s.Release("b")
	if _, ok := s.Lookup(asset.Filename); ok {
		t.Fatal("blob still served after last release")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("storage not cleaned: %d entries", len(entries))
	}

	s.Release("b")
}

func TestConcurrentStageAndReleaseKeepFilesConsistent(t *testing.T) {
	s, dir := newTestFirmwareServer(t, 0)
	asset := testRelease(newBuild, PlatformBK7231N).Assets[0]

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := s.Stage(id, asset, []byte("image bytes")); err != nil {
					t.Errorf("Stage: %v", err)
					return
				}
				s.Release(id)
			}
		}(fmt.Sprintf("dev-%d", i))
	}
	wg.Wait()

	if staged := s.Staged(); len(staged) != 0 {
		t.Fatalf("blobs left after every holder released: %d", len(staged))
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("storage not cleaned: %d entries", len(entries))
	}

	if _, err := s.Stage("a", asset, []byte("image bytes")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	for _, f := range s.Staged() {
		if _, err := os.Stat(f.Path); err != nil {
			t.Errorf("staged blob %s missing on disk: %v", f.Filename, err)
		}
	}
}

func TestStageRejectsPathTraversal(t *testing.T) {
	s, _ := newTestFirmwareServer(t, 0)
	asset := Asset{Platform: PlatformBK7231N, Version: newBuild, Filename: "../evil.rbl"}
	if _, err := s.Stage("a", asset, []byte("x")); err == nil {
		t.Fatal("expected error for a filename with a path")
	}
}

func TestHoldingNewBuildReleasesPrevious(t *testing.T) {
	s, _ := newTestFirmwareServer(t, 0)
	first := testRelease(oldBuild, PlatformBK7231N).Assets[0]
	second := testRelease(newBuild, PlatformBK7231N).Assets[0]

	if _, err := s.Stage("a", first, []byte("old")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := s.Stage("a", second, []byte("new")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, ok := s.Lookup(first.Filename); ok {
		t.Error("device holds two blobs")
	}
	if _, ok := s.Lookup(second.Filename); !ok {
		t.Error("second blob not served")
	}
}

func TestSweepDropsExpiredBlobs(t *testing.T) {
	s, _ := newTestFirmwareServer(t, time.Hour)
	clock := newFakeClock()
	s.now = clock.Now

	asset := testRelease(newBuild, PlatformBK7231N).Assets[0]
	if _, err := s.Stage("a", asset, []byte("x")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if n := s.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d fresh blobs", n)
	}

	clock.Advance(2 * time.Hour)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := s.Lookup(asset.Filename); ok {
		t.Error("expired blob still served")
	}
	s.Release("a")
}

func TestPurgeOrphans(t *testing.T) {
	s, dir := newTestFirmwareServer(t, 0)
	asset := testRelease(newBuild, PlatformBK7231N).Assets[0]
	if _, err := s.Stage("a", asset, []byte("x")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	orphan := filepath.Join(dir, "leftover_OpenBK7231N_1.0.0.rbl")
	if err := os.WriteFile(orphan, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeOrphans(); err != nil {
		t.Fatalf("PurgeOrphans: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan not removed")
	}
	if _, ok := s.Lookup(asset.Filename); !ok {
		t.Error("live blob removed")
	}
}

func TestBlobKeyDistinguishesBuilds(t *testing.T) {
	n := testRelease(newBuild, PlatformBK7231N).Assets[0]
	tt := testRelease(newBuild, PlatformBK7231T).Assets[0]
	old := testRelease(oldBuild, PlatformBK7231N).Assets[0]

	if BlobKey(n) == BlobKey(tt) || BlobKey(n) == BlobKey(old) {
		t.Error("distinct builds share a key")
	}
	if BlobKey(n) != BlobKey(n) {
		t.Error("key is not stable")
	}
	if len(BlobKey(n)) != 32 {
		t.Errorf("key length = %d", len(BlobKey(n)))
	}
}
