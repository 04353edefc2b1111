package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// FirmwareServerConfig holds settings for the local blob server.
type FirmwareServerConfig struct {
	StoragePath string
	BaseURL     string
	PathPrefix  string
	ServeTTL    time.Duration
}

// StagedFile describes a blob that may currently be served.
type StagedFile struct {
	Key      string
	Filename string
	Path     string
	Size     int64
	Digest   string
	StagedAt time.Time
}

type stagedBlob struct {
	StagedFile
	holders map[string]struct{}
}

// FirmwareServer hosts downloaded OTA images for devices. Blobs are keyed by
// build and reference-counted by the devices whose sessions use them; a blob
// disappears when its last holder releases it.
type FirmwareServer struct {
	mu         sync.Mutex
	cfg        FirmwareServerConfig
	blobs      map[string]*stagedBlob
	byFilename map[string]string
	byDevice   map[string]string
	logger     *logrus.Logger
	now        func() time.Time
}

func NewFirmwareServer(cfg FirmwareServerConfig, logger *logrus.Logger) (*FirmwareServer, error) {
	if cfg.StoragePath == "" {
		return nil, fmt.Errorf("firmware storage path is required")
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create firmware storage: %w", err)
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/api/openbk_firmware"
	}
	cfg.PathPrefix = "/" + strings.Trim(cfg.PathPrefix, "/")
	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)

	return &FirmwareServer{
		cfg:        cfg,
		blobs:      make(map[string]*stagedBlob),
		byFilename: make(map[string]string),
		byDevice:   make(map[string]string),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// NormalizeBaseURL forces plain http and drops trailing slashes; OpenBK's
// OTA client cannot speak TLS.
func NormalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		base = "http://" + rest
	}
	return strings.TrimRight(base, "/")
}

// BlobKey is the content address of a build.
func BlobKey(asset Asset) string {
	sum := blake3.Sum256([]byte(string(asset.Platform) + "|" + asset.Version + "|" + asset.Filename))
	return hex.EncodeToString(sum[:16])
}

// URLFor is the address devices fetch the asset from.
func (s *FirmwareServer) URLFor(asset Asset) string {
	return s.cfg.BaseURL + s.cfg.PathPrefix + "/" + asset.Filename
}

// Acquire makes deviceID a holder of an already staged build.
func (s *FirmwareServer) Acquire(deviceID string, asset Asset) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[BlobKey(asset)]
	if !ok {
		return "", false
	}
	s.hold(deviceID, blob)
	return s.URLFor(asset), true
}

// Stage stores data for asset and makes deviceID a holder. Staging a build
// that is already present reuses the existing blob.
func (s *FirmwareServer) Stage(deviceID string, asset Asset, data []byte) (string, error) {
	if asset.Filename == "" || filepath.Base(asset.Filename) != asset.Filename {
		return "", fmt.Errorf("invalid firmware filename %q", asset.Filename)
	}
	key := BlobKey(asset)

	s.mu.Lock()
	if blob, ok := s.blobs[key]; ok {
		s.hold(deviceID, blob)
		s.mu.Unlock()
		return s.URLFor(asset), nil
	}
	s.mu.Unlock()

	digest := blake3.Sum256(data)
	tmp, err := writeTempFile(s.cfg.StoragePath, data)
	if err != nil {
		return "", err
	}

	// The file and the blob table only change together under s.mu.
	s.mu.Lock()
	defer s.mu.Unlock()
	if blob, ok := s.blobs[key]; ok {
		os.Remove(tmp)
		s.hold(deviceID, blob)
		return s.URLFor(asset), nil
	}

	path := filepath.Join(s.cfg.StoragePath, key+"_"+asset.Filename)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit firmware blob: %w", err)
	}
	blob := &stagedBlob{
		StagedFile: StagedFile{
			Key:      key,
			Filename: asset.Filename,
			Path:     path,
			Size:     int64(len(data)),
			Digest:   hex.EncodeToString(digest[:]),
			StagedAt: s.now(),
		},
		holders: make(map[string]struct{}),
	}
	s.blobs[key] = blob
	s.byFilename[asset.Filename] = key

	s.logger.WithFields(logrus.Fields{
		"filename": asset.Filename,
		"size":     blob.Size,
		"digest":   blob.Digest,
	}).Info("Firmware staged")

	s.hold(deviceID, blob)
	return s.URLFor(asset), nil
}

// writeTempFile writes data to a hidden staging file in dir.
func writeTempFile(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create firmware blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write firmware blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write firmware blob: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write firmware blob: %w", err)
	}
	return tmp.Name(), nil
}

// hold must be called with s.mu held.
func (s *FirmwareServer) hold(deviceID string, blob *stagedBlob) {
	if prev, ok := s.byDevice[deviceID]; ok && prev != blob.Key {
		s.releaseLocked(deviceID)
	}
	blob.holders[deviceID] = struct{}{}
	s.byDevice[deviceID] = blob.Key
}

// Lookup returns the staged blob for a served filename.
func (s *FirmwareServer) Lookup(filename string) (StagedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byFilename[filename]
	if !ok {
		return StagedFile{}, false
	}
	blob, ok := s.blobs[key]
	if !ok || len(blob.holders) == 0 {
		return StagedFile{}, false
	}
	return blob.StagedFile, true
}

// Release drops deviceID's reference. The blob is deleted when nobody holds it.
func (s *FirmwareServer) Release(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(deviceID)
}

func (s *FirmwareServer) releaseLocked(deviceID string) {
	key, ok := s.byDevice[deviceID]
	if !ok {
		return
	}
	delete(s.byDevice, deviceID)
	blob, ok := s.blobs[key]
	if !ok {
		return
	}
	delete(blob.holders, deviceID)
	if len(blob.holders) == 0 {
		s.dropLocked(blob)
	}
}

func (s *FirmwareServer) dropLocked(blob *stagedBlob) {
	delete(s.blobs, blob.Key)
	if s.byFilename[blob.Filename] == blob.Key {
		delete(s.byFilename, blob.Filename)
	}
	for deviceID := range blob.holders {
		delete(s.byDevice, deviceID)
	}
	if err := os.Remove(blob.Path); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("path", blob.Path).Warn("Failed to remove firmware blob")
	}
	s.logger.WithField("filename", blob.Filename).Info("Firmware unstaged")
}

// Staged lists blobs currently served.
func (s *FirmwareServer) Staged() []StagedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]StagedFile, 0, len(s.blobs))
	for _, b := range s.blobs {
		files = append(files, b.StagedFile)
	}
	return files
}

// Sweep drops blobs older than the serve TTL regardless of holders and
// returns how many were removed.
func (s *FirmwareServer) Sweep() int {
	if s.cfg.ServeTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.ServeTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, blob := range s.blobs {
		if blob.StagedAt.Before(cutoff) {
			s.logger.WithFields(logrus.Fields{
				"filename": blob.Filename,
				"holders":  len(blob.holders),
			}).Warn("Firmware blob exceeded serve TTL")
			s.dropLocked(blob)
			removed++
		}
	}
	return removed
}

// PurgeOrphans removes files left in storage by a previous process.
func (s *FirmwareServer) PurgeOrphans() error {
	entries, err := os.ReadDir(s.cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware storage: %w", err)
	}

	s.mu.Lock()
	known := make(map[string]struct{}, len(s.blobs))
	for _, b := range s.blobs {
		known[b.Path] = struct{}{}
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.cfg.StoragePath, e.Name())
		if _, ok := known[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Failed to remove orphaned firmware file")
		}
	}
	return nil
}

// Run sweeps expired blobs until ctx is cancelled.
func (s *FirmwareServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
