package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BackupManager keeps one rollback pointer per device: the version that ran
// before the last successful install.
type BackupManager struct {
	mu       sync.RWMutex
	records  map[string]BackupRecord
	store    DataStore
	resolver *Resolver
	logger   *logrus.Logger
	now      func() time.Time
}

func NewBackupManager(store DataStore, resolver *Resolver, logger *logrus.Logger) *BackupManager {
	return &BackupManager{
		records:  make(map[string]BackupRecord),
		store:    store,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Load restores persisted backup pointers.
func (b *BackupManager) Load(ctx context.Context) error {
	records, err := b.store.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load backups: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range records {
		b.records[r.DeviceID] = *r
	}
	return nil
}

// Restore fills in pointers missing from the store using archived sessions,
// oldest first. Only completed installs carry a pointer.
func (b *BackupManager) Restore(ctx context.Context, sessions []UpdateSession) int {
	latest := make(map[string]UpdateSession)
	for _, s := range sessions {
		if s.Kind != SessionInstall || s.State != StateCompleted || s.PreviousVersion == "" {
			continue
		}
		if cur, ok := latest[s.DeviceID]; !ok || s.StartedAt.After(cur.StartedAt) {
			latest[s.DeviceID] = s
		}
	}

	restored := 0
	for deviceID, s := range latest {
		b.mu.RLock()
		_, exists := b.records[deviceID]
		b.mu.RUnlock()
		if exists {
			continue
		}
		recordedAt := s.StartedAt
		if s.CompletedAt != nil {
			recordedAt = *s.CompletedAt
		}
		if err := b.put(ctx, BackupRecord{
			DeviceID:        deviceID,
			Platform:        s.Asset.Platform,
			PreviousVersion: s.PreviousVersion,
			RecordedAt:      recordedAt,
		}); err != nil {
			b.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to restore backup pointer")
			continue
		}
		restored++
	}
	return restored
}

// RecordBackup overwrites the device's pointer with version.
func (b *BackupManager) RecordBackup(ctx context.Context, deviceID string, platform Platform, version string) error {
	record := BackupRecord{
		DeviceID:        deviceID,
		Platform:        platform,
		PreviousVersion: version,
		RecordedAt:      b.now(),
	}
	if err := b.put(ctx, record); err != nil {
		return err
	}
	b.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"version":   version,
	}).Info("Backup pointer recorded")
	return nil
}

func (b *BackupManager) put(ctx context.Context, record BackupRecord) error {
	if err := b.store.SaveBackup(ctx, &record); err != nil {
		return fmt.Errorf("failed to save backup for %s: %w", record.DeviceID, err)
	}
	b.mu.Lock()
	b.records[record.DeviceID] = record
	b.mu.Unlock()
	return nil
}

func (b *BackupManager) Get(deviceID string) (BackupRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[deviceID]
	return r, ok
}

// RollbackTarget re-checks the registry and returns the asset to roll back
// to, or a RollbackUnavailableError.
func (b *BackupManager) RollbackTarget(ctx context.Context, deviceID string) (Asset, error) {
	record, ok := b.Get(deviceID)
	if !ok {
		return Asset{}, &RollbackUnavailableError{DeviceID: deviceID, Reason: "no backup recorded"}
	}
	rel, err := b.resolver.VerifyVersion(ctx, record.PreviousVersion)
	if err != nil {
		return Asset{}, &RollbackUnavailableError{
			DeviceID: deviceID,
			Reason:   fmt.Sprintf("version %s not resolvable: %v", record.PreviousVersion, err),
		}
	}
	asset, ok := AssetFor(rel, record.Platform)
	if !ok {
		return Asset{}, &RollbackUnavailableError{
			DeviceID: deviceID,
			Reason:   fmt.Sprintf("release %s has no %s image", rel.Tag, record.Platform),
		}
	}
	return asset, nil
}

// IsRollbackAvailable answers with a fresh registry check.
func (b *BackupManager) IsRollbackAvailable(ctx context.Context, deviceID string) bool {
	_, err := b.RollbackTarget(ctx, deviceID)
	return err == nil
}

// CachedAvailability is the cheaper variant used for listings: it accepts a
// recently cached release for the backup version.
func (b *BackupManager) CachedAvailability(ctx context.Context, deviceID string) bool {
	record, ok := b.Get(deviceID)
	if !ok {
		return false
	}
	rel, err := b.resolver.ByVersion(ctx, record.PreviousVersion)
	if err != nil {
		return false
	}
	_, ok = AssetFor(rel, record.Platform)
	return ok
}
