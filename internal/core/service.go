package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/openbk-ota/internal/utils"
	"github.com/sirupsen/logrus"
)

// ServiceConfig holds the loop settings of the service.
type ServiceConfig struct {
	PollInterval    time.Duration
	SweepInterval   time.Duration
	AutoInstall     bool
	ShutdownTimeout time.Duration
}

// Service wires the bus, registry, resolver and orchestrator together and
// exposes the operations used by the API and CLI.
type Service struct {
	cfg          ServiceConfig
	bridge       *Bridge
	orchestrator *Orchestrator
	registry     *DeviceRegistry
	resolver     *Resolver
	backups      *BackupManager
	firmware     *FirmwareServer
	journal      SessionJournal
	logger       *logrus.Logger
}

func NewService(cfg ServiceConfig, bridge *Bridge, orchestrator *Orchestrator) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Service{
		cfg:          cfg,
		bridge:       bridge,
		orchestrator: orchestrator,
		registry:     orchestrator.Registry,
		resolver:     orchestrator.Resolver,
		backups:      orchestrator.Backups,
		firmware:     orchestrator.Firmware,
		journal:      orchestrator.Journal,
		logger:       orchestrator.Logger,
	}
}

// Start restores persisted state. It must run before Run.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	if err := s.backups.Load(ctx); err != nil {
		return err
	}
	if s.journal != nil {
		sessions, err := s.journal.Replay()
		if err != nil {
			return fmt.Errorf("failed to replay session journal: %w", err)
		}
		if n := s.backups.Restore(ctx, sessions); n > 0 {
			s.logger.WithField("restored", n).Info("Restored backup pointers from journal")
		}
	}
	if err := s.firmware.PurgeOrphans(); err != nil {
		s.logger.WithError(err).Warn("Failed to purge orphaned firmware")
	}
	return nil
}

// Run consumes announcements and polls the registry until ctx is cancelled,
// then fails in-flight sessions with reason "shutdown".
func (s *Service) Run(ctx context.Context) error {
	announcements, err := s.bridge.Announcements(ctx)
	if err != nil {
		return err
	}

	go s.firmware.Run(ctx, s.cfg.SweepInterval)
	go s.pollLoop(ctx)

	var runErr error
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case ann, ok := <-announcements:
			if !ok {
				if ctx.Err() == nil {
					runErr = errors.New("announcement subscription closed")
				}
				done = true
				continue
			}
			s.HandleAnnouncement(ctx, ann)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.orchestrator.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Sessions did not stop in time")
	}
	return runErr
}

func (s *Service) pollLoop(ctx context.Context) {
	s.poll(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Service) poll(ctx context.Context) {
	if _, err := s.CheckNow(ctx); err != nil && !IsStale(err) {
		s.logger.WithError(err).Warn("Release check failed")
	}
}

// HandleAnnouncement records the device and wakes its waiting session.
func (s *Service) HandleAnnouncement(ctx context.Context, ann Announcement) {
	s.registry.OnAnnouncement(ctx, ann)
	s.orchestrator.Deliver(ann)
}

// HandleBusDisconnect fails every in-flight session; their commands or
// acknowledgements may have been lost with the connection.
func (s *Service) HandleBusDisconnect(err error) {
	if n := s.orchestrator.FailAll(ReasonBusDisconnected); n > 0 {
		s.logger.WithError(err).WithField("sessions", n).Warn("Bus connection lost, failing in-flight sessions")
	}
}

// CheckNow forces a registry fetch, reports devices with a newer build and,
// when enabled, starts installs for them.
func (s *Service) CheckNow(ctx context.Context) (ReleaseSummary, error) {
	rel, err := s.resolver.Refresh(ctx)
	if rel == nil {
		return ReleaseSummary{}, err
	}

	for _, d := range s.registry.List() {
		asset, ok := AssetFor(rel, d.Platform)
		if !ok || utils.CompareVersions(asset.Version, d.InstalledVersion) <= 0 {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"device_id": d.ID,
			"installed": d.InstalledVersion,
			"available": asset.Version,
		}).Info("Firmware update available")

		if !s.cfg.AutoInstall || s.registry.IsStale(d) {
			continue
		}
		if _, err := s.orchestrator.RequestInstall(ctx, d.ID, "latest"); err != nil && !errors.Is(err, ErrUpdateInProgress) {
			s.logger.WithError(err).WithField("device_id", d.ID).Warn("Automatic install not started")
		}
	}
	return SummarizeRelease(rel, err), err
}

// LatestRelease returns the cached latest release, fetching when needed.
func (s *Service) LatestRelease(ctx context.Context) (ReleaseSummary, error) {
	rel, err := s.resolver.Latest(ctx)
	if rel == nil {
		return ReleaseSummary{}, err
	}
	return SummarizeRelease(rel, err), nil
}

// SummarizeRelease is the operator view of rel. err marks it stale.
func SummarizeRelease(rel *Release, err error) ReleaseSummary {
	summary := ReleaseSummary{
		Tag:         rel.Tag,
		Name:        rel.Name,
		URL:         rel.HTMLURL,
		PublishedAt: rel.PublishedAt,
		Changes:     ChangesExcerpt(rel.Body),
		Stale:       IsStale(err),
	}
	for _, p := range SupportedPlatforms {
		if a, ok := AssetFor(rel, p); ok {
			summary.Assets = append(summary.Assets, AssetSummary{
				Platform: a.Platform,
				Version:  a.Version,
				Filename: a.Filename,
				Size:     a.Size,
			})
		}
	}
	return summary
}

func (s *Service) RequestInstall(ctx context.Context, deviceID, version string) (SessionStatus, error) {
	return s.orchestrator.RequestInstall(ctx, deviceID, version)
}

func (s *Service) RequestRollback(ctx context.Context, deviceID string) (SessionStatus, error) {
	return s.orchestrator.RequestRollback(ctx, deviceID)
}

// GetSessionState returns the current or last session of a device.
func (s *Service) GetSessionState(deviceID string) (SessionStatus, error) {
	if _, ok := s.registry.Get(deviceID); !ok {
		return SessionStatus{}, ErrDeviceNotFound
	}
	status, ok := s.orchestrator.Status(deviceID)
	if !ok {
		return SessionStatus{}, ErrSessionNotFound
	}
	return status, nil
}

func (s *Service) SessionHistory(ctx context.Context, deviceID string, limit int) ([]*UpdateSession, error) {
	if _, ok := s.registry.Get(deviceID); !ok {
		return nil, ErrDeviceNotFound
	}
	return s.orchestrator.History(ctx, deviceID, limit)
}

func (s *Service) ActiveSessions() []SessionStatus {
	return s.orchestrator.ActiveSessions()
}

// GetDeviceSnapshot reports a device with update and backup availability.
func (s *Service) GetDeviceSnapshot(ctx context.Context, deviceID string) (DeviceSnapshot, error) {
	d, ok := s.registry.Get(deviceID)
	if !ok {
		return DeviceSnapshot{}, ErrDeviceNotFound
	}
	latest, _ := s.resolver.Latest(ctx)
	return s.snapshot(ctx, d, latest), nil
}

// ListDevices returns snapshots of all devices in first-seen order.
func (s *Service) ListDevices(ctx context.Context) []DeviceSnapshot {
	latest, _ := s.resolver.Latest(ctx)
	devices := s.registry.List()
	snapshots := make([]DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		snapshots = append(snapshots, s.snapshot(ctx, d, latest))
	}
	return snapshots
}

func (s *Service) snapshot(ctx context.Context, d Device, latest *Release) DeviceSnapshot {
	snap := DeviceSnapshot{
		Device: d,
		Stale:  s.registry.IsStale(d),
	}
	if asset, ok := AssetFor(latest, d.Platform); ok {
		snap.LatestVersion = asset.Version
		snap.UpdateAvailable = utils.CompareVersions(asset.Version, d.InstalledVersion) > 0
	}
	if record, ok := s.backups.Get(d.ID); ok {
		snap.BackupVersion = record.PreviousVersion
		snap.BackupAvailable = s.backups.CachedAvailability(ctx, d.ID)
	}
	if status, ok := s.orchestrator.Status(d.ID); ok {
		snap.Session = &status
	}
	return snap
}

// StagedFirmware resolves a served filename to a staged blob.
func (s *Service) StagedFirmware(filename string) (StagedFile, error) {
	f, ok := s.firmware.Lookup(filename)
	if !ok {
		return StagedFile{}, ErrBlobNotStaged
	}
	return f, nil
}
