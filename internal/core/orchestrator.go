package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/openbk-ota/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Downloader fetches an asset's bytes, reporting progress as it goes.
type Downloader interface {
	Download(ctx context.Context, asset Asset, progress func(done, total int64)) ([]byte, error)
}

// CommandSender delivers the OTA URL to a device.
type CommandSender interface {
	SendOTA(ctx context.Context, deviceID, url string) error
}

// SessionJournal is an append-only record of finished sessions.
type SessionJournal interface {
	Append(session *UpdateSession) error
	Replay() ([]UpdateSession, error)
}

// EventPublisher forwards session events to an external queue.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

type OrchestratorConfig struct {
	AckTimeout       time.Duration
	ExpectedDuration time.Duration
}

// OrchestratorDeps are the collaborators of the orchestrator. Journal and
// Events are optional.
type OrchestratorDeps struct {
	Registry   *DeviceRegistry
	Resolver   *Resolver
	Backups    *BackupManager
	Firmware   *FirmwareServer
	Downloader Downloader
	Sender     CommandSender
	Store      DataStore
	Journal    SessionJournal
	Events     EventPublisher
	Logger     *logrus.Logger
}

// abortCause is attached to a session context to say why it was cancelled.
type abortCause struct {
	reason string
}

func (a *abortCause) Error() string { return "session aborted: " + a.reason }

type sessionRun struct {
	data       UpdateSession
	downloaded int64
	total      int64
	acks       chan Announcement
	cancel     context.CancelCauseFunc
}

// Orchestrator runs at most one update session per device. Each session is
// a goroutine walking the state machine; the device's re-announcement of
// the target version is the only completion signal.
type Orchestrator struct {
	cfg OrchestratorConfig
	OrchestratorDeps

	mu     sync.Mutex
	active map[string]*sessionRun
	last   map[string]UpdateSession

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 20 * time.Minute
	}
	if cfg.ExpectedDuration <= 0 {
		cfg.ExpectedDuration = 3 * time.Minute
	}
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		cfg:              cfg,
		OrchestratorDeps: deps,
		active:           make(map[string]*sessionRun),
		last:             make(map[string]UpdateSession),
		baseCtx:          baseCtx,
		stop:             stop,
		now:              time.Now,
	}
}

// RequestInstall starts an install of version ("" or "latest" for the newest
// release) on deviceID. Requests that cannot proceed are rejected before
// any state is created.
func (o *Orchestrator) RequestInstall(ctx context.Context, deviceID, version string) (SessionStatus, error) {
	dev, ok := o.Registry.Get(deviceID)
	if !ok {
		return SessionStatus{}, ErrDeviceNotFound
	}
	if o.hasActive(deviceID) {
		return SessionStatus{}, ErrUpdateInProgress
	}

	rel, err := o.resolveTarget(ctx, version)
	if rel == nil {
		return SessionStatus{}, err
	}
	if err != nil {
		o.Logger.WithError(err).WithField("device_id", deviceID).Warn("Installing from cached release")
	}

	asset, ok := AssetFor(rel, dev.Platform)
	if !ok {
		return SessionStatus{}, &AssetNotFoundError{Platform: dev.Platform, Release: rel.Tag}
	}
	if utils.CompareVersions(asset.Version, dev.InstalledVersion) == 0 {
		return SessionStatus{}, ErrAlreadyInstalled
	}
	return o.start(dev, SessionInstall, asset)
}

// RequestRollback reinstalls the device's backup version after checking the
// registry still offers it.
func (o *Orchestrator) RequestRollback(ctx context.Context, deviceID string) (SessionStatus, error) {
	dev, ok := o.Registry.Get(deviceID)
	if !ok {
		return SessionStatus{}, ErrDeviceNotFound
	}
	if o.hasActive(deviceID) {
		return SessionStatus{}, ErrUpdateInProgress
	}

	asset, err := o.Backups.RollbackTarget(ctx, deviceID)
	if err != nil {
		return SessionStatus{}, err
	}
	if utils.CompareVersions(asset.Version, dev.InstalledVersion) == 0 {
		return SessionStatus{}, ErrAlreadyInstalled
	}
	return o.start(dev, SessionRollback, asset)
}

func (o *Orchestrator) resolveTarget(ctx context.Context, version string) (*Release, error) {
	if version == "" || version == "latest" {
		return o.Resolver.Latest(ctx)
	}
	if err := utils.ValidateVersion(version); err != nil {
		return nil, ErrInvalidVersion
	}
	return o.Resolver.ByVersion(ctx, version)
}

func (o *Orchestrator) start(dev Device, kind SessionKind, asset Asset) (SessionStatus, error) {
	now := o.now()
	state := StateIdle
	if kind == SessionRollback {
		state = StateRollingBack
	}
	run := &sessionRun{
		data: UpdateSession{
			ID:              uuid.New().String(),
			DeviceID:        dev.ID,
			Kind:            kind,
			TargetVersion:   asset.Version,
			Asset:           asset,
			State:           state,
			PreviousVersion: dev.InstalledVersion,
			StartedAt:       now,
			TransitionedAt:  now,
		},
		acks: make(chan Announcement, 16),
	}

	o.mu.Lock()
	if err := context.Cause(o.baseCtx); err != nil {
		o.mu.Unlock()
		return SessionStatus{}, fmt.Errorf("orchestrator stopped: %w", err)
	}
	if _, busy := o.active[dev.ID]; busy {
		o.mu.Unlock()
		return SessionStatus{}, ErrUpdateInProgress
	}
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	run.cancel = cancel
	o.active[dev.ID] = run
	status := toStatus(run.data, 0)
	o.wg.Add(1)
	o.mu.Unlock()

	o.Logger.WithFields(logrus.Fields{
		"session_id": run.data.ID,
		"device_id":  dev.ID,
		"kind":       kind,
		"from":       dev.InstalledVersion,
		"to":         asset.Version,
	}).Info("Update session started")
	o.publish(run.data)

	go o.run(ctx, run, dev)
	return status, nil
}

func (o *Orchestrator) run(ctx context.Context, s *sessionRun, dev Device) {
	defer o.wg.Done()
	defer s.cancel(nil)

	o.mu.Lock()
	kind, asset := s.data.Kind, s.data.Asset
	o.mu.Unlock()

	if kind == SessionInstall {
		o.transition(s, StateBackingUp, nil)
		available := false
		if dev.InstalledVersion != "" {
			rel, err := o.Resolver.ByVersion(ctx, dev.InstalledVersion)
			if err == nil {
				_, available = AssetFor(rel, dev.Platform)
			} else {
				o.Logger.WithError(err).WithField("device_id", dev.ID).Debug("Current version not resolvable for backup")
			}
		}
		o.update(s, func(d *UpdateSession) { d.BackupAvailable = available })
		if ctx.Err() != nil {
			o.abort(ctx, s)
			return
		}
	}

	o.transition(s, StateDownloading, nil)
	url, staged := o.Firmware.Acquire(dev.ID, asset)
	if !staged {
		data, err := o.Downloader.Download(ctx, asset, func(done, total int64) {
			o.mu.Lock()
			s.downloaded, s.total = done, total
			o.mu.Unlock()
		})
		if err != nil {
			if ctx.Err() != nil {
				o.abort(ctx, s)
				return
			}
			o.fail(s, ReasonDownloadError, err)
			return
		}
		o.transition(s, StateServing, nil)
		url, err = o.Firmware.Stage(dev.ID, asset, data)
		if err != nil {
			o.fail(s, ReasonStorageError, err)
			return
		}
	} else {
		o.transition(s, StateServing, nil)
	}
	o.update(s, func(d *UpdateSession) { d.StagedURL = url })
	if ctx.Err() != nil {
		o.abort(ctx, s)
		return
	}

	if err := o.Sender.SendOTA(ctx, dev.ID, url); err != nil {
		if ctx.Err() != nil {
			o.abort(ctx, s)
			return
		}
		o.fail(s, ReasonBusError, err)
		return
	}
	commanded := o.now()
	o.transition(s, StateAwaitingDeviceAck, func(d *UpdateSession) { d.CommandedAt = &commanded })

	timer := time.NewTimer(o.cfg.AckTimeout)
	defer timer.Stop()
	for acked := false; !acked; {
		select {
		case ann := <-s.acks:
			if utils.CompareVersions(ann.Version, asset.Version) == 0 {
				acked = true
				continue
			}
			o.Logger.WithFields(logrus.Fields{
				"device_id": dev.ID,
				"reported":  ann.Version,
				"expected":  asset.Version,
			}).Info("Device reported a different version, still waiting")
		case <-timer.C:
			o.fail(s, ReasonTimeout, &DeviceTimeoutError{DeviceID: dev.ID, Version: asset.Version, Waited: o.cfg.AckTimeout})
			return
		case <-ctx.Done():
			o.abort(ctx, s)
			return
		}
	}

	o.finalize(context.WithoutCancel(ctx), s, dev)
}

func (o *Orchestrator) finalize(ctx context.Context, s *sessionRun, dev Device) {
	o.transition(s, StateFinalizing, nil)

	o.mu.Lock()
	kind, target, previous := s.data.Kind, s.data.TargetVersion, s.data.PreviousVersion
	o.mu.Unlock()

	if err := o.Registry.SetInstalledVersion(ctx, dev.ID, target); err != nil {
		o.Logger.WithError(err).WithField("device_id", dev.ID).Error("Failed to record installed version")
	}
	if kind == SessionInstall && previous != "" {
		if err := o.Backups.RecordBackup(ctx, dev.ID, dev.Platform, previous); err != nil {
			o.Logger.WithError(err).WithField("device_id", dev.ID).Error("Failed to record backup pointer")
		}
	}
	o.Firmware.Release(dev.ID)
	o.finish(s, StateCompleted, "", nil)
}

// abort fails a session whose context was cancelled, using the cancel cause
// as the failure reason.
func (o *Orchestrator) abort(ctx context.Context, s *sessionRun) {
	reason := ReasonShutdown
	var cause *abortCause
	if errors.As(context.Cause(ctx), &cause) {
		reason = cause.reason
	}
	o.fail(s, reason, context.Cause(ctx))
}

func (o *Orchestrator) fail(s *sessionRun, reason string, err error) {
	o.mu.Lock()
	deviceID := s.data.DeviceID
	o.mu.Unlock()
	o.Firmware.Release(deviceID)
	o.finish(s, StateFailed, reason, err)
}

func (o *Orchestrator) finish(s *sessionRun, state SessionState, reason string, err error) {
	now := o.now()

	o.mu.Lock()
	from := s.data.State
	s.data.State = state
	s.data.TransitionedAt = now
	s.data.CompletedAt = &now
	s.data.FailureReason = reason
	if err != nil {
		s.data.FailureDetail = err.Error()
	}
	final := s.data
	if o.active[final.DeviceID] == s {
		delete(o.active, final.DeviceID)
	}
	o.last[final.DeviceID] = final
	o.mu.Unlock()

	entry := o.Logger.WithFields(logrus.Fields{
		"session_id": final.ID,
		"device_id":  final.DeviceID,
		"kind":       final.Kind,
		"from":       from,
		"target":     final.TargetVersion,
		"duration":   now.Sub(final.StartedAt).String(),
	})
	if state == StateFailed {
		entry.WithField("reason", reason).WithError(err).Warn("Update session failed")
	} else {
		entry.Info("Update session completed")
	}

	o.archive(final)
}

func (o *Orchestrator) archive(s UpdateSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.Store.SaveSession(ctx, &s); err != nil {
		o.Logger.WithError(err).WithField("session_id", s.ID).Error("Failed to persist session")
	}
	if o.Journal != nil {
		if err := o.Journal.Append(&s); err != nil {
			o.Logger.WithError(err).WithField("session_id", s.ID).Error("Failed to journal session")
		}
	}
	o.publish(s)
}

func (o *Orchestrator) publish(s UpdateSession) {
	if o.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Events.Publish(ctx, SessionEventTopic, NewSessionEvent(s, o.now())); err != nil {
		o.Logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to publish session event")
	}
}

func (o *Orchestrator) transition(s *sessionRun, state SessionState, mutate func(*UpdateSession)) {
	now := o.now()
	o.mu.Lock()
	from := s.data.State
	s.data.State = state
	s.data.TransitionedAt = now
	if mutate != nil {
		mutate(&s.data)
	}
	id, deviceID := s.data.ID, s.data.DeviceID
	o.mu.Unlock()

	if from != state {
		o.Logger.WithFields(logrus.Fields{
			"session_id": id,
			"device_id":  deviceID,
			"from":       from,
			"to":         state,
		}).Debug("Session state changed")
	}
}

func (o *Orchestrator) update(s *sessionRun, mutate func(*UpdateSession)) {
	o.mu.Lock()
	mutate(&s.data)
	o.mu.Unlock()
}

func (o *Orchestrator) hasActive(deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[deviceID]
	return ok
}

// Deliver hands an announcement to the device's waiting session, if any.
func (o *Orchestrator) Deliver(ann Announcement) {
	o.mu.Lock()
	s, ok := o.active[ann.DeviceID]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.acks <- ann:
	default:
		o.Logger.WithField("device_id", ann.DeviceID).Warn("Session announcement buffer full, dropping")
	}
}

// FailAll aborts every in-flight session with reason.
func (o *Orchestrator) FailAll(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.active {
		s.cancel(&abortCause{reason: reason})
	}
	return len(o.active)
}

// Shutdown aborts in-flight sessions and waits for them to be archived.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stop(&abortCause{reason: ReasonShutdown})
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// Status returns the active session for deviceID or, failing that, the last
// finished one.
func (o *Orchestrator) Status(deviceID string) (SessionStatus, bool) {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.active[deviceID]; ok {
		return toStatus(s.data, sessionProgress(s.data, s.downloaded, s.total, now, o.cfg.ExpectedDuration)), true
	}
	if last, ok := o.last[deviceID]; ok {
		return toStatus(last, sessionProgress(last, 0, 0, now, o.cfg.ExpectedDuration)), true
	}
	return SessionStatus{}, false
}

// ActiveSessions lists non-terminal sessions.
func (o *Orchestrator) ActiveSessions() []SessionStatus {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	sessions := make([]SessionStatus, 0, len(o.active))
	for _, s := range o.active {
		sessions = append(sessions, toStatus(s.data, sessionProgress(s.data, s.downloaded, s.total, now, o.cfg.ExpectedDuration)))
	}
	return sessions
}

// History returns archived sessions for deviceID, newest first.
func (o *Orchestrator) History(ctx context.Context, deviceID string, limit int) ([]*UpdateSession, error) {
	return o.Store.ListDeviceSessions(ctx, deviceID, limit)
}
