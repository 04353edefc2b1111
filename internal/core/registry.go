package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DeviceRegistry tracks every device that has announced itself. Devices are
// never removed; staleness is derived from last_seen at read time.
type DeviceRegistry struct {
	mu         sync.RWMutex
	devices    map[string]*Device
	order      []string
	store      DataStore
	staleAfter time.Duration
	logger     *logrus.Logger
	now        func() time.Time
}

func NewDeviceRegistry(store DataStore, staleAfter time.Duration, logger *logrus.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices:    make(map[string]*Device),
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Load restores persisted devices in first-seen order.
func (r *DeviceRegistry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		if _, ok := r.devices[d.ID]; ok {
			continue
		}
		r.devices[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	r.logger.WithField("devices", len(devices)).Info("Device registry loaded")
	return nil
}

// OnAnnouncement creates or updates the announcing device. The bool is true
// when the device was not known before.
func (r *DeviceRegistry) OnAnnouncement(ctx context.Context, ann Announcement) (Device, bool) {
	seen := ann.ReceivedAt
	if seen.IsZero() {
		seen = r.now()
	}

	r.mu.Lock()
	d, exists := r.devices[ann.DeviceID]
	if !exists {
		d = &Device{ID: ann.DeviceID, FirstSeen: seen}
		r.devices[ann.DeviceID] = d
		r.order = append(r.order, ann.DeviceID)
	}
	d.Platform = ann.Platform
	d.InstalledVersion = ann.Version
	d.BuildDate = ann.BuildDate
	d.LastSeen = seen
	snapshot := *d
	r.mu.Unlock()

	r.persist(ctx, &snapshot)

	if !exists {
		r.logger.WithFields(logrus.Fields{
			"device_id": snapshot.ID,
			"platform":  snapshot.Platform,
			"version":   snapshot.InstalledVersion,
		}).Info("Discovered device")
	}
	return snapshot, !exists
}

// SetInstalledVersion records a version confirmed by an update session.
func (r *DeviceRegistry) SetInstalledVersion(ctx context.Context, deviceID, version string) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	d.InstalledVersion = version
	snapshot := *d
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	return nil
}

func (r *DeviceRegistry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns all devices in the order they were first seen.
func (r *DeviceRegistry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, *r.devices[id])
	}
	return devices
}

// IsStale reports whether the device has been silent longer than the
// configured window. A zero window disables staleness.
func (r *DeviceRegistry) IsStale(d Device) bool {
	if r.staleAfter <= 0 {
		return false
	}
	return r.now().Sub(d.LastSeen) > r.staleAfter
}

func (r *DeviceRegistry) persist(ctx context.Context, d *Device) {
	if err := r.store.SaveDevice(ctx, d); err != nil {
		r.logger.WithError(err).WithField("device_id", d.ID).Error("Failed to persist device")
	}
}
