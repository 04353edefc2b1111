package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataStore persists devices, backup pointers and archived sessions.
type DataStore interface {
	SaveDevice(ctx context.Context, device *Device) error
	ListDevices(ctx context.Context) ([]*Device, error)

	SaveBackup(ctx context.Context, record *BackupRecord) error
	GetBackup(ctx context.Context, deviceID string) (*BackupRecord, error)
	ListBackups(ctx context.Context) ([]*BackupRecord, error)

	SaveSession(ctx context.Context, session *UpdateSession) error
	ListDeviceSessions(ctx context.Context, deviceID string, limit int) ([]*UpdateSession, error)
}

// Models lists every table the data store needs.
func Models() []interface{} {
	return []interface{}{
		&Device{},
		&BackupRecord{},
		&UpdateSession{},
	}
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore returns a DataStore backed by gorm.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (s *dataStore) SaveDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"platform", "installed_version", "build_date", "last_seen"}),
	}).Create(d).Error
}

func (s *dataStore) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	err := s.db.WithContext(ctx).Order("first_seen ASC, id ASC").Find(&devices).Error
	return devices, err
}

func (s *dataStore) SaveBackup(ctx context.Context, r *BackupRecord) error {
	return s.db.WithContext(ctx).Save(r).Error
}

func (s *dataStore) GetBackup(ctx context.Context, deviceID string) (*BackupRecord, error) {
	var r BackupRecord
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *dataStore) ListBackups(ctx context.Context) ([]*BackupRecord, error) {
	var records []*BackupRecord
	return records, s.db.WithContext(ctx).Find(&records).Error
}

func (s *dataStore) SaveSession(ctx context.Context, session *UpdateSession) error {
	return s.db.WithContext(ctx).Save(session).Error
}

func (s *dataStore) ListDeviceSessions(ctx context.Context, deviceID string, limit int) ([]*UpdateSession, error) {
	var sessions []*UpdateSession
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return sessions, q.Find(&sessions).Error
}

// memoryStore keeps everything in process memory. It is used when no
// database is configured.
type memoryStore struct {
	mu       sync.RWMutex
	devices  map[string]Device
	backups  map[string]BackupRecord
	sessions map[string][]UpdateSession
}

// NewMemoryStore returns a DataStore that does not survive restarts.
func NewMemoryStore() DataStore {
	return &memoryStore{
		devices:  make(map[string]Device),
		backups:  make(map[string]BackupRecord),
		sessions: make(map[string][]UpdateSession),
	}
}

func (m *memoryStore) SaveDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.devices[d.ID]; ok {
		d.FirstSeen = existing.FirstSeen
	}
	m.devices[d.ID] = *d
	return nil
}

func (m *memoryStore) ListDevices(_ context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		d := d
		devices = append(devices, &d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].FirstSeen.Equal(devices[j].FirstSeen) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].FirstSeen.Before(devices[j].FirstSeen)
	})
	return devices, nil
}

func (m *memoryStore) SaveBackup(_ context.Context, r *BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[r.DeviceID] = *r
	return nil
}

func (m *memoryStore) GetBackup(_ context.Context, deviceID string) (*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.backups[deviceID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memoryStore) ListBackups(_ context.Context) ([]*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]*BackupRecord, 0, len(m.backups))
	for _, r := range m.backups {
		r := r
		records = append(records, &r)
	}
	return records, nil
}

func (m *memoryStore) SaveSession(_ context.Context, session *UpdateSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.sessions[session.DeviceID]
	for i := range history {
		if history[i].ID == session.ID {
			history[i] = *session
			return nil
		}
	}
	m.sessions[session.DeviceID] = append(history, *session)
	return nil
}

func (m *memoryStore) ListDeviceSessions(_ context.Context, deviceID string, limit int) ([]*UpdateSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.sessions[deviceID]
	sessions := make([]*UpdateSession, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		s := history[i]
		sessions = append(sessions, &s)
		if limit > 0 && len(sessions) == limit {
			break
		}
	}
	return sessions, nil
}
