package core

import (
	"strings"
	"time"
)

// Platform is a supported Beken chip family.
type Platform string

const (
	PlatformBK7231T Platform = "BK7231T"
	PlatformBK7231N Platform = "BK7231N"
	PlatformBK7231M Platform = "BK7231M"
	PlatformBK7231U Platform = "BK7231U"
	PlatformBK7238  Platform = "BK7238"
)

// SupportedPlatforms lists every platform the orchestrator can update.
var SupportedPlatforms = []Platform{
	PlatformBK7231T,
	PlatformBK7231N,
	PlatformBK7231M,
	PlatformBK7231U,
	PlatformBK7238,
}

// ParsePlatform returns the platform for a chip name such as "BK7231N".
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToUpper(strings.TrimSpace(s)))
	for _, supported := range SupportedPlatforms {
		if p == supported {
			return p, true
		}
	}
	return "", false
}

// FirmwarePrefix is the name prefix of build artifacts, e.g. "OpenBK7231N".
func (p Platform) FirmwarePrefix() string {
	return "Open" + string(p)
}

// Device is an OpenBK device known from its build announcements.
type Device struct {
	ID               string     `json:"device_id" gorm:"primaryKey"`
	Platform         Platform   `json:"platform" gorm:"not null"`
	InstalledVersion string     `json:"installed_version"`
	BuildDate        *time.Time `json:"build_date,omitempty"`
	FirstSeen        time.Time  `json:"first_seen" gorm:"index;not null"`
	LastSeen         time.Time  `json:"last_seen" gorm:"not null"`
}

// Asset is one per-platform OTA image attached to a release.
type Asset struct {
	Platform    Platform  `json:"platform"`
	Version     string    `json:"version"`
	Filename    string    `json:"filename"`
	DownloadURL string    `json:"download_url"`
	Size        int64     `json:"size"`
	PublishedAt time.Time `json:"published_at"`
	ReleaseTag  string    `json:"release_tag"`
}

// Release is an immutable snapshot of a registry release.
type Release struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// SessionKind distinguishes forward installs from rollbacks.
type SessionKind string

const (
	SessionInstall  SessionKind = "install"
	SessionRollback SessionKind = "rollback"
)

// SessionState is a step of the per-device update state machine.
type SessionState string

const (
	StateIdle              SessionState = "idle"
	StateBackingUp         SessionState = "backing_up"
	StateRollingBack       SessionState = "rolling_back"
	StateDownloading       SessionState = "downloading"
	StateServing           SessionState = "serving"
	StateAwaitingDeviceAck SessionState = "awaiting_device_ack"
	StateFinalizing        SessionState = "finalizing"
	StateCompleted         SessionState = "completed"
	StateFailed            SessionState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Failure reasons recorded on failed sessions.
const (
	ReasonDownloadError   = "download_error"
	ReasonStorageError    = "storage_error"
	ReasonBusError        = "bus_error"
	ReasonBusDisconnected = "bus_disconnected"
	ReasonTimeout         = "timeout"
	ReasonShutdown        = "shutdown"
)

// UpdateSession is one install or rollback attempt for a single device.
type UpdateSession struct {
	ID              string       `json:"id" gorm:"primaryKey"`
	DeviceID        string       `json:"device_id" gorm:"index;not null"`
	Kind            SessionKind  `json:"kind" gorm:"not null"`
	TargetVersion   string       `json:"target_version" gorm:"not null"`
	Asset           Asset        `json:"asset" gorm:"embedded;embeddedPrefix:asset_"`
	State           SessionState `json:"state" gorm:"index;not null"`
	PreviousVersion string       `json:"previous_version"`
	BackupAvailable bool         `json:"backup_available"`
	StagedURL       string       `json:"staged_url"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	FailureDetail   string       `json:"failure_detail,omitempty"`
	StartedAt       time.Time    `json:"started_at" gorm:"index;not null"`
	TransitionedAt  time.Time    `json:"transitioned_at"`
	CommandedAt     *time.Time   `json:"commanded_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// BackupRecord points at the firmware a device ran before its last
// successful install.
type BackupRecord struct {
	DeviceID        string    `json:"device_id" gorm:"primaryKey"`
	Platform        Platform  `json:"platform" gorm:"not null"`
	PreviousVersion string    `json:"previous_version" gorm:"not null"`
	RecordedAt      time.Time `json:"recorded_at" gorm:"not null"`
}

// TableName overrides for GORM
func (Device) TableName() string        { return "openbk_devices" }
func (UpdateSession) TableName() string { return "openbk_update_sessions" }
func (BackupRecord) TableName() string  { return "openbk_backups" }

// SessionStatus is the read model of a session exposed to collaborators.
type SessionStatus struct {
	ID              string       `json:"id"`
	DeviceID        string       `json:"device_id"`
	Kind            SessionKind  `json:"kind"`
	State           SessionState `json:"state"`
	TargetVersion   string       `json:"target_version"`
	Progress        int          `json:"progress"`
	PreviousVersion string       `json:"previous_version,omitempty"`
	BackupAvailable bool         `json:"backup_available"`
	StagedURL       string       `json:"staged_url,omitempty"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	FailureDetail   string       `json:"failure_detail,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// DeviceSnapshot combines registry, release and backup views of a device.
type DeviceSnapshot struct {
	Device
	Stale           bool           `json:"stale"`
	LatestVersion   string         `json:"latest_version,omitempty"`
	UpdateAvailable bool           `json:"update_available"`
	BackupVersion   string         `json:"backup_version,omitempty"`
	BackupAvailable bool           `json:"backup_available"`
	Session         *SessionStatus `json:"session,omitempty"`
}

// AssetSummary is the per-platform part of a release summary.
type AssetSummary struct {
	Platform Platform `json:"platform"`
	Version  string   `json:"version"`
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
}

// ReleaseSummary describes the latest release as shown to operators.
type ReleaseSummary struct {
	Tag         string         `json:"tag"`
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	PublishedAt time.Time      `json:"published_at"`
	Changes     string         `json:"changes"`
	Assets      []AssetSummary `json:"assets"`
	Stale       bool           `json:"stale"`
}
