package core

import (
	"errors"
	"fmt"
	"time"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	// Device errors
	ErrDeviceNotFound      = BusinessError{"DEVICE_001", "device not found"}
	ErrUnsupportedPlatform = BusinessError{"DEVICE_002", "unsupported platform"}
	ErrInvalidDeviceID     = BusinessError{"DEVICE_003", "invalid device id"}

	// Release errors
	ErrReleaseNotFound = BusinessError{"RELEASE_001", "release not found"}
	ErrInvalidVersion  = BusinessError{"RELEASE_002", "invalid firmware version"}

	// OTA errors
	ErrUpdateInProgress = BusinessError{"OTA_001", "update already in progress"}
	ErrAlreadyInstalled = BusinessError{"OTA_002", "target version already installed"}
	ErrSessionNotFound  = BusinessError{"OTA_003", "no update session for device"}

	// Firmware server errors
	ErrBlobNotStaged = BusinessError{"FIRMWARE_001", "firmware not staged"}
)

// DiscoveryParseError is returned for announcements that do not follow the
// OpenBK build grammar. They are logged and dropped.
type DiscoveryParseError struct {
	Topic   string
	Payload string
	Reason  string
	Err     error
}

func (e *DiscoveryParseError) Error() string {
	return fmt.Sprintf("invalid announcement on %q (%s): %q", e.Topic, e.Reason, e.Payload)
}

func (e *DiscoveryParseError) Unwrap() error { return e.Err }

// RegistryFetchError wraps a failed registry call. Stale is set when the
// caller still received the last good release alongside the error.
type RegistryFetchError struct {
	StatusCode  int
	RateLimited bool
	ResetAt     time.Time
	Stale       bool
	Err         error
}

func (e *RegistryFetchError) Error() string {
	msg := "registry fetch failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.RateLimited {
		msg += " (rate limited"
		if !e.ResetAt.IsZero() {
			msg += " until " + e.ResetAt.UTC().Format(time.RFC3339)
		}
		msg += ")"
	}
	if e.Stale {
		msg += ", serving cached release"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryFetchError) Unwrap() error { return e.Err }

// IsStale reports whether err is a soft registry error that came with a
// cached release.
func IsStale(err error) bool {
	var fetchErr *RegistryFetchError
	return errors.As(err, &fetchErr) && fetchErr.Stale
}

// AssetNotFoundError means the release has no OTA image for the platform.
type AssetNotFoundError struct {
	Platform Platform
	Release  string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("release %s has no OTA image for %s", e.Release, e.Platform)
}

// DownloadError covers failed or truncated firmware downloads.
type DownloadError struct {
	Filename string
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Filename, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// DeviceTimeoutError is recorded when a device never re-announced the target.
type DeviceTimeoutError struct {
	DeviceID string
	Version  string
	Waited   time.Duration
}

func (e *DeviceTimeoutError) Error() string {
	return fmt.Sprintf("device %s did not report version %s within %s", e.DeviceID, e.Version, e.Waited)
}

// RollbackUnavailableError is returned when there is no usable backup.
type RollbackUnavailableError struct {
	DeviceID string
	Reason   string
}

func (e *RollbackUnavailableError) Error() string {
	return fmt.Sprintf("rollback unavailable for %s: %s", e.DeviceID, e.Reason)
}
