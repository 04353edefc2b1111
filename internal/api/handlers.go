package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/openbk-ota/internal/core"
	"github.com/gin-gonic/gin"
)

// OTAService is the part of core.Service the HTTP API needs.
type OTAService interface {
	ListDevices(ctx context.Context) []core.DeviceSnapshot
	GetDeviceSnapshot(ctx context.Context, deviceID string) (core.DeviceSnapshot, error)
	RequestInstall(ctx context.Context, deviceID, version string) (core.SessionStatus, error)
	RequestRollback(ctx context.Context, deviceID string) (core.SessionStatus, error)
	GetSessionState(deviceID string) (core.SessionStatus, error)
	SessionHistory(ctx context.Context, deviceID string, limit int) ([]*core.UpdateSession, error)
	ActiveSessions() []core.SessionStatus
	LatestRelease(ctx context.Context) (core.ReleaseSummary, error)
	CheckNow(ctx context.Context) (core.ReleaseSummary, error)
	StagedFirmware(filename string) (core.StagedFile, error)
}

// HealthCheck is a named dependency check reported by /health.
type HealthCheck struct {
	Name  string
	Check func() error
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	service OTAService
	checks  []HealthCheck
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(service OTAService, checks ...HealthCheck) *APIHandlers {
	return &APIHandlers{service: service, checks: checks}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	components := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(); err != nil {
			components[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[check.Name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"timestamp":  time.Now(),
		"service":    "openbk-ota",
		"components": components,
	})
}

// --- Device Endpoints ---

// ListDevices returns every known device with update and backup state.
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices := h.service.ListDevices(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

func (h *APIHandlers) GetDevice(c *gin.Context) {
	snapshot, err := h.service.GetDeviceSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type installRequest struct {
	Version string `json:"version"`
}

// InstallFirmware starts an install. An empty body installs the latest
// release.
func (h *APIHandlers) InstallFirmware(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(&requestError{msg: "invalid request format: " + err.Error()})
		return
	}

	status, err := h.service.RequestInstall(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

func (h *APIHandlers) RollbackFirmware(c *gin.Context) {
	status, err := h.service.RequestRollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

// GetSession returns the current or last session of a device.
func (h *APIHandlers) GetSession(c *gin.Context) {
	status, err := h.service.GetSessionState(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandlers) ListDeviceSessions(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.Error(&requestError{msg: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	sessions, err := h.service.SessionHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *APIHandlers) ListActiveSessions(c *gin.Context) {
	sessions := h.service.ActiveSessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// --- Release Endpoints ---

func (h *APIHandlers) GetLatestRelease(c *gin.Context) {
	summary, err := h.service.LatestRelease(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CheckReleases forces a registry fetch. A registry failure with a cached
// release still answers 200 with "stale": true.
func (h *APIHandlers) CheckReleases(c *gin.Context) {
	summary, err := h.service.CheckNow(c.Request.Context())
	if err != nil && summary.Tag == "" {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// --- Firmware Endpoint ---

// ServeFirmware streams a staged image to a device.
func (h *APIHandlers) ServeFirmware(c *gin.Context) {
	f, err := h.service.StagedFirmware(c.Param("filename"))
	if err != nil {
		c.Error(err)
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Digest", "blake3="+f.Digest)
	c.File(f.Path)
}
