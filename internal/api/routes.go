package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouteConfig holds settings that shape the route table.
type RouteConfig struct {
	FirmwarePath string
	APIToken     string
	RateLimit    int
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, cfg RouteConfig, logger *logrus.Logger) {
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	router.GET("/health", handlers.HealthCheck)

	// Devices fetch images without credentials.
	firmwarePath := "/" + strings.Trim(cfg.FirmwarePath, "/")
	if firmwarePath == "/" {
		firmwarePath = "/api/openbk_firmware"
	}
	router.GET(firmwarePath+"/:filename", handlers.ServeFirmware)
	router.HEAD(firmwarePath+"/:filename", handlers.ServeFirmware)

	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(cfg.RateLimit))
	v1.Use(BearerToken(cfg.APIToken))
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", handlers.ListDevices)
			devices.GET("/:id", handlers.GetDevice)
			devices.POST("/:id/install", handlers.InstallFirmware)
			devices.POST("/:id/rollback", handlers.RollbackFirmware)
			devices.GET("/:id/session", handlers.GetSession)
			devices.GET("/:id/sessions", handlers.ListDeviceSessions)
		}

		releases := v1.Group("/releases")
		{
			releases.GET("/latest", handlers.GetLatestRelease)
			releases.POST("/check", handlers.CheckReleases)
		}

		v1.GET("/sessions", handlers.ListActiveSessions)
	}
}
