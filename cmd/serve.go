package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/openbk-ota/config"
	"example.com/backstage/services/openbk-ota/internal/api"
	"example.com/backstage/services/openbk-ota/internal/core"
	"example.com/backstage/services/openbk-ota/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the OTA orchestrator",
	Long:  `Connects to the MQTT bus, tracks announcing devices, polls the release registry and serves the HTTP API and firmware files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing OpenBK OTA service...")

	// --- Infrastructure Setup ---
	store := core.NewMemoryStore()
	if cfg.Database.DSN != "" {
		logger.Info("Connecting to database...")
		db, err := infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(core.Models()...); err != nil {
			return err
		}
		store = core.NewDataStore(db.DB)
	} else {
		logger.Info("No database configured, keeping state in memory")
	}

	var releaseCache core.KeyValueCache
	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		} else {
			defer cache.Close()
			releaseCache = cache
		}
	}

	var events core.EventPublisher
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			events = messaging
		}
	}

	var journal core.SessionJournal
	if cfg.Storage.JournalPath != "" {
		wal, err := infrastructure.NewWAL(cfg.Storage.JournalPath, cfg.Storage.JournalKeepLast)
		if err != nil {
			return fmt.Errorf("session journal: %w", err)
		}
		defer func() {
			if err := wal.Compact(); err != nil {
				logger.WithError(err).Warn("Failed to compact session journal")
			}
			wal.Close()
		}()
		journal = wal
	}

	github := infrastructure.NewGitHubClient(cfg.Registry, cfg.Firmware.MaxFileSize, logger)

	bus, err := infrastructure.NewMQTTBus(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("mqtt setup failed: %w", err)
	}

	// --- Service Layer Setup ---
	resolver := core.NewResolver(github, releaseCache, core.ResolverConfig{
		PollInterval:     cfg.Registry.PollInterval(),
		ErrorBackoff:     cfg.Registry.ErrorBackoff,
		FetchTimeout:     cfg.Registry.RequestTimeout,
		VersionCacheSize: cfg.Registry.VersionCacheSize,
		VersionCacheTTL:  cfg.Registry.VersionCacheTTL,
	}, logger)

	firmware, err := core.NewFirmwareServer(core.FirmwareServerConfig{
		StoragePath: cfg.Firmware.StoragePath,
		BaseURL:     publicBaseURL(cfg.Server),
		PathPrefix:  cfg.Firmware.PathPrefix,
		ServeTTL:    cfg.Firmware.ServeTTL,
	}, logger)
	if err != nil {
		return err
	}

	registry := core.NewDeviceRegistry(store, cfg.OTA.StaleAfter, logger)
	bridge := core.NewBridge(bus, cfg.MQTT.AnnounceTopic, logger)

	orchestrator := core.NewOrchestrator(core.OrchestratorConfig{
		AckTimeout:       cfg.OTA.AckTimeout,
		ExpectedDuration: cfg.OTA.ExpectedDuration,
	}, core.OrchestratorDeps{
		Registry:   registry,
		Resolver:   resolver,
		Backups:    core.NewBackupManager(store, resolver, logger),
		Firmware:   firmware,
		Downloader: github,
		Sender:     bridge,
		Store:      store,
		Journal:    journal,
		Events:     events,
		Logger:     logger,
	})

	service := core.NewService(core.ServiceConfig{
		PollInterval: cfg.Registry.PollInterval(),
		AutoInstall:  cfg.OTA.AutoInstall,
	}, bridge, orchestrator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	bus.OnConnectionLost(service.HandleBusDisconnect)
	if err := bus.Start(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	defer bus.Stop()

	// --- API Layer Setup ---
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	handlers := api.NewAPIHandlers(service, api.HealthCheck{
		Name: "mqtt",
		Check: func() error {
			if !bus.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		},
	})
	api.SetupRoutes(router, handlers, api.RouteConfig{
		FirmwarePath: cfg.Firmware.PathPrefix,
		APIToken:     cfg.Server.APIToken,
		RateLimit:    cfg.Server.RateLimit,
	}, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return service.Run(gctx)
	})

	g.Go(func() error {
		logger.WithField("firmware_base", firmware.URLFor(core.Asset{})).Infof("OTA API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Warn("Shutting down, failing in-flight sessions...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Server shutdown failed: %v", err)
			return nil
		}
		logger.Info("Server stopped gracefully")
		return nil
	})

	err = g.Wait()
	logger.Info("OpenBK OTA service shutdown complete")
	return err
}

// publicBaseURL is the configured public URL or, failing that, the host's
// outbound address on the API port.
func publicBaseURL(server config.ServerConfig) string {
	if server.PublicURL != "" {
		return server.PublicURL
	}
	host := "127.0.0.1"
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		host = conn.LocalAddr().(*net.UDPAddr).IP.String()
		conn.Close()
	} else {
		logger.WithError(err).Warn("Could not detect outbound address, devices may not reach the firmware server")
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(server.Port))
}
