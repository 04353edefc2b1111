package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/openbk-ota/internal/core"
	"example.com/backstage/services/openbk-ota/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	republishDeviceID    string
	republishSince       string
	republishFailed      bool
	republishLimit       int
	republishDryRun      bool
	republishConcurrency int
)

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Republish session events from the journal to the event queue",
	Long: `Reads finished sessions from the local session journal and publishes their
events to Service Bus again. Useful after a queue outage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepublish(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(republishCmd)

	republishCmd.Flags().StringVarP(&republishDeviceID, "device", "d", "", "only sessions of this device")
	republishCmd.Flags().StringVarP(&republishSince, "since", "s", "", "only sessions started at or after this time (RFC3339)")
	republishCmd.Flags().BoolVarP(&republishFailed, "failed", "f", false, "only failed sessions")
	republishCmd.Flags().IntVarP(&republishLimit, "limit", "l", 1000, "maximum number of events to publish")
	republishCmd.Flags().BoolVar(&republishDryRun, "dry-run", false, "show what would be republished without sending")
	republishCmd.Flags().IntVarP(&republishConcurrency, "concurrency", "c", 4, "number of concurrent publishers")
}

// RepublishCriteria selects journal sessions to republish.
type RepublishCriteria struct {
	DeviceID   string
	Since      time.Time
	FailedOnly bool
	Limit      int
}

// Match reports whether s passes the filter.
func (c RepublishCriteria) Match(s core.UpdateSession) bool {
	if c.DeviceID != "" && s.DeviceID != c.DeviceID {
		return false
	}
	if !c.Since.IsZero() && s.StartedAt.Before(c.Since) {
		return false
	}
	if c.FailedOnly && s.State != core.StateFailed {
		return false
	}
	return true
}

// RepublishStats counts the outcome of a republish run.
type RepublishStats struct {
	TotalProcessed int
	Successful     int
	Failed         int
}

func runRepublish(ctx context.Context) error {
	if cfg.Storage.JournalPath == "" {
		return fmt.Errorf("storage.journal_path is not configured")
	}

	criteria := RepublishCriteria{
		DeviceID:   republishDeviceID,
		FailedOnly: republishFailed,
		Limit:      republishLimit,
	}
	if republishSince != "" {
		t, err := time.Parse(time.RFC3339, republishSince)
		if err != nil {
			return fmt.Errorf("invalid since time format: %w", err)
		}
		criteria.Since = t
	}

	wal, err := infrastructure.NewWAL(cfg.Storage.JournalPath, cfg.Storage.JournalKeepLast)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}
	defer wal.Close()

	sessions, err := wal.Replay()
	if err != nil {
		return fmt.Errorf("failed to read session journal: %w", err)
	}
	sessions = selectSessions(sessions, criteria)
	logger.Infof("Found %d sessions to republish", len(sessions))

	if republishDryRun {
		logger.Info("DRY RUN: No events will be sent")
		for i, s := range sessions {
			if i >= 10 {
				logger.Infof("... and %d more sessions", len(sessions)-10)
				break
			}
			logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"device_id":  s.DeviceID,
				"state":      s.State,
				"started_at": s.StartedAt,
			}).Info("Would republish session")
		}
		return nil
	}

	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		return fmt.Errorf("messaging connection failed: %w", err)
	}
	defer messaging.Close()

	stats := republishSessions(ctx, messaging, sessions, republishConcurrency)
	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"failed":          stats.Failed,
	}).Info("Republish completed")

	if stats.Failed > 0 {
		return fmt.Errorf("failed to republish %d events", stats.Failed)
	}
	return nil
}

// selectSessions filters and keeps the newest Limit matches in journal order.
func selectSessions(sessions []core.UpdateSession, criteria RepublishCriteria) []core.UpdateSession {
	var matched []core.UpdateSession
	for _, s := range sessions {
		if criteria.Match(s) {
			matched = append(matched, s)
		}
	}
	if criteria.Limit > 0 && len(matched) > criteria.Limit {
		matched = matched[len(matched)-criteria.Limit:]
	}
	return matched
}

func republishSessions(ctx context.Context, events core.EventPublisher, sessions []core.UpdateSession, concurrency int) RepublishStats {
	if concurrency <= 0 {
		concurrency = 1
	}
	stats := RepublishStats{TotalProcessed: len(sessions)}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	semaphore := make(chan struct{}, concurrency)
	for _, s := range sessions {
		semaphore <- struct{}{}
		wg.Add(1)
		go func(s core.UpdateSession) {
			defer wg.Done()
			defer func() { <-semaphore }()

			at := s.TransitionedAt
			if s.CompletedAt != nil {
				at = *s.CompletedAt
			}
			err := events.Publish(ctx, core.SessionEventTopic, core.NewSessionEvent(s, at))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.WithError(err).WithField("session_id", s.ID).Error("Failed to republish session event")
				stats.Failed++
				return
			}
			stats.Successful++
		}(s)
	}
	wg.Wait()
	return stats
}
