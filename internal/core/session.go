package core

import (
	"time"
)

// Progress milestones. Installation on the device is not observable, so
// the last stretch is a time-based estimate.
const (
	progressBackup        = 2
	progressDownloadStart = 5
	progressDownloadSpan  = 40
	progressServing       = 50
	progressCommanded     = 60
	progressAckSpan       = 35
	progressFinalizing    = 97
	progressCompleted     = 100
)

// SessionEvent is published whenever a session starts or ends.
type SessionEvent struct {
	SessionID       string       `json:"session_id"`
	DeviceID        string       `json:"device_id"`
	Kind            SessionKind  `json:"kind"`
	State           SessionState `json:"state"`
	TargetVersion   string       `json:"target_version"`
	PreviousVersion string       `json:"previous_version,omitempty"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	At              time.Time    `json:"at"`
}

// SessionEventTopic is the topic session events are published under.
const SessionEventTopic = "openbk.ota.session"

// NewSessionEvent builds the event describing s at time at.
func NewSessionEvent(s UpdateSession, at time.Time) SessionEvent {
	return SessionEvent{
		SessionID:       s.ID,
		DeviceID:        s.DeviceID,
		Kind:            s.Kind,
		State:           s.State,
		TargetVersion:   s.TargetVersion,
		PreviousVersion: s.PreviousVersion,
		FailureReason:   s.FailureReason,
		At:              at,
	}
}

func sessionProgress(s UpdateSession, downloaded, total int64, now time.Time, expected time.Duration) int {
	switch s.State {
	case StateBackingUp, StateRollingBack:
		return progressBackup
	case StateDownloading:
		if total <= 0 {
			return progressDownloadStart
		}
		if downloaded > total {
			downloaded = total
		}
		return progressDownloadStart + int(progressDownloadSpan*downloaded/total)
	case StateServing:
		return progressServing
	case StateAwaitingDeviceAck:
		if s.CommandedAt == nil || expected <= 0 {
			return progressCommanded
		}
		frac := float64(now.Sub(*s.CommandedAt)) / float64(expected)
		frac = min(max(frac, 0), 1)
		return progressCommanded + int(progressAckSpan*frac)
	case StateFinalizing:
		return progressFinalizing
	case StateCompleted:
		return progressCompleted
	}
	return 0
}

func toStatus(s UpdateSession, progress int) SessionStatus {
	return SessionStatus{
		ID:              s.ID,
		DeviceID:        s.DeviceID,
		Kind:            s.Kind,
		State:           s.State,
		TargetVersion:   s.TargetVersion,
		Progress:        progress,
		PreviousVersion: s.PreviousVersion,
		BackupAvailable: s.BackupAvailable,
		StagedURL:       s.StagedURL,
		FailureReason:   s.FailureReason,
		FailureDetail:   s.FailureDetail,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
	}
}
