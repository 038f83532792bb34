// Package player owns the playback session: what is playing, on which
// surface, and at what quality.
package player

import (
	"time"

	"github.com/edumarques81/stellar-playback/internal/domain/clocksync"
	"github.com/edumarques81/stellar-playback/internal/domain/handoff"
	"github.com/edumarques81/stellar-playback/internal/domain/quality"
)

// SessionState is the lifecycle state of a playback session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateQualitySwitching
	StateError
	StateDisposed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateQualitySwitching:
		return "QUALITY_SWITCHING"
	case StateError:
		return "ERROR"
	case StateDisposed:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == StateDisposed
}

// IsActive reports whether media is attached and the overlay clock may run.
func (s SessionState) IsActive() bool {
	switch s {
	case StatePlaying, StatePaused, StateQualitySwitching:
		return true
	default:
		return false
	}
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	SessionID        string           `json:"sessionId"`
	SessionToken     string           `json:"sessionToken"`
	ItemID           string           `json:"itemId"`
	State            SessionState     `json:"state"`
	Playing          bool             `json:"playing"`
	Position         time.Duration    `json:"position"`
	Duration         time.Duration    `json:"duration"`
	Decision         quality.Decision `json:"decision"`
	PendingQualityID int              `json:"pendingQualityId,omitempty"`
	Available        []int            `json:"availableQualities"`
	AvailableLabels  []string         `json:"availableQualityLabels"`
	Title            string           `json:"title"`
	Subtitle         string           `json:"subtitle"`
	ThumbnailURL     string           `json:"thumbnailUrl"`
	Handle           handoff.Handle   `json:"handle"`
	OverlayEnabled   bool             `json:"overlayEnabled"`
	OverlayRunning   bool             `json:"overlayRunning"`
	Clock            clocksync.State  `json:"clock"`
	Error            string           `json:"error,omitempty"`
	ErrorKind        string           `json:"errorKind,omitempty"`
	Retryable        bool             `json:"retryable"`
}

// ToJSON returns the snapshot as the map pushed to remote clients.
// Times are in milliseconds.
func (s Snapshot) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"sessionId":        s.SessionID,
		"sessionToken":     s.SessionToken,
		"itemId":           s.ItemID,
		"state":            s.State.String(),
		"playing":          s.Playing,
		"position":         s.Position.Milliseconds(),
		"duration":         s.Duration.Milliseconds(),
		"requestedQuality": s.Decision.RequestedID,
		"grantedQuality":   s.Decision.GrantedID,
		"qualityReason":    string(s.Decision.Reason),
		"qualityLabel":     s.Decision.GrantedLabel,
		"pendingQuality":   s.PendingQualityID,
		"qualities":        s.Available,
		"qualityLabels":    s.AvailableLabels,
		"title":            s.Title,
		"subtitle":         s.Subtitle,
		"thumbnail":        s.ThumbnailURL,
		"surface":          s.Handle.Owner.String(),
		"generation":       s.Handle.Generation,
		"borrowed":         s.Handle.Borrowed,
		"overlay":          s.OverlayEnabled,
		"overlayRunning":   s.OverlayRunning,
		"overlayDrift":     s.Clock.Drift.Milliseconds(),
		"error":            s.Error,
		"errorKind":        s.ErrorKind,
		"retryable":        s.Retryable,
	}
}
