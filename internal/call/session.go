// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_call

import (
	"time"

	internal_media "github.com/medicamovil/internal/media"
)

// State is the lifecycle state of a call session. Terminal states never
// transition again.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateDeclined   State = "declined"
	StateFailed     State = "failed"
)

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateFailed
}

// Call types accepted by the orchestrator.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

// CallSession is the serializable view of one call between two users. The
// machine owns the mutable copy; everything leaving the machine is a value
// snapshot.
type CallSession struct {
	ID              string                    `json:"id"`
	CallerID        string                    `json:"caller_id"`
	ReceiverID      string                    `json:"receiver_id"`
	RoomID          string                    `json:"room_id"`
	CallType        string                    `json:"call_type"`
	Status          State                     `json:"status"`
	StartedAt       time.Time                 `json:"started_at"`
	ConnectedAt     *time.Time                `json:"connected_at,omitempty"`
	EndedAt         *time.Time                `json:"ended_at,omitempty"`
	EndReason       string                    `json:"end_reason,omitempty"`
	DurationSeconds int                       `json:"duration_seconds"`
	Media           internal_media.MediaState `json:"media"`
}

// Peer returns the other participant's id, or "" when userID is not a
// participant.
func (s *CallSession) Peer(userID string) string {
	switch userID {
	case s.CallerID:
		return s.ReceiverID
	case s.ReceiverID:
		return s.CallerID
	default:
		return ""
	}
}

func (s *CallSession) finish(at time.Time, status State, reason string) {
	s.Status = status
	s.EndedAt = &at
	s.EndReason = reason
	if s.ConnectedAt != nil {
		s.DurationSeconds = int(at.Sub(*s.ConnectedAt).Seconds())
	}
}
