// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_call

import (
	internal_media "github.com/medicamovil/internal/media"
	internal_quality "github.com/medicamovil/internal/quality"
)

// EventType tags the events streamed to the client.
type EventType string

const (
	EventCallCreated            EventType = "call_created"
	EventCallUpdated            EventType = "call_updated"
	EventIncomingCall           EventType = "incoming_call"
	EventRemoteStreamAdded      EventType = "remote_stream_added"
	EventConnectionStateChanged EventType = "connection_state_changed"
	EventQualityChanged         EventType = "quality_changed"
	EventError                  EventType = "error"
)

// Event is one item on a participant's event stream. Session is always a
// value snapshot, never shared machine state.
type Event struct {
	Type            EventType                      `json:"type"`
	SessionID       string                         `json:"session_id"`
	Session         *CallSession                   `json:"session,omitempty"`
	ConnectionState internal_media.ConnectionState `json:"connection_state,omitempty"`
	QualityLevel    internal_quality.Level         `json:"quality_level,omitempty"`
	Preset          internal_media.VideoPreset     `json:"preset,omitempty"`
	Error           *CallError                     `json:"error,omitempty"`
}
