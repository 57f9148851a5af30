// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_media

import (
	"context"
	"time"

	internal_signal "github.com/medicamovil/internal/signal"
)

// ConnectionState mirrors the peer connection's lifecycle as reported by
// the underlying engine.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// VideoPreset is the active video send configuration. The quality monitor
// steps through these as conditions change.
type VideoPreset string

const (
	PresetHigh   VideoPreset = "high"   // 720p framing, full frame rate
	PresetMedium VideoPreset = "medium" // 480p framing
	PresetLow    VideoPreset = "low"    // 240p framing, reduced frame rate
)

// Stats is one peer-connection statistics readout.
type Stats struct {
	PacketsLost     uint64
	PacketsReceived uint64
	Jitter          float64 // seconds
	RoundTripTime   time.Duration
	Bitrate         float64 // bits per second, available outgoing
	FrameRate       float64
}

// MediaState tracks the local media toggles and stream presence for a
// session. Attached to the session's lifetime.
type MediaState struct {
	CameraEnabled       bool `json:"camera_enabled"`
	MicEnabled          bool `json:"mic_enabled"`
	LocalStreamPresent  bool `json:"local_stream_present"`
	RemoteStreamPresent bool `json:"remote_stream_present"`
}

// Engine is the opaque peer-connection capability the call core drives.
// The core never touches media internals — it negotiates descriptions,
// feeds candidates, reads stats, and closes. Implementations must make
// Close idempotent; the state machine closes on every terminal transition.
type Engine interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, remoteOfferSDP string) (string, error)
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddICECandidate(c internal_signal.ICECandidate) error
	GetStats(ctx context.Context) (Stats, error)
	ApplyVideoPreset(p VideoPreset) error

	OnConnectionStateChange(func(ConnectionState))
	OnICECandidate(func(internal_signal.ICECandidate))
	OnRemoteStream(func())

	Close() error
}

// EngineFactory builds one Engine per session. callType is "video" or
// "audio". A factory error means the environment cannot run calls at all.
type EngineFactory func(callType string) (Engine, error)
