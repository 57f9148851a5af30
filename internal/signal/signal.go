// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_signal

import "time"

// Kind tags a signaling message.
type Kind string

const (
	// Media negotiation kinds. Their payloads come from the browser and are
	// only trusted after ValidateSignalData has accepted them.
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"

	// Control kinds. Built by the call core itself, fixed small payloads.
	KindDecline Kind = "decline"
	KindEnd     Kind = "end"
)

// Payload size limits. Anything at or past the limit is rejected outright.
const (
	MaxSDPLength       = 10000
	MaxCandidateLength = 1000
	MaxReasonLength    = 200
)

// Message is the unit relayed between the two participants of a session.
// Transient: it exists only between publish and delivery, never persisted.
type Message struct {
	SessionID  string `json:"session_id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Type       Kind   `json:"type"`

	// Offer/answer payload.
	SDP string `json:"sdp,omitempty"`

	// ICE candidate payload.
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex int    `json:"sdp_mline_index,omitempty"`

	// Control payload.
	Reason string `json:"reason,omitempty"`

	// Offer-only context: the callee needs room and call type to run its own
	// authorization check before ringing.
	RoomID   string `json:"room_id,omitempty"`
	CallType string `json:"call_type,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Payload is the tagged variant carried by a validated media signal. Values
// are only ever produced by ValidateSignalData; the state machine and the
// media engine never see a payload that failed validation.
type Payload interface {
	Kind() Kind
}

// Offer is a validated SDP offer.
type Offer struct {
	SDP string
}

func (Offer) Kind() Kind { return KindOffer }

// Answer is a validated SDP answer.
type Answer struct {
	SDP string
}

func (Answer) Kind() Kind { return KindAnswer }

// ICECandidate is a validated ICE candidate.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}

func (ICECandidate) Kind() Kind { return KindICECandidate }
