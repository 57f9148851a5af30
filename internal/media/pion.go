// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_media

import (
	"context"
	"fmt"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"

	internal_signal "github.com/medicamovil/internal/signal"
	"github.com/medicamovil/pkg/commons"
)

// pionEngine implements Engine on a Pion peer connection.
type pionEngine struct {
	mu     sync.Mutex
	logger commons.Logger
	pc     *pionwebrtc.PeerConnection
	preset VideoPreset
	closed bool

	onState     func(ConnectionState)
	onCandidate func(internal_signal.ICECandidate)
	onRemote    func()
}

// NewPionEngineFactory returns an EngineFactory backed by Pion WebRTC with
// the given STUN/TURN urls. Each session gets its own peer connection.
func NewPionEngineFactory(logger commons.Logger, iceServerURLs []string) EngineFactory {
	return func(callType string) (Engine, error) {
		mediaEngine := &pionwebrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
		api := pionwebrtc.NewAPI(pionwebrtc.WithMediaEngine(mediaEngine))

		pc, err := api.NewPeerConnection(pionwebrtc.Configuration{
			ICEServers: []pionwebrtc.ICEServer{{URLs: iceServerURLs}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		e := &pionEngine{logger: logger, pc: pc, preset: PresetHigh}
		e.setupHandlers()

		if _, err := pc.AddTransceiverFromKind(pionwebrtc.RTPCodecTypeAudio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
		if callType == "video" {
			if _, err := pc.AddTransceiverFromKind(pionwebrtc.RTPCodecTypeVideo); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add video transceiver: %w", err)
			}
		}
		return e, nil
	}
}

func (e *pionEngine) setupHandlers() {
	e.pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		e.mu.Lock()
		cb := e.onState
		e.mu.Unlock()
		if cb != nil {
			cb(mapConnectionState(state))
		}
	})

	e.pc.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		cb := e.onCandidate
		e.mu.Unlock()
		if cb == nil {
			return
		}
		cJSON := c.ToJSON()
		ice := internal_signal.ICECandidate{Candidate: cJSON.Candidate}
		if cJSON.SDPMid != nil {
			ice.SDPMid = *cJSON.SDPMid
		}
		if cJSON.SDPMLineIndex != nil {
			ice.SDPMLineIndex = int(*cJSON.SDPMLineIndex)
		}
		cb(ice)
	})

	e.pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		e.logger.Infow("remote track received", "codec", track.Codec().MimeType)
		e.mu.Lock()
		cb := e.onRemote
		e.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (e *pionEngine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (e *pionEngine) CreateAnswer(ctx context.Context, remoteOfferSDP string) (string, error) {
	if err := e.pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer,
		SDP:  remoteOfferSDP,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (e *pionEngine) SetRemoteAnswer(ctx context.Context, sdp string) error {
	if err := e.pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (e *pionEngine) AddICECandidate(c internal_signal.ICECandidate) error {
	idx := uint16(c.SDPMLineIndex)
	mid := c.SDPMid
	return e.pc.AddICECandidate(pionwebrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// GetStats flattens the Pion stats report into the handful of metrics the
// quality monitor consumes.
func (e *pionEngine) GetStats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Stats{}, fmt.Errorf("peer connection closed")
	}

	report := e.pc.GetStats()
	var out Stats
	for _, s := range report {
		switch stat := s.(type) {
		case pionwebrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(stat.PacketsReceived)
			if stat.PacketsLost > 0 {
				out.PacketsLost += uint64(stat.PacketsLost)
			}
			if stat.Jitter > out.Jitter {
				out.Jitter = stat.Jitter
			}
			if stat.FramesPerSecond > out.FrameRate {
				out.FrameRate = stat.FramesPerSecond
			}
		case pionwebrtc.RemoteInboundRTPStreamStats:
			if stat.RoundTripTime > 0 {
				out.RoundTripTime = time.Duration(stat.RoundTripTime * float64(time.Second))
			}
		case pionwebrtc.ICECandidatePairStats:
			if stat.AvailableOutgoingBitrate > out.Bitrate {
				out.Bitrate = stat.AvailableOutgoingBitrate
			}
			if out.RoundTripTime == 0 && stat.CurrentRoundTripTime > 0 {
				out.RoundTripTime = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out, nil
}

// ApplyVideoPreset records the preset for the next negotiation cycle. Pion
// cannot rescale an in-flight sender; the preset reaches the client through
// a call_updated event and applies to the outgoing constraints there.
func (e *pionEngine) ApplyVideoPreset(p VideoPreset) error {
	e.mu.Lock()
	e.preset = p
	e.mu.Unlock()
	e.logger.Infow("video preset applied", "preset", p)
	return nil
}

func (e *pionEngine) OnConnectionStateChange(cb func(ConnectionState)) {
	e.mu.Lock()
	e.onState = cb
	e.mu.Unlock()
}

func (e *pionEngine) OnICECandidate(cb func(internal_signal.ICECandidate)) {
	e.mu.Lock()
	e.onCandidate = cb
	e.mu.Unlock()
}

func (e *pionEngine) OnRemoteStream(cb func()) {
	e.mu.Lock()
	e.onRemote = cb
	e.mu.Unlock()
}

func (e *pionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pc.Close()
}

func mapConnectionState(state pionwebrtc.PeerConnectionState) ConnectionState {
	switch state {
	case pionwebrtc.PeerConnectionStateNew:
		return StateNew
	case pionwebrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case pionwebrtc.PeerConnectionStateConnected:
		return StateConnected
	case pionwebrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case pionwebrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
