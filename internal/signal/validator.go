// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_signal

// ValidateSignalData checks the shape and size of a raw signaling payload and,
// when it passes, constructs the typed variant. Pure function, no logging and
// no side effects — callers decide what a rejection means.
//
//   - offer/answer: requires string "type" and string "sdp" shorter than
//     MaxSDPLength
//   - ice-candidate: requires string "candidate" shorter than
//     MaxCandidateLength and a numeric "sdpMLineIndex"
//   - anything else: rejected
func ValidateSignalData(kind Kind, data map[string]any) (Payload, bool) {
	switch kind {
	case KindOffer, KindAnswer:
		typ, ok := data["type"].(string)
		if !ok || typ == "" {
			return nil, false
		}
		sdp, ok := data["sdp"].(string)
		if !ok || sdp == "" || len(sdp) >= MaxSDPLength {
			return nil, false
		}
		if kind == KindOffer {
			return Offer{SDP: sdp}, true
		}
		return Answer{SDP: sdp}, true

	case KindICECandidate:
		candidate, ok := data["candidate"].(string)
		if !ok || candidate == "" || len(candidate) >= MaxCandidateLength {
			return nil, false
		}
		idx, ok := numeric(data["sdpMLineIndex"])
		if !ok || idx < 0 {
			return nil, false
		}
		mid, _ := data["sdpMid"].(string)
		return ICECandidate{Candidate: candidate, SDPMid: mid, SDPMLineIndex: idx}, true

	default:
		return nil, false
	}
}

// ValidateMessage re-validates a relayed message on the receiving side and
// extracts its payload. Control messages (decline/end) carry no free-form
// payload beyond a bounded reason string.
func ValidateMessage(m *Message) (Payload, bool) {
	switch m.Type {
	case KindOffer, KindAnswer:
		return ValidateSignalData(m.Type, map[string]any{"type": string(m.Type), "sdp": m.SDP})
	case KindICECandidate:
		return ValidateSignalData(m.Type, map[string]any{
			"candidate":     m.Candidate,
			"sdpMid":        m.SDPMid,
			"sdpMLineIndex": m.SDPMLineIndex,
		})
	case KindDecline, KindEnd:
		if len(m.Reason) > MaxReasonLength {
			return nil, false
		}
		return nil, true
	default:
		return nil, false
	}
}

// numeric accepts the number representations JSON decoding can produce.
func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
