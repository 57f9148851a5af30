// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_signal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSignalData_Offer(t *testing.T) {
	payload, ok := ValidateSignalData(KindOffer, map[string]any{
		"type": "offer",
		"sdp":  "v=0\r\no=- 46117 2 IN IP4 127.0.0.1",
	})
	require.True(t, ok)
	offer, isOffer := payload.(Offer)
	require.True(t, isOffer, "payload should be an Offer variant")
	assert.Contains(t, offer.SDP, "v=0")
}

func TestValidateSignalData_OversizedSDP(t *testing.T) {
	tests := []struct {
		name   string
		length int
		ok     bool
	}{
		{"just under limit", MaxSDPLength - 1, true},
		{"at limit", MaxSDPLength, false},
		{"well past limit", 12000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ValidateSignalData(KindOffer, map[string]any{
				"type": "offer",
				"sdp":  strings.Repeat("a", tt.length),
			})
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestValidateSignalData_MalformedFields(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		data map[string]any
	}{
		{"missing sdp", KindOffer, map[string]any{"type": "offer"}},
		{"empty sdp", KindAnswer, map[string]any{"type": "answer", "sdp": ""}},
		{"sdp wrong type", KindOffer, map[string]any{"type": "offer", "sdp": 42}},
		{"missing type", KindAnswer, map[string]any{"sdp": "v=0"}},
		{"missing candidate", KindICECandidate, map[string]any{"sdpMLineIndex": 0}},
		{"candidate wrong type", KindICECandidate, map[string]any{"candidate": 1, "sdpMLineIndex": 0}},
		{"missing mline index", KindICECandidate, map[string]any{"candidate": "candidate:1"}},
		{"mline index wrong type", KindICECandidate, map[string]any{"candidate": "candidate:1", "sdpMLineIndex": "0"}},
		{"negative mline index", KindICECandidate, map[string]any{"candidate": "candidate:1", "sdpMLineIndex": -1}},
		{"unknown kind", Kind("renegotiate"), map[string]any{"sdp": "v=0"}},
		{"empty data", KindOffer, map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, ok := ValidateSignalData(tt.kind, tt.data)
			assert.False(t, ok)
			assert.Nil(t, payload, "rejected signals must not produce a payload")
		})
	}
}

func TestValidateSignalData_ICECandidate(t *testing.T) {
	// JSON decoding yields float64 for numbers; native ints must work too.
	for _, idx := range []any{0, int64(1), float64(2)} {
		payload, ok := ValidateSignalData(KindICECandidate, map[string]any{
			"candidate":     "candidate:842163049 1 udp 1677729535 10.0.0.1 3478 typ srflx",
			"sdpMid":        "0",
			"sdpMLineIndex": idx,
		})
		require.True(t, ok)
		ice := payload.(ICECandidate)
		assert.Equal(t, "0", ice.SDPMid)
	}

	_, ok := ValidateSignalData(KindICECandidate, map[string]any{
		"candidate":     strings.Repeat("c", MaxCandidateLength),
		"sdpMLineIndex": 0,
	})
	assert.False(t, ok, "candidate at the length limit must be rejected")
}

func TestValidateMessage_ControlKinds(t *testing.T) {
	_, ok := ValidateMessage(&Message{Type: KindDecline, Reason: "busy"})
	assert.True(t, ok)

	_, ok = ValidateMessage(&Message{Type: KindEnd})
	assert.True(t, ok)

	_, ok = ValidateMessage(&Message{Type: KindEnd, Reason: strings.Repeat("r", MaxReasonLength+1)})
	assert.False(t, ok)

	_, ok = ValidateMessage(&Message{Type: Kind("mystery")})
	assert.False(t, ok)
}
