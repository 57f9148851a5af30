// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package call_api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	internal_call "github.com/medicamovil/internal/call"
	internal_media "github.com/medicamovil/internal/media"
	internal_ratelimit "github.com/medicamovil/internal/ratelimit"
	internal_signal "github.com/medicamovil/internal/signal"
	"github.com/medicamovil/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// command is the client-to-server frame. Action selects which fields are
// read; everything else is ignored.
type command struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	CalleeID  string `json:"callee_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	CallType  string `json:"call_type,omitempty"`
	Accept    bool   `json:"accept,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`
	Preset    string `json:"preset,omitempty"`

	// Raw signal relay fields.
	Signal *internal_signal.Message `json:"signal,omitempty"`
}

type outFrame struct {
	Type  string                   `json:"type"`
	Event *internal_call.Event     `json:"event,omitempty"`
	Error *internal_call.CallError `json:"error,omitempty"`
}

// socketClient bridges one websocket to the orchestrator: commands flow in
// through readPump, events flow out through writePump.
type socketClient struct {
	api  *CallApi
	conn *websocket.Conn
	auth types.AuthPrinciple

	events <-chan internal_call.Event
	cancel func()
	send   chan outFrame
	done   chan struct{}
}

func newSocketClient(api *CallApi, conn *websocket.Conn, auth types.AuthPrinciple) *socketClient {
	events, cancel := api.orchestrator.Subscribe(auth.UserID)
	return &socketClient{
		api:    api,
		conn:   conn,
		auth:   auth,
		events: events,
		cancel: cancel,
		send:   make(chan outFrame, 64),
		done:   make(chan struct{}),
	}
}

func (sc *socketClient) readPump() {
	defer sc.teardown()
	sc.conn.SetReadLimit(maxMessageSize)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.api.logger.Debugf("websocket read error for %s: %v", sc.auth.UserID, err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			sc.pushError(internal_call.NewCallError(internal_call.CodeSignalingFailed, err))
			continue
		}
		sc.handleCommand(&cmd)
	}
}

func (sc *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sc.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteJSON(frame); err != nil {
				return
			}
		case ev, ok := <-sc.events:
			if !ok {
				return
			}
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteJSON(outFrame{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sc.done:
			return
		}
	}
}

// teardown runs once when the read side dies: the orchestrator treats it as
// the user leaving, ending any session they still hold.
func (sc *socketClient) teardown() {
	close(sc.done)
	sc.cancel()
	sc.conn.Close()
	sc.api.orchestrator.Detach(sc.auth.UserID)
}

func (sc *socketClient) handleCommand(cmd *command) {
	ctx := context.Background()
	var err error
	switch cmd.Action {
	case "start_call":
		_, err = sc.api.orchestrator.StartCall(ctx, sc.auth.UserID, cmd.CalleeID, cmd.RoomID, cmd.CallType)
	case "answer_call":
		err = sc.api.orchestrator.AnswerCall(ctx, sc.auth.UserID, cmd.SessionID, cmd.Accept)
	case "end_call":
		err = sc.api.orchestrator.EndCall(ctx, sc.auth.UserID, cmd.SessionID)
	case "toggle_camera":
		err = sc.api.orchestrator.ToggleCamera(sc.auth.UserID, cmd.SessionID)
	case "toggle_microphone":
		err = sc.api.orchestrator.ToggleMicrophone(sc.auth.UserID, cmd.SessionID)
	case "set_video_quality":
		err = sc.api.orchestrator.SetVideoQuality(sc.auth.UserID, cmd.SessionID, internal_media.VideoPreset(cmd.Preset))
	case "set_adaptive_quality":
		err = sc.api.orchestrator.SetAdaptiveQuality(sc.auth.UserID, cmd.SessionID, cmd.Enabled)
	case "signal":
		err = sc.relaySignal(ctx, cmd.Signal)
	default:
		sc.api.logger.Warnw("unknown call command", "action", cmd.Action, "userId", sc.auth.UserID)
		return
	}
	if err != nil {
		sc.pushError(internal_call.AsCallError(err, internal_call.CodeSignalingFailed))
	}
}

// relaySignal forwards a raw client signal through the channel. The limiter
// throttles chatty clients first; non-offer signals must then reference a
// live session the sender belongs to.
func (sc *socketClient) relaySignal(ctx context.Context, msg *internal_signal.Message) error {
	if msg == nil {
		return internal_call.NewCallError(internal_call.CodeSignalingFailed, nil)
	}
	if !sc.api.limiter.CheckRateLimit(sc.auth.UserID, internal_ratelimit.OpSignal) {
		return internal_call.NewCallError(internal_call.CodeRateLimited, nil)
	}
	if msg.Type != internal_signal.KindOffer {
		if !sc.api.registry.ValidateSession(msg.SessionID, sc.auth.UserID) {
			return internal_call.NewCallError(internal_call.CodeAuthorizationDenied, nil)
		}
	}
	return sc.api.channel.Publish(ctx, sc.auth.UserID, msg)
}

// pushError delivers an error frame without blocking the pumps.
func (sc *socketClient) pushError(ce *internal_call.CallError) {
	select {
	case sc.send <- outFrame{Type: "error", Error: ce}:
	default:
		sc.api.logger.Warnw("error frame dropped for slow consumer", "userId", sc.auth.UserID)
	}
}
