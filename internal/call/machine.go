// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_call

import (
	"context"
	"errors"
	"time"

	internal_media "github.com/medicamovil/internal/media"
	internal_quality "github.com/medicamovil/internal/quality"
	internal_registry "github.com/medicamovil/internal/registry"
	internal_signal "github.com/medicamovil/internal/signal"
	internal_signaling "github.com/medicamovil/internal/signaling"
	"github.com/medicamovil/pkg/commons"
)

// End reasons recorded on the session.
const (
	EndReasonHangup     = "hangup"
	EndReasonDeclined   = "declined"
	EndReasonBusy       = "busy"
	EndReasonTimeout    = "timeout"
	EndReasonFailed     = "connection_failed"
	EndReasonDisconnect = "disconnect"
)

// ==== inbox items ====

type inboxKind int

const (
	inboxAccept inboxKind = iota
	inboxDecline
	inboxEnd
	inboxToggleCamera
	inboxToggleMic
	inboxSignal
	inboxEngineState
	inboxEngineICE
	inboxRemoteStream
	inboxAnswerTimeout
	inboxConnectTimeout
	inboxGraceTimeout
	inboxQuality
)

type inboxItem struct {
	kind   inboxKind
	signal *internal_signal.Message
	state  internal_media.ConnectionState
	ice    internal_signal.ICECandidate
	report internal_quality.Report
	reason string
	reply  chan error
}

// ==== machine ====

// machineDeps are the collaborators a session machine drives. The
// orchestrator owns their construction; the machine owns their lifecycle
// from start to teardown.
type machineDeps struct {
	logger   commons.Logger
	channel  *internal_signaling.Channel
	registry *internal_registry.SessionRegistry
	engine   internal_media.Engine
	monitor  *internal_quality.ConnectionQualityMonitor

	answerTimeout  time.Duration
	connectTimeout time.Duration

	// emit delivers an event to one participant's stream.
	emit func(userID string, ev Event)
	// onTerminal runs after teardown completes, outside the machine's locks.
	onTerminal func(sessionID string)
}

// machine runs one side of a call session. All state transitions happen on
// the single run goroutine consuming the inbox, so ordering disputes (an
// accept racing the answer timeout, say) resolve to whichever item was
// serialized first.
type machine struct {
	machineDeps
	session *CallSession

	// localUserID is the participant this machine serves. The peer's side
	// runs its own machine, possibly on another instance.
	localUserID string

	// pendingOffer holds the remote SDP offer on the receiver side until
	// the user accepts.
	pendingOffer string

	inbox chan inboxItem
	done  chan struct{}

	answerTimer  *time.Timer
	connectTimer *time.Timer
	graceTimer   *time.Timer
}

func newMachine(deps machineDeps, session *CallSession, localUserID string) *machine {
	return &machine{
		machineDeps: deps,
		session:     session,
		localUserID: localUserID,
		inbox:       make(chan inboxItem, 128),
		done:        make(chan struct{}),
	}
}

// post serializes an item onto the machine's inbox. Items posted after the
// machine terminated are rejected rather than silently dropped.
func (m *machine) post(item inboxItem) error {
	select {
	case <-m.done:
		return NewCallError(CodeSignalingFailed, errors.New("session already ended"))
	default:
	}
	select {
	case m.inbox <- item:
		return nil
	case <-m.done:
		return NewCallError(CodeSignalingFailed, errors.New("session already ended"))
	}
}

// postSync posts and waits for the run loop to process the item.
func (m *machine) postSync(item inboxItem) error {
	item.reply = make(chan error, 1)
	if err := m.post(item); err != nil {
		return err
	}
	select {
	case err := <-item.reply:
		return err
	case <-m.done:
		// Teardown closed done after the item was handled; treat as handled.
		select {
		case err := <-item.reply:
			return err
		default:
			return nil
		}
	}
}

// startAsCaller creates the local offer, publishes it toward the receiver
// and arms the answer timeout. Runs before the loop so StartCall can fail
// synchronously.
func (m *machine) startAsCaller(ctx context.Context) error {
	if err := m.channel.SubscribeSession(ctx, m.session.ID, m.localUserID, m.handleInbound); err != nil {
		return NewCallError(CodeSignalingFailed, err)
	}
	m.hookEngine()
	offerSDP, err := m.engine.CreateOffer(ctx)
	if err != nil {
		m.channel.UnsubscribeSession(m.session.ID, m.localUserID)
		return NewCallError(CodeConnectionFailed, err)
	}
	msg := &internal_signal.Message{
		SessionID:  m.session.ID,
		FromUserID: m.session.CallerID,
		ToUserID:   m.session.ReceiverID,
		Type:       internal_signal.KindOffer,
		SDP:        offerSDP,
		RoomID:     m.session.RoomID,
		CallType:   m.session.CallType,
	}
	if err := m.channel.Publish(ctx, m.localUserID, msg); err != nil {
		m.channel.UnsubscribeSession(m.session.ID, m.localUserID)
		return NewCallError(CodeSignalingFailed, err)
	}
	m.session.Status = StateCalling
	m.answerTimer = time.AfterFunc(m.answerTimeout, func() {
		m.post(inboxItem{kind: inboxAnswerTimeout})
	})
	go m.run()
	return nil
}

// startAsReceiver subscribes the session topic and rings. The remote offer
// is held on the session machine until the user accepts.
func (m *machine) startAsReceiver(ctx context.Context, offer *internal_signal.Message) error {
	if err := m.channel.SubscribeSession(ctx, m.session.ID, m.localUserID, m.handleInbound); err != nil {
		return NewCallError(CodeSignalingFailed, err)
	}
	m.session.Status = StateRinging
	m.pendingOffer = offer.SDP
	m.hookEngine()
	m.answerTimer = time.AfterFunc(m.answerTimeout, func() {
		m.post(inboxItem{kind: inboxAnswerTimeout})
	})
	go m.run()
	return nil
}

func (m *machine) hookEngine() {
	m.engine.OnConnectionStateChange(func(s internal_media.ConnectionState) {
		m.post(inboxItem{kind: inboxEngineState, state: s})
	})
	m.engine.OnICECandidate(func(c internal_signal.ICECandidate) {
		m.post(inboxItem{kind: inboxEngineICE, ice: c})
	})
	m.engine.OnRemoteStream(func() {
		m.post(inboxItem{kind: inboxRemoteStream})
	})
}

// handleInbound funnels signals delivered by the channel into the inbox.
// Post failures after teardown are expected and dropped.
func (m *machine) handleInbound(msg *internal_signal.Message) {
	m.post(inboxItem{kind: inboxSignal, signal: msg})
}

func (m *machine) run() {
	for {
		item := <-m.inbox
		terminal := m.handle(item)
		if item.reply != nil {
			item.reply <- nil
		}
		if terminal {
			return
		}
	}
}

// handle applies one inbox item. Returns true once the session reached a
// terminal state and teardown ran.
func (m *machine) handle(item inboxItem) bool {
	if m.session.Status.IsTerminal() {
		return true
	}
	switch item.kind {
	case inboxAccept:
		m.onAccept(item)
	case inboxDecline:
		m.finish(StateDeclined, EndReasonDeclined, internal_signal.KindDecline, nil)
	case inboxEnd:
		reason := item.reason
		if reason == "" {
			reason = EndReasonHangup
		}
		m.finish(StateEnded, reason, internal_signal.KindEnd, nil)
	case inboxToggleCamera:
		m.session.Media.CameraEnabled = !m.session.Media.CameraEnabled
		m.emitUpdate()
	case inboxToggleMic:
		m.session.Media.MicEnabled = !m.session.Media.MicEnabled
		m.emitUpdate()
	case inboxSignal:
		m.onSignal(item.signal)
	case inboxEngineState:
		m.onEngineState(item.state)
	case inboxEngineICE:
		m.onLocalCandidate(item.ice)
	case inboxRemoteStream:
		m.session.Media.RemoteStreamPresent = true
		m.emitTo(m.localUserID, Event{Type: EventRemoteStreamAdded, SessionID: m.session.ID})
		m.emitUpdate()
	case inboxAnswerTimeout:
		if m.session.Status == StateCalling || m.session.Status == StateRinging {
			m.finish(StateEnded, EndReasonTimeout, internal_signal.KindEnd, nil)
		}
	case inboxConnectTimeout:
		if m.session.Status == StateConnecting {
			m.finish(StateFailed, EndReasonFailed, internal_signal.KindEnd,
				NewCallError(CodeConnectionFailed, errors.New("connect timeout")))
		}
	case inboxGraceTimeout:
		if m.session.Status == StateActive {
			m.finish(StateFailed, EndReasonFailed, internal_signal.KindEnd,
				NewCallError(CodeNetworkError, errors.New("peer connection did not recover")))
		}
	case inboxQuality:
		m.emitTo(m.localUserID, Event{
			Type:         EventQualityChanged,
			SessionID:    m.session.ID,
			QualityLevel: item.report.Level,
			Preset:       item.report.Preset,
		})
	}
	return m.session.Status.IsTerminal()
}

// onAccept runs on the receiver when the local user answers. Accepting
// after the answer timeout fired first is a no-op; the timeout already
// ended the session.
func (m *machine) onAccept(item inboxItem) {
	if m.session.Status != StateRinging {
		m.logger.Warnw("accept ignored outside ringing state",
			"sessionId", m.session.ID, "status", m.session.Status)
		return
	}
	ctx := context.Background()
	answerSDP, err := m.engine.CreateAnswer(ctx, m.pendingOffer)
	if err != nil {
		m.finish(StateFailed, EndReasonFailed, internal_signal.KindEnd,
			NewCallError(CodeConnectionFailed, err))
		return
	}
	msg := &internal_signal.Message{
		SessionID:  m.session.ID,
		FromUserID: m.localUserID,
		ToUserID:   m.session.Peer(m.localUserID),
		Type:       internal_signal.KindAnswer,
		SDP:        answerSDP,
	}
	if err := m.channel.Publish(ctx, m.localUserID, msg); err != nil {
		m.finish(StateFailed, EndReasonFailed, internal_signal.KindEnd,
			NewCallError(CodeSignalingFailed, err))
		return
	}
	m.toConnecting()
}

func (m *machine) onSignal(msg *internal_signal.Message) {
	switch msg.Type {
	case internal_signal.KindAnswer:
		if m.session.Status != StateCalling {
			m.logger.Debugf("answer signal ignored in state %s", m.session.Status)
			return
		}
		if err := m.engine.SetRemoteAnswer(context.Background(), msg.SDP); err != nil {
			m.finish(StateFailed, EndReasonFailed, internal_signal.KindEnd,
				NewCallError(CodeConnectionFailed, err))
			return
		}
		m.toConnecting()
	case internal_signal.KindICECandidate:
		if err := m.engine.AddICECandidate(internal_signal.ICECandidate{
			Candidate:     msg.Candidate,
			SDPMid:        msg.SDPMid,
			SDPMLineIndex: msg.SDPMLineIndex,
		}); err != nil {
			m.logger.Warnw("failed to add remote candidate",
				"sessionId", m.session.ID, "error", err)
		}
	case internal_signal.KindDecline:
		reason := msg.Reason
		if reason == "" {
			reason = EndReasonDeclined
		}
		m.finish(StateDeclined, reason, "", nil)
	case internal_signal.KindEnd:
		reason := msg.Reason
		if reason == "" {
			reason = EndReasonHangup
		}
		m.finish(StateEnded, reason, "", nil)
	}
}

func (m *machine) onLocalCandidate(c internal_signal.ICECandidate) {
	msg := &internal_signal.Message{
		SessionID:     m.session.ID,
		FromUserID:    m.localUserID,
		ToUserID:      m.session.Peer(m.localUserID),
		Type:          internal_signal.KindICECandidate,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if err := m.channel.Publish(context.Background(), m.localUserID, msg); err != nil {
		m.logger.Warnw("failed to publish local candidate",
			"sessionId", m.session.ID, "error", err)
	}
}

func (m *machine) onEngineState(state internal_media.ConnectionState) {
	m.emitTo(m.localUserID, Event{
		Type:            EventConnectionStateChanged,
		SessionID:       m.session.ID,
		ConnectionState: state,
	})
	switch state {
	case internal_media.StateConnected:
		if m.session.Status == StateConnecting {
			m.toActive()
		} else if m.session.Status == StateActive && m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
		}
	case internal_media.StateDisconnected:
		if m.session.Status == StateActive && m.graceTimer == nil {
			// Transient drop. Give ICE a window to restore the pair before
			// declaring the call dead.
			m.graceTimer = time.AfterFunc(10*time.Second, func() {
				m.post(inboxItem{kind: inboxGraceTimeout})
			})
		}
	case internal_media.StateFailed:
		m.finish(StateFailed, EndReasonFailed, internal_signal.KindEnd,
			NewCallError(CodeConnectionFailed, errors.New("peer connection failed")))
	}
}

func (m *machine) toConnecting() {
	if m.answerTimer != nil {
		m.answerTimer.Stop()
		m.answerTimer = nil
	}
	m.session.Status = StateConnecting
	m.connectTimer = time.AfterFunc(m.connectTimeout, func() {
		m.post(inboxItem{kind: inboxConnectTimeout})
	})
	m.emitUpdate()
}

func (m *machine) toActive() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	now := time.Now()
	m.session.Status = StateActive
	m.session.ConnectedAt = &now
	if m.monitor != nil {
		m.monitor.Start()
	}
	m.emitUpdate()
}

// finish moves the session to a terminal state exactly once and tears the
// machine down synchronously: timers, monitor, engine, signaling
// subscription, registry entry. notify names the control signal sent to the
// peer, "" when the terminal state was caused by the peer's own signal.
func (m *machine) finish(status State, reason string, notify internal_signal.Kind, callErr *CallError) {
	for _, t := range []*time.Timer{m.answerTimer, m.connectTimer, m.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.answerTimer, m.connectTimer, m.graceTimer = nil, nil, nil

	if m.monitor != nil {
		m.monitor.Stop()
	}

	if notify != "" {
		msg := &internal_signal.Message{
			SessionID:  m.session.ID,
			FromUserID: m.localUserID,
			ToUserID:   m.session.Peer(m.localUserID),
			Type:       notify,
			Reason:     reason,
		}
		if err := m.channel.Publish(context.Background(), m.localUserID, msg); err != nil {
			m.logger.Debugf("terminal notify publish failed: %v", err)
		}
	}

	m.session.finish(time.Now(), status, reason)

	if err := m.engine.Close(); err != nil {
		m.logger.Warnw("engine close failed", "sessionId", m.session.ID, "error", err)
	}
	m.channel.UnsubscribeSession(m.session.ID, m.localUserID)
	m.registry.Remove(m.session.ID)

	if callErr != nil {
		m.emitTo(m.localUserID, Event{Type: EventError, SessionID: m.session.ID, Error: callErr})
	}
	m.emitUpdate()

	close(m.done)
	if m.onTerminal != nil {
		m.onTerminal(m.session.ID)
	}
	m.logger.Infow("call session finished",
		"sessionId", m.session.ID,
		"status", status,
		"reason", reason,
		"durationSeconds", m.session.DurationSeconds)
}

func (m *machine) emitUpdate() {
	snapshot := *m.session
	m.emitTo(m.localUserID, Event{Type: EventCallUpdated, SessionID: m.session.ID, Session: &snapshot})
}

func (m *machine) emitTo(userID string, ev Event) {
	if m.emit != nil {
		m.emit(userID, ev)
	}
}
