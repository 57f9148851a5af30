// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_authz "github.com/medicamovil/internal/authz"
	internal_media "github.com/medicamovil/internal/media"
	internal_quality "github.com/medicamovil/internal/quality"
	internal_ratelimit "github.com/medicamovil/internal/ratelimit"
	internal_registry "github.com/medicamovil/internal/registry"
	internal_signal "github.com/medicamovil/internal/signal"
	internal_signaling "github.com/medicamovil/internal/signaling"
	"github.com/medicamovil/pkg/commons"
)

const eventBuffer = 64

type sessionKey struct {
	sessionID string
	userID    string
}

// Options tune the orchestrator's timers. Zero values fall back to the
// production defaults.
type Options struct {
	AnswerTimeout   time.Duration
	ConnectTimeout  time.Duration
	QualityInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = 45 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.QualityInterval <= 0 {
		o.QualityInterval = 2 * time.Second
	}
	return o
}

// CallOrchestrator is the single entry point for everything call related:
// it owns the authorization gate, the rate limiter, the session registry,
// the signaling channel and the per-session machines for users attached to
// this instance.
type CallOrchestrator struct {
	logger   commons.Logger
	gate     *internal_authz.CallAuthorizationGate
	limiter  *internal_ratelimit.RateLimiter
	registry *internal_registry.SessionRegistry
	channel  *internal_signaling.Channel
	factory  internal_media.EngineFactory
	opts     Options

	mu sync.Mutex
	// sessions holds the machines running on this instance. Both sides of
	// a call can live here, so the key includes the local participant.
	sessions map[sessionKey]*machine
	// byUser enforces the one-active-session rule per local participant.
	byUser map[string]string
	// subscribers fan events out per user, one channel per attached socket.
	subscribers map[string]map[chan Event]struct{}
	// attached tracks users with a live invite subscription.
	attached map[string]struct{}
}

func NewCallOrchestrator(
	logger commons.Logger,
	gate *internal_authz.CallAuthorizationGate,
	limiter *internal_ratelimit.RateLimiter,
	registry *internal_registry.SessionRegistry,
	channel *internal_signaling.Channel,
	factory internal_media.EngineFactory,
	opts Options,
) *CallOrchestrator {
	return &CallOrchestrator{
		logger:      logger,
		gate:        gate,
		limiter:     limiter,
		registry:    registry,
		channel:     channel,
		factory:     factory,
		opts:        opts.withDefaults(),
		sessions:    make(map[sessionKey]*machine),
		byUser:      make(map[string]string),
		subscribers: make(map[string]map[chan Event]struct{}),
		attached:    make(map[string]struct{}),
	}
}

// ==== event stream ====

// Subscribe opens an event stream for userID. The returned cancel func
// closes the stream. Slow consumers lose events rather than stalling the
// call machines.
func (o *CallOrchestrator) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	o.mu.Lock()
	set, ok := o.subscribers[userID]
	if !ok {
		set = make(map[chan Event]struct{})
		o.subscribers[userID] = set
	}
	set[ch] = struct{}{}
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		if set, ok := o.subscribers[userID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(o.subscribers, userID)
				}
			}
		}
		o.mu.Unlock()
	}
	return ch, cancel
}

func (o *CallOrchestrator) emit(userID string, ev Event) {
	o.mu.Lock()
	set := o.subscribers[userID]
	chans := make([]chan Event, 0, len(set))
	for ch := range set {
		chans = append(chans, ch)
	}
	o.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			o.logger.Warnw("event dropped for slow consumer", "userId", userID, "type", ev.Type)
		}
	}
}

// ==== attachment ====

// Attach registers userID as reachable on this instance and subscribes
// their invite topic so incoming offers can ring here.
func (o *CallOrchestrator) Attach(ctx context.Context, userID string) error {
	o.mu.Lock()
	if _, ok := o.attached[userID]; ok {
		o.mu.Unlock()
		return nil
	}
	o.attached[userID] = struct{}{}
	o.mu.Unlock()

	if err := o.channel.SubscribeInvites(ctx, userID, func(msg *internal_signal.Message) {
		o.handleIncomingOffer(msg)
	}); err != nil {
		o.mu.Lock()
		delete(o.attached, userID)
		o.mu.Unlock()
		return NewCallError(CodeSignalingFailed, err)
	}
	return nil
}

// Detach drops the invite subscription and ends any session the user still
// holds. Called when the user's last socket goes away.
func (o *CallOrchestrator) Detach(userID string) {
	o.mu.Lock()
	delete(o.attached, userID)
	o.mu.Unlock()
	o.channel.UnsubscribeInvites(userID)
	o.HandleDisconnect(userID)
}

// HandleDisconnect ends the user's active session with the disconnect
// reason so the peer learns the call is over.
func (o *CallOrchestrator) HandleDisconnect(userID string) {
	o.mu.Lock()
	sessionID, busy := o.byUser[userID]
	m := o.sessions[sessionKey{sessionID, userID}]
	o.mu.Unlock()
	if !busy || m == nil {
		return
	}
	if err := m.post(inboxItem{kind: inboxEnd, reason: EndReasonDisconnect}); err != nil {
		o.logger.Debugf("disconnect end for finished session %s: %v", sessionID, err)
	}
}

// ==== commands ====

// StartCall places an outgoing call from callerID to calleeID inside
// roomID. It admits the attempt through the rate limiter, verifies the
// care relationship, rejects busy participants and only then spins up the
// session machine.
func (o *CallOrchestrator) StartCall(ctx context.Context, callerID, calleeID, roomID, callType string) (*CallSession, error) {
	if callType != CallTypeVideo && callType != CallTypeAudio {
		return nil, NewCallError(CodeSignalingFailed, fmt.Errorf("unknown call type %q", callType))
	}
	if !o.limiter.CheckRateLimit(callerID, internal_ratelimit.OpStartCall) {
		return nil, NewCallError(CodeRateLimited, nil)
	}
	perms := o.gate.VerifyCallPermissions(ctx, callerID, roomID, calleeID)
	if !perms.Allowed() {
		return nil, NewCallError(CodeAuthorizationDenied, nil)
	}

	o.mu.Lock()
	if _, busy := o.byUser[callerID]; busy {
		o.mu.Unlock()
		return nil, NewCallError(CodeCallBusy, fmt.Errorf("caller %s already in a call", callerID))
	}
	if _, busy := o.byUser[calleeID]; busy {
		o.mu.Unlock()
		return nil, NewCallError(CodeCallBusy, fmt.Errorf("callee %s already in a call", calleeID))
	}
	o.mu.Unlock()

	engine, err := o.factory(callType)
	if err != nil {
		return nil, NewCallError(CodeConnectionFailed, err)
	}

	session := &CallSession{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: calleeID,
		RoomID:     roomID,
		CallType:   callType,
		Status:     StateIdle,
		StartedAt:  time.Now(),
		Media: internal_media.MediaState{
			CameraEnabled:      callType == CallTypeVideo,
			MicEnabled:         true,
			LocalStreamPresent: true,
		},
	}
	m := o.buildMachine(session, callerID, engine)

	o.registry.Add(session.ID, callerID, calleeID)
	if err := m.startAsCaller(ctx); err != nil {
		o.registry.Remove(session.ID)
		engine.Close()
		return nil, err
	}

	o.mu.Lock()
	o.sessions[sessionKey{session.ID, callerID}] = m
	o.byUser[callerID] = session.ID
	o.mu.Unlock()

	snapshot := *session
	o.emit(callerID, Event{Type: EventCallCreated, SessionID: session.ID, Session: &snapshot})
	o.logger.Infow("call started",
		"sessionId", session.ID, "callerId", callerID, "calleeId", calleeID, "callType", callType)
	return &snapshot, nil
}

// handleIncomingOffer rings a new session for a validated offer delivered
// on the local user's invite topic. The receiving side runs its own
// authorization check; trust in the sender's instance is not assumed.
func (o *CallOrchestrator) handleIncomingOffer(msg *internal_signal.Message) {
	ctx := context.Background()
	calleeID := msg.ToUserID

	perms := o.gate.VerifyCallPermissions(ctx, msg.FromUserID, msg.RoomID, calleeID)
	if !perms.Allowed() {
		o.logger.Warnw("security: incoming offer failed authorization",
			"fromUserId", msg.FromUserID, "toUserId", calleeID, "roomId", msg.RoomID)
		return
	}

	o.mu.Lock()
	if _, busy := o.byUser[calleeID]; busy {
		o.mu.Unlock()
		o.declineBusy(ctx, msg)
		return
	}
	o.mu.Unlock()

	engine, err := o.factory(msg.CallType)
	if err != nil {
		o.logger.Errorw("failed to build engine for incoming call",
			"sessionId", msg.SessionID, "error", err)
		return
	}

	session := &CallSession{
		ID:         msg.SessionID,
		CallerID:   msg.FromUserID,
		ReceiverID: calleeID,
		RoomID:     msg.RoomID,
		CallType:   msg.CallType,
		Status:     StateIdle,
		StartedAt:  time.Now(),
		Media: internal_media.MediaState{
			CameraEnabled:      msg.CallType == CallTypeVideo,
			MicEnabled:         true,
			LocalStreamPresent: true,
		},
	}
	m := o.buildMachine(session, calleeID, engine)

	if err := m.startAsReceiver(ctx, msg); err != nil {
		engine.Close()
		o.logger.Errorw("failed to ring incoming call", "sessionId", msg.SessionID, "error", err)
		return
	}

	o.mu.Lock()
	o.sessions[sessionKey{session.ID, calleeID}] = m
	o.byUser[calleeID] = session.ID
	o.mu.Unlock()

	snapshot := *session
	o.emit(calleeID, Event{Type: EventIncomingCall, SessionID: session.ID, Session: &snapshot})
	o.logger.Infow("incoming call ringing",
		"sessionId", session.ID, "callerId", msg.FromUserID, "calleeId", calleeID)
}

// declineBusy answers an offer for an already-busy callee without ringing.
func (o *CallOrchestrator) declineBusy(ctx context.Context, offer *internal_signal.Message) {
	decline := &internal_signal.Message{
		SessionID:  offer.SessionID,
		FromUserID: offer.ToUserID,
		ToUserID:   offer.FromUserID,
		Type:       internal_signal.KindDecline,
		Reason:     EndReasonBusy,
	}
	if err := o.channel.Publish(ctx, offer.ToUserID, decline); err != nil {
		o.logger.Warnw("failed to publish busy decline",
			"sessionId", offer.SessionID, "error", err)
	}
}

// AnswerCall accepts or declines a ringing call on behalf of userID.
func (o *CallOrchestrator) AnswerCall(ctx context.Context, userID, sessionID string, accept bool) error {
	if !o.limiter.CheckRateLimit(userID, internal_ratelimit.OpAnswerCall) {
		return NewCallError(CodeRateLimited, nil)
	}
	m, err := o.machineFor(userID, sessionID)
	if err != nil {
		return err
	}
	if m.session.ReceiverID != userID {
		o.logger.Warnw("security: answer attempt by non-receiver",
			"sessionId", sessionID, "userId", userID)
		return NewCallError(CodeAuthorizationDenied, nil)
	}
	kind := inboxAccept
	if !accept {
		kind = inboxDecline
	}
	return m.postSync(inboxItem{kind: kind})
}

// EndCall hangs up the user's side of the session.
func (o *CallOrchestrator) EndCall(ctx context.Context, userID, sessionID string) error {
	m, err := o.machineFor(userID, sessionID)
	if err != nil {
		return err
	}
	return m.postSync(inboxItem{kind: inboxEnd, reason: EndReasonHangup})
}

// ToggleCamera flips the local camera flag and emits the updated session.
func (o *CallOrchestrator) ToggleCamera(userID, sessionID string) error {
	m, err := o.machineFor(userID, sessionID)
	if err != nil {
		return err
	}
	return m.postSync(inboxItem{kind: inboxToggleCamera})
}

// ToggleMicrophone flips the local microphone flag.
func (o *CallOrchestrator) ToggleMicrophone(userID, sessionID string) error {
	m, err := o.machineFor(userID, sessionID)
	if err != nil {
		return err
	}
	return m.postSync(inboxItem{kind: inboxToggleMic})
}

// SetVideoQuality pins the video preset manually, suspending the adaptive
// loop for this session.
func (o *CallOrchestrator) SetVideoQuality(userID, sessionID string, preset internal_media.VideoPreset) error {
	m, err := o.machineFor(userID, sessionID)
	if err != nil {
		return err
	}
	if m.monitor == nil {
		return NewCallError(CodeSignalingFailed, fmt.Errorf("session %s has no quality monitor", sessionID))
	}
	if err := m.monitor.SetVideoQuality(preset); err != nil {
		return AsCallError(err, CodeConnectionFailed)
	}
	return nil
}

// SetAdaptiveQuality re-enables or disables automatic preset selection.
func (o *CallOrchestrator) SetAdaptiveQuality(userID, sessionID string, enabled bool) error {
	m, err := o.machineFor(userID, sessionID)
	if err != nil {
		return err
	}
	if m.monitor == nil {
		return NewCallError(CodeSignalingFailed, fmt.Errorf("session %s has no quality monitor", sessionID))
	}
	m.monitor.SetAdaptiveQuality(enabled)
	return nil
}

// Session returns a snapshot of the user's session, or nil when none runs
// on this instance.
func (o *CallOrchestrator) Session(userID string) *CallSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	sessionID, ok := o.byUser[userID]
	if !ok {
		return nil
	}
	m, ok := o.sessions[sessionKey{sessionID, userID}]
	if !ok {
		return nil
	}
	snapshot := *m.session
	return &snapshot
}

// Shutdown ends every running session. Used on process stop so peers get
// end signals instead of silence.
func (o *CallOrchestrator) Shutdown() {
	o.mu.Lock()
	machines := make([]*machine, 0, len(o.sessions))
	for _, m := range o.sessions {
		machines = append(machines, m)
	}
	o.mu.Unlock()
	for _, m := range machines {
		m.postSync(inboxItem{kind: inboxEnd, reason: EndReasonDisconnect})
	}
}

// ==== internals ====

func (o *CallOrchestrator) buildMachine(session *CallSession, localUserID string, engine internal_media.Engine) *machine {
	deps := machineDeps{
		logger:         o.logger,
		channel:        o.channel,
		registry:       o.registry,
		engine:         engine,
		answerTimeout:  o.opts.AnswerTimeout,
		connectTimeout: o.opts.ConnectTimeout,
		emit:           o.emit,
	}
	m := newMachine(deps, session, localUserID)
	m.onTerminal = func(string) { o.releaseMachine(m) }
	m.monitor = internal_quality.NewConnectionQualityMonitor(
		o.logger, engine, engine, o.opts.QualityInterval,
		func(r internal_quality.Report) {
			m.post(inboxItem{kind: inboxQuality, report: r})
		},
	)
	return m
}

func (o *CallOrchestrator) releaseMachine(m *machine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, sessionKey{m.session.ID, m.localUserID})
	if o.byUser[m.localUserID] == m.session.ID {
		delete(o.byUser, m.localUserID)
	}
}

// machineFor resolves the machine serving userID's side of sessionID.
// Commands for a session the user is not part of are a security event.
func (o *CallOrchestrator) machineFor(userID, sessionID string) (*machine, error) {
	o.mu.Lock()
	m, ok := o.sessions[sessionKey{sessionID, userID}]
	foreign := false
	if !ok {
		for key := range o.sessions {
			if key.sessionID == sessionID {
				foreign = true
				break
			}
		}
	}
	o.mu.Unlock()
	if foreign {
		o.logger.Warnw("security: command for foreign session",
			"sessionId", sessionID, "userId", userID)
		return nil, NewCallError(CodeAuthorizationDenied, nil)
	}
	if !ok {
		return nil, NewCallError(CodeSignalingFailed, fmt.Errorf("no active session %s", sessionID))
	}
	return m, nil
}
