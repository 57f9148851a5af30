// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_authz "github.com/medicamovil/internal/authz"
	internal_media "github.com/medicamovil/internal/media"
	internal_ratelimit "github.com/medicamovil/internal/ratelimit"
	internal_registry "github.com/medicamovil/internal/registry"
	internal_signal "github.com/medicamovil/internal/signal"
	internal_signaling "github.com/medicamovil/internal/signaling"
	"github.com/medicamovil/pkg/commons"
)

// ==== fakes ====

type fakeEngine struct {
	mu          sync.Mutex
	closed      bool
	remoteOffer string
	answerSDP   string
	candidates  []internal_signal.ICECandidate
	stats       internal_media.Stats
	failOffer   error

	onState  func(internal_media.ConnectionState)
	onICE    func(internal_signal.ICECandidate)
	onRemote func()
}

func (f *fakeEngine) CreateOffer(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer != nil {
		return "", f.failOffer
	}
	return "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=offer\r\n", nil
}

func (f *fakeEngine) CreateAnswer(_ context.Context, remoteOfferSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteOffer = remoteOfferSDP
	return "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=answer\r\n", nil
}

func (f *fakeEngine) SetRemoteAnswer(_ context.Context, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerSDP = sdp
	return nil
}

func (f *fakeEngine) AddICECandidate(c internal_signal.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeEngine) GetStats(_ context.Context) (internal_media.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeEngine) ApplyVideoPreset(internal_media.VideoPreset) error { return nil }

func (f *fakeEngine) OnConnectionStateChange(cb func(internal_media.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = cb
}

func (f *fakeEngine) OnICECandidate(cb func(internal_signal.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = cb
}

func (f *fakeEngine) OnRemoteStream(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRemote = cb
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) fireState(s internal_media.ConnectionState) {
	f.mu.Lock()
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeEngine) seenRemoteOffer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteOffer
}

func (f *fakeEngine) seenRemoteAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerSDP
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *fakeFactory) build(string) (internal_media.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.engines) {
		return nil
	}
	return f.engines[i]
}

type allowAllStore struct{}

func (allowAllStore) HasActiveRelationship(context.Context, string, string) (bool, error) {
	return true, nil
}
func (allowAllStore) IsRoomParticipant(context.Context, string, string) (bool, error) {
	return true, nil
}

type denyAllStore struct{}

func (denyAllStore) HasActiveRelationship(context.Context, string, string) (bool, error) {
	return false, nil
}
func (denyAllStore) IsRoomParticipant(context.Context, string, string) (bool, error) {
	return false, nil
}

// ==== harness ====

type harness struct {
	orch     *CallOrchestrator
	factory  *fakeFactory
	registry *internal_registry.SessionRegistry
	limiter  *internal_ratelimit.RateLimiter
	channel  *internal_signaling.Channel
}

func newHarness(t *testing.T, store internal_authz.RelationshipStore, opts Options) *harness {
	t.Helper()
	logger := commons.NewTestLogger()
	registry := internal_registry.NewSessionRegistry(logger)
	t.Cleanup(registry.Stop)

	limiter := internal_ratelimit.NewRateLimiter(logger, map[internal_ratelimit.Operation]internal_ratelimit.Limit{
		internal_ratelimit.OpStartCall:  {MaxAttempts: 100, Window: time.Minute},
		internal_ratelimit.OpAnswerCall: {MaxAttempts: 100, Window: time.Minute},
		internal_ratelimit.OpSignal:     {MaxAttempts: 10000, Window: time.Minute},
	})
	t.Cleanup(limiter.Stop)

	transport := internal_signaling.NewMemoryTransport(logger)
	t.Cleanup(func() { transport.Close() })
	channel := internal_signaling.NewChannel(transport, registry, logger)

	gate := internal_authz.NewCallAuthorizationGate(store, logger)
	factory := &fakeFactory{}
	if opts.QualityInterval == 0 {
		opts.QualityInterval = time.Minute
	}
	if opts.AnswerTimeout == 0 {
		opts.AnswerTimeout = time.Minute
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Minute
	}
	orch := NewCallOrchestrator(logger, gate, limiter, registry, channel, factory.build, opts)
	return &harness{orch: orch, factory: factory, registry: registry, limiter: limiter, channel: channel}
}

func attach(t *testing.T, h *harness, userID string) (<-chan Event, func()) {
	t.Helper()
	require.NoError(t, h.orch.Attach(context.Background(), userID))
	ch, cancel := h.orch.Subscribe(userID)
	t.Cleanup(cancel)
	t.Cleanup(func() { h.orch.Detach(userID) })
	return ch, cancel
}

// waitFor drains the stream until match accepts an event or the deadline
// passes.
func waitFor(t *testing.T, ch <-chan Event, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func statusEvent(status State) func(Event) bool {
	return func(ev Event) bool {
		return ev.Type == EventCallUpdated && ev.Session != nil && ev.Session.Status == status
	}
}

// ==== tests ====

func TestSuccessfulCallLifecycle(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, StateCalling, session.Status)
	assert.Equal(t, "patient-1", session.CallerID)
	assert.True(t, session.Media.CameraEnabled, "video call starts with camera on")

	waitFor(t, callerCh, "call_created", func(ev Event) bool { return ev.Type == EventCallCreated })

	incoming := waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })
	require.NotNil(t, incoming.Session)
	assert.Equal(t, StateRinging, incoming.Session.Status)
	assert.Equal(t, session.ID, incoming.Session.ID, "both sides share the session id")

	require.NoError(t, h.orch.AnswerCall(ctx, "doctor-1", session.ID, true))
	waitFor(t, calleeCh, "callee connecting", statusEvent(StateConnecting))
	waitFor(t, callerCh, "caller connecting", statusEvent(StateConnecting))

	callerEngine := h.factory.engine(0)
	calleeEngine := h.factory.engine(1)
	require.NotNil(t, callerEngine)
	require.NotNil(t, calleeEngine)
	assert.NotEmpty(t, calleeEngine.seenRemoteOffer(), "receiver engine saw the relayed offer")
	assert.NotEmpty(t, callerEngine.seenRemoteAnswer(), "caller engine saw the relayed answer")

	callerEngine.fireState(internal_media.StateConnected)
	calleeEngine.fireState(internal_media.StateConnected)
	active := waitFor(t, callerCh, "caller active", statusEvent(StateActive))
	require.NotNil(t, active.Session.ConnectedAt)
	waitFor(t, calleeCh, "callee active", statusEvent(StateActive))

	require.NoError(t, h.orch.EndCall(ctx, "patient-1", session.ID))
	ended := waitFor(t, callerCh, "caller ended", statusEvent(StateEnded))
	assert.Equal(t, EndReasonHangup, ended.Session.EndReason)
	waitFor(t, calleeCh, "callee ended", statusEvent(StateEnded))

	assert.Eventually(t, func() bool { return h.orch.Session("patient-1") == nil }, time.Second, 10*time.Millisecond,
		"caller slot must free after teardown")
	assert.Eventually(t, func() bool { return h.orch.Session("doctor-1") == nil }, time.Second, 10*time.Millisecond,
		"callee slot must free after teardown")
	assert.True(t, callerEngine.isClosed(), "caller engine closed on teardown")
	assert.True(t, calleeEngine.isClosed(), "callee engine closed on teardown")
}

func TestDeclinedCall(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeAudio)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })

	require.NoError(t, h.orch.AnswerCall(ctx, "doctor-1", session.ID, false))
	callee := waitFor(t, calleeCh, "callee declined", statusEvent(StateDeclined))
	assert.Equal(t, EndReasonDeclined, callee.Session.EndReason)

	caller := waitFor(t, callerCh, "caller declined", statusEvent(StateDeclined))
	assert.Equal(t, EndReasonDeclined, caller.Session.EndReason)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{AnswerTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	_, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })

	caller := waitFor(t, callerCh, "caller timeout", statusEvent(StateEnded))
	assert.Equal(t, EndReasonTimeout, caller.Session.EndReason)
	waitFor(t, calleeCh, "callee timeout", statusEvent(StateEnded))
}

func TestConnectTimeoutFailsCall(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{ConnectTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })
	require.NoError(t, h.orch.AnswerCall(ctx, "doctor-1", session.ID, true))

	// Neither engine ever reaches connected.
	failed := waitFor(t, callerCh, "caller failed", statusEvent(StateFailed))
	assert.Equal(t, EndReasonFailed, failed.Session.EndReason)
	errEv := waitFor(t, callerCh, "caller error event", func(ev Event) bool { return ev.Type == EventError })
	require.NotNil(t, errEv.Error)
	assert.Equal(t, CodeConnectionFailed, errEv.Error.Code)
}

func TestDisconnectEndsSessionAndNotifiesPeer(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })
	require.NoError(t, h.orch.AnswerCall(ctx, "doctor-1", session.ID, true))
	h.factory.engine(0).fireState(internal_media.StateConnected)
	h.factory.engine(1).fireState(internal_media.StateConnected)
	waitFor(t, callerCh, "caller active", statusEvent(StateActive))

	h.orch.HandleDisconnect("patient-1")
	caller := waitFor(t, callerCh, "caller ended", statusEvent(StateEnded))
	assert.Equal(t, EndReasonDisconnect, caller.Session.EndReason)
	callee := waitFor(t, calleeCh, "callee ended", statusEvent(StateEnded))
	assert.Equal(t, EndReasonDisconnect, callee.Session.EndReason)
}

func TestStartCallRejectsUnauthorizedCaller(t *testing.T) {
	h := newHarness(t, denyAllStore{}, Options{})
	attach(t, h, "patient-1")

	_, err := h.orch.StartCall(context.Background(), "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.Error(t, err)
	ce := AsCallError(err, CodeSignalingFailed)
	assert.Equal(t, CodeAuthorizationDenied, ce.Code)
	assert.Nil(t, h.orch.Session("patient-1"), "denied call must not leave a session behind")
}

func TestStartCallRateLimited(t *testing.T) {
	logger := commons.NewTestLogger()
	registry := internal_registry.NewSessionRegistry(logger)
	t.Cleanup(registry.Stop)
	limiter := internal_ratelimit.NewRateLimiter(logger, map[internal_ratelimit.Operation]internal_ratelimit.Limit{
		internal_ratelimit.OpStartCall: {MaxAttempts: 1, Window: time.Minute},
	})
	t.Cleanup(limiter.Stop)
	transport := internal_signaling.NewMemoryTransport(logger)
	t.Cleanup(func() { transport.Close() })
	channel := internal_signaling.NewChannel(transport, registry, logger)
	factory := &fakeFactory{}
	orch := NewCallOrchestrator(logger, internal_authz.NewCallAuthorizationGate(allowAllStore{}, logger),
		limiter, registry, channel, factory.build, Options{QualityInterval: time.Minute})

	ctx := context.Background()
	require.NoError(t, orch.Attach(ctx, "patient-1"))
	_, err := orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)

	_, err = orch.StartCall(ctx, "patient-1", "doctor-2", "room-2", CallTypeVideo)
	require.Error(t, err)
	ce := AsCallError(err, CodeSignalingFailed)
	assert.Equal(t, CodeRateLimited, ce.Code, "second attempt within the window must be rate limited")
}

func TestStartCallWhileBusyRejected(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	_, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })

	_, err = h.orch.StartCall(ctx, "patient-1", "doctor-2", "room-2", CallTypeVideo)
	require.Error(t, err)
	assert.Equal(t, CodeCallBusy, AsCallError(err, CodeSignalingFailed).Code, "caller already holds a session")

	_, err = h.orch.StartCall(ctx, "patient-2", "doctor-1", "room-3", CallTypeVideo)
	require.Error(t, err)
	assert.Equal(t, CodeCallBusy, AsCallError(err, CodeSignalingFailed).Code, "ringing callee counts as busy")
}

func TestCommandsOnForeignSessionRejected(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })

	err = h.orch.EndCall(ctx, "intruder", session.ID)
	require.Error(t, err)
	assert.Equal(t, CodeAuthorizationDenied, AsCallError(err, CodeSignalingFailed).Code)

	err = h.orch.AnswerCall(ctx, "patient-1", session.ID, true)
	require.Error(t, err)
	assert.Equal(t, CodeAuthorizationDenied, AsCallError(err, CodeSignalingFailed).Code,
		"only the receiver may answer")
}

func TestMediaTogglesEmitUpdatedState(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })

	require.NoError(t, h.orch.ToggleCamera("patient-1", session.ID))
	ev := waitFor(t, callerCh, "camera off update", func(ev Event) bool {
		return ev.Type == EventCallUpdated && ev.Session != nil && !ev.Session.Media.CameraEnabled
	})
	assert.True(t, ev.Session.Media.MicEnabled, "mic untouched by camera toggle")

	require.NoError(t, h.orch.ToggleMicrophone("patient-1", session.ID))
	waitFor(t, callerCh, "mic off update", func(ev Event) bool {
		return ev.Type == EventCallUpdated && ev.Session != nil && !ev.Session.Media.MicEnabled
	})
}

func TestTerminalSessionAcceptsNoFurtherCommands(t *testing.T) {
	h := newHarness(t, allowAllStore{}, Options{})
	ctx := context.Background()
	callerCh, _ := attach(t, h, "patient-1")
	calleeCh, _ := attach(t, h, "doctor-1")

	session, err := h.orch.StartCall(ctx, "patient-1", "doctor-1", "room-1", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, calleeCh, "incoming_call", func(ev Event) bool { return ev.Type == EventIncomingCall })
	require.NoError(t, h.orch.EndCall(ctx, "patient-1", session.ID))
	waitFor(t, callerCh, "caller ended", statusEvent(StateEnded))

	assert.Eventually(t, func() bool {
		return h.orch.Session("patient-1") == nil
	}, time.Second, 10*time.Millisecond)

	err = h.orch.EndCall(ctx, "patient-1", session.ID)
	require.Error(t, err, "commands against a finished session must fail")
}

func TestAcceptAfterTimeoutIsNoOp(t *testing.T) {
	// Drive a receiver machine directly so the two racing items land on the
	// inbox in a controlled order.
	logger := commons.NewTestLogger()
	registry := internal_registry.NewSessionRegistry(logger)
	t.Cleanup(registry.Stop)
	transport := internal_signaling.NewMemoryTransport(logger)
	t.Cleanup(func() { transport.Close() })
	channel := internal_signaling.NewChannel(transport, registry, logger)

	engine := &fakeEngine{}
	session := &CallSession{
		ID:         "session-race",
		CallerID:   "patient-1",
		ReceiverID: "doctor-1",
		RoomID:     "room-1",
		CallType:   CallTypeVideo,
		Status:     StateIdle,
		StartedAt:  time.Now(),
	}
	m := newMachine(machineDeps{
		logger:         logger,
		channel:        channel,
		registry:       registry,
		engine:         engine,
		answerTimeout:  time.Hour,
		connectTimeout: time.Hour,
	}, session, "doctor-1")
	registry.Add(session.ID, session.CallerID, session.ReceiverID)

	offer := &internal_signal.Message{
		SessionID:  session.ID,
		FromUserID: "patient-1",
		ToUserID:   "doctor-1",
		Type:       internal_signal.KindOffer,
		SDP:        "v=0\r\ns=offer\r\n",
		RoomID:     "room-1",
		CallType:   CallTypeVideo,
	}
	require.NoError(t, m.startAsReceiver(context.Background(), offer))

	// Timeout first, then the user's accept. Whichever serialized first
	// wins; the loser lands on a terminal session and is ignored.
	require.NoError(t, m.postSync(inboxItem{kind: inboxAnswerTimeout}))
	assert.Equal(t, StateEnded, session.Status)
	assert.Equal(t, EndReasonTimeout, session.EndReason)

	err := m.postSync(inboxItem{kind: inboxAccept})
	require.Error(t, err, "machine is gone, late accept must be rejected")
	assert.Equal(t, StateEnded, session.Status, "late accept must not resurrect the session")
	assert.True(t, engine.isClosed())
}

func TestTimeoutAfterAcceptIsNoOp(t *testing.T) {
	logger := commons.NewTestLogger()
	registry := internal_registry.NewSessionRegistry(logger)
	t.Cleanup(registry.Stop)
	transport := internal_signaling.NewMemoryTransport(logger)
	t.Cleanup(func() { transport.Close() })
	channel := internal_signaling.NewChannel(transport, registry, logger)

	engine := &fakeEngine{}
	session := &CallSession{
		ID:         "session-race-2",
		CallerID:   "patient-1",
		ReceiverID: "doctor-1",
		RoomID:     "room-1",
		CallType:   CallTypeVideo,
		Status:     StateIdle,
		StartedAt:  time.Now(),
	}
	m := newMachine(machineDeps{
		logger:         logger,
		channel:        channel,
		registry:       registry,
		engine:         engine,
		answerTimeout:  time.Hour,
		connectTimeout: time.Hour,
	}, session, "doctor-1")
	registry.Add(session.ID, session.CallerID, session.ReceiverID)

	offer := &internal_signal.Message{
		SessionID:  session.ID,
		FromUserID: "patient-1",
		ToUserID:   "doctor-1",
		Type:       internal_signal.KindOffer,
		SDP:        "v=0\r\ns=offer\r\n",
		RoomID:     "room-1",
		CallType:   CallTypeVideo,
	}
	require.NoError(t, m.startAsReceiver(context.Background(), offer))

	require.NoError(t, m.postSync(inboxItem{kind: inboxAccept}))
	assert.Equal(t, StateConnecting, session.Status)

	// A stale timeout that lost the race arrives afterwards.
	require.NoError(t, m.postSync(inboxItem{kind: inboxAnswerTimeout}))
	assert.Equal(t, StateConnecting, session.Status, "stale answer timeout must not end a connecting call")

	require.NoError(t, m.postSync(inboxItem{kind: inboxEnd, reason: EndReasonHangup}))
	assert.Equal(t, StateEnded, session.Status)
}

func TestCrossInstanceBusyDecline(t *testing.T) {
	// Two orchestrator instances sharing one transport: the callee is busy
	// on the second instance, so its orchestrator declines without ringing.
	logger := commons.NewTestLogger()
	transport := internal_signaling.NewMemoryTransport(logger)
	t.Cleanup(func() { transport.Close() })

	build := func() (*CallOrchestrator, *fakeFactory, *internal_registry.SessionRegistry) {
		registry := internal_registry.NewSessionRegistry(logger)
		t.Cleanup(registry.Stop)
		limiter := internal_ratelimit.NewRateLimiter(logger, internal_ratelimit.DefaultLimits())
		t.Cleanup(limiter.Stop)
		channel := internal_signaling.NewChannel(transport, registry, logger)
		factory := &fakeFactory{}
		orch := NewCallOrchestrator(logger, internal_authz.NewCallAuthorizationGate(allowAllStore{}, logger),
			limiter, registry, channel, factory.build,
			Options{QualityInterval: time.Minute, AnswerTimeout: time.Minute, ConnectTimeout: time.Minute})
		return orch, factory, registry
	}

	orchA, _, _ := build()
	orchB, _, _ := build()
	ctx := context.Background()

	// doctor-1 and patient-2 live on instance B and are already in a call.
	require.NoError(t, orchB.Attach(ctx, "doctor-1"))
	require.NoError(t, orchB.Attach(ctx, "patient-2"))
	docCh, _ := orchB.Subscribe("doctor-1")
	_, err := orchB.StartCall(ctx, "patient-2", "doctor-1", "room-b", CallTypeVideo)
	require.NoError(t, err)
	waitFor(t, docCh, "incoming_call on B", func(ev Event) bool { return ev.Type == EventIncomingCall })

	// patient-1 on instance A calls the busy doctor.
	require.NoError(t, orchA.Attach(ctx, "patient-1"))
	patCh, _ := orchA.Subscribe("patient-1")
	_, err = orchA.StartCall(ctx, "patient-1", "doctor-1", "room-a", CallTypeVideo)
	require.NoError(t, err, "the calling instance cannot know the callee is busy elsewhere")

	declined := waitFor(t, patCh, "busy decline", statusEvent(StateDeclined))
	assert.Equal(t, EndReasonBusy, declined.Session.EndReason)
}

func TestCallErrorTaxonomy(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		recovery RecoveryAction
	}{
		{CodeMediaAccessDenied, RecoveryGrantAccess},
		{CodeDeviceNotFound, RecoveryCheckDevices},
		{CodeUnsupportedEnvironment, RecoverySwitchBrowser},
		{CodeRateLimited, RecoveryWait},
		{CodeCallBusy, RecoveryWait},
		{CodeConnectionFailed, RecoveryRetry},
		{CodeAuthorizationDenied, RecoveryNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := NewCallError(tt.code, errors.New("boom"))
			assert.Equal(t, tt.recovery, e.Recovery)
			assert.NotEmpty(t, e.Message, "every code carries user-facing copy")
			assert.ErrorContains(t, e, "boom")
		})
	}
}
