// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	internal_registry "github.com/medicamovil/internal/registry"
	internal_signal "github.com/medicamovil/internal/signal"
	"github.com/medicamovil/pkg/commons"
)

var (
	// ErrInvalidSender means the claimed FromUserID did not match the
	// authenticated caller. Logged as a security event, never relayed.
	ErrInvalidSender = errors.New("signal sender does not match authenticated user")

	// ErrRejectedSignal means the payload failed validation and was
	// discarded before reaching the peer or the state machine.
	ErrRejectedSignal = errors.New("signal payload rejected by validator")
)

// SessionTopic is the per-participant topic carrying a session's signals.
func SessionTopic(sessionID, userID string) string {
	return fmt.Sprintf("call:session:%s:user:%s", sessionID, userID)
}

// InviteTopic carries initial offers to a user who has no session yet.
func InviteTopic(userID string) string {
	return fmt.Sprintf("call:invite:user:%s", userID)
}

// Channel relays validated signal messages between the two participants of
// a session. Every publish is gated: sender identity must match the
// authenticated user, the payload must pass the validator, and the session
// registry is touched so activity tracking sees the traffic. Delivery is
// at-most-once with no persistence — if the receiver is not subscribed the
// message evaporates and the call timeouts are the recovery mechanism.
type Channel struct {
	transport Transport
	registry  *internal_registry.SessionRegistry
	logger    commons.Logger
}

// NewChannel wires the signaling channel to its transport and the registry.
func NewChannel(transport Transport, registry *internal_registry.SessionRegistry, logger commons.Logger) *Channel {
	return &Channel{transport: transport, registry: registry, logger: logger}
}

// Publish validates and relays msg to its recipient. authUserID is the
// verified identity of whoever handed us the message.
func (c *Channel) Publish(ctx context.Context, authUserID string, msg *internal_signal.Message) error {
	if msg.FromUserID != authUserID {
		c.logger.Warnw("signal rejected: sender identity mismatch",
			"security", true, "claimed", msg.FromUserID, "authenticated", authUserID,
			"session", msg.SessionID)
		return ErrInvalidSender
	}
	if _, ok := internal_signal.ValidateMessage(msg); !ok {
		c.logger.Warnw("signal rejected: invalid payload",
			"security", true, "type", msg.Type, "session", msg.SessionID, "from", msg.FromUserID)
		return ErrRejectedSignal
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	c.registry.UpdateSessionActivity(msg.SessionID)

	// Initial offers address a user with no session yet; everything else
	// rides the session-scoped topic.
	topic := SessionTopic(msg.SessionID, msg.ToUserID)
	if msg.Type == internal_signal.KindOffer {
		topic = InviteTopic(msg.ToUserID)
	}
	return c.transport.Publish(ctx, topic, msg)
}

// SubscribeSession delivers session-scoped messages for userID to h.
// Inbound messages are re-validated before the handler sees them, and every
// delivery refreshes the session's activity clock.
func (c *Channel) SubscribeSession(ctx context.Context, sessionID, userID string, h Handler) error {
	return c.transport.Subscribe(ctx, SessionTopic(sessionID, userID), func(msg *internal_signal.Message) {
		if _, ok := internal_signal.ValidateMessage(msg); !ok {
			c.logger.Warnw("inbound signal rejected by validator",
				"security", true, "type", msg.Type, "session", sessionID)
			return
		}
		c.registry.UpdateSessionActivity(msg.SessionID)
		h(msg)
	})
}

// UnsubscribeSession tears down the session subscription for userID.
func (c *Channel) UnsubscribeSession(sessionID, userID string) {
	c.transport.Unsubscribe(SessionTopic(sessionID, userID))
}

// SubscribeInvites delivers initial offers addressed to userID. Only offers
// pass; anything else on the invite topic is discarded.
func (c *Channel) SubscribeInvites(ctx context.Context, userID string, h Handler) error {
	return c.transport.Subscribe(ctx, InviteTopic(userID), func(msg *internal_signal.Message) {
		if msg.Type != internal_signal.KindOffer {
			return
		}
		if _, ok := internal_signal.ValidateMessage(msg); !ok {
			c.logger.Warnw("inbound offer rejected by validator",
				"security", true, "from", msg.FromUserID, "to", userID)
			return
		}
		h(msg)
	})
}

// UnsubscribeInvites stops invite delivery for userID.
func (c *Channel) UnsubscribeInvites(userID string) {
	c.transport.Unsubscribe(InviteTopic(userID))
}
