// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_authz

import (
	"context"

	"github.com/medicamovil/pkg/commons"
)

// Permissions is the gate's verdict on a proposed call.
type Permissions struct {
	CanInitiate          bool
	CanReceive           bool
	CanAccessRoom        bool
	RelationshipVerified bool
}

// Allowed reports whether every check passed.
func (p Permissions) Allowed() bool {
	return p.CanInitiate && p.CanReceive && p.CanAccessRoom && p.RelationshipVerified
}

// CallAuthorizationGate verifies room membership and the caller↔callee
// relationship before any session is created. Pure read path: it never
// mutates the backing store.
type CallAuthorizationGate struct {
	store  RelationshipStore
	logger commons.Logger
}

// NewCallAuthorizationGate wires the gate to its relationship store.
func NewCallAuthorizationGate(store RelationshipStore, logger commons.Logger) *CallAuthorizationGate {
	return &CallAuthorizationGate{store: store, logger: logger}
}

// VerifyCallPermissions runs the full pre-call check. Fails closed: any
// store error or missing record yields an all-false verdict. Every denial
// is logged as a security event with its reason.
//
// The relationship check is symmetric by construction — the store query
// matches the appointment in either direction — so the verdict for
// (A, room, B) and (B, room, A) agrees on the same underlying record.
func (g *CallAuthorizationGate) VerifyCallPermissions(ctx context.Context, callerID, roomID, calleeID string) Permissions {
	if callerID == "" || roomID == "" || calleeID == "" || callerID == calleeID {
		g.denied(callerID, roomID, calleeID, "malformed call request")
		return Permissions{}
	}

	callerInRoom, err := g.store.IsRoomParticipant(ctx, callerID, roomID)
	if err != nil {
		g.denied(callerID, roomID, calleeID, "room participation lookup failed: "+err.Error())
		return Permissions{}
	}
	if !callerInRoom {
		g.denied(callerID, roomID, calleeID, "caller is not a room participant")
		return Permissions{}
	}

	calleeInRoom, err := g.store.IsRoomParticipant(ctx, calleeID, roomID)
	if err != nil {
		g.denied(callerID, roomID, calleeID, "room participation lookup failed: "+err.Error())
		return Permissions{}
	}

	related, err := g.store.HasActiveRelationship(ctx, callerID, calleeID)
	if err != nil {
		g.denied(callerID, roomID, calleeID, "relationship lookup failed: "+err.Error())
		return Permissions{}
	}
	if !related {
		g.denied(callerID, roomID, calleeID, "no active appointment links caller and callee")
		return Permissions{
			CanInitiate:   callerInRoom,
			CanReceive:    calleeInRoom,
			CanAccessRoom: callerInRoom,
		}
	}
	if !calleeInRoom {
		g.denied(callerID, roomID, calleeID, "callee is not a room participant")
		return Permissions{
			CanInitiate:          callerInRoom,
			CanAccessRoom:        callerInRoom,
			RelationshipVerified: related,
		}
	}

	return Permissions{
		CanInitiate:          true,
		CanReceive:           true,
		CanAccessRoom:        true,
		RelationshipVerified: true,
	}
}

func (g *CallAuthorizationGate) denied(callerID, roomID, calleeID, reason string) {
	g.logger.Warnw("call authorization denied",
		"security", true,
		"caller", callerID,
		"room", roomID,
		"callee", calleeID,
		"reason", reason)
}
