// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package call_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_call "github.com/medicamovil/internal/call"
	internal_ratelimit "github.com/medicamovil/internal/ratelimit"
	internal_registry "github.com/medicamovil/internal/registry"
	internal_signaling "github.com/medicamovil/internal/signaling"
	"github.com/medicamovil/config"
	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/types"
)

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CallApi exposes the call subsystem over HTTP and websocket. The socket is
// signaling and control only; media rides the WebRTC peer connection.
type CallApi struct {
	cfg          *config.AppConfig
	logger       commons.Logger
	orchestrator *internal_call.CallOrchestrator
	channel      *internal_signaling.Channel
	limiter      *internal_ratelimit.RateLimiter
	registry     *internal_registry.SessionRegistry
}

func NewCallApi(
	cfg *config.AppConfig,
	logger commons.Logger,
	orchestrator *internal_call.CallOrchestrator,
	channel *internal_signaling.Channel,
	limiter *internal_ratelimit.RateLimiter,
	registry *internal_registry.SessionRegistry,
) *CallApi {
	return &CallApi{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		channel:      channel,
		limiter:      limiter,
		registry:     registry,
	}
}

// Connect upgrades to a websocket carrying call commands and events for the
// authenticated user.
//
// @Router /v1/call/connect [get]
// @Success 101 "Switching Protocols"
// @Failure 401 {object} gin.H
func (api *CallApi) Connect(c *gin.Context) {
	auth, ok := types.GetAuthPrinciple(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated request"})
		return
	}

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorf("websocket upgrade failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to upgrade to websocket"})
		return
	}

	if err := api.orchestrator.Attach(c.Request.Context(), auth.UserID); err != nil {
		api.logger.Errorw("failed to attach user to call orchestrator",
			"userId", auth.UserID, "error", err)
		conn.Close()
		return
	}

	client := newSocketClient(api, conn, auth)
	go client.writePump()
	go client.readPump()
}

// Session returns the caller's current session snapshot, if any.
//
// @Router /v1/call/session [get]
// @Success 200 {object} gin.H
func (api *CallApi) Session(c *gin.Context) {
	auth, ok := types.GetAuthPrinciple(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated request"})
		return
	}
	session := api.orchestrator.Session(auth.UserID)
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}
