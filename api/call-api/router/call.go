// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package call_routers

import (
	"github.com/gin-gonic/gin"

	callApi "github.com/medicamovil/api/call-api/api/call"
	internal_call "github.com/medicamovil/internal/call"
	internal_ratelimit "github.com/medicamovil/internal/ratelimit"
	internal_registry "github.com/medicamovil/internal/registry"
	internal_signaling "github.com/medicamovil/internal/signaling"
	"github.com/medicamovil/config"
	"github.com/medicamovil/pkg/commons"
)

// CallApiRoute mounts the call surface under /v1/call. Everything behind it
// requires a verified identity.
func CallApiRoute(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	orchestrator *internal_call.CallOrchestrator,
	channel *internal_signaling.Channel,
	limiter *internal_ratelimit.RateLimiter,
	registry *internal_registry.SessionRegistry,
) {
	api := callApi.NewCallApi(cfg, logger, orchestrator, channel, limiter, registry)
	apiv1 := engine.Group("v1/call")
	apiv1.Use(JWTAuth(cfg.Secret, logger))
	{
		apiv1.GET("/connect", api.Connect)
		apiv1.GET("/session", api.Session)
	}
}
