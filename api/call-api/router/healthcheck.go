// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package call_routers

import (
	"github.com/gin-gonic/gin"

	internal_registry "github.com/medicamovil/internal/registry"
	healthCheckApi "github.com/medicamovil/api/health-check-api"
	"github.com/medicamovil/config"
	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/connectors"
)

func HealthCheckRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	postgres connectors.PostgresConnector,
	redis connectors.RedisConnector,
	registry *internal_registry.SessionRegistry,
) {
	logger.Info("Internal HealthCheckRoutes and Connectors added to engine.")
	apiv1 := engine.Group("")
	hcApi := healthCheckApi.New(cfg, logger, postgres, redis, registry)
	{
		apiv1.GET("/readiness/", hcApi.Readiness)
		apiv1.GET("/healthz/", hcApi.Healthz)
		apiv1.GET("/internal/calls/", hcApi.Calls)
	}
}
