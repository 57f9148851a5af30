// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package healthCheckApi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	internal_registry "github.com/medicamovil/internal/registry"
	"github.com/medicamovil/config"
	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/connectors"
)

// HealthCheckApi answers liveness and readiness probes, plus an operational
// view of the calls currently running on this instance.
type HealthCheckApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	postgres connectors.PostgresConnector
	redis    connectors.RedisConnector
	registry *internal_registry.SessionRegistry
}

func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	postgres connectors.PostgresConnector,
	redis connectors.RedisConnector,
	registry *internal_registry.SessionRegistry,
) *HealthCheckApi {
	return &HealthCheckApi{cfg: cfg, logger: logger, postgres: postgres, redis: redis, registry: registry}
}

// Healthz is the liveness probe: the process is up.
func (api *HealthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"name":    api.cfg.Name,
		"version": api.cfg.Version,
	})
}

// Readiness checks the backing services this instance needs to take calls.
func (api *HealthCheckApi) Readiness(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if api.postgres != nil {
		if err := api.postgres.Ping(ctx); err != nil {
			api.logger.Errorw("postgres readiness check failed", "error", err)
			checks["postgres"] = "unreachable"
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if api.redis != nil {
		if err := api.redis.Ping(ctx); err != nil {
			api.logger.Errorw("redis readiness check failed", "error", err)
			checks["redis"] = "unreachable"
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": checks, "healthy": healthy})
}

type activeCall struct {
	SessionID       string    `json:"session_id"`
	Participants    [2]string `json:"participants"`
	StartTime       time.Time `json:"start_time"`
	LastActivity    time.Time `json:"last_activity"`
	DurationSeconds int       `json:"duration_seconds"`
}

// Calls reports the sessions active on this instance. Operational surface,
// not exposed to patients or doctors.
func (api *HealthCheckApi) Calls(c *gin.Context) {
	now := time.Now()
	entries := api.registry.Snapshot()
	calls := make([]activeCall, 0, len(entries))
	for _, e := range entries {
		calls = append(calls, activeCall{
			SessionID:       e.SessionID,
			Participants:    e.Participants,
			StartTime:       e.StartTime,
			LastActivity:    e.LastActivity,
			DurationSeconds: int(now.Sub(e.StartTime).Seconds()),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"active_calls":        calls,
		"active_call_count":   len(calls),
		"active_participants": api.registry.ActiveParticipants(),
	})
}
