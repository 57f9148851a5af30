// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	internal_authz "github.com/medicamovil/internal/authz"
	internal_call "github.com/medicamovil/internal/call"
	internal_media "github.com/medicamovil/internal/media"
	internal_ratelimit "github.com/medicamovil/internal/ratelimit"
	internal_registry "github.com/medicamovil/internal/registry"
	internal_signaling "github.com/medicamovil/internal/signaling"
	callRouters "github.com/medicamovil/api/call-api/router"
	"github.com/medicamovil/config"
	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/connectors"
	"github.com/medicamovil/pkg/utils"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load application config: %v", err)
	}

	logger, err := commons.NewApplicationLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig, logger)
	if err != nil {
		logger.Errorf("failed to connect postgres: %v", err)
		return
	}
	defer postgres.Close()

	redis, err := connectors.NewRedisConnector(cfg.RedisConfig, logger)
	if err != nil {
		logger.Errorf("failed to connect redis: %v", err)
		return
	}
	defer redis.Close()

	registry := internal_registry.NewSessionRegistry(logger)
	defer registry.Stop()

	transport := internal_signaling.NewRedisTransport(redis, logger)
	defer transport.Close()
	channel := internal_signaling.NewChannel(transport, registry, logger)

	limiter := internal_ratelimit.NewRateLimiter(logger, map[internal_ratelimit.Operation]internal_ratelimit.Limit{
		internal_ratelimit.OpStartCall:  {MaxAttempts: cfg.Call.StartCallPerMinute, Window: time.Minute},
		internal_ratelimit.OpAnswerCall: {MaxAttempts: cfg.Call.AnswerPerMinute, Window: time.Minute},
		internal_ratelimit.OpSignal:     {MaxAttempts: cfg.Call.SignalPerMinute, Window: time.Minute},
	})
	defer limiter.Stop()

	gate := internal_authz.NewCallAuthorizationGate(
		internal_authz.NewRelationshipStore(postgres, logger), logger)

	factory := internal_media.NewPionEngineFactory(logger, cfg.Call.ICEServers)
	orchestrator := internal_call.NewCallOrchestrator(logger, gate, limiter, registry, channel, factory,
		internal_call.Options{
			AnswerTimeout:  time.Duration(cfg.Call.AnswerTimeoutSec) * time.Second,
			ConnectTimeout: time.Duration(cfg.Call.ConnectTimeoutSec) * time.Second,
		})

	if utils.FromEnvironmentStr(cfg.Environment) == utils.PRODUCTION {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Origins(),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{utils.HEADER_AUTH_KEY, utils.HEADER_SOURCE_KEY, utils.HEADER_REGION_KEY, "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	callRouters.HealthCheckRoutes(cfg, engine, logger, postgres, redis, registry)
	callRouters.CallApiRoute(cfg, engine, logger, orchestrator, channel, limiter, registry)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	group, gCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infow("starting call-api", "addr", server.Addr, "version", cfg.Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down call-api")
		orchestrator.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("call-api exited with error: %v", err)
	}
}
