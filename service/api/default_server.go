// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/engine"
)

const (
	PathStartWorkflow    = "/api/v1/pulseflow/workflow/start"
	PathSignalWorkflow   = "/api/v1/pulseflow/workflow/signal"
	PathCancelWorkflow   = "/api/v1/pulseflow/workflow/cancel"
	PathDescribeInstance = "/api/v1/pulseflow/workflow/describe"
	PathGetHistory       = "/api/v1/pulseflow/workflow/history"

	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
)

type defaultSever struct {
	rootCtx    context.Context
	cfg        *config.Config
	logger     log.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

func NewDefaultAPIServerWithGin(
	rootCtx context.Context, cfg *config.Config, orchestrator *engine.Engine, logger log.Logger,
) Server {
	router := gin.Default()

	handler := newGinHandler(cfg, orchestrator, logger)

	router.POST(PathStartWorkflow, handler.StartWorkflow)
	router.POST(PathSignalWorkflow, handler.SignalWorkflow)
	router.POST(PathCancelWorkflow, handler.CancelWorkflow)
	router.POST(PathDescribeInstance, handler.DescribeInstance)
	router.POST(PathGetHistory, handler.GetHistory)

	router.GET(PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(PathMetrics, gin.WrapH(promhttp.HandlerFor(
		orchestrator.Metrics().Registry(), promhttp.HandlerOpts{})))

	svrCfg := cfg.ApiService.HttpServer
	httpServer := &http.Server{
		Addr:              svrCfg.Address,
		ReadTimeout:       svrCfg.ReadTimeout,
		WriteTimeout:      svrCfg.WriteTimeout,
		ReadHeaderTimeout: svrCfg.ReadHeaderTimeout,
		IdleTimeout:       svrCfg.IdleTimeout,
		MaxHeaderBytes:    svrCfg.MaxHeaderBytes,
		Handler:           router,
		BaseContext: func(listener net.Listener) context.Context {
			// for graceful shutdown
			return rootCtx
		},
	}

	return &defaultSever{
		rootCtx:    rootCtx,
		cfg:        cfg,
		logger:     logger,
		engine:     router,
		httpServer: httpServer,
	}
}

func (s defaultSever) Start() error {
	go func() {
		err := s.httpServer.ListenAndServe()
		s.logger.Info("Http Server for API service is closed", tag.Error(err))
	}()

	return nil
}

func (s defaultSever) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
