// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/engine"
)

type ginHandler struct {
	config *config.Config
	logger log.Logger
	svc    Service
}

func newGinHandler(cfg *config.Config, client engine.Client, logger log.Logger) *ginHandler {
	svc := NewServiceImpl(cfg, client, logger)
	return &ginHandler{
		config: cfg,
		logger: logger,
		svc:    svc,
	}
}

func (h *ginHandler) StartWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequestSchema(c)
		return
	}
	h.logger.Debug("received StartWorkflow API request", tag.Value(h.toJson(req)))

	resp, errResp := h.svc.StartWorkflow(c.Request.Context(), req)
	if errResp != nil {
		c.JSON(errResp.StatusCode, errResp.Error)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ginHandler) SignalWorkflow(c *gin.Context) {
	var req SignalWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequestSchema(c)
		return
	}
	h.logger.Debug("received SignalWorkflow API request", tag.Value(h.toJson(req)))

	if errResp := h.svc.SignalWorkflow(c.Request.Context(), req); errResp != nil {
		c.JSON(errResp.StatusCode, errResp.Error)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *ginHandler) CancelWorkflow(c *gin.Context) {
	var req CancelWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequestSchema(c)
		return
	}
	h.logger.Debug("received CancelWorkflow API request", tag.Value(h.toJson(req)))

	if errResp := h.svc.CancelWorkflow(c.Request.Context(), req); errResp != nil {
		c.JSON(errResp.StatusCode, errResp.Error)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *ginHandler) DescribeInstance(c *gin.Context) {
	var req DescribeInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequestSchema(c)
		return
	}

	resp, errResp := h.svc.DescribeInstance(c.Request.Context(), req)
	if errResp != nil {
		c.JSON(errResp.StatusCode, errResp.Error)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ginHandler) GetHistory(c *gin.Context) {
	var req GetHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequestSchema(c)
		return
	}

	resp, errResp := h.svc.GetHistory(c.Request.Context(), req)
	if errResp != nil {
		c.JSON(errResp.StatusCode, errResp.Error)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ginHandler) toJson(req any) string {
	str, err := json.Marshal(req)
	if err != nil {
		h.logger.Error("error when serializing request", tag.Error(err), tag.DefaultValue(req))
		return ""
	}
	return string(str)
}

func invalidRequestSchema(c *gin.Context) {
	c.JSON(http.StatusBadRequest, ApiErrorResponse{
		Detail: "invalid request schema",
	})
}
