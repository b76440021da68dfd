// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/engine"
	"github.com/inventorypulse/pulseflow/persistence"
)

type serviceImpl struct {
	cfg    *config.Config
	client engine.Client
	logger log.Logger
}

func NewServiceImpl(cfg *config.Config, client engine.Client, logger log.Logger) Service {
	return &serviceImpl{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

func (s *serviceImpl) StartWorkflow(
	ctx context.Context, request StartWorkflowRequest,
) (*StartWorkflowResponse, *ErrorWithStatus) {
	if request.WorkflowType == "" {
		return nil, NewErrorWithStatus(http.StatusBadRequest, "workflowType is required")
	}
	resp, err := s.client.StartWorkflow(ctx, engine.StartWorkflowRequest{
		WorkflowType: request.WorkflowType,
		Version:      request.Version,
		Input:        request.Input,
		DedupKey:     request.DedupKey,
	})
	if err != nil {
		if isUnknownDefinition(err) {
			return nil, NewErrorWithStatus(http.StatusBadRequest, err.Error())
		}
		return nil, s.handleUnknownError(err)
	}
	return &StartWorkflowResponse{
		InstanceId:     resp.InstanceId,
		AlreadyStarted: resp.AlreadyStarted,
	}, nil
}

func (s *serviceImpl) SignalWorkflow(
	ctx context.Context, request SignalWorkflowRequest,
) *ErrorWithStatus {
	if request.InstanceId == "" || request.SignalName == "" {
		return NewErrorWithStatus(http.StatusBadRequest, "instanceId and signalName are required")
	}
	err := s.client.SignalWorkflow(ctx, request.InstanceId, request.SignalName, request.Payload)
	if err != nil {
		return s.handleUnknownError(err)
	}
	return nil
}

func (s *serviceImpl) CancelWorkflow(
	ctx context.Context, request CancelWorkflowRequest,
) *ErrorWithStatus {
	if request.InstanceId == "" {
		return NewErrorWithStatus(http.StatusBadRequest, "instanceId is required")
	}
	err := s.client.CancelWorkflow(ctx, request.InstanceId, request.Reason)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return NewErrorWithStatus(http.StatusNotFound, "workflow instance does not exist")
		}
		return s.handleUnknownError(err)
	}
	return nil
}

func (s *serviceImpl) DescribeInstance(
	ctx context.Context, request DescribeInstanceRequest,
) (*DescribeInstanceResponse, *ErrorWithStatus) {
	if request.InstanceId == "" {
		return nil, NewErrorWithStatus(http.StatusBadRequest, "instanceId is required")
	}
	instance, err := s.client.DescribeInstance(ctx, request.InstanceId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, NewErrorWithStatus(http.StatusNotFound, "workflow instance does not exist")
		}
		return nil, s.handleUnknownError(err)
	}
	return &DescribeInstanceResponse{Instance: instance}, nil
}

func (s *serviceImpl) GetHistory(
	ctx context.Context, request GetHistoryRequest,
) (*GetHistoryResponse, *ErrorWithStatus) {
	if request.InstanceId == "" {
		return nil, NewErrorWithStatus(http.StatusBadRequest, "instanceId is required")
	}
	resp, err := s.client.GetHistory(ctx, request.InstanceId, request.FromSequence)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, NewErrorWithStatus(http.StatusNotFound, "workflow instance does not exist")
		}
		return nil, s.handleUnknownError(err)
	}
	return &GetHistoryResponse{
		Events:       resp.Events,
		LastSequence: resp.LastSequence,
	}, nil
}

func (s *serviceImpl) handleUnknownError(err error) *ErrorWithStatus {
	s.logger.Error("unknown error on operation", tag.Error(err))
	return NewErrorWithStatus(http.StatusInternalServerError, err.Error())
}

func isUnknownDefinition(err error) bool {
	return strings.Contains(err.Error(), "unknown definition")
}
