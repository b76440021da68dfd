// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"

	"github.com/inventorypulse/pulseflow/persistence"
)

type (
	StartWorkflowRequest struct {
		WorkflowType string          `json:"workflowType"`
		Version      int32           `json:"version,omitempty"`
		Input        json.RawMessage `json:"input,omitempty"`
		DedupKey     string          `json:"dedupKey,omitempty"`
	}

	StartWorkflowResponse struct {
		InstanceId     string `json:"instanceId"`
		AlreadyStarted bool   `json:"alreadyStarted,omitempty"`
	}

	SignalWorkflowRequest struct {
		InstanceId string          `json:"instanceId"`
		SignalName string          `json:"signalName"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}

	CancelWorkflowRequest struct {
		InstanceId string `json:"instanceId"`
		Reason     string `json:"reason,omitempty"`
	}

	DescribeInstanceRequest struct {
		InstanceId string `json:"instanceId"`
	}

	DescribeInstanceResponse struct {
		Instance *persistence.WorkflowInstance `json:"instance"`
	}

	GetHistoryRequest struct {
		InstanceId   string `json:"instanceId"`
		FromSequence int64  `json:"fromSequence,omitempty"`
	}

	GetHistoryResponse struct {
		Events       []persistence.HistoryEvent `json:"events"`
		LastSequence int64                      `json:"lastSequence"`
	}
)

// Service is the transport independent API surface
type Service interface {
	StartWorkflow(ctx context.Context, request StartWorkflowRequest) (*StartWorkflowResponse, *ErrorWithStatus)
	SignalWorkflow(ctx context.Context, request SignalWorkflowRequest) *ErrorWithStatus
	CancelWorkflow(ctx context.Context, request CancelWorkflowRequest) *ErrorWithStatus
	DescribeInstance(ctx context.Context, request DescribeInstanceRequest) (*DescribeInstanceResponse, *ErrorWithStatus)
	GetHistory(ctx context.Context, request GetHistoryRequest) (*GetHistoryResponse, *ErrorWithStatus)
}

// Server runs the HTTP front of the orchestrator
type Server interface {
	// Start starts the server in the background
	Start() error
	// Stop stops the server and waits for in-flight requests up to the
	// context deadline
	Stop(ctx context.Context) error
}
