// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/common/uuid"
	"github.com/inventorypulse/pulseflow/persistence"
)

type (
	StartWorkflowRequest struct {
		WorkflowType string `json:"workflowType"`
		// Version 0 means the latest registered version
		Version int32  `json:"version,omitempty"`
		Input   []byte `json:"input,omitempty"`
		// DedupKey makes the start idempotent: a retried request with the
		// same key returns the original instance id
		DedupKey string `json:"dedupKey,omitempty"`
	}

	StartWorkflowResponse struct {
		InstanceId     string `json:"instanceId"`
		AlreadyStarted bool   `json:"alreadyStarted,omitempty"`
	}
)

// Client is the operator/caller facing surface of the engine
type Client interface {
	StartWorkflow(ctx context.Context, request StartWorkflowRequest) (*StartWorkflowResponse, error)
	SignalWorkflow(ctx context.Context, instanceId, signalName string, payload []byte) error
	CancelWorkflow(ctx context.Context, instanceId, reason string) error
	DescribeInstance(ctx context.Context, instanceId string) (*persistence.WorkflowInstance, error)
	GetHistory(ctx context.Context, instanceId string, fromSequence int64) (*persistence.ReadHistoryResponse, error)
}

var _ Client = (*Engine)(nil)

func (e *Engine) StartWorkflow(
	ctx context.Context, request StartWorkflowRequest,
) (*StartWorkflowResponse, error) {
	resp, err := e.startInstance(
		ctx, request.WorkflowType, request.Version, request.Input, request.DedupKey)
	if err != nil {
		return nil, err
	}
	return &StartWorkflowResponse{
		InstanceId:     resp.InstanceId,
		AlreadyStarted: resp.AlreadyStarted,
	}, nil
}

// startInstance is the single entry point for instance creation, shared by
// the API, the trigger service and instance-creating signals
func (e *Engine) startInstance(
	ctx context.Context, workflowType string, version int32, input []byte, dedupKey string,
) (*persistence.StartInstanceResponse, error) {
	if version == 0 {
		latest, err := e.definitions.Latest(workflowType)
		if err != nil {
			return nil, err
		}
		version = latest.Version
	} else if _, err := e.definitions.Get(workflowType, version); err != nil {
		return nil, err
	}

	resp, err := e.store.StartInstance(ctx, persistence.StartInstanceRequest{
		InstanceId:   uuid.New(),
		WorkflowType: workflowType,
		Version:      version,
		Input:        input,
		DedupKey:     dedupKey,
	})
	if err != nil {
		return nil, err
	}
	if !resp.AlreadyStarted {
		e.metrics.InstancesStarted.Inc()
		e.logger.Info("workflow instance started",
			tag.WorkflowType(workflowType),
			tag.WorkflowVersion(version),
			tag.InstanceId(resp.InstanceId))
	}
	e.decider.Wake(resp.InstanceId)
	return resp, nil
}

// SignalWorkflow routes a signal: to the named instance when it is open, to
// a freshly created instance when the signal is configured as instance
// creating, and to the floor (with a warning) otherwise.
func (e *Engine) SignalWorkflow(
	ctx context.Context, instanceId, signalName string, payload []byte,
) error {
	instance, err := e.store.GetInstance(ctx, instanceId)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	if instance == nil {
		creating, ok := e.creatingSignals[signalName]
		if !ok {
			e.metrics.SignalsDropped.Inc()
			e.logger.Warn("dropping signal for unknown instance",
				tag.SignalName(signalName), tag.InstanceId(instanceId))
			return nil
		}
		// the dedup key ties the new instance to the signal target, so a
		// retried signal does not start a second instance
		resp, err := e.startInstance(
			ctx, creating.Workflow, creating.Version, payload,
			fmt.Sprintf("signal-%v-%v", signalName, instanceId))
		if err != nil {
			return err
		}
		instanceId = resp.InstanceId
		// fall through: the new instance's wait step still consumes the
		// signal itself
	} else if instance.Status.IsTerminal() {
		e.metrics.SignalsDropped.Inc()
		e.logger.Warn("dropping signal for closed instance",
			tag.SignalName(signalName), tag.InstanceId(instanceId),
			tag.Value(instance.Status))
		return nil
	}

	appender := &historyAppender{store: e.store, metrics: e.metrics}
	delivered := false
	_, err = appender.append(ctx, instanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		if proj.Completed {
			return nil, nil
		}
		delivered = true
		return []persistence.HistoryEvent{persistence.NewEvent(
			instanceId, persistence.EventTypeSignalReceived,
			persistence.SignalReceivedPayload{
				Name:    signalName,
				Payload: payload,
			})}, nil
	})
	if err != nil {
		return err
	}
	if !delivered {
		e.metrics.SignalsDropped.Inc()
		return nil
	}
	e.metrics.SignalsDelivered.Inc()
	e.decider.Wake(instanceId)
	return nil
}

// CancelWorkflow records a cancellation request. Cancellation is cooperative:
// the instance observes it at its next decision round and closes at the next
// safe boundary.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceId, reason string) error {
	instance, err := e.store.GetInstance(ctx, instanceId)
	if err != nil {
		return err
	}
	if instance.Status.IsTerminal() {
		// already closed; cancelling is a no-op
		return nil
	}

	appender := &historyAppender{store: e.store, metrics: e.metrics}
	_, err = appender.append(ctx, instanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		if proj.Completed || proj.CancelRequested {
			return nil, nil
		}
		return []persistence.HistoryEvent{persistence.NewEvent(
			instanceId, persistence.EventTypeCancelRequested,
			persistence.CancelRequestedPayload{Reason: reason})}, nil
	})
	if err != nil {
		return err
	}
	e.decider.Wake(instanceId)
	return nil
}

func (e *Engine) DescribeInstance(
	ctx context.Context, instanceId string,
) (*persistence.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, instanceId)
}

func (e *Engine) GetHistory(
	ctx context.Context, instanceId string, fromSequence int64,
) (*persistence.ReadHistoryResponse, error) {
	if fromSequence <= 0 {
		fromSequence = 1
	}
	return e.store.ReadHistory(ctx, persistence.ReadHistoryRequest{
		InstanceId:   instanceId,
		FromSequence: fromSequence,
	})
}
