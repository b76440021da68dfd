// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/persistence"
)

// activityExecutor runs a single activity attempt under its timeout. It does
// not touch the store; recording the outcome is the queue worker's job.
type activityExecutor struct {
	registry       *activity.Registry
	defaultTimeout time.Duration
	logger         log.Logger
}

func newActivityExecutor(
	registry *activity.Registry, defaultTimeout time.Duration, logger log.Logger,
) *activityExecutor {
	return &activityExecutor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// execute runs one attempt of task. The returned error carries the failure
// classification via activity.Classify.
func (e *activityExecutor) execute(
	ctx context.Context, task persistence.ActivityTask,
) ([]byte, error) {
	registration, err := e.registry.Get(task.ActivityType)
	if err != nil {
		// no handler will ever exist for this type on this worker fleet
		return nil, activity.NewPermanentFailure(err.Error())
	}

	var input activity.Input
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, activity.NewPermanentFailure(
			fmt.Sprintf("malformed recorded activity input: %v", err))
	}
	// attempt scoped so collaborators can dedupe a retried call without
	// deduping a genuine new attempt
	input.IdempotencyKey = fmt.Sprintf("%v-%v-%v-%v",
		task.InstanceId, task.StepId, task.BranchIndex, task.Attempt)

	timeout := e.defaultTimeout
	if registration.TimeoutSeconds > 0 {
		timeout = time.Duration(registration.TimeoutSeconds) * time.Second
	}
	if task.TimeoutSecond > 0 {
		timeout = time.Duration(task.TimeoutSecond) * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startAt := time.Now()
	output, err := registration.Handler(attemptCtx, input)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			err = activity.NewTransientFailure(
				fmt.Sprintf("activity %v timed out after %v", task.ActivityType, timeout))
		}
		e.logger.Warn("activity attempt failed",
			tag.ActivityType(task.ActivityType),
			tag.InstanceId(task.InstanceId),
			tag.StepId(task.StepId),
			tag.Attempt(task.Attempt),
			tag.Error(err))
		return nil, err
	}

	e.logger.Debug("activity attempt completed",
		tag.ActivityType(task.ActivityType),
		tag.InstanceId(task.InstanceId),
		tag.StepId(task.StepId),
		tag.Attempt(task.Attempt),
		tag.Value(time.Since(startAt).String()))
	return output, nil
}

// resolveTaskRetryPolicy picks the effective policy for task: the recorded
// step override, then the registration, then the configured default
func (e *activityExecutor) resolveTaskRetryPolicy(
	task persistence.ActivityTask, defaultPolicy *persistence.RetryPolicy,
) *persistence.RetryPolicy {
	var override *persistence.RetryPolicy
	if len(task.RetryPolicy) > 0 {
		var policy persistence.RetryPolicy
		if err := json.Unmarshal(task.RetryPolicy, &policy); err == nil {
			override = &policy
		}
	}
	var registered *persistence.RetryPolicy
	if registration, err := e.registry.Get(task.ActivityType); err == nil {
		registered = registration.RetryPolicy
	}
	return resolveRetryPolicy(override, registered, defaultPolicy)
}
