// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/workflow"
)

type (
	// Input is what a handler receives. Activities are the only place side
	// effects on external collaborators happen; every call must be written so
	// that a retry of a successfully-completed-but-unacknowledged call is
	// safe. IdempotencyKey is stable per scheduled activity so collaborators
	// can dedupe.
	Input struct {
		InstanceId     string                     `json:"instanceId"`
		StepId         string                     `json:"stepId"`
		BranchIndex    int32                      `json:"branchIndex"`
		IdempotencyKey string                     `json:"idempotencyKey"`
		WorkflowInput  json.RawMessage            `json:"workflowInput,omitempty"`
		Results        map[string]json.RawMessage `json:"results,omitempty"`
		// Previous is the recorded result of the nearest preceding completed
		// step: a fan-out step yields an array of branch outputs in branch
		// order, with null entries for swallowed best-effort failures
		Previous    json.RawMessage `json:"previous,omitempty"`
		BranchInput json.RawMessage `json:"branchInput,omitempty"`
	}

	// Handler executes one activity attempt. The context carries the
	// attempt's timeout.
	Handler func(ctx context.Context, input Input) ([]byte, error)

	// Registration binds an activity type to its handler, dispatch queue and
	// default retry policy
	Registration struct {
		Type           string
		Queue          string
		Handler        Handler
		RetryPolicy    *workflow.RetryPolicy
		TimeoutSeconds int32
	}
)

// Failure is an error with an explicit retry classification
type Failure struct {
	Kind   persistence.FailureKind
	Reason string
}

func (f *Failure) Error() string {
	return f.Reason
}

// NewTransientFailure marks err as retriable (network timeout, rate limit,
// 5xx equivalent)
func NewTransientFailure(reason string) error {
	return &Failure{Kind: persistence.FailureKindTransient, Reason: reason}
}

// NewPermanentFailure marks err as not retriable (validation error, not found)
func NewPermanentFailure(reason string) error {
	return &Failure{Kind: persistence.FailureKindPermanent, Reason: reason}
}

// Classify returns the failure kind of err. Unclassified errors and timeouts
// are treated as transient: activities are idempotent so retrying is safe,
// while dropping a retriable call is not.
func Classify(err error) persistence.FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return persistence.FailureKindTransient
}
