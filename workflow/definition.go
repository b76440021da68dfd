// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"

	"github.com/inventorypulse/pulseflow/persistence"
)

type (
	// StepKind is the finite command vocabulary a definition is built from.
	// Arbitrary imperative side effects cannot be safely replayed; these can.
	StepKind string

	// JoinPolicy decides how a fan-out join treats branch failures
	JoinPolicy string

	// FailurePolicy decides how a single activity step's terminal failure
	// affects the instance
	FailurePolicy string
)

const (
	StepKindActivity   StepKind = "ACTIVITY"
	StepKindTimer      StepKind = "TIMER"
	StepKindWaitSignal StepKind = "WAIT_SIGNAL"
	StepKindFanOut     StepKind = "FAN_OUT"
)

const (
	// JoinPolicyFailFast fails the join as soon as any branch fails terminally
	JoinPolicyFailFast JoinPolicy = "FAIL_FAST"
	// JoinPolicyBestEffort collects successes, records failures and continues
	JoinPolicyBestEffort JoinPolicy = "BEST_EFFORT"
)

const (
	// FailurePolicyFailInstance fails the whole instance (default)
	FailurePolicyFailInstance FailurePolicy = "FAIL_INSTANCE"
	// FailurePolicyContinueWithFallback swallows the failure and substitutes
	// FallbackOutput as the step result
	FailurePolicyContinueWithFallback FailurePolicy = "CONTINUE_WITH_FALLBACK"
)

// RetryPolicy is shared with the persistence layer so that step level
// overrides survive in the recorded schedule events
type RetryPolicy = persistence.RetryPolicy

type (
	// ActivitySpec describes one activity invocation within a step
	ActivitySpec struct {
		ActivityType   string
		Queue          string
		TimeoutSeconds int32
		// RetryPolicy overrides the activity registration's policy and the
		// configured default when set
		RetryPolicy *RetryPolicy
		// OnFailure only applies to StepKindActivity; fan-out branches are
		// governed by the step's JoinPolicy
		OnFailure      FailurePolicy
		FallbackOutput []byte
	}

	// Branch is one parallel branch of a fan-out step
	Branch struct {
		// Name must be stable across replays; it becomes part of task
		// identity
		Name  string
		Input []byte
	}

	// Step is one node of a definition. Steps run in declared order; a
	// fan-out step runs its branches in parallel and joins before the next
	// step.
	Step struct {
		Id   string
		Kind StepKind

		// Activity is required for StepKindActivity and StepKindFanOut
		Activity *ActivitySpec

		// DelaySeconds is required for StepKindTimer
		DelaySeconds int64

		// SignalName is required for StepKindWaitSignal
		SignalName string

		// Expand derives fan-out branches from the workflow input. It MUST be
		// a pure function of its argument: replay calls it again on every
		// decision round and relies on identical output.
		Expand func(workflowInput []byte) ([]Branch, error)

		// Join is required for StepKindFanOut
		Join JoinPolicy
	}

	// Definition is an immutable, versioned description of a process.
	// In-flight instances keep running against the version active when they
	// started.
	Definition struct {
		Name    string
		Version int32
		Steps   []Step
	}
)

// Derived task ids embed the step id next to the instance uuid; the cap keeps
// them inside the store's id columns.
const maxStepIdLength = 200

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if d.Version <= 0 {
		return fmt.Errorf("definition %v version must be positive", d.Name)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %v has no steps", d.Name)
	}
	seen := map[string]bool{}
	for _, step := range d.Steps {
		if step.Id == "" {
			return fmt.Errorf("definition %v has a step without id", d.Name)
		}
		if len(step.Id) > maxStepIdLength {
			return fmt.Errorf("definition %v step id %v exceeds %v characters",
				d.Name, step.Id, maxStepIdLength)
		}
		if seen[step.Id] {
			return fmt.Errorf("definition %v has duplicate step id %v", d.Name, step.Id)
		}
		seen[step.Id] = true

		switch step.Kind {
		case StepKindActivity:
			if step.Activity == nil || step.Activity.ActivityType == "" {
				return fmt.Errorf("step %v requires an activity spec", step.Id)
			}
		case StepKindFanOut:
			if step.Activity == nil || step.Activity.ActivityType == "" {
				return fmt.Errorf("step %v requires an activity spec", step.Id)
			}
			if step.Expand == nil {
				return fmt.Errorf("fan-out step %v requires an Expand function", step.Id)
			}
			if step.Join != JoinPolicyFailFast && step.Join != JoinPolicyBestEffort {
				return fmt.Errorf("fan-out step %v requires a join policy", step.Id)
			}
		case StepKindTimer:
			if step.DelaySeconds <= 0 {
				return fmt.Errorf("timer step %v requires a positive delay", step.Id)
			}
		case StepKindWaitSignal:
			if step.SignalName == "" {
				return fmt.Errorf("wait-signal step %v requires a signal name", step.Id)
			}
		default:
			return fmt.Errorf("step %v has unknown kind %v", step.Id, step.Kind)
		}
	}
	return nil
}

// GetStep returns the step with the given id, or nil
func (d *Definition) GetStep(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Id == id {
			return &d.Steps[i]
		}
	}
	return nil
}
