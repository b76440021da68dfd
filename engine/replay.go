// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/workflow"
)

type (
	// branchState is the replayed state of one scheduled activity (a plain
	// activity step is a fan-out of one branch)
	branchState struct {
		scheduled      bool
		input          []byte
		completed      bool
		output         []byte
		terminalFailed bool
		failureReason  string
		attempts       int32
	}

	stepState struct {
		branches map[int32]*branchState

		timerStarted bool
		timerId      string
		timerFireAt  time.Time
		timerFired   bool
	}

	// Projection is the in-memory state derived by replaying an instance's
	// history. It is disposable: the history is the only durable truth.
	Projection struct {
		InstanceId    string
		WorkflowType  string
		Version       int32
		WorkflowInput []byte

		steps         map[string]*stepState
		signalsByName map[string][]persistence.SignalReceivedPayload

		CancelRequested bool
		CancelReason    string
		Completed       bool
		FinalStatus     persistence.InstanceStatus
		FinalResult     []byte
		FinalError      string

		LastSequence int64
	}
)

func (p *Projection) step(id string) *stepState {
	s, ok := p.steps[id]
	if !ok {
		s = &stepState{branches: map[int32]*branchState{}}
		p.steps[id] = s
	}
	return s
}

func (s *stepState) branch(index int32) *branchState {
	b, ok := s.branches[index]
	if !ok {
		b = &branchState{}
		s.branches[index] = b
	}
	return b
}

// Project replays a history into a Projection. Events the projection does not
// recognize for an already-consumed wait (duplicate TimerFired, stray
// SignalReceived) are retained or ignored harmlessly; replay is total.
func Project(history []persistence.HistoryEvent) (*Projection, error) {
	proj := &Projection{
		steps:         map[string]*stepState{},
		signalsByName: map[string][]persistence.SignalReceivedPayload{},
	}
	for _, event := range history {
		proj.InstanceId = event.InstanceId
		proj.LastSequence = event.SequenceNo

		switch event.EventType {
		case persistence.EventTypeWorkflowStarted:
			var payload persistence.WorkflowStartedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			proj.WorkflowType = payload.WorkflowType
			proj.Version = payload.Version
			proj.WorkflowInput = payload.Input

		case persistence.EventTypeActivityScheduled:
			var payload persistence.ActivityScheduledPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			branch := proj.step(payload.StepId).branch(payload.BranchIndex)
			branch.scheduled = true
			branch.input = payload.Input

		case persistence.EventTypeActivityStarted:
			var payload persistence.ActivityStartedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			branch := proj.step(payload.StepId).branch(payload.BranchIndex)
			if payload.Attempt > branch.attempts {
				branch.attempts = payload.Attempt
			}

		case persistence.EventTypeActivityCompleted:
			var payload persistence.ActivityCompletedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			branch := proj.step(payload.StepId).branch(payload.BranchIndex)
			branch.completed = true
			branch.output = payload.Output

		case persistence.EventTypeActivityFailed:
			var payload persistence.ActivityFailedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			branch := proj.step(payload.StepId).branch(payload.BranchIndex)
			if payload.Attempt > branch.attempts {
				branch.attempts = payload.Attempt
			}
			if payload.Terminal {
				branch.terminalFailed = true
				branch.failureReason = payload.Reason
			}

		case persistence.EventTypeTimerStarted:
			var payload persistence.TimerStartedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			state := proj.step(payload.StepId)
			state.timerStarted = true
			state.timerId = payload.TimerId
			state.timerFireAt = payload.FireAt

		case persistence.EventTypeTimerFired:
			var payload persistence.TimerFiredPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			// a duplicate fire for a consumed timer is a no-op
			proj.step(payload.StepId).timerFired = true

		case persistence.EventTypeSignalReceived:
			var payload persistence.SignalReceivedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			proj.signalsByName[payload.Name] = append(proj.signalsByName[payload.Name], payload)

		case persistence.EventTypeCancelRequested:
			var payload persistence.CancelRequestedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			proj.CancelRequested = true
			proj.CancelReason = payload.Reason

		case persistence.EventTypeWorkflowCompleted:
			var payload persistence.WorkflowCompletedPayload
			if err := persistence.DecodePayload(event, &payload); err != nil {
				return nil, err
			}
			proj.Completed = true
			proj.FinalStatus = payload.Status
			proj.FinalResult = payload.Result
			proj.FinalError = payload.Error

		default:
			return nil, fmt.Errorf("unknown event type %v at sequence %v", event.EventType, event.SequenceNo)
		}
	}
	return proj, nil
}

// Decide computes the next commands for an instance. It is a pure function of
// (definition, projection): no clock reads, no randomness, no IO. Identical
// inputs always yield identical commands, which is what lets any worker
// resume a crashed worker's instance.
func Decide(def *workflow.Definition, proj *Projection) ([]Command, error) {
	if proj.Completed {
		return nil, nil
	}
	// cancellation is cooperative: checked at every decision round, honored
	// at the next safe boundary instead of interrupting in-flight activities
	if proj.CancelRequested {
		return []Command{{
			Type:           CommandTypeCancelWorkflow,
			CancelWorkflow: &CancelWorkflowCommand{Reason: proj.CancelReason},
		}}, nil
	}

	results := map[string]json.RawMessage{}
	var previous json.RawMessage
	signalCursor := map[string]int{}

	for i := range def.Steps {
		step := &def.Steps[i]
		switch step.Kind {
		case workflow.StepKindActivity, workflow.StepKindFanOut:
			stepResult, commands, err := decideActivityStep(def, step, proj, results, previous)
			if err != nil {
				return failWorkflow(err), nil
			}
			if commands != nil || stepResult == nil {
				return commands, nil
			}
			results[step.Id] = stepResult
			previous = stepResult

		case workflow.StepKindTimer:
			state := proj.steps[step.Id]
			if state == nil || !state.timerStarted {
				return []Command{{
					Type: CommandTypeStartTimer,
					StartTimer: &StartTimerCommand{
						StepId:       step.Id,
						DelaySeconds: step.DelaySeconds,
					},
				}}, nil
			}
			if !state.timerFired {
				// suspended without holding a thread; the timer service will
				// wake this instance
				return nil, nil
			}

		case workflow.StepKindWaitSignal:
			cursor := signalCursor[step.SignalName]
			signalCursor[step.SignalName] = cursor + 1
			received := proj.signalsByName[step.SignalName]
			if cursor >= len(received) {
				return []Command{{
					Type:          CommandTypeWaitForSignal,
					WaitForSignal: &WaitForSignalCommand{SignalName: step.SignalName},
				}}, nil
			}
			payload := json.RawMessage(received[cursor].Payload)
			results[step.Id] = payload
			previous = payload

		default:
			return failWorkflow(fmt.Errorf("definition %v references unknown step kind %v", def.Name, step.Kind)), nil
		}
	}

	return []Command{{
		Type:             CommandTypeCompleteWorkflow,
		CompleteWorkflow: &CompleteWorkflowCommand{Result: previous},
	}}, nil
}

// decideActivityStep evaluates one activity or fan-out step. It returns
// (stepResult, nil, nil) once every branch reached a terminal status the step
// can proceed past, (nil, commands, nil) while branches still need scheduling
// or are in flight, and an error for workflow-fatal conditions.
func decideActivityStep(
	def *workflow.Definition, step *workflow.Step, proj *Projection,
	results map[string]json.RawMessage, previous json.RawMessage,
) (json.RawMessage, []Command, error) {
	branches, err := expandBranches(step, proj.WorkflowInput)
	if err != nil {
		return nil, nil, err
	}

	state := proj.steps[step.Id]
	var commands []Command
	pending := false
	outputs := make([]json.RawMessage, len(branches))

	for index, branch := range branches {
		var bs *branchState
		if state != nil {
			bs = state.branches[int32(index)]
		}
		if bs == nil || !bs.scheduled {
			input, err := bindActivityInput(proj, step, int32(index), branch, results, previous)
			if err != nil {
				return nil, nil, err
			}
			commands = append(commands, Command{
				Type: CommandTypeScheduleActivity,
				ScheduleActivity: &ScheduleActivityCommand{
					StepId:         step.Id,
					BranchIndex:    int32(index),
					BranchCount:    int32(len(branches)),
					ActivityType:   step.Activity.ActivityType,
					Queue:          step.Activity.Queue,
					Input:          input,
					TimeoutSeconds: step.Activity.TimeoutSeconds,
					RetryPolicy:    step.Activity.RetryPolicy,
				},
			})
			pending = true
			continue
		}
		if bs.completed {
			outputs[index] = bs.output
			continue
		}
		if bs.terminalFailed {
			switch {
			case step.Kind == workflow.StepKindActivity &&
				step.Activity.OnFailure == workflow.FailurePolicyContinueWithFallback:
				outputs[index] = step.Activity.FallbackOutput
			case step.Kind == workflow.StepKindFanOut && step.Join == workflow.JoinPolicyBestEffort:
				// record the failure, keep the successes
				outputs[index] = nil
			default:
				// fail fast: do not wait for the remaining branches
				return nil, failWorkflow(fmt.Errorf(
					"step %v branch %v failed terminally: %v", step.Id, index, bs.failureReason)), nil
			}
			continue
		}
		pending = true
	}

	if pending {
		return nil, commands, nil
	}

	if step.Kind == workflow.StepKindActivity {
		return nonNilResult(outputs[0]), nil, nil
	}
	joined, err := json.Marshal(outputs)
	if err != nil {
		return nil, nil, err
	}
	return joined, nil, nil
}

func expandBranches(step *workflow.Step, workflowInput []byte) ([]workflow.Branch, error) {
	if step.Kind == workflow.StepKindActivity {
		return []workflow.Branch{{}}, nil
	}
	branches, err := step.Expand(workflowInput)
	if err != nil {
		return nil, fmt.Errorf("expanding fan-out step %v: %w", step.Id, err)
	}
	return branches, nil
}

// bindActivityInput builds the recorded activity input. The worker fills the
// attempt-scoped idempotency key at execution time; everything recorded here
// must be deterministic.
func bindActivityInput(
	proj *Projection, step *workflow.Step, branchIndex int32, branch workflow.Branch,
	results map[string]json.RawMessage, previous json.RawMessage,
) ([]byte, error) {
	input := activity.Input{
		InstanceId:    proj.InstanceId,
		StepId:        step.Id,
		BranchIndex:   branchIndex,
		WorkflowInput: proj.WorkflowInput,
		Results:       results,
		Previous:      previous,
		BranchInput:   branch.Input,
	}
	return json.Marshal(input)
}

func nonNilResult(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}

func failWorkflow(err error) []Command {
	return []Command{{
		Type:         CommandTypeFailWorkflow,
		FailWorkflow: &FailWorkflowCommand{Error: err.Error()},
	}}
}
