// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/workflow"
)

const testInstanceId = "inst-1"

func evt(seq int64, eventType persistence.EventType, payload interface{}) persistence.HistoryEvent {
	event := persistence.NewEvent(testInstanceId, eventType, payload)
	event.SequenceNo = seq
	return event
}

func startedHistory(input []byte) []persistence.HistoryEvent {
	return []persistence.HistoryEvent{
		evt(1, persistence.EventTypeWorkflowStarted, persistence.WorkflowStartedPayload{
			WorkflowType: "sync",
			Version:      1,
			Input:        input,
		}),
	}
}

func twoStepDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    "sync",
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "first",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.first",
					Queue:        "q1",
				},
			},
			{
				Id:   "second",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.second",
					Queue:        "q2",
				},
			},
		},
	}
}

func fanOutDefinition(join workflow.JoinPolicy) *workflow.Definition {
	return &workflow.Definition{
		Name:    "sync",
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "spread",
				Kind: workflow.StepKindFanOut,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.branch",
					Queue:        "q1",
				},
				Expand: func(workflowInput []byte) ([]workflow.Branch, error) {
					var names []string
					if err := json.Unmarshal(workflowInput, &names); err != nil {
						return nil, err
					}
					branches := make([]workflow.Branch, 0, len(names))
					for _, name := range names {
						branches = append(branches, workflow.Branch{
							Name:  name,
							Input: []byte(fmt.Sprintf("%q", name)),
						})
					}
					return branches, nil
				},
				Join: join,
			},
			{
				Id:   "collect",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.collect",
					Queue:        "q2",
				},
			},
		},
	}
}

func TestDecideSchedulesFirstStep(t *testing.T) {
	proj, err := Project(startedHistory([]byte(`{"k":"v"}`)))
	require.NoError(t, err)

	commands, err := Decide(twoStepDefinition(), proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	assert.Equal(t, CommandTypeScheduleActivity, commands[0].Type)
	assert.Equal(t, "first", commands[0].ScheduleActivity.StepId)
	assert.Equal(t, "test.first", commands[0].ScheduleActivity.ActivityType)
	assert.Equal(t, "q1", commands[0].ScheduleActivity.Queue)
	assert.Equal(t, int32(0), commands[0].ScheduleActivity.BranchIndex)
	assert.Equal(t, int32(1), commands[0].ScheduleActivity.BranchCount)
}

func TestDecideIsDeterministic(t *testing.T) {
	history := startedHistory([]byte(`["a","b","c"]`))
	history = append(history,
		evt(2, persistence.EventTypeActivityScheduled, persistence.ActivityScheduledPayload{
			StepId: "spread", BranchIndex: 0, BranchCount: 3,
			ActivityType: "test.branch", Queue: "q1", Input: []byte(`"a"`),
		}),
		evt(3, persistence.EventTypeActivityStarted, persistence.ActivityStartedPayload{
			StepId: "spread", BranchIndex: 0, Attempt: 1,
		}),
		evt(4, persistence.EventTypeActivityCompleted, persistence.ActivityCompletedPayload{
			StepId: "spread", BranchIndex: 0, Attempt: 1, Output: []byte(`"done-a"`),
		}),
	)
	def := fanOutDefinition(workflow.JoinPolicyBestEffort)

	var first []Command
	for i := 0; i < 10; i++ {
		proj, err := Project(history)
		require.NoError(t, err)
		commands, err := Decide(def, proj)
		require.NoError(t, err)
		if i == 0 {
			first = commands
			continue
		}
		assert.Equal(t, first, commands)
	}
	// branches 1 and 2 still need scheduling
	require.Equal(t, 2, len(first))
	assert.Equal(t, int32(1), first[0].ScheduleActivity.BranchIndex)
	assert.Equal(t, int32(2), first[1].ScheduleActivity.BranchIndex)
}

func fanOutScheduledHistory(names []string) []persistence.HistoryEvent {
	input, _ := json.Marshal(names)
	history := startedHistory(input)
	seq := int64(1)
	for index, name := range names {
		seq++
		history = append(history, evt(seq, persistence.EventTypeActivityScheduled,
			persistence.ActivityScheduledPayload{
				StepId: "spread", BranchIndex: int32(index), BranchCount: int32(len(names)),
				ActivityType: "test.branch", Queue: "q1",
				Input: []byte(fmt.Sprintf("%q", name)),
			}))
	}
	return history
}

func TestDecideFanOutFailFast(t *testing.T) {
	history := fanOutScheduledHistory([]string{"a", "b"})
	history = append(history,
		evt(4, persistence.EventTypeActivityFailed, persistence.ActivityFailedPayload{
			StepId: "spread", BranchIndex: 0, Attempt: 3,
			Kind: persistence.FailureKindTransient, Terminal: true, Reason: "supplier down",
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)

	// branch 1 is still in flight, the terminal failure on branch 0 fails
	// the workflow without waiting
	commands, err := Decide(fanOutDefinition(workflow.JoinPolicyFailFast), proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	assert.Equal(t, CommandTypeFailWorkflow, commands[0].Type)
	assert.Contains(t, commands[0].FailWorkflow.Error, "supplier down")
}

func TestDecideFanOutBestEffort(t *testing.T) {
	history := fanOutScheduledHistory([]string{"a", "b"})
	history = append(history,
		evt(4, persistence.EventTypeActivityFailed, persistence.ActivityFailedPayload{
			StepId: "spread", BranchIndex: 0, Attempt: 3,
			Kind: persistence.FailureKindTransient, Terminal: true, Reason: "supplier down",
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)
	def := fanOutDefinition(workflow.JoinPolicyBestEffort)

	// branch 1 is still in flight: wait, do not fail
	commands, err := Decide(def, proj)
	require.NoError(t, err)
	assert.Equal(t, 0, len(commands))

	// branch 1 completes: the join yields [null, "done-b"] and the next step
	// is scheduled with that as its previous result
	history = append(history,
		evt(5, persistence.EventTypeActivityCompleted, persistence.ActivityCompletedPayload{
			StepId: "spread", BranchIndex: 1, Attempt: 1, Output: []byte(`"done-b"`),
		}),
	)
	proj, err = Project(history)
	require.NoError(t, err)
	commands, err = Decide(def, proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeScheduleActivity, commands[0].Type)
	assert.Equal(t, "collect", commands[0].ScheduleActivity.StepId)

	var input struct {
		Previous json.RawMessage `json:"previous"`
	}
	require.NoError(t, json.Unmarshal(commands[0].ScheduleActivity.Input, &input))
	assert.JSONEq(t, `[null, "done-b"]`, string(input.Previous))
}

func TestDecideActivityFallback(t *testing.T) {
	def := twoStepDefinition()
	def.Steps[0].Activity.OnFailure = workflow.FailurePolicyContinueWithFallback
	def.Steps[0].Activity.FallbackOutput = []byte(`{"fallback":true}`)

	history := startedHistory([]byte(`{}`))
	history = append(history,
		evt(2, persistence.EventTypeActivityScheduled, persistence.ActivityScheduledPayload{
			StepId: "first", BranchIndex: 0, BranchCount: 1,
			ActivityType: "test.first", Queue: "q1", Input: []byte(`{}`),
		}),
		evt(3, persistence.EventTypeActivityFailed, persistence.ActivityFailedPayload{
			StepId: "first", BranchIndex: 0, Attempt: 1,
			Kind: persistence.FailureKindPermanent, Terminal: true, Reason: "bad input",
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)

	commands, err := Decide(def, proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeScheduleActivity, commands[0].Type)
	assert.Equal(t, "second", commands[0].ScheduleActivity.StepId)

	var input struct {
		Previous json.RawMessage `json:"previous"`
	}
	require.NoError(t, json.Unmarshal(commands[0].ScheduleActivity.Input, &input))
	assert.JSONEq(t, `{"fallback":true}`, string(input.Previous))
}

func TestDecideActivityFailInstance(t *testing.T) {
	history := startedHistory([]byte(`{}`))
	history = append(history,
		evt(2, persistence.EventTypeActivityScheduled, persistence.ActivityScheduledPayload{
			StepId: "first", BranchIndex: 0, BranchCount: 1,
			ActivityType: "test.first", Queue: "q1", Input: []byte(`{}`),
		}),
		evt(3, persistence.EventTypeActivityFailed, persistence.ActivityFailedPayload{
			StepId: "first", BranchIndex: 0, Attempt: 5,
			Kind: persistence.FailureKindTransient, Terminal: true, Reason: "exhausted",
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)

	commands, err := Decide(twoStepDefinition(), proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	assert.Equal(t, CommandTypeFailWorkflow, commands[0].Type)
}

func TestDecideCompleteWorkflowResult(t *testing.T) {
	history := startedHistory([]byte(`{}`))
	history = append(history,
		evt(2, persistence.EventTypeActivityScheduled, persistence.ActivityScheduledPayload{
			StepId: "first", BranchIndex: 0, BranchCount: 1,
			ActivityType: "test.first", Queue: "q1", Input: []byte(`{}`),
		}),
		evt(3, persistence.EventTypeActivityCompleted, persistence.ActivityCompletedPayload{
			StepId: "first", BranchIndex: 0, Attempt: 1, Output: []byte(`"one"`),
		}),
		evt(4, persistence.EventTypeActivityScheduled, persistence.ActivityScheduledPayload{
			StepId: "second", BranchIndex: 0, BranchCount: 1,
			ActivityType: "test.second", Queue: "q2", Input: []byte(`{}`),
		}),
		evt(5, persistence.EventTypeActivityCompleted, persistence.ActivityCompletedPayload{
			StepId: "second", BranchIndex: 0, Attempt: 1, Output: []byte(`"two"`),
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)

	commands, err := Decide(twoStepDefinition(), proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeCompleteWorkflow, commands[0].Type)
	assert.Equal(t, `"two"`, string(commands[0].CompleteWorkflow.Result))
}

func TestDecideCancellationWinsOverProgress(t *testing.T) {
	history := startedHistory([]byte(`{}`))
	history = append(history,
		evt(2, persistence.EventTypeActivityScheduled, persistence.ActivityScheduledPayload{
			StepId: "first", BranchIndex: 0, BranchCount: 1,
			ActivityType: "test.first", Queue: "q1", Input: []byte(`{}`),
		}),
		evt(3, persistence.EventTypeCancelRequested, persistence.CancelRequestedPayload{
			Reason: "operator request",
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)

	commands, err := Decide(twoStepDefinition(), proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeCancelWorkflow, commands[0].Type)
	assert.Equal(t, "operator request", commands[0].CancelWorkflow.Reason)
}

func timerDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    "sync",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "pause", Kind: workflow.StepKindTimer, DelaySeconds: 60},
			{
				Id:   "after",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.after",
					Queue:        "q1",
				},
			},
		},
	}
}

func TestDecideTimerLifecycle(t *testing.T) {
	def := timerDefinition()

	proj, err := Project(startedHistory([]byte(`{}`)))
	require.NoError(t, err)
	commands, err := Decide(def, proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeStartTimer, commands[0].Type)
	assert.Equal(t, int64(60), commands[0].StartTimer.DelaySeconds)

	// armed but not fired: the instance parks without any command
	history := startedHistory([]byte(`{}`))
	history = append(history, evt(2, persistence.EventTypeTimerStarted, persistence.TimerStartedPayload{
		StepId: "pause", TimerId: "inst-1-pause-timer", FireAt: time.Now().Add(time.Minute),
	}))
	proj, err = Project(history)
	require.NoError(t, err)
	commands, err = Decide(def, proj)
	require.NoError(t, err)
	assert.Equal(t, 0, len(commands))

	// fired: the next step is scheduled; a duplicate firing changes nothing
	history = append(history,
		evt(3, persistence.EventTypeTimerFired, persistence.TimerFiredPayload{
			StepId: "pause", TimerId: "inst-1-pause-timer",
		}),
		evt(4, persistence.EventTypeTimerFired, persistence.TimerFiredPayload{
			StepId: "pause", TimerId: "inst-1-pause-timer",
		}),
	)
	proj, err = Project(history)
	require.NoError(t, err)
	commands, err = Decide(def, proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeScheduleActivity, commands[0].Type)
	assert.Equal(t, "after", commands[0].ScheduleActivity.StepId)
}

func TestDecideSignalOrderAndBuffering(t *testing.T) {
	def := &workflow.Definition{
		Name:    "sync",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "wait-a", Kind: workflow.StepKindWaitSignal, SignalName: "go"},
			{Id: "wait-b", Kind: workflow.StepKindWaitSignal, SignalName: "go"},
		},
	}

	// both signals arrived before the second wait was reached; they are
	// consumed in arrival order
	history := startedHistory([]byte(`{}`))
	history = append(history,
		evt(2, persistence.EventTypeSignalReceived, persistence.SignalReceivedPayload{
			Name: "go", Payload: []byte(`"one"`),
		}),
		evt(3, persistence.EventTypeSignalReceived, persistence.SignalReceivedPayload{
			Name: "go", Payload: []byte(`"two"`),
		}),
	)
	proj, err := Project(history)
	require.NoError(t, err)
	commands, err := Decide(def, proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeCompleteWorkflow, commands[0].Type)
	assert.Equal(t, `"two"`, string(commands[0].CompleteWorkflow.Result))

	// only one arrived: park on the second wait
	proj, err = Project(history[:2])
	require.NoError(t, err)
	commands, err = Decide(def, proj)
	require.NoError(t, err)
	require.Equal(t, 1, len(commands))
	require.Equal(t, CommandTypeWaitForSignal, commands[0].Type)
	assert.Equal(t, "go", commands[0].WaitForSignal.SignalName)
}

func TestDecideCompletedIsIdle(t *testing.T) {
	history := startedHistory([]byte(`{}`))
	history = append(history, evt(2, persistence.EventTypeWorkflowCompleted,
		persistence.WorkflowCompletedPayload{
			Status: persistence.InstanceStatusCompleted,
			Result: []byte(`"done"`),
		}))
	proj, err := Project(history)
	require.NoError(t, err)
	assert.True(t, proj.Completed)
	assert.Equal(t, persistence.InstanceStatusCompleted, proj.FinalStatus)

	commands, err := Decide(twoStepDefinition(), proj)
	require.NoError(t, err)
	assert.Nil(t, commands)
}

func TestCommandTerminalClassification(t *testing.T) {
	complete := Command{Type: CommandTypeCompleteWorkflow,
		CompleteWorkflow: &CompleteWorkflowCommand{Result: []byte(`"ok"`)}}
	fail := Command{Type: CommandTypeFailWorkflow,
		FailWorkflow: &FailWorkflowCommand{Error: "supplier gone"}}
	cancel := Command{Type: CommandTypeCancelWorkflow,
		CancelWorkflow: &CancelWorkflowCommand{Reason: "operator request"}}

	for _, command := range []Command{complete, fail, cancel} {
		assert.True(t, command.terminal())
	}
	for _, commandType := range []CommandType{
		CommandTypeScheduleActivity, CommandTypeStartTimer, CommandTypeWaitForSignal,
	} {
		assert.False(t, Command{Type: commandType}.terminal())
	}

	assert.Equal(t, persistence.InstanceStatusCompleted, terminalStatusOf(complete))
	assert.Equal(t, persistence.InstanceStatusFailed, terminalStatusOf(fail))
	assert.Equal(t, persistence.InstanceStatusCancelled, terminalStatusOf(cancel))
	assert.Equal(t, persistence.InstanceStatusRunning,
		terminalStatusOf(Command{Type: CommandTypeStartTimer}))

	result, errMsg := complete.terminalOutcome()
	assert.Equal(t, []byte(`"ok"`), result)
	assert.Empty(t, errMsg)
	_, errMsg = fail.terminalOutcome()
	assert.Equal(t, "supplier gone", errMsg)
	_, errMsg = cancel.terminalOutcome()
	assert.Equal(t, "operator request", errMsg)
}
