// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/inventorypulse/pulseflow/persistence"
)

type CommandType string

const (
	CommandTypeScheduleActivity CommandType = "ScheduleActivity"
	CommandTypeStartTimer       CommandType = "StartTimer"
	CommandTypeWaitForSignal    CommandType = "WaitForSignal"
	CommandTypeCompleteWorkflow CommandType = "CompleteWorkflow"
	CommandTypeFailWorkflow     CommandType = "FailWorkflow"
	CommandTypeCancelWorkflow   CommandType = "CancelWorkflow"
)

type (
	// Command is one decision produced by replaying a definition against its
	// history. Commands are the only way the state machine affects the world:
	// the decider turns them into appended events and dispatch records.
	Command struct {
		Type CommandType

		ScheduleActivity *ScheduleActivityCommand
		StartTimer       *StartTimerCommand
		WaitForSignal    *WaitForSignalCommand
		CompleteWorkflow *CompleteWorkflowCommand
		FailWorkflow     *FailWorkflowCommand
		CancelWorkflow   *CancelWorkflowCommand
	}

	ScheduleActivityCommand struct {
		StepId         string
		BranchIndex    int32
		BranchCount    int32
		ActivityType   string
		Queue          string
		Input          []byte
		TimeoutSeconds int32
		RetryPolicy    *persistence.RetryPolicy
	}

	StartTimerCommand struct {
		StepId       string
		DelaySeconds int64
	}

	WaitForSignalCommand struct {
		SignalName string
	}

	CompleteWorkflowCommand struct {
		Result []byte
	}

	FailWorkflowCommand struct {
		Error string
	}

	CancelWorkflowCommand struct {
		Reason string
	}
)

// terminal reports whether the command closes the instance
func (c Command) terminal() bool {
	switch c.Type {
	case CommandTypeCompleteWorkflow, CommandTypeFailWorkflow, CommandTypeCancelWorkflow:
		return true
	}
	return false
}

// terminalOutcome returns the result and error message a terminal command
// records; zero values for non-terminal commands
func (c Command) terminalOutcome() ([]byte, string) {
	switch c.Type {
	case CommandTypeCompleteWorkflow:
		return c.CompleteWorkflow.Result, ""
	case CommandTypeFailWorkflow:
		return nil, c.FailWorkflow.Error
	case CommandTypeCancelWorkflow:
		return nil, c.CancelWorkflow.Reason
	}
	return nil, ""
}

func terminalStatusOf(c Command) persistence.InstanceStatus {
	switch c.Type {
	case CommandTypeCompleteWorkflow:
		return persistence.InstanceStatusCompleted
	case CommandTypeFailWorkflow:
		return persistence.InstanceStatusFailed
	case CommandTypeCancelWorkflow:
		return persistence.InstanceStatusCancelled
	}
	return persistence.InstanceStatusRunning
}
