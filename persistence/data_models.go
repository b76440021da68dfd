// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"encoding/json"
	"time"
)

type (
	// InstanceStatus is the lifecycle status of a workflow instance
	InstanceStatus string

	// EventType enumerates the history event vocabulary. History is the only
	// durable truth; everything else is a derived projection.
	EventType string

	// FailureKind classifies an activity failure for retry purposes
	FailureKind string
)

const (
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

const (
	EventTypeWorkflowStarted   EventType = "WorkflowStarted"
	EventTypeActivityScheduled EventType = "ActivityScheduled"
	EventTypeActivityStarted   EventType = "ActivityStarted"
	EventTypeActivityCompleted EventType = "ActivityCompleted"
	EventTypeActivityFailed    EventType = "ActivityFailed"
	EventTypeTimerStarted      EventType = "TimerStarted"
	EventTypeTimerFired        EventType = "TimerFired"
	EventTypeSignalReceived    EventType = "SignalReceived"
	EventTypeCancelRequested   EventType = "CancelRequested"
	EventTypeWorkflowCompleted EventType = "WorkflowCompleted"
)

const (
	FailureKindTransient FailureKind = "TRANSIENT"
	FailureKindPermanent FailureKind = "PERMANENT"
)

func (s InstanceStatus) IsTerminal() bool {
	return s != InstanceStatusRunning
}

// RetryPolicy controls activity retries: exponential backoff with jitter,
// bounded by MaximumAttempts
type RetryPolicy struct {
	InitialIntervalSeconds int32   `json:"initialIntervalSeconds"`
	BackoffCoefficient     float64 `json:"backoffCoefficient"`
	MaximumIntervalSeconds int32   `json:"maximumIntervalSeconds"`
	MaximumAttempts        int32   `json:"maximumAttempts"`
}

type (
	// HistoryEvent is one immutable record in an instance's append-only log.
	// Events for an instance are strictly ordered by SequenceNo and never
	// mutated or deleted.
	HistoryEvent struct {
		InstanceId string    `json:"instanceId" db:"instance_id"`
		SequenceNo int64     `json:"sequenceNo" db:"sequence_no"`
		EventType  EventType `json:"eventType" db:"event_type"`
		Payload    []byte    `json:"payload" db:"payload"`
		Timestamp  time.Time `json:"timestamp" db:"event_timestamp"`
	}

	// WorkflowInstance is the instance record; Status/Result are a derived
	// projection of the history, maintained by the decider for cheap reads
	WorkflowInstance struct {
		InstanceId   string         `json:"instanceId" db:"instance_id"`
		WorkflowType string         `json:"workflowType" db:"workflow_type"`
		Version      int32          `json:"version" db:"workflow_version"`
		Status       InstanceStatus `json:"status" db:"status"`
		Input        []byte         `json:"input" db:"input"`
		Result       []byte         `json:"result,omitempty" db:"result"`
		Error        string         `json:"error,omitempty" db:"error"`
		CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
		ClosedAt     *time.Time     `json:"closedAt,omitempty" db:"closed_at"`
	}

	// ActivityTask is a dispatchable unit of work derived from an
	// ActivityScheduled event. Lease based: a task leased by one worker
	// becomes visible again after the lease expires.
	ActivityTask struct {
		TaskId        string    `json:"taskId" db:"task_id"`
		InstanceId    string    `json:"instanceId" db:"instance_id"`
		StepId        string    `json:"stepId" db:"step_id"`
		BranchIndex   int32     `json:"branchIndex" db:"branch_index"`
		ActivityType  string    `json:"activityType" db:"activity_type"`
		Queue         string    `json:"queue" db:"queue"`
		Input         []byte    `json:"input" db:"input"`
		Attempt       int32     `json:"attempt" db:"attempt"`
		FirstAttempt  time.Time `json:"firstAttempt" db:"first_attempt_at"`
		VisibleAt     time.Time `json:"visibleAt" db:"visible_at"`
		ScheduledSeq  int64     `json:"scheduledSeq" db:"scheduled_seq"`
		TimeoutSecond int32     `json:"timeoutSeconds" db:"timeout_seconds"`
		// RetryPolicy is the JSON encoded step level override, empty when
		// the activity registration or service default applies
		RetryPolicy []byte `json:"retryPolicy,omitempty" db:"retry_policy"`
	}

	// TimerTask is a durable one-shot timer; it self-deletes after firing.
	// Recurring timers are CronTriggerRow, owned by the trigger service.
	TimerTask struct {
		TimerId    string    `json:"timerId" db:"timer_id"`
		InstanceId string    `json:"instanceId" db:"instance_id"`
		StepId     string    `json:"stepId" db:"step_id"`
		FireAt     time.Time `json:"fireAt" db:"fire_at"`
	}

	// CronTriggerRow persists a recurring trigger's schedule and catch-up
	// cursor so it survives restarts
	CronTriggerRow struct {
		Name       string     `json:"name" db:"trigger_name"`
		Cron       string     `json:"cron" db:"cron_expr"`
		Workflow   string     `json:"workflow" db:"workflow_type"`
		Version    int32      `json:"version" db:"workflow_version"`
		Input      []byte     `json:"input" db:"input"`
		CatchUp    string     `json:"catchUp" db:"catch_up"`
		LastFireAt *time.Time `json:"lastFireAt,omitempty" db:"last_fire_at"`
		NextFireAt time.Time  `json:"nextFireAt" db:"next_fire_at"`
	}
)

// event payloads

type (
	WorkflowStartedPayload struct {
		WorkflowType string `json:"workflowType"`
		Version      int32  `json:"version"`
		Input        []byte `json:"input"`
	}

	ActivityScheduledPayload struct {
		StepId       string `json:"stepId"`
		BranchIndex  int32  `json:"branchIndex"`
		BranchCount  int32  `json:"branchCount"`
		ActivityType string `json:"activityType"`
		Queue        string `json:"queue"`
		Input        []byte `json:"input"`
		// TimeoutSeconds is the step level timeout; zero falls through to the
		// activity registration and then the service default
		TimeoutSeconds int32 `json:"timeoutSeconds,omitempty"`
		// RetryPolicy is the step level override; nil falls through to the
		// activity registration and then the service default
		RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
	}

	ActivityStartedPayload struct {
		StepId      string `json:"stepId"`
		BranchIndex int32  `json:"branchIndex"`
		Attempt     int32  `json:"attempt"`
	}

	ActivityCompletedPayload struct {
		StepId      string `json:"stepId"`
		BranchIndex int32  `json:"branchIndex"`
		Attempt     int32  `json:"attempt"`
		Output      []byte `json:"output"`
	}

	ActivityFailedPayload struct {
		StepId      string      `json:"stepId"`
		BranchIndex int32       `json:"branchIndex"`
		Attempt     int32       `json:"attempt"`
		Kind        FailureKind `json:"kind"`
		// Terminal is true when the retry budget is exhausted or the failure
		// is permanent; the workflow's join/next-step logic then decides
		Terminal bool   `json:"terminal"`
		Reason   string `json:"reason"`
	}

	TimerStartedPayload struct {
		StepId  string    `json:"stepId"`
		TimerId string    `json:"timerId"`
		FireAt  time.Time `json:"fireAt"`
	}

	TimerFiredPayload struct {
		StepId  string `json:"stepId"`
		TimerId string `json:"timerId"`
	}

	SignalReceivedPayload struct {
		Name    string `json:"name"`
		Payload []byte `json:"payload"`
	}

	CancelRequestedPayload struct {
		Reason string `json:"reason"`
	}

	WorkflowCompletedPayload struct {
		Status InstanceStatus `json:"status"`
		Result []byte         `json:"result,omitempty"`
		Error  string         `json:"error,omitempty"`
	}
)

// NewEvent builds an unsequenced event; the store assigns SequenceNo on append.
// Marshaling payload structs cannot fail, hence the panic.
func NewEvent(instanceId string, eventType EventType, payload interface{}) HistoryEvent {
	bytes, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return HistoryEvent{
		InstanceId: instanceId,
		EventType:  eventType,
		Payload:    bytes,
	}
}

// DecodePayload unmarshals an event payload into out
func DecodePayload(event HistoryEvent, out interface{}) error {
	return json.Unmarshal(event.Payload, out)
}
