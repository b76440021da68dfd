// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSequenceConflict is returned by AppendEvents when the caller's
	// expected last sequence does not match the stored one. The caller's
	// in-memory computation was speculative and must be redone against the
	// fresh history.
	ErrSequenceConflict = errors.New("history append conflict: expected last sequence does not match")

	// ErrNotFound is returned when the referenced instance/task/trigger does not exist
	ErrNotFound = errors.New("not found")
)

type (
	AppendEventsRequest struct {
		InstanceId string
		// ExpectedLastSequence is the optimistic concurrency token: the append
		// only succeeds if the stored last sequence equals this value
		ExpectedLastSequence int64
		Events               []HistoryEvent
	}

	AppendEventsResponse struct {
		LastSequence int64
	}

	ReadHistoryRequest struct {
		InstanceId   string
		FromSequence int64
	}

	ReadHistoryResponse struct {
		Events       []HistoryEvent
		LastSequence int64
	}

	StartInstanceRequest struct {
		InstanceId   string
		WorkflowType string
		Version      int32
		Input        []byte
		// DedupKey makes start idempotent: a second start with the same key
		// returns the first instance id with AlreadyStarted set
		DedupKey string
	}

	StartInstanceResponse struct {
		InstanceId     string
		AlreadyStarted bool
	}

	CloseInstanceRequest struct {
		InstanceId string
		Status     InstanceStatus
		Result     []byte
		Error      string
	}

	LeaseActivityTasksRequest struct {
		Queue         string
		Now           time.Time
		LeaseDuration time.Duration
		PageSize      int32
	}

	GetDueTimerTasksRequest struct {
		Now       time.Time
		LookAhead time.Duration
		PageSize  int32
	}
)

// OrchestrationStore is the single writer-of-record for workflow truth.
// AppendEvents is the only call that changes that truth; instance records,
// activity tasks and timer tasks are derived dispatch state that can be
// rebuilt from history.
type OrchestrationStore interface {
	// history (append-only, optimistic concurrency)
	AppendEvents(ctx context.Context, request AppendEventsRequest) (*AppendEventsResponse, error)
	ReadHistory(ctx context.Context, request ReadHistoryRequest) (*ReadHistoryResponse, error)

	// instances
	// StartInstance inserts the instance record and its WorkflowStarted event
	// (sequence 1) atomically, deduplicating on DedupKey when provided
	StartInstance(ctx context.Context, request StartInstanceRequest) (*StartInstanceResponse, error)
	GetInstance(ctx context.Context, instanceId string) (*WorkflowInstance, error)
	CloseInstance(ctx context.Context, request CloseInstanceRequest) error
	// ListOpenInstanceIds supports crash recovery: every running instance
	// gets a decision round on engine start
	ListOpenInstanceIds(ctx context.Context) ([]string, error)

	// activity task dispatch (lease based, reconstructable from history)
	InsertActivityTasks(ctx context.Context, tasks []ActivityTask) error
	LeaseActivityTasks(ctx context.Context, request LeaseActivityTasksRequest) ([]ActivityTask, error)
	CompleteActivityTask(ctx context.Context, taskId string) error
	RescheduleActivityTask(ctx context.Context, taskId string, visibleAt time.Time, attempt int32) error

	// durable timers
	InsertTimerTasks(ctx context.Context, tasks []TimerTask) error
	GetDueTimerTasks(ctx context.Context, request GetDueTimerTasksRequest) ([]TimerTask, error)
	DeleteTimerTask(ctx context.Context, timerId string) error

	// recurring cron triggers
	UpsertCronTrigger(ctx context.Context, row CronTriggerRow) error
	GetCronTrigger(ctx context.Context, name string) (*CronTriggerRow, error)
	ListCronTriggers(ctx context.Context) ([]CronTriggerRow, error)
	UpdateCronTriggerFireTime(ctx context.Context, name string, firedAt time.Time, nextFireAt time.Time) error

	Close() error
}
