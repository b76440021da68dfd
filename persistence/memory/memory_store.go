// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inventorypulse/pulseflow/common/ptr"
	"github.com/inventorypulse/pulseflow/persistence"
)

// memoryStore is a process-local OrchestrationStore for standalone mode and
// tests. It honors the same append/lease contracts as the SQL store but holds
// everything behind one mutex.
type memoryStore struct {
	sync.Mutex

	histories map[string][]persistence.HistoryEvent
	instances map[string]*persistence.WorkflowInstance
	dedupKeys map[string]string

	activityTasks map[string]*leasedActivityTask
	timerTasks    map[string]*persistence.TimerTask
	cronTriggers  map[string]*persistence.CronTriggerRow
}

type leasedActivityTask struct {
	task        persistence.ActivityTask
	leasedUntil time.Time
}

func NewMemoryStore() persistence.OrchestrationStore {
	return &memoryStore{
		histories:     map[string][]persistence.HistoryEvent{},
		instances:     map[string]*persistence.WorkflowInstance{},
		dedupKeys:     map[string]string{},
		activityTasks: map[string]*leasedActivityTask{},
		timerTasks:    map[string]*persistence.TimerTask{},
		cronTriggers:  map[string]*persistence.CronTriggerRow{},
	}
}

func (s *memoryStore) AppendEvents(
	_ context.Context, request persistence.AppendEventsRequest,
) (*persistence.AppendEventsResponse, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.instances[request.InstanceId]; !ok {
		return nil, persistence.ErrNotFound
	}
	history := s.histories[request.InstanceId]
	lastSeq := int64(len(history))
	if lastSeq != request.ExpectedLastSequence {
		return nil, persistence.ErrSequenceConflict
	}
	now := time.Now()
	for _, event := range request.Events {
		lastSeq++
		event.InstanceId = request.InstanceId
		event.SequenceNo = lastSeq
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		history = append(history, event)
	}
	s.histories[request.InstanceId] = history
	return &persistence.AppendEventsResponse{LastSequence: lastSeq}, nil
}

func (s *memoryStore) ReadHistory(
	_ context.Context, request persistence.ReadHistoryRequest,
) (*persistence.ReadHistoryResponse, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.instances[request.InstanceId]; !ok {
		return nil, persistence.ErrNotFound
	}
	history := s.histories[request.InstanceId]
	var events []persistence.HistoryEvent
	for _, event := range history {
		if event.SequenceNo >= request.FromSequence {
			events = append(events, event)
		}
	}
	return &persistence.ReadHistoryResponse{
		Events:       events,
		LastSequence: int64(len(history)),
	}, nil
}

func (s *memoryStore) StartInstance(
	_ context.Context, request persistence.StartInstanceRequest,
) (*persistence.StartInstanceResponse, error) {
	s.Lock()
	defer s.Unlock()

	if request.DedupKey != "" {
		if existingId, ok := s.dedupKeys[request.DedupKey]; ok {
			return &persistence.StartInstanceResponse{
				InstanceId:     existingId,
				AlreadyStarted: true,
			}, nil
		}
	}

	now := time.Now()
	s.instances[request.InstanceId] = &persistence.WorkflowInstance{
		InstanceId:   request.InstanceId,
		WorkflowType: request.WorkflowType,
		Version:      request.Version,
		Status:       persistence.InstanceStatusRunning,
		Input:        request.Input,
		CreatedAt:    now,
	}
	startEvent := persistence.NewEvent(request.InstanceId, persistence.EventTypeWorkflowStarted,
		persistence.WorkflowStartedPayload{
			WorkflowType: request.WorkflowType,
			Version:      request.Version,
			Input:        request.Input,
		})
	startEvent.SequenceNo = 1
	startEvent.Timestamp = now
	s.histories[request.InstanceId] = []persistence.HistoryEvent{startEvent}

	if request.DedupKey != "" {
		s.dedupKeys[request.DedupKey] = request.InstanceId
	}
	return &persistence.StartInstanceResponse{InstanceId: request.InstanceId}, nil
}

func (s *memoryStore) GetInstance(_ context.Context, instanceId string) (*persistence.WorkflowInstance, error) {
	s.Lock()
	defer s.Unlock()

	instance, ok := s.instances[instanceId]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	copied := *instance
	return &copied, nil
}

func (s *memoryStore) CloseInstance(_ context.Context, request persistence.CloseInstanceRequest) error {
	s.Lock()
	defer s.Unlock()

	instance, ok := s.instances[request.InstanceId]
	if !ok {
		return persistence.ErrNotFound
	}
	instance.Status = request.Status
	instance.Result = request.Result
	instance.Error = request.Error
	instance.ClosedAt = ptr.Any(time.Now())
	return nil
}

func (s *memoryStore) ListOpenInstanceIds(_ context.Context) ([]string, error) {
	s.Lock()
	defer s.Unlock()

	var ids []string
	for id, instance := range s.instances {
		if instance.Status == persistence.InstanceStatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) InsertActivityTasks(_ context.Context, tasks []persistence.ActivityTask) error {
	s.Lock()
	defer s.Unlock()

	for _, task := range tasks {
		// idempotent: the decider re-inserts pending tasks on every round to
		// repair dispatch rows lost after a crash
		if _, ok := s.activityTasks[task.TaskId]; ok {
			continue
		}
		t := task
		s.activityTasks[task.TaskId] = &leasedActivityTask{task: t}
	}
	return nil
}

func (s *memoryStore) LeaseActivityTasks(
	_ context.Context, request persistence.LeaseActivityTasksRequest,
) ([]persistence.ActivityTask, error) {
	s.Lock()
	defer s.Unlock()

	var leased []persistence.ActivityTask
	var candidates []*leasedActivityTask
	for _, entry := range s.activityTasks {
		if entry.task.Queue != request.Queue {
			continue
		}
		if entry.task.VisibleAt.After(request.Now) || entry.leasedUntil.After(request.Now) {
			continue
		}
		candidates = append(candidates, entry)
	}
	// stable order so tests are deterministic
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].task.TaskId < candidates[j].task.TaskId
	})
	for _, entry := range candidates {
		if int32(len(leased)) >= request.PageSize {
			break
		}
		entry.leasedUntil = request.Now.Add(request.LeaseDuration)
		leased = append(leased, entry.task)
	}
	return leased, nil
}

func (s *memoryStore) CompleteActivityTask(_ context.Context, taskId string) error {
	s.Lock()
	defer s.Unlock()

	delete(s.activityTasks, taskId)
	return nil
}

func (s *memoryStore) RescheduleActivityTask(
	_ context.Context, taskId string, visibleAt time.Time, attempt int32,
) error {
	s.Lock()
	defer s.Unlock()

	entry, ok := s.activityTasks[taskId]
	if !ok {
		return persistence.ErrNotFound
	}
	entry.task.Attempt = attempt
	entry.task.VisibleAt = visibleAt
	entry.leasedUntil = time.Time{}
	return nil
}

func (s *memoryStore) InsertTimerTasks(_ context.Context, tasks []persistence.TimerTask) error {
	s.Lock()
	defer s.Unlock()

	for _, task := range tasks {
		if _, ok := s.timerTasks[task.TimerId]; ok {
			continue
		}
		t := task
		s.timerTasks[task.TimerId] = &t
	}
	return nil
}

func (s *memoryStore) GetDueTimerTasks(
	_ context.Context, request persistence.GetDueTimerTasksRequest,
) ([]persistence.TimerTask, error) {
	s.Lock()
	defer s.Unlock()

	horizon := request.Now.Add(request.LookAhead)
	var due []persistence.TimerTask
	for _, task := range s.timerTasks {
		if !task.FireAt.After(horizon) {
			due = append(due, *task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].TimerId < due[j].TimerId
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	if request.PageSize > 0 && int32(len(due)) > request.PageSize {
		due = due[:request.PageSize]
	}
	return due, nil
}

func (s *memoryStore) DeleteTimerTask(_ context.Context, timerId string) error {
	s.Lock()
	defer s.Unlock()

	delete(s.timerTasks, timerId)
	return nil
}

func (s *memoryStore) UpsertCronTrigger(_ context.Context, row persistence.CronTriggerRow) error {
	s.Lock()
	defer s.Unlock()

	if existing, ok := s.cronTriggers[row.Name]; ok {
		// keep the firing cursor when the schedule definition is re-registered
		row.LastFireAt = existing.LastFireAt
		if row.Cron == existing.Cron {
			row.NextFireAt = existing.NextFireAt
		}
	}
	s.cronTriggers[row.Name] = &row
	return nil
}

func (s *memoryStore) GetCronTrigger(_ context.Context, name string) (*persistence.CronTriggerRow, error) {
	s.Lock()
	defer s.Unlock()

	row, ok := s.cronTriggers[name]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (s *memoryStore) ListCronTriggers(_ context.Context) ([]persistence.CronTriggerRow, error) {
	s.Lock()
	defer s.Unlock()

	rows := make([]persistence.CronTriggerRow, 0, len(s.cronTriggers))
	for _, row := range s.cronTriggers {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Name < rows[j].Name
	})
	return rows, nil
}

func (s *memoryStore) UpdateCronTriggerFireTime(
	_ context.Context, name string, firedAt time.Time, nextFireAt time.Time,
) error {
	s.Lock()
	defer s.Unlock()

	row, ok := s.cronTriggers[name]
	if !ok {
		return persistence.ErrNotFound
	}
	row.LastFireAt = ptr.Any(firedAt)
	row.NextFireAt = nextFireAt
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
