// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
)

// activityQueueWorker polls one named queue and runs leased tasks on a fixed
// pool of executor goroutines. Polling is notification driven with an
// interval fallback: notifications are best effort, the interval guarantees
// no task is left behind, worst case delayed by MaxPollInterval.
type activityQueueWorker struct {
	rootCtx     context.Context
	queue       string
	concurrency int
	cfg         *config.Config
	store       persistence.OrchestrationStore
	executor    *activityExecutor
	appender    *historyAppender
	decider     *decisionProcessor
	logger      log.Logger
	metrics     *Metrics

	pollTimer TimerGate
	taskChan  chan persistence.ActivityTask
	stopWait  sync.WaitGroup
}

func newActivityQueueWorker(
	rootCtx context.Context,
	queue string,
	concurrency int,
	cfg *config.Config,
	store persistence.OrchestrationStore,
	executor *activityExecutor,
	decider *decisionProcessor,
	logger log.Logger,
	metrics *Metrics,
) *activityQueueWorker {
	return &activityQueueWorker{
		rootCtx:     rootCtx,
		queue:       queue,
		concurrency: concurrency,
		cfg:         cfg,
		store:       store,
		executor:    executor,
		appender:    &historyAppender{store: store, metrics: metrics},
		decider:     decider,
		logger:      logger.WithTags(tag.Queue(queue)),
		metrics:     metrics,
		pollTimer:   NewLocalTimerGate(logger),
		taskChan:    make(chan persistence.ActivityTask, concurrency),
	}
}

func (w *activityQueueWorker) Start() {
	for i := 0; i < w.concurrency; i++ {
		w.stopWait.Add(1)
		go func() {
			defer w.stopWait.Done()
			for {
				select {
				case task := <-w.taskChan:
					w.processTask(task)
				case <-w.rootCtx.Done():
					return
				}
			}
		}()
	}

	w.stopWait.Add(1)
	go func() {
		defer w.stopWait.Done()
		w.pollTimer.Update(time.Now())
		for {
			select {
			case <-w.pollTimer.FireChan():
				w.poll()
			case <-w.rootCtx.Done():
				w.pollTimer.Close()
				return
			}
		}
	}()
}

func (w *activityQueueWorker) Stop() {
	w.stopWait.Wait()
}

// TriggerPolling pulls the next poll forward; called when the decider just
// inserted work for this queue
func (w *activityQueueWorker) TriggerPolling() {
	w.pollTimer.Update(time.Now())
}

func (w *activityQueueWorker) poll() {
	now := time.Now()
	tasks, err := w.store.LeaseActivityTasks(w.rootCtx, persistence.LeaseActivityTasksRequest{
		Queue:         w.queue,
		Now:           now,
		LeaseDuration: w.cfg.WorkerService.LeaseDuration,
		PageSize:      w.cfg.WorkerService.PollPageSize,
	})
	if err != nil {
		w.logger.Error("leasing activity tasks failed", tag.Error(err))
	}

	for _, task := range tasks {
		select {
		case w.taskChan <- task:
		case <-w.rootCtx.Done():
			return
		}
	}

	if len(tasks) == int(w.cfg.WorkerService.PollPageSize) {
		// full page; likely more behind it
		w.pollTimer.Update(time.Now())
		return
	}
	jitter := time.Duration(rand.Int63n(int64(w.cfg.WorkerService.IntervalJitter) + 1))
	w.pollTimer.Update(time.Now().Add(w.cfg.WorkerService.MaxPollInterval + jitter))
}

// processTask runs one leased attempt end to end: record the start, execute,
// record the outcome, then reschedule or retire the task row. Every append
// re-checks the fresh projection so a duplicate delivery after an expired
// lease degrades to a no-op.
func (w *activityQueueWorker) processTask(task persistence.ActivityTask) {
	started := false
	_, err := w.appender.append(w.rootCtx, task.InstanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		if !w.attemptStillWanted(proj, task) {
			return nil, nil
		}
		started = true
		return []persistence.HistoryEvent{persistence.NewEvent(
			task.InstanceId, persistence.EventTypeActivityStarted,
			persistence.ActivityStartedPayload{
				StepId:      task.StepId,
				BranchIndex: task.BranchIndex,
				Attempt:     task.Attempt,
			})}, nil
	})
	if err != nil {
		w.logger.Error("recording activity start failed",
			tag.ActivityTaskId(task.TaskId), tag.Error(err))
		return
	}
	if !started {
		// completed elsewhere or the instance is already closed
		w.metrics.ActivityTasks.WithLabelValues(w.queue, taskOutcomeDropped).Inc()
		w.retireTask(task)
		return
	}

	w.metrics.ActivityInFlight.WithLabelValues(w.queue).Inc()
	output, execErr := w.executor.execute(w.rootCtx, task)
	w.metrics.ActivityInFlight.WithLabelValues(w.queue).Dec()
	if execErr == nil {
		w.recordCompleted(task, output)
		return
	}
	w.recordFailed(task, execErr)
}

// attemptStillWanted returns false when history already moved past this
// attempt: the branch completed, failed terminally, or the instance closed
func (w *activityQueueWorker) attemptStillWanted(proj *Projection, task persistence.ActivityTask) bool {
	if proj.Completed || proj.CancelRequested {
		return false
	}
	state := proj.steps[task.StepId]
	if state == nil {
		return false
	}
	branch := state.branches[task.BranchIndex]
	if branch == nil || !branch.scheduled {
		return false
	}
	return !branch.completed && !branch.terminalFailed
}

func (w *activityQueueWorker) recordCompleted(task persistence.ActivityTask, output []byte) {
	_, err := w.appender.append(w.rootCtx, task.InstanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		if !w.attemptStillWanted(proj, task) {
			// the result arrived after cancellation or a duplicate attempt
			// already recorded; discard it
			return nil, nil
		}
		return []persistence.HistoryEvent{persistence.NewEvent(
			task.InstanceId, persistence.EventTypeActivityCompleted,
			persistence.ActivityCompletedPayload{
				StepId:      task.StepId,
				BranchIndex: task.BranchIndex,
				Attempt:     task.Attempt,
				Output:      output,
			})}, nil
	})
	if err != nil {
		w.logger.Error("recording activity completion failed",
			tag.ActivityTaskId(task.TaskId), tag.Error(err))
		return
	}
	w.metrics.ActivityTasks.WithLabelValues(w.queue, taskOutcomeCompleted).Inc()
	w.retireTask(task)
	w.decider.Wake(task.InstanceId)
}

func (w *activityQueueWorker) recordFailed(task persistence.ActivityTask, execErr error) {
	kind := activity.Classify(execErr)
	policy := w.executor.resolveTaskRetryPolicy(task, w.defaultRetryPolicy())

	backoffSeconds, shouldRetry := NextBackoff(task.Attempt, policy)
	if kind == persistence.FailureKindPermanent {
		shouldRetry = false
	}

	recorded := false
	_, err := w.appender.append(w.rootCtx, task.InstanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		if !w.attemptStillWanted(proj, task) {
			return nil, nil
		}
		recorded = true
		return []persistence.HistoryEvent{persistence.NewEvent(
			task.InstanceId, persistence.EventTypeActivityFailed,
			persistence.ActivityFailedPayload{
				StepId:      task.StepId,
				BranchIndex: task.BranchIndex,
				Attempt:     task.Attempt,
				Kind:        kind,
				Terminal:    !shouldRetry,
				Reason:      execErr.Error(),
			})}, nil
	})
	if err != nil {
		w.logger.Error("recording activity failure failed",
			tag.ActivityTaskId(task.TaskId), tag.Error(err))
		return
	}
	if !recorded {
		w.metrics.ActivityTasks.WithLabelValues(w.queue, taskOutcomeDropped).Inc()
		w.retireTask(task)
		return
	}

	if shouldRetry {
		visibleAt := time.Now().Add(time.Duration(JitterBackoff(backoffSeconds)) * time.Second)
		err := w.store.RescheduleActivityTask(w.rootCtx, task.TaskId, visibleAt, task.Attempt+1)
		if err != nil {
			w.logger.Error("rescheduling activity task failed",
				tag.ActivityTaskId(task.TaskId), tag.Error(err))
		}
		w.metrics.ActivityTasks.WithLabelValues(w.queue, taskOutcomeRetried).Inc()
		return
	}

	w.metrics.ActivityTasks.WithLabelValues(w.queue, taskOutcomeFailed).Inc()
	w.retireTask(task)
	// the terminal failure is now part of history; the decider applies the
	// step's failure policy
	w.decider.Wake(task.InstanceId)
}

func (w *activityQueueWorker) retireTask(task persistence.ActivityTask) {
	if err := w.store.CompleteActivityTask(w.rootCtx, task.TaskId); err != nil {
		w.logger.Error("completing activity task failed",
			tag.ActivityTaskId(task.TaskId), tag.Error(err))
	}
}

func (w *activityQueueWorker) defaultRetryPolicy() *persistence.RetryPolicy {
	rp := w.cfg.Orchestration.DefaultRetryPolicy
	return &persistence.RetryPolicy{
		InitialIntervalSeconds: rp.InitialIntervalSeconds,
		BackoffCoefficient:     rp.BackoffCoefficient,
		MaximumIntervalSeconds: rp.MaximumIntervalSeconds,
		MaximumAttempts:        rp.MaximumAttempts,
	}
}
