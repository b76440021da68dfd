// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
)

// timerQueueWorker owns durable timers: it preloads timers due within the
// look-ahead window into an in-memory priority queue and fires them from
// there. The rows are the durable truth; the heap is just a cheap schedule,
// rebuilt from the store on every preload.
type timerQueueWorker struct {
	rootCtx  context.Context
	cfg      *config.Config
	store    persistence.OrchestrationStore
	appender *historyAppender
	decider  *decisionProcessor
	logger   log.Logger
	metrics  *Metrics

	fireTimer    TimerGate
	preloadTimer TimerGate

	mu       sync.Mutex
	queue    TimerTaskPriorityQueue
	loaded   map[string]bool
	stopWait sync.WaitGroup
}

func newTimerQueueWorker(
	rootCtx context.Context,
	cfg *config.Config,
	store persistence.OrchestrationStore,
	decider *decisionProcessor,
	logger log.Logger,
	metrics *Metrics,
) *timerQueueWorker {
	return &timerQueueWorker{
		rootCtx:      rootCtx,
		cfg:          cfg,
		store:        store,
		appender:     &historyAppender{store: store, metrics: metrics},
		decider:      decider,
		logger:       logger.WithTags(tag.Service("timer-queue")),
		metrics:      metrics,
		fireTimer:    NewLocalTimerGate(logger),
		preloadTimer: NewLocalTimerGate(logger),
		queue:        NewTimerTaskPriorityQueue(nil),
		loaded:       map[string]bool{},
	}
}

func (w *timerQueueWorker) Start() {
	w.stopWait.Add(1)
	go func() {
		defer w.stopWait.Done()
		w.preloadTimer.Update(time.Now())
		for {
			select {
			case <-w.preloadTimer.FireChan():
				w.preload()
			case <-w.fireTimer.FireChan():
				w.fireDue()
			case <-w.rootCtx.Done():
				w.preloadTimer.Close()
				w.fireTimer.Close()
				return
			}
		}
	}()
}

func (w *timerQueueWorker) Stop() {
	w.stopWait.Wait()
}

// TriggerPolling arms the gate for a newly inserted timer so a short timer
// does not have to wait out the preload interval
func (w *timerQueueWorker) TriggerPolling(fireAt time.Time) {
	now := time.Now()
	if fireAt.Before(now.Add(w.cfg.WorkerService.TimerLookAhead)) {
		w.preloadTimer.Update(now)
	}
}

// preload pulls rows due within the look-ahead window into the heap
func (w *timerQueueWorker) preload() {
	now := time.Now()
	tasks, err := w.store.GetDueTimerTasks(w.rootCtx, persistence.GetDueTimerTasksRequest{
		Now:       now,
		LookAhead: w.cfg.WorkerService.TimerLookAhead,
		PageSize:  w.cfg.WorkerService.PollPageSize,
	})
	if err != nil {
		w.logger.Error("loading due timer tasks failed", tag.Error(err))
	}

	w.mu.Lock()
	for _, task := range tasks {
		if w.loaded[task.TimerId] {
			continue
		}
		w.loaded[task.TimerId] = true
		t := task
		heap.Push(&w.queue, &t)
	}
	w.mu.Unlock()

	w.preloadTimer.Update(now.Add(w.cfg.WorkerService.TimerLookAhead))
	w.armFireGate()
}

// fireDue fires every heap entry whose time has come, then re-arms the gate
// for the next one
func (w *timerQueueWorker) fireDue() {
	for {
		now := time.Now()

		w.mu.Lock()
		if w.queue.Len() == 0 || w.queue[0].FireAt.After(now) {
			w.mu.Unlock()
			break
		}
		task := heap.Pop(&w.queue).(*persistence.TimerTask)
		delete(w.loaded, task.TimerId)
		w.mu.Unlock()

		w.fire(*task)
	}
	w.armFireGate()
}

func (w *timerQueueWorker) armFireGate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queue.Len() > 0 {
		w.fireTimer.Update(w.queue[0].FireAt)
	}
}

// fire records TimerFired exactly once per armed timer: the append is skipped
// when replay shows the timer already consumed or the instance closed, so a
// re-delivered row degrades to cleanup
func (w *timerQueueWorker) fire(task persistence.TimerTask) {
	fired := false
	_, err := w.appender.append(w.rootCtx, task.InstanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		state := proj.steps[task.StepId]
		if proj.Completed || state == nil || !state.timerStarted || state.timerFired {
			return nil, nil
		}
		fired = true
		return []persistence.HistoryEvent{persistence.NewEvent(
			task.InstanceId, persistence.EventTypeTimerFired,
			persistence.TimerFiredPayload{
				StepId:  task.StepId,
				TimerId: task.TimerId,
			})}, nil
	})
	if err != nil {
		w.logger.Error("recording timer firing failed",
			tag.TimerId(task.TimerId), tag.InstanceId(task.InstanceId), tag.Error(err))
		return
	}

	if err := w.store.DeleteTimerTask(w.rootCtx, task.TimerId); err != nil {
		w.logger.Error("deleting fired timer task failed",
			tag.TimerId(task.TimerId), tag.Error(err))
	}
	if fired {
		w.metrics.TimersFired.Inc()
		w.logger.Debug("timer fired",
			tag.TimerId(task.TimerId),
			tag.InstanceId(task.InstanceId),
			tag.FireTime(task.FireAt))
		w.decider.Wake(task.InstanceId)
	}
}
