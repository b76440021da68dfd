// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"go.uber.org/multierr"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/workflow"
)

// Engine hosts the orchestration runtime for one process: the decision
// workers, the per-queue activity workers, the timer queue and the recurring
// trigger service. Multiple engine processes can share one SQL store; the
// lease protocol and the history sequence check keep them from stepping on
// each other.
type Engine struct {
	rootCtx     context.Context
	cancel      context.CancelFunc
	cfg         *config.Config
	store       persistence.OrchestrationStore
	definitions *workflow.Registry
	activities  *activity.Registry
	logger      log.Logger
	metrics     *Metrics

	decider      *decisionProcessor
	queueWorkers map[string]*activityQueueWorker
	timerQueue   *timerQueueWorker
	triggers     *triggerService

	creatingSignals map[string]config.CreatingSignalConfig
}

func NewEngine(
	cfg *config.Config,
	store persistence.OrchestrationStore,
	definitions *workflow.Registry,
	activities *activity.Registry,
	logger log.Logger,
) *Engine {
	rootCtx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()

	engine := &Engine{
		rootCtx:         rootCtx,
		cancel:          cancel,
		cfg:             cfg,
		store:           store,
		definitions:     definitions,
		activities:      activities,
		logger:          logger,
		metrics:         metrics,
		queueWorkers:    map[string]*activityQueueWorker{},
		creatingSignals: map[string]config.CreatingSignalConfig{},
	}

	engine.decider = newDecisionProcessor(
		rootCtx, cfg, store, definitions, activities, logger, metrics)

	executor := newActivityExecutor(
		activities, cfg.WorkerService.DefaultActivityTimeout, logger)
	for _, queue := range engine.queueNames() {
		engine.queueWorkers[queue] = newActivityQueueWorker(
			rootCtx, queue, engine.queueConcurrency(queue),
			cfg, store, executor, engine.decider, logger, metrics)
	}

	engine.timerQueue = newTimerQueueWorker(
		rootCtx, cfg, store, engine.decider, logger, metrics)
	engine.triggers = newTriggerService(
		rootCtx, cfg, store, engine, logger, metrics)

	engine.decider.notifyQueue = func(queue string) {
		if worker, ok := engine.queueWorkers[queue]; ok {
			worker.TriggerPolling()
		}
	}
	engine.decider.notifyTimer = engine.timerQueue.TriggerPolling

	for _, creating := range cfg.Orchestration.CreatingSignals {
		engine.creatingSignals[creating.Signal] = creating
	}
	return engine
}

// Metrics exposes the engine's collectors for the HTTP metrics endpoint
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) Start() error {
	e.decider.Start()
	for _, worker := range e.queueWorkers {
		worker.Start()
	}
	e.timerQueue.Start()
	if err := e.triggers.Start(); err != nil {
		return err
	}
	if err := e.recover(); err != nil {
		return err
	}
	e.logger.Info("orchestration engine started",
		tag.Value(len(e.queueWorkers)))
	return nil
}

// Stop cancels the workers and waits for in-flight rounds to drain
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.decider.Stop()
		for _, worker := range e.queueWorkers {
			worker.Stop()
		}
		e.timerQueue.Stop()
		e.triggers.Stop()
	}()

	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}
	return errs
}

// recover wakes every open instance so that work lost with a crashed worker
// is re-derived from history
func (e *Engine) recover() error {
	instanceIds, err := e.store.ListOpenInstanceIds(e.rootCtx)
	if err != nil {
		return err
	}
	for _, instanceId := range instanceIds {
		e.decider.Wake(instanceId)
	}
	if len(instanceIds) > 0 {
		e.logger.Info("recovered open instances", tag.Value(len(instanceIds)))
	}
	return nil
}

// queueNames is the union of configured queues and queues referenced by
// activity registrations and workflow definitions
func (e *Engine) queueNames() []string {
	seen := map[string]bool{}
	var queues []string
	add := func(queue string) {
		if queue != "" && !seen[queue] {
			seen[queue] = true
			queues = append(queues, queue)
		}
	}
	add(activity.DefaultQueue)
	for _, queue := range e.activities.Queues() {
		add(queue)
	}
	for _, queueCfg := range e.cfg.WorkerService.ActivityQueues {
		add(queueCfg.Name)
	}
	return queues
}

func (e *Engine) queueConcurrency(queue string) int {
	for _, queueCfg := range e.cfg.WorkerService.ActivityQueues {
		if queueCfg.Name == queue && queueCfg.Concurrency > 0 {
			return queueCfg.Concurrency
		}
	}
	return e.cfg.WorkerService.DefaultActivityConcurrency
}
