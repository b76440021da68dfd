// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/workflow"
)

// historyAppender is the shared optimistic-append loop: read the history,
// derive events from the fresh projection, append with the read sequence as
// the concurrency token. A sequence conflict means another worker advanced
// the history first, so the speculative events are thrown away and rebuilt.
type historyAppender struct {
	store   persistence.OrchestrationStore
	metrics *Metrics
}

// append runs build against the current projection until the produced events
// land or build decides there is nothing to record (returns no events).
func (a *historyAppender) append(
	ctx context.Context, instanceId string,
	build func(proj *Projection) ([]persistence.HistoryEvent, error),
) (*Projection, error) {
	for {
		resp, err := a.store.ReadHistory(ctx, persistence.ReadHistoryRequest{
			InstanceId:   instanceId,
			FromSequence: 1,
		})
		if err != nil {
			return nil, err
		}
		proj, err := Project(resp.Events)
		if err != nil {
			return nil, err
		}
		events, err := build(proj)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return proj, nil
		}
		_, err = a.store.AppendEvents(ctx, persistence.AppendEventsRequest{
			InstanceId:           instanceId,
			ExpectedLastSequence: resp.LastSequence,
			Events:               events,
		})
		if errors.Is(err, persistence.ErrSequenceConflict) {
			a.metrics.DecisionConflicts.Inc()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return proj, nil
	}
}

type (
	// decisionProcessor runs decision rounds. Everything it does is
	// recomputable: a crashed round leaves at most an un-acted-on wake-up,
	// and the next wake-up (or recovery scan) redoes the whole round.
	decisionProcessor struct {
		rootCtx     context.Context
		cfg         *config.Config
		store       persistence.OrchestrationStore
		definitions *workflow.Registry
		activities  *activity.Registry
		appender    *historyAppender
		logger      log.Logger
		metrics     *Metrics

		// notifyQueue and notifyTimer are best effort pokes; pollers catch
		// anything missed
		notifyQueue func(queue string)
		notifyTimer func(fireAt time.Time)

		wakeChan chan string
		stopWait sync.WaitGroup
	}

	// decisionOutcome is what a round produced besides appended events
	decisionOutcome struct {
		tasks    []persistence.ActivityTask
		timers   []persistence.TimerTask
		terminal *persistence.CloseInstanceRequest
	}
)

func newDecisionProcessor(
	rootCtx context.Context,
	cfg *config.Config,
	store persistence.OrchestrationStore,
	definitions *workflow.Registry,
	activities *activity.Registry,
	logger log.Logger,
	metrics *Metrics,
) *decisionProcessor {
	return &decisionProcessor{
		rootCtx:     rootCtx,
		cfg:         cfg,
		store:       store,
		definitions: definitions,
		activities:  activities,
		appender:    &historyAppender{store: store, metrics: metrics},
		logger:      logger,
		metrics:     metrics,
		wakeChan:    make(chan string, cfg.WorkerService.DecisionBufferSize),
	}
}

func (d *decisionProcessor) Start() {
	concurrency := d.cfg.WorkerService.DecisionConcurrency
	for i := 0; i < concurrency; i++ {
		d.stopWait.Add(1)
		go func() {
			defer d.stopWait.Done()
			for {
				select {
				case instanceId := <-d.wakeChan:
					if err := d.processInstance(instanceId); err != nil {
						d.logger.Error("decision round failed",
							tag.InstanceId(instanceId), tag.Error(err))
					}
				case <-d.rootCtx.Done():
					return
				}
			}
		}()
	}
}

func (d *decisionProcessor) Stop() {
	d.stopWait.Wait()
}

// Wake schedules a decision round for the instance. Blocks when the buffer is
// full: wake-ups must not be dropped, backpressure is the safety valve.
func (d *decisionProcessor) Wake(instanceId string) {
	select {
	case d.wakeChan <- instanceId:
	case <-d.rootCtx.Done():
	}
}

func (d *decisionProcessor) processInstance(instanceId string) error {
	d.metrics.DecisionRounds.Inc()

	var outcome decisionOutcome
	proj, err := d.appender.append(d.rootCtx, instanceId, func(proj *Projection) ([]persistence.HistoryEvent, error) {
		outcome = decisionOutcome{}
		if proj.Completed {
			return nil, nil
		}

		def, commands, err := d.decide(proj)
		if err != nil {
			return nil, err
		}
		events, err := d.materialize(proj, def, commands, &outcome)
		if err != nil {
			return nil, err
		}
		// dispatch rows that history says should exist but may have been
		// lost to a crash between append and insert
		d.repairDispatch(proj, def, &outcome)
		return events, nil
	})
	if err != nil {
		return err
	}

	if err := d.dispatch(&outcome); err != nil {
		return err
	}

	// an already-completed history with an open instance record means a
	// crash happened between the terminal append and the close; finish it
	if proj.Completed && outcome.terminal == nil {
		return d.closeFromProjection(proj)
	}
	return nil
}

// decide resolves the definition and runs the pure state machine over the
// projection. A missing definition is workflow-fatal, not retriable.
func (d *decisionProcessor) decide(proj *Projection) (*workflow.Definition, []Command, error) {
	def, err := d.definitions.Get(proj.WorkflowType, proj.Version)
	if err != nil {
		return nil, failWorkflow(err), nil
	}
	commands, err := Decide(def, proj)
	if err != nil {
		return def, nil, err
	}
	return def, commands, nil
}

// materialize turns commands into history events plus dispatch rows. This is
// the only place replay-excluded effects (the wall clock for timer fire
// times) enter: the recorded event is the truth replay will see.
func (d *decisionProcessor) materialize(
	proj *Projection, def *workflow.Definition, commands []Command, outcome *decisionOutcome,
) ([]persistence.HistoryEvent, error) {
	now := time.Now()
	var events []persistence.HistoryEvent

	for _, command := range commands {
		if command.terminal() {
			status := terminalStatusOf(command)
			result, errMsg := command.terminalOutcome()
			events = append(events, persistence.NewEvent(
				proj.InstanceId, persistence.EventTypeWorkflowCompleted,
				persistence.WorkflowCompletedPayload{
					Status: status,
					Result: result,
					Error:  errMsg,
				}))
			outcome.terminal = &persistence.CloseInstanceRequest{
				InstanceId: proj.InstanceId,
				Status:     status,
				Result:     result,
				Error:      errMsg,
			}
			continue
		}

		switch command.Type {
		case CommandTypeScheduleActivity:
			cmd := command.ScheduleActivity
			queue := d.resolveQueue(cmd.ActivityType, cmd.Queue)
			payload := persistence.ActivityScheduledPayload{
				StepId:         cmd.StepId,
				BranchIndex:    cmd.BranchIndex,
				BranchCount:    cmd.BranchCount,
				ActivityType:   cmd.ActivityType,
				Queue:          queue,
				Input:          cmd.Input,
				TimeoutSeconds: cmd.TimeoutSeconds,
				RetryPolicy:    cmd.RetryPolicy,
			}
			events = append(events, persistence.NewEvent(
				proj.InstanceId, persistence.EventTypeActivityScheduled, payload))
			task, err := buildActivityTask(proj.InstanceId, payload, proj.LastSequence, now)
			if err != nil {
				return nil, err
			}
			outcome.tasks = append(outcome.tasks, task)

		case CommandTypeStartTimer:
			cmd := command.StartTimer
			fireAt := now.Add(time.Duration(cmd.DelaySeconds) * time.Second)
			timerId := timerTaskId(proj.InstanceId, cmd.StepId)
			events = append(events, persistence.NewEvent(
				proj.InstanceId, persistence.EventTypeTimerStarted,
				persistence.TimerStartedPayload{
					StepId:  cmd.StepId,
					TimerId: timerId,
					FireAt:  fireAt,
				}))
			outcome.timers = append(outcome.timers, persistence.TimerTask{
				TimerId:    timerId,
				InstanceId: proj.InstanceId,
				StepId:     cmd.StepId,
				FireAt:     fireAt,
			})

		case CommandTypeWaitForSignal:
			// nothing to record; the instance parks until the signal ingress
			// appends SignalReceived and wakes it

		default:
			return nil, fmt.Errorf("unknown command type %v", command.Type)
		}
	}
	return events, nil
}

// repairDispatch re-derives the dispatch rows history says are pending. The
// inserts are no-ops for rows that already exist, so this is safe to run on
// every round and is what heals a crash between append and insert.
func (d *decisionProcessor) repairDispatch(
	proj *Projection, def *workflow.Definition, outcome *decisionOutcome,
) {
	if def == nil {
		return
	}
	now := time.Now()
	for stepId, state := range proj.steps {
		step := def.GetStep(stepId)
		if step == nil {
			continue
		}
		if state.timerStarted && !state.timerFired {
			outcome.timers = append(outcome.timers, persistence.TimerTask{
				TimerId:    state.timerId,
				InstanceId: proj.InstanceId,
				StepId:     stepId,
				FireAt:     state.timerFireAt,
			})
		}
		if step.Activity == nil {
			continue
		}
		for branchIndex, branch := range state.branches {
			if !branch.scheduled || branch.completed || branch.terminalFailed {
				continue
			}
			task, err := buildActivityTask(proj.InstanceId, persistence.ActivityScheduledPayload{
				StepId:         stepId,
				BranchIndex:    branchIndex,
				ActivityType:   step.Activity.ActivityType,
				Queue:          d.resolveQueue(step.Activity.ActivityType, step.Activity.Queue),
				Input:          branch.input,
				TimeoutSeconds: step.Activity.TimeoutSeconds,
				RetryPolicy:    step.Activity.RetryPolicy,
			}, proj.LastSequence, now)
			if err != nil {
				continue
			}
			task.Attempt = branch.attempts + 1
			outcome.tasks = append(outcome.tasks, task)
		}
	}
}

// dispatch persists the round's task and timer rows and pokes the pollers
func (d *decisionProcessor) dispatch(outcome *decisionOutcome) error {
	if len(outcome.tasks) > 0 {
		if err := d.store.InsertActivityTasks(d.rootCtx, outcome.tasks); err != nil {
			return err
		}
		if d.notifyQueue != nil {
			seen := map[string]bool{}
			for _, task := range outcome.tasks {
				if !seen[task.Queue] {
					seen[task.Queue] = true
					d.notifyQueue(task.Queue)
				}
			}
		}
	}
	if len(outcome.timers) > 0 {
		if err := d.store.InsertTimerTasks(d.rootCtx, outcome.timers); err != nil {
			return err
		}
		if d.notifyTimer != nil {
			for _, timer := range outcome.timers {
				d.notifyTimer(timer.FireAt)
			}
		}
	}
	if outcome.terminal != nil {
		if err := d.store.CloseInstance(d.rootCtx, *outcome.terminal); err != nil {
			return err
		}
		d.metrics.InstancesCompleted.WithLabelValues(string(outcome.terminal.Status)).Inc()
		d.logger.Info("workflow instance closed",
			tag.InstanceId(outcome.terminal.InstanceId),
			tag.Value(outcome.terminal.Status))
	}
	return nil
}

func (d *decisionProcessor) closeFromProjection(proj *Projection) error {
	instance, err := d.store.GetInstance(d.rootCtx, proj.InstanceId)
	if err != nil {
		return err
	}
	if instance.Status.IsTerminal() {
		return nil
	}
	return d.store.CloseInstance(d.rootCtx, persistence.CloseInstanceRequest{
		InstanceId: proj.InstanceId,
		Status:     proj.FinalStatus,
		Result:     proj.FinalResult,
		Error:      proj.FinalError,
	})
}

func (d *decisionProcessor) resolveQueue(activityType, queue string) string {
	if queue != "" {
		return queue
	}
	if registration, err := d.activities.Get(activityType); err == nil {
		return registration.Queue
	}
	return activity.DefaultQueue
}

// activityTaskId is deterministic so that re-deriving a lost row lands on the
// same primary key as the original insert
func activityTaskId(instanceId, stepId string, branchIndex int32) string {
	return fmt.Sprintf("%v-%v-%v", instanceId, stepId, branchIndex)
}

func timerTaskId(instanceId, stepId string) string {
	return fmt.Sprintf("%v-%v-timer", instanceId, stepId)
}

func buildActivityTask(
	instanceId string, payload persistence.ActivityScheduledPayload,
	scheduledSeq int64, now time.Time,
) (persistence.ActivityTask, error) {
	var policyBytes []byte
	if payload.RetryPolicy != nil {
		var err error
		policyBytes, err = json.Marshal(payload.RetryPolicy)
		if err != nil {
			return persistence.ActivityTask{}, err
		}
	}
	return persistence.ActivityTask{
		TaskId:        activityTaskId(instanceId, payload.StepId, payload.BranchIndex),
		InstanceId:    instanceId,
		StepId:        payload.StepId,
		BranchIndex:   payload.BranchIndex,
		ActivityType:  payload.ActivityType,
		Queue:         payload.Queue,
		Input:         payload.Input,
		Attempt:       1,
		FirstAttempt:  now,
		VisibleAt:     now,
		ScheduledSeq:  scheduledSeq,
		TimeoutSecond: payload.TimeoutSeconds,
		RetryPolicy:   policyBytes,
	}, nil
}
