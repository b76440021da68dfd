// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
)

// instanceStarter is the slice of the engine the trigger and signal services
// need: start an instance idempotently by dedup key
type instanceStarter interface {
	startInstance(
		ctx context.Context, workflowType string, version int32, input []byte, dedupKey string,
	) (*persistence.StartInstanceResponse, error)
}

// triggerService fires recurring cron triggers. The trigger row's next-fire
// cursor is durable, so a restarted service knows whether it missed ticks;
// the start dedup key makes each tick start at most one instance even when
// several service replicas race on the same tick.
type triggerService struct {
	rootCtx context.Context
	cfg     *config.Config
	store   persistence.OrchestrationStore
	starter instanceStarter
	logger  log.Logger
	metrics *Metrics

	stopWait sync.WaitGroup
}

// cron expressions are the standard 5 field form
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func newTriggerService(
	rootCtx context.Context,
	cfg *config.Config,
	store persistence.OrchestrationStore,
	starter instanceStarter,
	logger log.Logger,
	metrics *Metrics,
) *triggerService {
	return &triggerService{
		rootCtx: rootCtx,
		cfg:     cfg,
		store:   store,
		starter: starter,
		logger:  logger.WithTags(tag.Service("trigger")),
		metrics: metrics,
	}
}

// Start validates and persists the configured triggers, runs catch-up for
// ticks missed while the service was down, then schedules each trigger
func (s *triggerService) Start() error {
	for _, trigger := range s.cfg.Orchestration.Triggers {
		schedule, err := cronParser.Parse(trigger.Cron)
		if err != nil {
			return fmt.Errorf("trigger %v has invalid cron expression %v: %w",
				trigger.Name, trigger.Cron, err)
		}
		row, err := s.reconcileTrigger(trigger, schedule)
		if err != nil {
			return err
		}

		s.stopWait.Add(1)
		go func(trigger config.TriggerConfig, schedule cron.Schedule, nextFireAt time.Time) {
			defer s.stopWait.Done()
			s.run(trigger, schedule, nextFireAt)
		}(trigger, schedule, row.NextFireAt)
	}
	s.reportOrphanedTriggers()
	return nil
}

// reportOrphanedTriggers warns about stored trigger rows no longer present in
// the configuration; their cursor stays in place in case they come back
func (s *triggerService) reportOrphanedTriggers() {
	rows, err := s.store.ListCronTriggers(s.rootCtx)
	if err != nil {
		s.logger.Error("listing stored triggers failed", tag.Error(err))
		return
	}
	configured := map[string]bool{}
	for _, trigger := range s.cfg.Orchestration.Triggers {
		configured[trigger.Name] = true
	}
	for _, row := range rows {
		if !configured[row.Name] {
			s.logger.Warn("stored trigger is not configured and will not fire",
				tag.TriggerName(row.Name))
		}
	}
}

func (s *triggerService) Stop() {
	s.stopWait.Wait()
}

// reconcileTrigger loads or creates the trigger row and applies the catch-up
// policy to ticks the cursor says were missed
func (s *triggerService) reconcileTrigger(
	trigger config.TriggerConfig, schedule cron.Schedule,
) (*persistence.CronTriggerRow, error) {
	now := time.Now()
	row, err := s.store.GetCronTrigger(s.rootCtx, trigger.Name)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	if row == nil {
		// brand new trigger: ticks before its creation never existed
		row = &persistence.CronTriggerRow{
			Name:       trigger.Name,
			Cron:       trigger.Cron,
			Workflow:   trigger.Workflow,
			Version:    trigger.Version,
			Input:      []byte(trigger.Input),
			CatchUp:    trigger.CatchUp,
			NextFireAt: schedule.Next(now),
		}
		if err := s.store.UpsertCronTrigger(s.rootCtx, *row); err != nil {
			return nil, err
		}
		return row, nil
	}

	missed := row.NextFireAt
	if !missed.After(now) {
		// at least one tick came due during the outage
		if trigger.CatchUp != config.TriggerCatchUpSkip {
			// fire once no matter how many ticks were missed
			s.fire(trigger, missed)
		} else {
			s.logger.Info("skipping missed trigger ticks",
				tag.TriggerName(trigger.Name), tag.FireTime(missed))
		}
		row.NextFireAt = schedule.Next(now)
		if err := s.store.UpdateCronTriggerFireTime(
			s.rootCtx, trigger.Name, missed, row.NextFireAt); err != nil {
			return nil, err
		}
	}

	// configuration may have changed since the row was written; the upsert
	// keeps the firing cursor when the cron expression is unchanged
	if err := s.store.UpsertCronTrigger(s.rootCtx, persistence.CronTriggerRow{
		Name:       trigger.Name,
		Cron:       trigger.Cron,
		Workflow:   trigger.Workflow,
		Version:    trigger.Version,
		Input:      []byte(trigger.Input),
		CatchUp:    trigger.CatchUp,
		LastFireAt: row.LastFireAt,
		NextFireAt: row.NextFireAt,
	}); err != nil {
		return nil, err
	}
	row, err = s.store.GetCronTrigger(s.rootCtx, trigger.Name)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *triggerService) run(
	trigger config.TriggerConfig, schedule cron.Schedule, nextFireAt time.Time,
) {
	for {
		select {
		case <-time.After(time.Until(nextFireAt)):
		case <-s.rootCtx.Done():
			return
		}

		s.fire(trigger, nextFireAt)

		firedAt := nextFireAt
		nextFireAt = schedule.Next(time.Now())
		if err := s.store.UpdateCronTriggerFireTime(
			s.rootCtx, trigger.Name, firedAt, nextFireAt); err != nil {
			s.logger.Error("advancing trigger cursor failed",
				tag.TriggerName(trigger.Name), tag.Error(err))
		}
	}
}

// fire starts one instance for the tick. The dedup key is derived from the
// trigger name and tick time, so replays of the same tick are no-ops.
func (s *triggerService) fire(trigger config.TriggerConfig, tick time.Time) {
	dedupKey := fmt.Sprintf("trigger-%v-%v", trigger.Name, tick.Unix())
	resp, err := s.starter.startInstance(
		s.rootCtx, trigger.Workflow, trigger.Version, []byte(trigger.Input), dedupKey)
	if err != nil {
		s.logger.Error("trigger firing failed",
			tag.TriggerName(trigger.Name), tag.FireTime(tick), tag.Error(err))
		return
	}
	s.metrics.TriggerFirings.WithLabelValues(trigger.Name).Inc()
	if resp.AlreadyStarted {
		s.logger.Debug("trigger tick already fired elsewhere",
			tag.TriggerName(trigger.Name), tag.FireTime(tick),
			tag.InstanceId(resp.InstanceId))
		return
	}
	s.logger.Info("trigger fired",
		tag.TriggerName(trigger.Name),
		tag.FireTime(tick),
		tag.WorkflowType(trigger.Workflow),
		tag.InstanceId(resp.InstanceId))
}
