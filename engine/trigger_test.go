// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/ptr"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/persistence/memory"
)

// recordingStarter stands in for the engine's start path and applies the
// same dedup-key contract the store does
type recordingStarter struct {
	mu        sync.Mutex
	dedupKeys []string
	seen      map[string]string
}

func (r *recordingStarter) startInstance(
	_ context.Context, _ string, _ int32, _ []byte, dedupKey string,
) (*persistence.StartInstanceResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]string{}
	}
	r.dedupKeys = append(r.dedupKeys, dedupKey)
	if existing, ok := r.seen[dedupKey]; ok {
		return &persistence.StartInstanceResponse{
			InstanceId:     existing,
			AlreadyStarted: true,
		}, nil
	}
	instanceId := fmt.Sprintf("inst-%v", len(r.seen)+1)
	r.seen[dedupKey] = instanceId
	return &persistence.StartInstanceResponse{InstanceId: instanceId}, nil
}

func (r *recordingStarter) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dedupKeys...)
}

func newTestTriggerService(
	store persistence.OrchestrationStore, starter *recordingStarter,
	triggers ...config.TriggerConfig,
) *triggerService {
	cfg := &config.Config{
		Orchestration: config.OrchestrationConfig{Triggers: triggers},
	}
	return newTriggerService(context.Background(), cfg, store, starter,
		log.NewDevelopmentLogger(), NewMetrics())
}

func TestTriggerCatchUpFiresOnceAfterOutage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	trigger := config.TriggerConfig{
		Name:     "inventory-sweep",
		Cron:     "*/10 * * * *",
		Workflow: "supplier-sync",
		Version:  1,
		CatchUp:  config.TriggerCatchUpFireOnce,
	}
	schedule, err := cronParser.Parse(trigger.Cron)
	require.NoError(t, err)

	// an outage spanning several 10 minute ticks
	missed := time.Now().Add(-45 * time.Minute).Truncate(time.Minute)
	require.NoError(t, store.UpsertCronTrigger(ctx, persistence.CronTriggerRow{
		Name:       trigger.Name,
		Cron:       trigger.Cron,
		Workflow:   trigger.Workflow,
		Version:    trigger.Version,
		CatchUp:    trigger.CatchUp,
		LastFireAt: ptr.Any(missed.Add(-10 * time.Minute)),
		NextFireAt: missed,
	}))

	starter := &recordingStarter{}
	service := newTestTriggerService(store, starter, trigger)
	before := time.Now()
	row, err := service.reconcileTrigger(trigger, schedule)
	require.NoError(t, err)

	// exactly one catch-up fire, keyed to the oldest missed tick
	started := starter.started()
	require.Equal(t, 1, len(started))
	assert.Equal(t, fmt.Sprintf("trigger-inventory-sweep-%v", missed.Unix()), started[0])

	assert.True(t, row.NextFireAt.After(before))
	stored, err := store.GetCronTrigger(ctx, trigger.Name)
	require.NoError(t, err)
	require.NotNil(t, stored.LastFireAt)
	assert.True(t, stored.LastFireAt.Equal(missed))
	assert.True(t, stored.NextFireAt.After(before))
}

func TestTriggerCatchUpSkipSuppressesMissedTicks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	trigger := config.TriggerConfig{
		Name:     "inventory-sweep",
		Cron:     "*/10 * * * *",
		Workflow: "supplier-sync",
		Version:  1,
		CatchUp:  config.TriggerCatchUpSkip,
	}
	schedule, err := cronParser.Parse(trigger.Cron)
	require.NoError(t, err)

	missed := time.Now().Add(-45 * time.Minute).Truncate(time.Minute)
	require.NoError(t, store.UpsertCronTrigger(ctx, persistence.CronTriggerRow{
		Name:       trigger.Name,
		Cron:       trigger.Cron,
		Workflow:   trigger.Workflow,
		Version:    trigger.Version,
		CatchUp:    trigger.CatchUp,
		NextFireAt: missed,
	}))

	starter := &recordingStarter{}
	service := newTestTriggerService(store, starter, trigger)
	before := time.Now()
	row, err := service.reconcileTrigger(trigger, schedule)
	require.NoError(t, err)

	// the missed ticks are gone; the cursor lands on the next future fire
	assert.Empty(t, starter.started())
	assert.True(t, row.NextFireAt.After(before))
	stored, err := store.GetCronTrigger(ctx, trigger.Name)
	require.NoError(t, err)
	assert.True(t, stored.NextFireAt.After(before))
}

func TestTriggerReconcileNewTriggerDoesNotBackfill(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	trigger := config.TriggerConfig{
		Name:     "fresh",
		Cron:     "*/10 * * * *",
		Workflow: "supplier-sync",
		Version:  1,
		CatchUp:  config.TriggerCatchUpFireOnce,
	}
	schedule, err := cronParser.Parse(trigger.Cron)
	require.NoError(t, err)

	starter := &recordingStarter{}
	service := newTestTriggerService(store, starter, trigger)
	before := time.Now()
	row, err := service.reconcileTrigger(trigger, schedule)
	require.NoError(t, err)

	// ticks before the trigger existed never happened
	assert.Empty(t, starter.started())
	assert.True(t, row.NextFireAt.After(before))
	stored, err := store.GetCronTrigger(ctx, trigger.Name)
	require.NoError(t, err)
	assert.Nil(t, stored.LastFireAt)
}

func TestTriggerFireDedupsReplayedTick(t *testing.T) {
	store := memory.NewMemoryStore()
	trigger := config.TriggerConfig{
		Name:     "inventory-sweep",
		Cron:     "*/10 * * * *",
		Workflow: "supplier-sync",
		Version:  1,
	}
	starter := &recordingStarter{}
	service := newTestTriggerService(store, starter, trigger)

	tick := time.Now().Truncate(time.Minute)
	service.fire(trigger, tick)
	service.fire(trigger, tick)

	// both replicas asked, the dedup key made the tick start one instance
	started := starter.started()
	require.Equal(t, 2, len(started))
	assert.Equal(t, started[0], started[1])
	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Equal(t, 1, len(starter.seen))
}
