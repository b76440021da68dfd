// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/persistence/memory"
	"github.com/inventorypulse/pulseflow/workflow"
)

func testEngineConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{InMemory: true},
		WorkerService: config.WorkerServiceConfig{
			DecisionConcurrency:        2,
			DefaultActivityConcurrency: 2,
			LeaseDuration:              5 * time.Second,
			MaxPollInterval:            50 * time.Millisecond,
			IntervalJitter:             time.Millisecond,
			TimerLookAhead:             200 * time.Millisecond,
			DefaultActivityTimeout:     5 * time.Second,
		},
	}
	require.NoError(t, cfg.ValidateAndSetDefaults())
	return cfg
}

func startTestEngine(
	t *testing.T, cfg *config.Config,
	definitions *workflow.Registry, activities *activity.Registry,
) *Engine {
	t.Helper()
	engine := NewEngine(cfg, memory.NewMemoryStore(), definitions, activities,
		log.NewDevelopmentLogger())
	require.NoError(t, engine.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, engine.Stop(ctx))
	})
	return engine
}

func waitForStatus(
	t *testing.T, engine *Engine, instanceId string, status persistence.InstanceStatus,
) *persistence.WorkflowInstance {
	t.Helper()
	var instance *persistence.WorkflowInstance
	require.Eventually(t, func() bool {
		var err error
		instance, err = engine.DescribeInstance(context.Background(), instanceId)
		return err == nil && instance.Status == status
	}, 10*time.Second, 20*time.Millisecond)
	return instance
}

func echoPreviousHandler(_ context.Context, input activity.Input) ([]byte, error) {
	return input.Previous, nil
}

func TestEngineRunsChainedActivities(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "chain",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "produce", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.produce"}},
			{Id: "relay", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.relay"}},
		},
	})

	activities := activity.NewRegistry()
	var seenKey atomic.Value
	activities.MustRegister(&activity.Registration{
		Type: "test.produce",
		Handler: func(_ context.Context, input activity.Input) ([]byte, error) {
			seenKey.Store(input.IdempotencyKey)
			return []byte(`{"stock":7}`), nil
		},
	})
	activities.MustRegister(&activity.Registration{Type: "test.relay", Handler: echoPreviousHandler})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)

	resp, err := engine.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "chain",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	instance := waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusCompleted)
	assert.JSONEq(t, `{"stock":7}`, string(instance.Result))
	assert.Equal(t, resp.InstanceId+"-produce-0-1", seenKey.Load())

	history, err := engine.GetHistory(context.Background(), resp.InstanceId, 0)
	require.NoError(t, err)
	var types []persistence.EventType
	for _, event := range history.Events {
		types = append(types, event.EventType)
	}
	assert.Equal(t, []persistence.EventType{
		persistence.EventTypeWorkflowStarted,
		persistence.EventTypeActivityScheduled,
		persistence.EventTypeActivityStarted,
		persistence.EventTypeActivityCompleted,
		persistence.EventTypeActivityScheduled,
		persistence.EventTypeActivityStarted,
		persistence.EventTypeActivityCompleted,
		persistence.EventTypeWorkflowCompleted,
	}, types)
}

func TestEngineFanOutBestEffortJoin(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "spread",
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "branches",
				Kind: workflow.StepKindFanOut,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.branch",
					RetryPolicy:  &workflow.RetryPolicy{BackoffCoefficient: 1.0, MaximumAttempts: 1},
				},
				Expand: func(_ []byte) ([]workflow.Branch, error) {
					return []workflow.Branch{
						{Name: "a", Input: []byte(`"a"`)},
						{Name: "bad", Input: []byte(`"bad"`)},
						{Name: "c", Input: []byte(`"c"`)},
					}, nil
				},
				Join: workflow.JoinPolicyBestEffort,
			},
		},
	})

	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{
		Type: "test.branch",
		Handler: func(_ context.Context, input activity.Input) ([]byte, error) {
			if string(input.BranchInput) == `"bad"` {
				return nil, activity.NewPermanentFailure("unreachable supplier")
			}
			return []byte(`"ok"`), nil
		},
	})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)

	resp, err := engine.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "spread",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	instance := waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusCompleted)
	assert.JSONEq(t, `["ok", null, "ok"]`, string(instance.Result))
}

func TestEngineRetryExhaustion(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "flaky",
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "call",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: "test.flaky",
					RetryPolicy: &workflow.RetryPolicy{
						BackoffCoefficient: 1.0,
						MaximumAttempts:    3,
					},
				},
			},
		},
	})

	var attempts atomic.Int32
	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{
		Type: "test.flaky",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			attempts.Add(1)
			return nil, activity.NewTransientFailure("warehouse api returned 503")
		},
	})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)

	resp, err := engine.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "flaky",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	instance := waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusFailed)
	assert.Contains(t, instance.Error, "warehouse api returned 503")
	assert.Equal(t, int32(3), attempts.Load())

	history, err := engine.GetHistory(context.Background(), resp.InstanceId, 0)
	require.NoError(t, err)
	var failed []persistence.ActivityFailedPayload
	for _, event := range history.Events {
		if event.EventType != persistence.EventTypeActivityFailed {
			continue
		}
		var payload persistence.ActivityFailedPayload
		require.NoError(t, persistence.DecodePayload(event, &payload))
		failed = append(failed, payload)
	}
	require.Equal(t, 3, len(failed))
	assert.False(t, failed[0].Terminal)
	assert.False(t, failed[1].Terminal)
	assert.True(t, failed[2].Terminal)
	assert.Equal(t, persistence.FailureKindTransient, failed[2].Kind)
}

func TestEnginePermanentFailureSkipsRetries(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "strict",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "call", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.rejecting"}},
		},
	})

	var attempts atomic.Int32
	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{
		Type: "test.rejecting",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			attempts.Add(1)
			return nil, activity.NewPermanentFailure("sku does not exist")
		},
	})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)

	resp, err := engine.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "strict",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusFailed)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestEngineTimerStep(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "paced",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "pause", Kind: workflow.StepKindTimer, DelaySeconds: 1},
			{Id: "after", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.after"}},
		},
	})

	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{
		Type: "test.after",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			return []byte(`"woke"`), nil
		},
	})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)

	resp, err := engine.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "paced",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	instance := waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusCompleted)
	assert.Equal(t, `"woke"`, string(instance.Result))

	history, err := engine.GetHistory(context.Background(), resp.InstanceId, 0)
	require.NoError(t, err)
	var types []persistence.EventType
	for _, event := range history.Events {
		types = append(types, event.EventType)
	}
	assert.Contains(t, types, persistence.EventTypeTimerStarted)
	assert.Contains(t, types, persistence.EventTypeTimerFired)
}

func TestEngineSignalDeliveryAndCancel(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "waiting",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "await", Kind: workflow.StepKindWaitSignal, SignalName: "go"},
			{Id: "relay", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.relay"}},
		},
	})

	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{Type: "test.relay", Handler: echoPreviousHandler})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)
	ctx := context.Background()

	// signalled instance consumes the payload and completes
	resp, err := engine.StartWorkflow(ctx, StartWorkflowRequest{
		WorkflowType: "waiting",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, engine.SignalWorkflow(ctx, resp.InstanceId, "go", []byte(`{"sku":"x"}`)))
	instance := waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusCompleted)
	assert.JSONEq(t, `{"sku":"x"}`, string(instance.Result))

	// a second instance parked on the signal gets cancelled instead
	resp, err = engine.StartWorkflow(ctx, StartWorkflowRequest{
		WorkflowType: "waiting",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, engine.CancelWorkflow(ctx, resp.InstanceId, "operator request"))
	instance = waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusCancelled)
	assert.Contains(t, instance.Error, "operator request")

	// signalling the closed instance is a silent drop
	require.NoError(t, engine.SignalWorkflow(ctx, resp.InstanceId, "go", []byte(`{}`)))
}

func TestEngineCreatingSignalStartsInstance(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "signal-flow",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "await", Kind: workflow.StepKindWaitSignal, SignalName: "ping"},
			{Id: "relay", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.relay"}},
		},
	})

	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{Type: "test.relay", Handler: echoPreviousHandler})

	cfg := testEngineConfig(t)
	cfg.Orchestration.CreatingSignals = []config.CreatingSignalConfig{
		{Signal: "ping", Workflow: "signal-flow", Version: 1},
	}

	engine := startTestEngine(t, cfg, definitions, activities)
	ctx := context.Background()

	require.NoError(t, engine.SignalWorkflow(ctx, "device-42", "ping", []byte(`{"level":3}`)))

	// a retried signal for the same target maps to the same instance; the
	// dedup key also lets us discover the created instance id
	resp, err := engine.StartWorkflow(ctx, StartWorkflowRequest{
		WorkflowType: "signal-flow",
		DedupKey:     "signal-ping-device-42",
	})
	require.NoError(t, err)
	assert.True(t, resp.AlreadyStarted)

	instance := waitForStatus(t, engine, resp.InstanceId, persistence.InstanceStatusCompleted)
	assert.JSONEq(t, `{"level":3}`, string(instance.Result))
}

func TestEngineStartDedupAndUnknownDefinition(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "noop",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "only", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.noop"}},
		},
	})
	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{
		Type: "test.noop",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			return []byte(`"done"`), nil
		},
	})

	engine := startTestEngine(t, testEngineConfig(t), definitions, activities)
	ctx := context.Background()

	first, err := engine.StartWorkflow(ctx, StartWorkflowRequest{
		WorkflowType: "noop",
		DedupKey:     "req-1",
	})
	require.NoError(t, err)
	assert.False(t, first.AlreadyStarted)

	second, err := engine.StartWorkflow(ctx, StartWorkflowRequest{
		WorkflowType: "noop",
		DedupKey:     "req-1",
	})
	require.NoError(t, err)
	assert.True(t, second.AlreadyStarted)
	assert.Equal(t, first.InstanceId, second.InstanceId)

	_, err = engine.StartWorkflow(ctx, StartWorkflowRequest{WorkflowType: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown definition")

	_, err = engine.StartWorkflow(ctx, StartWorkflowRequest{WorkflowType: "noop", Version: 9})
	require.Error(t, err)
}

func TestEngineResumesInterruptedInstanceAfterRestart(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "handover",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "first", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.first"}},
			{Id: "second", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.second",
					RetryPolicy: &workflow.RetryPolicy{BackoffCoefficient: 1.0}}},
		},
	})

	var firstRuns atomic.Int32
	countingFirst := func(_ context.Context, _ activity.Input) ([]byte, error) {
		firstRuns.Add(1)
		return []byte(`"one"`), nil
	}

	entered := make(chan struct{})
	var enteredOnce sync.Once
	interrupted := activity.NewRegistry()
	interrupted.MustRegister(&activity.Registration{Type: "test.first", Handler: countingFirst})
	interrupted.MustRegister(&activity.Registration{
		Type: "test.second",
		Handler: func(ctx context.Context, _ activity.Input) ([]byte, error) {
			enteredOnce.Do(func() { close(entered) })
			<-ctx.Done()
			return nil, activity.NewTransientFailure("worker shutting down")
		},
	})

	cfg := testEngineConfig(t)
	cfg.WorkerService.LeaseDuration = 500 * time.Millisecond
	store := memory.NewMemoryStore()
	ctx := context.Background()

	first := NewEngine(cfg, store, definitions, interrupted, log.NewDevelopmentLogger())
	require.NoError(t, first.Start())

	resp, err := first.StartWorkflow(ctx, StartWorkflowRequest{
		WorkflowType: "handover",
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("second step never started")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, first.Stop(stopCtx))
	cancel()

	healthy := activity.NewRegistry()
	healthy.MustRegister(&activity.Registration{Type: "test.first", Handler: countingFirst})
	healthy.MustRegister(&activity.Registration{
		Type: "test.second",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			return []byte(`"two"`), nil
		},
	})

	second := NewEngine(cfg, store, definitions, healthy, log.NewDevelopmentLogger())
	require.NoError(t, second.Start())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, second.Stop(stopCtx))
	})

	instance := waitForStatus(t, second, resp.InstanceId, persistence.InstanceStatusCompleted)
	assert.Equal(t, `"two"`, string(instance.Result))

	// the completed first step comes back from history, never from a re-run
	assert.Equal(t, int32(1), firstRuns.Load())
	history, err := second.GetHistory(ctx, resp.InstanceId, 0)
	require.NoError(t, err)
	firstCompletions := 0
	for _, event := range history.Events {
		if event.EventType != persistence.EventTypeActivityCompleted {
			continue
		}
		var payload persistence.ActivityCompletedPayload
		require.NoError(t, persistence.DecodePayload(event, &payload))
		if payload.StepId == "first" {
			firstCompletions++
		}
	}
	assert.Equal(t, 1, firstCompletions)
}

func TestEngineRepairsDispatchLostBeforeInsert(t *testing.T) {
	definitions := workflow.NewRegistry()
	definitions.MustRegister(&workflow.Definition{
		Name:    "repair",
		Version: 1,
		Steps: []workflow.Step{
			{Id: "first", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.one"}},
			{Id: "second", Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{ActivityType: "test.two"}},
		},
	})

	var firstRuns atomic.Int32
	activities := activity.NewRegistry()
	activities.MustRegister(&activity.Registration{
		Type: "test.one",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			firstRuns.Add(1)
			return []byte(`"one"`), nil
		},
	})
	activities.MustRegister(&activity.Registration{
		Type: "test.two",
		Handler: func(_ context.Context, _ activity.Input) ([]byte, error) {
			return []byte(`"two"`), nil
		},
	})

	store := memory.NewMemoryStore()
	ctx := context.Background()
	started, err := store.StartInstance(ctx, persistence.StartInstanceRequest{
		InstanceId:   "inst-repair",
		WorkflowType: "repair",
		Version:      1,
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)
	require.False(t, started.AlreadyStarted)

	boundSecond, err := json.Marshal(activity.Input{
		InstanceId:    "inst-repair",
		StepId:        "second",
		WorkflowInput: []byte(`{}`),
		Previous:      []byte(`"one"`),
	})
	require.NoError(t, err)

	// history says the second step was scheduled, but the crash landed
	// between the append and the task insert, so no task row exists
	_, err = store.AppendEvents(ctx, persistence.AppendEventsRequest{
		InstanceId:           "inst-repair",
		ExpectedLastSequence: 1,
		Events: []persistence.HistoryEvent{
			persistence.NewEvent("inst-repair", persistence.EventTypeActivityScheduled,
				persistence.ActivityScheduledPayload{
					StepId: "first", BranchCount: 1,
					ActivityType: "test.one", Queue: activity.DefaultQueue,
				}),
			persistence.NewEvent("inst-repair", persistence.EventTypeActivityStarted,
				persistence.ActivityStartedPayload{StepId: "first", Attempt: 1}),
			persistence.NewEvent("inst-repair", persistence.EventTypeActivityCompleted,
				persistence.ActivityCompletedPayload{
					StepId: "first", Attempt: 1, Output: []byte(`"one"`)}),
			persistence.NewEvent("inst-repair", persistence.EventTypeActivityScheduled,
				persistence.ActivityScheduledPayload{
					StepId: "second", BranchCount: 1,
					ActivityType: "test.two", Queue: activity.DefaultQueue,
					Input: boundSecond,
				}),
		},
	})
	require.NoError(t, err)

	engine := NewEngine(testEngineConfig(t), store, definitions, activities,
		log.NewDevelopmentLogger())
	require.NoError(t, engine.Start())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, engine.Stop(stopCtx))
	})

	instance := waitForStatus(t, engine, "inst-repair", persistence.InstanceStatusCompleted)
	assert.Equal(t, `"two"`, string(instance.Result))
	assert.Equal(t, int32(0), firstRuns.Load())
}

func TestEngineClosesInstanceAfterTerminalAppend(t *testing.T) {
	store := memory.NewMemoryStore()
	ctx := context.Background()
	_, err := store.StartInstance(ctx, persistence.StartInstanceRequest{
		InstanceId:   "inst-close",
		WorkflowType: "orphaned",
		Version:      1,
		Input:        []byte(`{}`),
	})
	require.NoError(t, err)

	// terminal history with the instance row still open, as left by a crash
	// between the final append and the close
	_, err = store.AppendEvents(ctx, persistence.AppendEventsRequest{
		InstanceId:           "inst-close",
		ExpectedLastSequence: 1,
		Events: []persistence.HistoryEvent{
			persistence.NewEvent("inst-close", persistence.EventTypeWorkflowCompleted,
				persistence.WorkflowCompletedPayload{
					Status: persistence.InstanceStatusCompleted,
					Result: []byte(`"done"`),
				}),
		},
	})
	require.NoError(t, err)

	engine := NewEngine(testEngineConfig(t), store, workflow.NewRegistry(),
		activity.NewRegistry(), log.NewDevelopmentLogger())
	require.NoError(t, engine.Start())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, engine.Stop(stopCtx))
	})

	instance := waitForStatus(t, engine, "inst-close", persistence.InstanceStatusCompleted)
	assert.Equal(t, `"done"`, string(instance.Result))
}
