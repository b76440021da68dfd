// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package workflows

import (
	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/workflow"
)

const AnomalyWatchWorkflow = "anomaly-watch"

// NewAnomalyWatchDefinition sweeps the product catalog for stock levels that
// normal flow cannot explain and notifies the alert channel when any are
// found. Each sweep is one bounded instance; recurrence comes from a cron
// trigger.
func NewAnomalyWatchDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    AnomalyWatchWorkflow,
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "detect",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType:   activity.TypeDetectAnomalies,
					TimeoutSeconds: 180,
				},
			},
			{
				Id:   "notify",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: activity.TypeSendNotification,
					Queue:        activity.QueueNotifications,
					// a lost alert must not fail the sweep; the next sweep
					// re-detects anything still anomalous
					OnFailure:      workflow.FailurePolicyContinueWithFallback,
					FallbackOutput: []byte(`{"sent":false}`),
				},
			},
		},
	}
}
