// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package workflows

import (
	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/workflow"
)

const RestockWorkflow = "restock"

// NewRestockDefinition drives one product through a restock decision: ask
// the AI service for a recommendation, notify the channel, then mark the
// product as pending restock. The workflow input is an
// activity.RecommendRestockInput.
func NewRestockDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    RestockWorkflow,
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "recommend",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType:   activity.TypeRecommendRestock,
					Queue:          activity.QueueRecommender,
					TimeoutSeconds: 120,
					// the AI service rate limits aggressively; back off
					// harder than the service default
					RetryPolicy: &workflow.RetryPolicy{
						InitialIntervalSeconds: 5,
						BackoffCoefficient:     2.0,
						MaximumIntervalSeconds: 300,
						MaximumAttempts:        6,
					},
				},
			},
			{
				Id:   "notify",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType:   activity.TypeSendNotification,
					Queue:          activity.QueueNotifications,
					OnFailure:      workflow.FailurePolicyContinueWithFallback,
					FallbackOutput: []byte(`{"sent":false}`),
				},
			},
			{
				Id:   "update-status",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: activity.TypeUpdateStatus,
				},
			},
		},
	}
}
