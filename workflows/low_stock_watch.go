// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package workflows

import (
	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/workflow"
)

const (
	LowStockWatchWorkflow = "low-stock-watch"

	// LowStockSignal is configured as instance creating: a low-stock alert
	// for a product with no open watch starts one, with the alert payload as
	// the workflow input
	LowStockSignal = "low-stock"
)

// NewLowStockWatchDefinition reacts to a low-stock alert: wait for the
// signal, debounce for a minute so a flapping stock level does not fire a
// recommendation per reading, then recommend and notify. The signal payload
// is an activity.RecommendRestockInput.
func NewLowStockWatchDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    LowStockWatchWorkflow,
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:         "await-alert",
				Kind:       workflow.StepKindWaitSignal,
				SignalName: LowStockSignal,
			},
			{
				Id:           "debounce",
				Kind:         workflow.StepKindTimer,
				DelaySeconds: 60,
			},
			{
				Id:   "recommend",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType:   activity.TypeRecommendRestock,
					Queue:          activity.QueueRecommender,
					TimeoutSeconds: 120,
				},
			},
			{
				Id:   "notify",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: activity.TypeSendNotification,
					Queue:        activity.QueueNotifications,
				},
			},
		},
	}
}

// RegisterAll registers every InventoryPulse workflow definition
func RegisterAll(registry *workflow.Registry) error {
	for _, def := range []*workflow.Definition{
		NewSupplierSyncDefinition(),
		NewStrictSupplierSyncDefinition(),
		NewRestockDefinition(),
		NewLowStockWatchDefinition(),
		NewAnomalyWatchDefinition(),
	} {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}
