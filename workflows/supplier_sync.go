// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package workflows

import (
	"encoding/json"
	"fmt"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/workflow"
)

const SupplierSyncWorkflow = "supplier-sync"

type (
	SupplierSpec struct {
		SupplierId string   `json:"supplierId"`
		ProductIds []string `json:"productIds"`
	}

	SupplierSyncInput struct {
		Suppliers []SupplierSpec `json:"suppliers"`
		// Notification is the template for the completion notification
		Notification activity.Notification `json:"notification"`
	}
)

// expandSuppliers derives one fan-out branch per supplier. Branch names come
// from the input, so replaying the same input always produces the same
// branches in the same order.
func expandSuppliers(workflowInput []byte) ([]workflow.Branch, error) {
	var input SupplierSyncInput
	if err := json.Unmarshal(workflowInput, &input); err != nil {
		return nil, fmt.Errorf("malformed supplier-sync input: %w", err)
	}
	if len(input.Suppliers) == 0 {
		return nil, fmt.Errorf("supplier-sync requires at least one supplier")
	}
	branches := make([]workflow.Branch, 0, len(input.Suppliers))
	for _, supplier := range input.Suppliers {
		branchInput, err := json.Marshal(activity.FetchSupplierStockInput{
			SupplierId: supplier.SupplierId,
			ProductIds: supplier.ProductIds,
		})
		if err != nil {
			return nil, err
		}
		branches = append(branches, workflow.Branch{
			Name:  supplier.SupplierId,
			Input: branchInput,
		})
	}
	return branches, nil
}

// NewSupplierSyncDefinition is the scheduled inventory refresh: fetch stock
// from every configured supplier in parallel, aggregate the successes into
// the warehouse, then notify. A supplier being down should not block the
// rest, so the join is best effort.
func NewSupplierSyncDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    SupplierSyncWorkflow,
		Version: 1,
		Steps: []workflow.Step{
			{
				Id:   "fetch-supplier-stock",
				Kind: workflow.StepKindFanOut,
				Activity: &workflow.ActivitySpec{
					ActivityType: activity.TypeFetchSupplierStock,
					Queue:        activity.QueueSuppliers,
				},
				Expand: expandSuppliers,
				Join:   workflow.JoinPolicyBestEffort,
			},
			{
				Id:   "upsert-demand",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: activity.TypeUpsertDemandRows,
					Queue:        activity.QueueWarehouse,
				},
			},
			{
				Id:   "notify",
				Kind: workflow.StepKindActivity,
				Activity: &workflow.ActivitySpec{
					ActivityType: activity.TypeSendNotification,
					Queue:        activity.QueueNotifications,
					// a lost notification must not fail an otherwise
					// successful sync
					OnFailure:      workflow.FailurePolicyContinueWithFallback,
					FallbackOutput: []byte(`{"sent":false}`),
				},
			},
		},
	}
}

// NewStrictSupplierSyncDefinition is version 2: an audit grade sync where a
// single failed supplier invalidates the whole run. In-flight version 1
// instances keep replaying against version 1.
func NewStrictSupplierSyncDefinition() *workflow.Definition {
	def := NewSupplierSyncDefinition()
	def.Version = 2
	def.Steps[0].Join = workflow.JoinPolicyFailFast
	return def
}
