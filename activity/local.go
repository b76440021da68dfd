// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"sync"
	"time"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
)

// localCollaborators is an in-process stand-in for the real collaborator
// services, used by the development server and tests. It keeps warehouse
// rows and statuses in memory and dedupes on the idempotency keys the way
// the real services are required to.
type localCollaborators struct {
	logger log.Logger

	mu       sync.Mutex
	demand   map[string][]DemandRow
	statuses map[string]string
	applied  map[string]bool
}

// NewLocalCollaborators builds an InventoryActivities set backed by
// in-process collaborators
func NewLocalCollaborators(logger log.Logger) *InventoryActivities {
	local := &localCollaborators{
		logger:   logger,
		demand:   map[string][]DemandRow{},
		statuses: map[string]string{},
		applied:  map[string]bool{},
	}
	return &InventoryActivities{
		Suppliers:   local,
		Warehouse:   local,
		Recommender: local,
		Notifier:    local,
		Inventory:   local,
		Catalog:     local,
	}
}

func (l *localCollaborators) FetchStock(
	_ context.Context, supplierId string, productIds []string,
) ([]SupplierStock, error) {
	rows := make([]SupplierStock, 0, len(productIds))
	for i, productId := range productIds {
		rows = append(rows, SupplierStock{
			SupplierId: supplierId,
			ProductId:  productId,
			Stock:      int64(100 + i*10),
			UnitPrice:  9.99,
		})
	}
	return rows, nil
}

func (l *localCollaborators) UpsertDemandRows(
	_ context.Context, idempotencyKey string, rows []DemandRow,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applied[idempotencyKey] {
		return nil
	}
	l.applied[idempotencyKey] = true
	for _, row := range rows {
		l.demand[row.ProductId] = append(l.demand[row.ProductId], row)
	}
	return nil
}

func (l *localCollaborators) QueryDemandHistory(
	_ context.Context, productId string, days int,
) ([]DemandRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	history := l.demand[productId]
	if len(history) == 0 {
		// synthesize a flat history so the recommender has something to work with
		now := time.Now()
		for i := 0; i < days && i < 7; i++ {
			history = append(history, DemandRow{
				ProductId: productId,
				Date:      now.AddDate(0, 0, -i).Format("2006-01-02"),
				Quantity:  10,
			})
		}
	}
	return history, nil
}

func (l *localCollaborators) RecommendRestock(
	_ context.Context, rc RecommendationContext,
) (*Recommendation, error) {
	quantity := rc.ReorderPoint*2 - rc.CurrentStock
	if quantity < 0 {
		quantity = 0
	}
	urgency := "low"
	if rc.CurrentStock < rc.ReorderPoint {
		urgency = "high"
	}
	return &Recommendation{
		ProductId: rc.ProductId,
		Quantity:  quantity,
		Urgency:   urgency,
		Summary:   "stock below reorder point, replenish to twice the reorder point",
	}, nil
}

func (l *localCollaborators) Send(
	_ context.Context, idempotencyKey string, notification Notification,
) error {
	l.mu.Lock()
	duplicate := l.applied[idempotencyKey]
	l.applied[idempotencyKey] = true
	l.mu.Unlock()
	if duplicate {
		return nil
	}
	l.logger.Info("notification",
		tag.Value(notification.Type),
		tag.Message(notification.Message))
	return nil
}

func (l *localCollaborators) ListProducts(_ context.Context) ([]Product, error) {
	// a fixed catalog with one stock-out so development sweeps have
	// something to report
	return []Product{
		{ProductId: "sku-widget", CurrentStock: 42, MaxStock: 100, ReorderPoint: 10},
		{ProductId: "sku-gadget", CurrentStock: 0, MaxStock: 50, ReorderPoint: 5},
		{ProductId: "sku-gizmo", CurrentStock: 73, MaxStock: 80, ReorderPoint: 20},
	}, nil
}

func (l *localCollaborators) UpdateStatus(
	_ context.Context, idempotencyKey string, productId string, status string,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applied[idempotencyKey] {
		return nil
	}
	l.applied[idempotencyKey] = true
	l.statuses[productId] = status
	return nil
}
