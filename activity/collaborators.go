// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
)

// External collaborators. The orchestrator has no knowledge of their internal
// protocols; each is reached only from an activity handler.

type (
	SupplierStock struct {
		SupplierId string  `json:"supplierId"`
		ProductId  string  `json:"productId"`
		Stock      int64   `json:"stock"`
		UnitPrice  float64 `json:"unitPrice"`
	}

	DemandRow struct {
		ProductId string  `json:"productId"`
		Date      string  `json:"date"`
		Quantity  float64 `json:"quantity"`
	}

	RecommendationContext struct {
		ProductId     string      `json:"productId"`
		CurrentStock  int64       `json:"currentStock"`
		ReorderPoint  int64       `json:"reorderPoint"`
		DemandHistory []DemandRow `json:"demandHistory,omitempty"`
	}

	Recommendation struct {
		ProductId string `json:"productId"`
		Quantity  int64  `json:"quantity"`
		Urgency   string `json:"urgency"`
		Summary   string `json:"summary"`
	}

	Notification struct {
		Type      string `json:"type"`
		ProductId string `json:"productId"`
		Message   string `json:"message"`
		Severity  string `json:"severity"`
	}

	// Product is the document-store product record as seen by the anomaly
	// sweep
	Product struct {
		ProductId    string `json:"productId"`
		CurrentStock int64  `json:"currentStock"`
		MaxStock     int64  `json:"maxStock"`
		ReorderPoint int64  `json:"reorderPoint"`
	}
)

// SupplierGateway reads current stock/price from a supplier data source
type SupplierGateway interface {
	FetchStock(ctx context.Context, supplierId string, productIds []string) ([]SupplierStock, error)
}

// Warehouse is the analytics warehouse holding aggregated demand history
type Warehouse interface {
	// UpsertDemandRows must have upsert semantics keyed by idempotencyKey so
	// a retried write is safe
	UpsertDemandRows(ctx context.Context, idempotencyKey string, rows []DemandRow) error
	QueryDemandHistory(ctx context.Context, productId string, days int) ([]DemandRow, error)
}

// Recommender is the AI recommendation service
type Recommender interface {
	RecommendRestock(ctx context.Context, rc RecommendationContext) (*Recommendation, error)
}

// Notifier delivers a message to a notification channel
type Notifier interface {
	// Send must dedupe on idempotencyKey
	Send(ctx context.Context, idempotencyKey string, notification Notification) error
}

// InventoryStatusWriter updates a product's workflow status in the document store
type InventoryStatusWriter interface {
	UpdateStatus(ctx context.Context, idempotencyKey string, productId string, status string) error
}

// InventoryCatalog reads product records from the document store
type InventoryCatalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
}
