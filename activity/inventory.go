// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"encoding/json"
	"fmt"
)

// Activity type names and their dispatch queues. Queues are partitioned by
// collaborator so a slow collaborator backing up does not starve unrelated
// workflows.
const (
	TypeFetchSupplierStock = "supplier.fetch-stock"
	TypeUpsertDemandRows   = "warehouse.upsert-demand"
	TypeRecommendRestock   = "ai.recommend-restock"
	TypeSendNotification   = "notify.send"
	TypeUpdateStatus       = "inventory.update-status"
	TypeDetectAnomalies    = "inventory.detect-anomalies"

	QueueSuppliers     = "suppliers"
	QueueWarehouse     = "warehouse"
	QueueRecommender   = "recommender"
	QueueNotifications = "notifications"
)

type (
	FetchSupplierStockInput struct {
		SupplierId string   `json:"supplierId"`
		ProductIds []string `json:"productIds"`
	}

	FetchSupplierStockOutput struct {
		SupplierId string          `json:"supplierId"`
		Rows       []SupplierStock `json:"rows"`
	}

	RecommendRestockInput struct {
		ProductId    string `json:"productId"`
		CurrentStock int64  `json:"currentStock"`
		ReorderPoint int64  `json:"reorderPoint"`
		HistoryDays  int    `json:"historyDays"`
	}

	SendNotificationInput struct {
		Notification Notification `json:"notification"`
	}

	UpdateStatusInput struct {
		ProductId string `json:"productId"`
		Status    string `json:"status"`
	}

	Anomaly struct {
		Type         string `json:"type"`
		ProductId    string `json:"productId"`
		CurrentStock int64  `json:"currentStock"`
		Severity     string `json:"severity"`
	}

	DetectAnomaliesOutput struct {
		Anomalies       []Anomaly `json:"anomalies"`
		ProductsChecked int       `json:"productsChecked"`
	}
)

// InventoryActivities wires the InventoryPulse collaborators into activity
// handlers
type InventoryActivities struct {
	Suppliers   SupplierGateway
	Warehouse   Warehouse
	Recommender Recommender
	Notifier    Notifier
	Inventory   InventoryStatusWriter
	Catalog     InventoryCatalog
}

// RegisterAll registers every InventoryPulse activity on the registry
func (a *InventoryActivities) RegisterAll(registry *Registry) error {
	registrations := []*Registration{
		{Type: TypeFetchSupplierStock, Queue: QueueSuppliers, Handler: a.FetchSupplierStock},
		{Type: TypeUpsertDemandRows, Queue: QueueWarehouse, Handler: a.UpsertDemandRows},
		{Type: TypeRecommendRestock, Queue: QueueRecommender, Handler: a.RecommendRestock,
			// the AI service is slow; give each attempt a longer bound
			TimeoutSeconds: 120},
		{Type: TypeSendNotification, Queue: QueueNotifications, Handler: a.SendNotification},
		{Type: TypeUpdateStatus, Queue: DefaultQueue, Handler: a.UpdateStatus},
		{Type: TypeDetectAnomalies, Queue: DefaultQueue, Handler: a.DetectAnomalies,
			// the sweep walks the whole catalog
			TimeoutSeconds: 180},
	}
	for _, registration := range registrations {
		if err := registry.Register(registration); err != nil {
			return err
		}
	}
	return nil
}

// FetchSupplierStock reads current stock and prices for a product set from
// one supplier. The branch input of a supplier-sync fan-out names the
// supplier.
func (a *InventoryActivities) FetchSupplierStock(ctx context.Context, input Input) ([]byte, error) {
	var req FetchSupplierStockInput
	if err := decodeJSON(input.BranchInput, &req); err != nil {
		return nil, err
	}
	if req.SupplierId == "" {
		return nil, NewPermanentFailure("fetch-stock requires a supplierId")
	}
	rows, err := a.Suppliers.FetchStock(ctx, req.SupplierId, req.ProductIds)
	if err != nil {
		return nil, err
	}
	return json.Marshal(FetchSupplierStockOutput{
		SupplierId: req.SupplierId,
		Rows:       rows,
	})
}

// UpsertDemandRows writes the fetched supplier rows into the analytics
// warehouse; the warehouse dedupes on the idempotency key so re-execution is
// safe. Null entries (failed best-effort branches) are skipped.
func (a *InventoryActivities) UpsertDemandRows(ctx context.Context, input Input) ([]byte, error) {
	var fetched []*FetchSupplierStockOutput
	if err := decodeJSON(input.Previous, &fetched); err != nil {
		return nil, err
	}
	var rows []DemandRow
	for _, out := range fetched {
		if out == nil {
			continue
		}
		for _, stock := range out.Rows {
			rows = append(rows, DemandRow{
				ProductId: stock.ProductId,
				Quantity:  float64(stock.Stock),
			})
		}
	}
	if err := a.Warehouse.UpsertDemandRows(ctx, input.IdempotencyKey, rows); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"upserted": len(rows)})
}

// RecommendRestock asks the AI service for a restock recommendation, feeding
// it demand history from the warehouse
func (a *InventoryActivities) RecommendRestock(ctx context.Context, input Input) ([]byte, error) {
	var req RecommendRestockInput
	if err := decodeJSON(input.WorkflowInput, &req); err != nil {
		return nil, err
	}
	if req.ProductId == "" {
		return nil, NewPermanentFailure("recommend-restock requires a productId")
	}
	days := req.HistoryDays
	if days == 0 {
		days = 30
	}
	history, err := a.Warehouse.QueryDemandHistory(ctx, req.ProductId, days)
	if err != nil {
		return nil, err
	}
	recommendation, err := a.Recommender.RecommendRestock(ctx, RecommendationContext{
		ProductId:     req.ProductId,
		CurrentStock:  req.CurrentStock,
		ReorderPoint:  req.ReorderPoint,
		DemandHistory: history,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(recommendation)
}

// DetectAnomalies sweeps every product record for stock levels that normal
// flow cannot explain: negative stock, stock far above the configured
// maximum, and stock-outs on products that have a reorder point.
func (a *InventoryActivities) DetectAnomalies(ctx context.Context, _ Input) ([]byte, error) {
	products, err := a.Catalog.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	out := DetectAnomaliesOutput{ProductsChecked: len(products)}
	for _, product := range products {
		if product.CurrentStock < 0 {
			out.Anomalies = append(out.Anomalies, Anomaly{
				Type:         "negative_stock",
				ProductId:    product.ProductId,
				CurrentStock: product.CurrentStock,
				Severity:     "high",
			})
		}
		if product.MaxStock > 0 && product.CurrentStock > product.MaxStock*3/2 {
			out.Anomalies = append(out.Anomalies, Anomaly{
				Type:         "excess_stock",
				ProductId:    product.ProductId,
				CurrentStock: product.CurrentStock,
				Severity:     "medium",
			})
		}
		if product.CurrentStock == 0 && product.ReorderPoint > 0 {
			out.Anomalies = append(out.Anomalies, Anomaly{
				Type:         "stock_out",
				ProductId:    product.ProductId,
				Severity:     "high",
			})
		}
	}
	return json.Marshal(out)
}

// SendNotification delivers a message to the notification channel. When the
// preceding step produced a restock recommendation or an anomaly sweep its
// summary is included.
func (a *InventoryActivities) SendNotification(ctx context.Context, input Input) ([]byte, error) {
	var req SendNotificationInput
	if len(input.WorkflowInput) > 0 {
		// notification template is optional in the workflow input
		_ = json.Unmarshal(input.WorkflowInput, &req)
	}
	notification := req.Notification
	if len(input.Previous) > 0 {
		var detected DetectAnomaliesOutput
		if err := json.Unmarshal(input.Previous, &detected); err == nil && detected.ProductsChecked > 0 {
			if len(detected.Anomalies) == 0 {
				// clean sweep, nothing to report
				return json.Marshal(map[string]bool{"sent": false})
			}
			notification.Type = "anomaly_detected"
			notification.Severity = highestAnomalySeverity(detected.Anomalies)
			notification.Message = fmt.Sprintf("%v stock anomalies across %v products",
				len(detected.Anomalies), detected.ProductsChecked)
		}
		var recommendation Recommendation
		if err := json.Unmarshal(input.Previous, &recommendation); err == nil && recommendation.ProductId != "" {
			notification.ProductId = recommendation.ProductId
			if notification.Type == "" {
				notification.Type = "restock_recommended"
			}
			if notification.Severity == "" {
				notification.Severity = recommendation.Urgency
			}
			notification.Message = fmt.Sprintf("restock %v units of %v: %v",
				recommendation.Quantity, recommendation.ProductId, recommendation.Summary)
		}
	}
	if notification.Type == "" {
		return nil, NewPermanentFailure("send-notification requires a notification type")
	}
	if err := a.Notifier.Send(ctx, input.IdempotencyKey, notification); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"sent": true})
}

// UpdateStatus records a workflow-driven status on the product record
func (a *InventoryActivities) UpdateStatus(ctx context.Context, input Input) ([]byte, error) {
	var req UpdateStatusInput
	if err := decodeJSON(input.WorkflowInput, &req); err != nil {
		return nil, err
	}
	if req.ProductId == "" {
		return nil, NewPermanentFailure("update-status requires a productId")
	}
	status := req.Status
	if status == "" {
		status = "restock_pending"
	}
	if err := a.Inventory.UpdateStatus(ctx, input.IdempotencyKey, req.ProductId, status); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"updated": true})
}

func highestAnomalySeverity(anomalies []Anomaly) string {
	for _, anomaly := range anomalies {
		if anomaly.Severity == "high" {
			return "high"
		}
	}
	return "medium"
}

func decodeJSON(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return NewPermanentFailure("activity input is empty")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewPermanentFailure(fmt.Sprintf("malformed activity input: %v", err))
	}
	return nil
}
