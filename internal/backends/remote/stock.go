// Package remote implements the backend contracts as JSON-over-HTTP
// adapters. Each adapter is a thin wire mapping on top of the resilient
// client in pkg/http; retries, circuit breaking and instrumentation live
// there.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"omniman/internal/core"
	omnihttp "omniman/pkg/http"
)

// StockBackend talks to a stock gateway.
//
//	POST   /availability
//	POST   /holds
//	DELETE /holds/{id}
//	POST   /holds/{id}/fulfill
//	POST   /holds/release
//	GET    /alternatives?sku=
type StockBackend struct {
	client *omnihttp.Client
}

// NewStockBackend wraps a configured HTTP client.
func NewStockBackend(client *omnihttp.Client) *StockBackend {
	return &StockBackend{client: client}
}

type availabilityRequest struct {
	SKU string          `json:"sku"`
	Qty decimal.Decimal `json:"qty"`
}

type availabilityResponse struct {
	SKU          string          `json:"sku"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	Available    bool            `json:"available"`
}

type holdRequest struct {
	SKU       string          `json:"sku"`
	Qty       decimal.Decimal `json:"qty"`
	ExpiresAt time.Time       `json:"expires_at"`
	Reference string          `json:"reference"`
}

type holdPayload struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Qty       decimal.Decimal `json:"qty"`
	Reference string          `json:"reference"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (b *StockBackend) CheckAvailability(ctx context.Context, sku string, qty decimal.Decimal) (core.Availability, error) {
	body, err := b.client.Post(ctx, "/availability", availabilityRequest{SKU: sku, Qty: qty})
	if err != nil {
		return core.Availability{}, fmt.Errorf("stock availability check failed: %w", err)
	}
	var resp availabilityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Availability{}, fmt.Errorf("failed to decode availability response: %w", err)
	}
	return core.Availability{
		SKU:          sku,
		Requested:    qty,
		AvailableQty: resp.AvailableQty,
		Available:    resp.Available,
	}, nil
}

func (b *StockBackend) CreateHold(ctx context.Context, sku string, qty decimal.Decimal, expiresAt time.Time, reference string) (*core.Hold, error) {
	body, err := b.client.Post(ctx, "/holds", holdRequest{
		SKU:       sku,
		Qty:       qty,
		ExpiresAt: expiresAt,
		Reference: reference,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}
	var resp holdPayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode hold response: %w", err)
	}
	return &core.Hold{
		ID:        resp.ID,
		SKU:       resp.SKU,
		Qty:       resp.Qty,
		Reference: resp.Reference,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

func (b *StockBackend) ReleaseHold(ctx context.Context, holdID string) error {
	if _, err := b.client.Delete(ctx, "/holds/"+holdID, nil); err != nil {
		return fmt.Errorf("failed to release hold %s: %w", holdID, err)
	}
	return nil
}

func (b *StockBackend) FulfillHold(ctx context.Context, holdID, reference string) error {
	req := struct {
		Reference string `json:"reference"`
	}{Reference: reference}
	if _, err := b.client.Post(ctx, "/holds/"+holdID+"/fulfill", req); err != nil {
		return fmt.Errorf("failed to fulfill hold %s: %w", holdID, err)
	}
	return nil
}

func (b *StockBackend) GetAlternatives(ctx context.Context, sku string) ([]string, error) {
	body, err := b.client.Get(ctx, "/alternatives", map[string]string{"sku": sku})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alternatives: %w", err)
	}
	var resp struct {
		Alternatives []string `json:"alternatives"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode alternatives response: %w", err)
	}
	return resp.Alternatives, nil
}

func (b *StockBackend) ReleaseHoldsForReference(ctx context.Context, reference string) (int, error) {
	req := struct {
		Reference string `json:"reference"`
	}{Reference: reference}
	body, err := b.client.Post(ctx, "/holds/release", req)
	if err != nil {
		return 0, fmt.Errorf("failed to release holds for %s: %w", reference, err)
	}
	var resp struct {
		Released int `json:"released"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode release response: %w", err)
	}
	return resp.Released, nil
}

var _ core.IStockBackend = (*StockBackend)(nil)
