package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"omniman/internal/core"
	omnihttp "omniman/pkg/http"
)

// PricingBackend talks to a price service. GET /prices?sku=&channel=
// answers with the unit price; a 404 or a null price_q means the SKU is not
// priced for the channel.
type PricingBackend struct {
	client *omnihttp.Client
}

// NewPricingBackend wraps a configured HTTP client.
func NewPricingBackend(client *omnihttp.Client) *PricingBackend {
	return &PricingBackend{client: client}
}

func (b *PricingBackend) GetPrice(ctx context.Context, sku, channelCode string) (*int64, error) {
	body, err := b.client.Get(ctx, "/prices", map[string]string{
		"sku":     sku,
		"channel": channelCode,
	})
	if err != nil {
		var apiErr *omnihttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch price for %s: %w", sku, err)
	}
	var resp struct {
		PriceQ *int64 `json:"price_q"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}
	return resp.PriceQ, nil
}

var _ core.IPricingBackend = (*PricingBackend)(nil)
