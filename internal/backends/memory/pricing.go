package memory

import (
	"context"
	"sync"

	"omniman/internal/core"
)

// PricingBackend is an in-memory price book. Prices are keyed by channel
// code with a fallback book under the empty channel code.
type PricingBackend struct {
	mu     sync.RWMutex
	prices map[string]map[string]int64
}

// NewPricingBackend creates an empty price book.
func NewPricingBackend() *PricingBackend {
	return &PricingBackend{prices: make(map[string]map[string]int64)}
}

// SetPrice sets the unit price for a SKU on a channel. An empty channelCode
// sets the fallback price used by channels without their own entry.
func (b *PricingBackend) SetPrice(channelCode, sku string, priceQ int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, ok := b.prices[channelCode]
	if !ok {
		book = make(map[string]int64)
		b.prices[channelCode] = book
	}
	book[sku] = priceQ
}

// RemovePrice deletes a SKU from a channel's book.
func (b *PricingBackend) RemovePrice(channelCode, sku string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if book, ok := b.prices[channelCode]; ok {
		delete(book, sku)
	}
}

// GetPrice returns the unit price for a SKU on a channel, falling back to
// the default book. A nil price means the SKU is not priced.
func (b *PricingBackend) GetPrice(ctx context.Context, sku, channelCode string) (*int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if book, ok := b.prices[channelCode]; ok {
		if p, ok := book[sku]; ok {
			out := p
			return &out, nil
		}
	}
	if book, ok := b.prices[""]; ok && channelCode != "" {
		if p, ok := book[sku]; ok {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

var _ core.IPricingBackend = (*PricingBackend)(nil)
