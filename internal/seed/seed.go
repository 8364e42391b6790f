// Package seed installs the demo dataset: three channels exercising the
// policy spread (free-form point of sale, checked web shop, locked
// marketplace) and a matching price book and stock levels for the memory
// backends.
package seed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"omniman/internal/backends/memory"
	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/storage"
)

// demoChannels returns the three demo channels. pos trusts caller prices and
// commits without checks; shop prices internally and requires a stock hold;
// ifood carts arrive sealed from the marketplace and cannot be edited here.
func demoChannels() []*model.Channel {
	return []*model.Channel{
		{
			Code:          "pos",
			Name:          "Point of Sale",
			DisplayOrder:  1,
			PricingPolicy: model.PricingExternal,
			EditPolicy:    model.EditOpen,
			Config:        model.ChannelConfig{},
		},
		{
			Code:          "shop",
			Name:          "Web Shop",
			DisplayOrder:  2,
			PricingPolicy: model.PricingInternal,
			EditPolicy:    model.EditOpen,
			Config: model.ChannelConfig{
				RequiredChecksOnCommit: []string{"stock"},
				PostCommitDirectives:   []string{"stock.commit", "notify.order_created"},
				MaxLines:               100,
			},
		},
		{
			Code:          "ifood",
			Name:          "iFood",
			DisplayOrder:  3,
			PricingPolicy: model.PricingExternal,
			EditPolicy:    model.EditLocked,
			Config: model.ChannelConfig{
				PostCommitDirectives: []string{"notify.order_created"},
				RequireCustomerData:  true,
				OrderFlow: &model.OrderFlowConfig{
					Transitions: map[model.Status][]model.Status{
						model.StatusNew:        {model.StatusConfirmed, model.StatusCancelled},
						model.StatusConfirmed:  {model.StatusDispatched, model.StatusCancelled},
						model.StatusDispatched: {model.StatusDelivered},
						model.StatusDelivered:  {model.StatusCompleted},
					},
					TerminalStatuses: []model.Status{model.StatusCompleted, model.StatusCancelled},
				},
			},
		},
	}
}

// Channels inserts the demo channels that do not exist yet and returns how
// many were created. Existing channels are left untouched, so rerunning the
// seed never clobbers operator edits.
func Channels(ctx context.Context, store storage.Store, logger core.ILogger) (int, error) {
	created := 0
	for _, ch := range demoChannels() {
		ch := ch
		err := store.WithTx(ctx, func(tx storage.Tx) error {
			_, err := tx.ChannelByCode(ctx, ch.Code)
			if err == nil {
				return nil
			}
			if !storage.IsNotFound(err) {
				return err
			}
			now := time.Now().UTC()
			ch.IsActive = true
			ch.CreatedAt = now
			ch.UpdatedAt = now
			if err := tx.InsertChannel(ctx, ch); err != nil {
				return err
			}
			created++
			logger.Info("channel seeded", "channel", ch.Code, "name", ch.Name)
			return nil
		})
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// demoPrices is the catalogue in minor units. The shop book undercuts the
// fallback book to show per-channel pricing.
var demoPrices = map[string]int64{
	"ESPRESSO":      900,
	"LATTE":         1400,
	"CAPPUCCINO":    1600,
	"CROISSANT":     1250,
	"PAO-DE-QUEIJO": 850,
	"BRIGADEIRO":    600,
}

// PriceBook loads the demo catalogue into a memory pricing backend: the
// fallback book at list price and a discounted shop book.
func PriceBook(pricing *memory.PricingBackend) {
	for sku, priceQ := range demoPrices {
		pricing.SetPrice("", sku, priceQ)
		pricing.SetPrice("shop", sku, priceQ-priceQ/10)
	}
}

// StockLevels loads generous demo levels into a memory stock backend, with
// one deliberately scarce SKU so the issue-and-resolve flow has something to
// trip on.
func StockLevels(stock *memory.StockBackend) {
	for sku := range demoPrices {
		stock.SetLevel(sku, decimal.NewFromInt(100))
	}
	stock.SetLevel("BRIGADEIRO", decimal.NewFromInt(3))
}
