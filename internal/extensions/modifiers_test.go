package extensions

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniman/internal/engine"
	"omniman/internal/model"
	"omniman/internal/ops"
)

func TestPricingModifierPricesInternalSessions(t *testing.T) {
	h := newHarness(t)
	seedChannel(t, h.store, &model.Channel{Code: "pos", PricingPolicy: model.PricingInternal})
	h.price.SetPrice("", "COFFEE", 900)
	h.price.SetPrice("pos", "COFFEE", 950)
	ctx := context.Background()

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "pos"})
	sess, err := h.svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2)},
	})
	require.NoError(t, err)

	require.NotNil(t, sess.Items[0].UnitPriceQ)
	assert.Equal(t, int64(950), *sess.Items[0].UnitPriceQ)
	require.NotNil(t, sess.Items[0].LineTotalQ)
	assert.Equal(t, int64(1900), *sess.Items[0].LineTotalQ)
	assert.Equal(t, int64(1900), sess.Pricing.TotalQ)
	assert.Equal(t, 1, sess.Pricing.ItemsCount)

	require.Len(t, sess.PricingTrace, 1)
	assert.Equal(t, "pricing", sess.PricingTrace[0].Source)
	assert.Equal(t, "COFFEE", sess.PricingTrace[0].SKU)
	assert.Equal(t, "price book pos", sess.PricingTrace[0].Detail)

	// A qty change reprices the totals but the unchanged unit price adds no
	// trace entry.
	sess, err = h.svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.SetQty{LineID: sess.Items[0].LineID, Qty: decimal.NewFromInt(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2850), sess.Pricing.TotalQ)
	assert.Len(t, sess.PricingTrace, 1)
}

func TestPricingModifierLeavesExternalSessionsAlone(t *testing.T) {
	h := newHarness(t)
	seedChannel(t, h.store, &model.Channel{Code: "shop"})
	h.price.SetPrice("shop", "COFFEE", 950)
	ctx := context.Background()

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "shop"})
	sess, err := h.svc.Modify(ctx, sess.SessionKey, "shop", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(1200)},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1200), *sess.Items[0].UnitPriceQ)
	assert.Equal(t, int64(1200), sess.Pricing.TotalQ)
	assert.Empty(t, sess.PricingTrace)
}

func TestPricingModifierUnpricedLineStaysOutOfTotals(t *testing.T) {
	h := newHarness(t)
	seedChannel(t, h.store, &model.Channel{Code: "pos", PricingPolicy: model.PricingInternal})
	h.price.SetPrice("", "COFFEE", 900)
	ctx := context.Background()

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "pos"})
	sess, err := h.svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2)},
		ops.AddLine{SKU: "TEA", Qty: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)

	assert.Nil(t, sess.Items[1].UnitPriceQ)
	assert.Nil(t, sess.Items[1].LineTotalQ)
	assert.Equal(t, int64(1800), sess.Pricing.TotalQ)
	assert.Equal(t, 2, sess.Pricing.ItemsCount)
}

func TestPricingModifierFractionalQty(t *testing.T) {
	h := newHarness(t)
	seedChannel(t, h.store, &model.Channel{Code: "pos", PricingPolicy: model.PricingInternal})
	h.price.SetPrice("", "CHEESE-KG", 4599)
	ctx := context.Background()

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "pos"})
	sess, err := h.svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "CHEESE-KG", Qty: decimal.RequireFromString("0.25")},
	})
	require.NoError(t, err)

	// 0.25 * 4599 = 1149.75, half-even to 1150.
	assert.Equal(t, int64(1150), *sess.Items[0].LineTotalQ)
	assert.Equal(t, int64(1150), sess.Pricing.TotalQ)
}

type failingPricing struct{ err error }

func (f failingPricing) GetPrice(ctx context.Context, sku, channelCode string) (*int64, error) {
	return nil, f.err
}

func TestPricingModifierBackendError(t *testing.T) {
	boom := errors.New("price service down")
	m := &pricingModifier{pricing: failingPricing{err: boom}}

	sess := &model.Session{
		PricingPolicy: model.PricingInternal,
		Items:         []model.Item{{LineID: "LINE-1", SKU: "COFFEE", Qty: decimal.NewFromInt(1)}},
	}
	err := m.Apply(context.Background(), &model.Channel{Code: "pos"}, sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "price lookup for COFFEE")
}
