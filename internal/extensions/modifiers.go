package extensions

import (
	"context"
	"fmt"
	"time"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/money"
)

// pricingModifier looks up unit prices for sessions priced internally. Lines
// the backend has no price for keep whatever price they already carry; a
// price change is recorded in the pricing trace.
type pricingModifier struct {
	pricing core.IPricingBackend
}

func (m *pricingModifier) Code() string { return "pricing" }
func (m *pricingModifier) Order() int   { return 10 }

func (m *pricingModifier) Apply(ctx context.Context, ch *model.Channel, s *model.Session) error {
	if s.PricingPolicy != model.PricingInternal {
		return nil
	}
	now := time.Now().UTC()
	for i := range s.Items {
		it := &s.Items[i]
		priceQ, err := m.pricing.GetPrice(ctx, it.SKU, ch.Code)
		if err != nil {
			return fmt.Errorf("price lookup for %s failed: %w", it.SKU, err)
		}
		if priceQ == nil {
			continue
		}
		if it.UnitPriceQ != nil && *it.UnitPriceQ == *priceQ {
			continue
		}
		p := *priceQ
		it.UnitPriceQ = &p
		s.PricingTrace = append(s.PricingTrace, model.PricingDecision{
			At:     now,
			Source: "pricing",
			LineID: it.LineID,
			SKU:    it.SKU,
			PriceQ: &p,
			Detail: "price book " + ch.Code,
		})
	}
	return nil
}

// lineTotalModifier recomputes line_total_q on every line. Unpriced lines
// carry no total.
type lineTotalModifier struct{}

func (m *lineTotalModifier) Code() string { return "line_totals" }
func (m *lineTotalModifier) Order() int   { return 20 }

func (m *lineTotalModifier) Apply(ctx context.Context, ch *model.Channel, s *model.Session) error {
	for i := range s.Items {
		it := &s.Items[i]
		if it.UnitPriceQ == nil {
			it.LineTotalQ = nil
			continue
		}
		total := money.MulQty(it.Qty, *it.UnitPriceQ)
		it.LineTotalQ = &total
	}
	return nil
}

// totalsModifier folds line totals into the session aggregate, so reads see
// the same figure the commit engine will seal.
type totalsModifier struct{}

func (m *totalsModifier) Code() string { return "totals" }
func (m *totalsModifier) Order() int   { return 30 }

func (m *totalsModifier) Apply(ctx context.Context, ch *model.Channel, s *model.Session) error {
	lines := make([]money.Line, len(s.Items))
	for i, it := range s.Items {
		lines[i] = money.Line{Qty: it.Qty, UnitPriceQ: it.UnitPriceQ, LineTotalQ: it.LineTotalQ}
	}
	s.Pricing = model.Pricing{
		TotalQ:     money.SumLineTotals(lines),
		ItemsCount: len(s.Items),
	}
	return nil
}
