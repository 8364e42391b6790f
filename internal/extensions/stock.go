package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"omniman/internal/core"
	"omniman/internal/ident"
	"omniman/internal/model"
	"omniman/internal/ops"
	"omniman/internal/storage"
)

// holdTTL is how long a stock reservation lives. Commit refuses sessions
// whose holds have outlived it.
const holdTTL = 15 * time.Minute

// stockHoldHandler computes stock availability for a session snapshot,
// reserves what it can, and writes the result back rev-gated. Issues carry
// remediation actions stamped with the rev they were computed for.
type stockHoldHandler struct {
	store     storage.Store
	checkback Checkback
	stock     core.IStockBackend
	logger    core.ILogger
}

func (h *stockHoldHandler) Topic() string { return "stock.hold" }

func (h *stockHoldHandler) Handle(ctx context.Context, d *model.Directive) error {
	var p model.CheckDirectivePayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("malformed stock.hold payload: %w", err)
	}

	sess, err := h.store.GetSessionByKey(ctx, p.SessionKey)
	if storage.IsNotFound(err) {
		return fmt.Errorf("session %s not found", p.SessionKey)
	}
	if err != nil {
		return err
	}
	if sess.Rev != p.Rev {
		return fmt.Errorf("stale directive: session %s is at rev %d, computed for rev %d",
			p.SessionKey, sess.Rev, p.Rev)
	}
	if sess.State != model.SessionOpen {
		// The session was finalized while this directive waited; nothing to
		// reserve anymore.
		h.logger.Debug("skipping stock hold for finalized session",
			"session_key", p.SessionKey,
			"state", string(sess.State))
		return nil
	}

	// Retry safety: a prior attempt may have left holds behind.
	if _, err := h.stock.ReleaseHoldsForReference(ctx, p.SessionKey); err != nil {
		return fmt.Errorf("failed to release prior holds for %s: %w", p.SessionKey, err)
	}

	demands := aggregateBySKU(p.Items)
	now := time.Now().UTC()
	expiresAt := now.Add(holdTTL)

	holds := make([]interface{}, 0, len(demands))
	var issues []model.Issue
	for _, dem := range demands {
		av, err := h.stock.CheckAvailability(ctx, dem.sku, dem.qty)
		if err != nil {
			return fmt.Errorf("availability check for %s failed: %w", dem.sku, err)
		}
		if !av.Available {
			issues = append(issues, stockIssues(dem, av, sess.Rev)...)
			continue
		}
		hold, err := h.stock.CreateHold(ctx, dem.sku, dem.qty, expiresAt, p.SessionKey)
		if err != nil {
			h.logger.Warn("hold creation failed",
				"session_key", p.SessionKey,
				"sku", dem.sku,
				"error", err.Error())
			issues = append(issues, stockIssues(dem, av, sess.Rev)...)
			continue
		}
		holds = append(holds, map[string]interface{}{
			"hold_id":    hold.ID,
			"sku":        hold.SKU,
			"qty":        hold.Qty.String(),
			"expires_at": hold.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}

	result := map[string]interface{}{
		"holds":      holds,
		"checked_at": now.Format(time.RFC3339),
	}
	applied, err := h.checkback.ApplyCheckResult(ctx, p.SessionKey, p.ChannelCode, p.Rev, "stock", result, issues)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("stale_rev: session %s moved past rev %d", p.SessionKey, p.Rev)
	}
	return nil
}

// skuDemand is the aggregated quantity for one SKU plus the lines behind it.
type skuDemand struct {
	sku   string
	qty   decimal.Decimal
	lines []model.Item
}

// aggregateBySKU groups lines by SKU preserving first-seen order.
func aggregateBySKU(items []model.Item) []*skuDemand {
	out := make([]*skuDemand, 0, len(items))
	index := map[string]*skuDemand{}
	for _, it := range items {
		dem, ok := index[it.SKU]
		if !ok {
			dem = &skuDemand{sku: it.SKU}
			index[it.SKU] = dem
			out = append(out, dem)
		}
		dem.qty = dem.qty.Add(it.Qty)
		dem.lines = append(dem.lines, it)
	}
	return out
}

// stockIssues builds one blocking issue per affected line. Every issue gets
// a remove-line action; when some quantity is still available it also gets a
// reduce-to-available action.
func stockIssues(dem *skuDemand, av core.Availability, rev int64) []model.Issue {
	out := make([]model.Issue, 0, len(dem.lines))
	for _, line := range dem.lines {
		actions := []model.Action{{
			ID:    ident.NewActionID(),
			Label: "Remove line",
			Rev:   rev,
			Ops:   []json.RawMessage{ops.MustEncode(ops.RemoveLine{LineID: line.LineID})},
		}}
		if av.AvailableQty.IsPositive() {
			actions = append(actions, model.Action{
				ID:    ident.NewActionID(),
				Label: fmt.Sprintf("Set quantity to %s", av.AvailableQty),
				Rev:   rev,
				Ops:   []json.RawMessage{ops.MustEncode(ops.SetQty{LineID: line.LineID, Qty: av.AvailableQty})},
			})
		}
		out = append(out, model.Issue{
			ID:       ident.NewIssueID(),
			Source:   "stock",
			Code:     "stock.insufficient",
			Message:  fmt.Sprintf("insufficient stock for %s: requested %s, available %s", dem.sku, dem.qty, av.AvailableQty),
			Blocking: true,
			LineID:   line.LineID,
			SKU:      dem.sku,
			Context: model.IssueContext{
				Actions: actions,
				Detail: map[string]interface{}{
					"requested":     dem.qty.String(),
					"available_qty": av.AvailableQty.String(),
				},
			},
		})
	}
	return out
}

// stockCommitHandler converts the holds behind a committed session into
// permanent decrements. The backend owns idempotency, so the directive is
// done no matter how the individual fulfills went.
type stockCommitHandler struct {
	store  storage.Store
	stock  core.IStockBackend
	logger core.ILogger
}

func (h *stockCommitHandler) Topic() string { return "stock.commit" }

func (h *stockCommitHandler) Handle(ctx context.Context, d *model.Directive) error {
	var p model.PostCommitDirectivePayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("malformed stock.commit payload: %w", err)
	}

	holds := p.Holds
	if len(holds) == 0 {
		holds = h.holdsFromSession(ctx, p.SessionKey)
	}
	for _, raw := range holds {
		hm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := hm["hold_id"].(string)
		if id == "" {
			continue
		}
		if err := h.stock.FulfillHold(ctx, id, p.OrderRef); err != nil {
			h.logger.Warn("failed to fulfill hold",
				"order_ref", p.OrderRef,
				"hold_id", id,
				"error", err.Error())
		}
	}
	return nil
}

func (h *stockCommitHandler) holdsFromSession(ctx context.Context, sessionKey string) []interface{} {
	sess, err := h.store.GetSessionByKey(ctx, sessionKey)
	if err != nil {
		return nil
	}
	entry, ok := sess.Data.Checks["stock"]
	if !ok {
		return nil
	}
	holds, _ := entry.Result["holds"].([]interface{})
	return holds
}
