package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"omniman/internal/ident"
	"omniman/internal/model"
	"omniman/internal/money"
	"omniman/internal/ops"
	"omniman/internal/registry"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

// Modify applies a batch of ops to a session under its row lock, runs the
// modifier and draft-validator chains, bumps the rev, invalidates prior
// check results, and fans out one check directive per required check. The
// batch is atomic; any failing op rolls back the whole call.
func (s *Service) Modify(ctx context.Context, sessionKey, channelCode string, operations []ops.Op) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "Modify", trace.WithAttributes(
		attribute.String("session_key", sessionKey),
		attribute.Int("ops", len(operations))))
	defer span.End()
	start := time.Now()

	var out *model.Session
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		sess, err := lockSession(ctx, tx, sessionKey, channelCode)
		if err != nil {
			return err
		}
		ch, err := tx.ChannelByCode(ctx, sess.ChannelCode)
		if err != nil {
			return err
		}
		out, err = s.applyOps(ctx, tx, ch, sess, operations)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ModifyTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", out.ChannelCode),
		attribute.String("engine", "modify")))
	s.metrics.WriteLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("engine", "modify")))
	s.logger.Debug("session modified",
		"session_key", out.SessionKey,
		"channel", out.ChannelCode,
		"rev", out.Rev,
		"ops", len(operations))
	return out, nil
}

// applyOps is the modify pipeline against an already-locked session: state
// gates, op application, modifiers, draft validators, rev bump, check
// invalidation, persistence, and check directive fan-out. Resolve reuses it
// for action replay so both paths advance Rev identically.
func (s *Service) applyOps(ctx context.Context, tx storage.Tx, ch *model.Channel, sess *model.Session, operations []ops.Op) (*model.Session, error) {
	if err := gateWritable(ch, sess); err != nil {
		return nil, err
	}
	for _, op := range operations {
		if err := applyOp(ch, sess, op); err != nil {
			return nil, err
		}
	}
	for _, m := range s.reg.Modifiers() {
		if err := m.Apply(ctx, ch, sess); err != nil {
			return nil, err
		}
	}
	for _, v := range s.reg.Validators(registry.StageDraft) {
		if err := v.Validate(ctx, ch, sess); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	sess.Rev++
	sess.Data.ResetChecks()
	sess.UpdatedAt = now
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	for _, check := range ch.Config.RequiredChecksOnCommit {
		payload, err := json.Marshal(model.CheckDirectivePayload{
			SessionKey:  sess.SessionKey,
			ChannelCode: sess.ChannelCode,
			Rev:         sess.Rev,
			Items:       sess.Items,
		})
		if err != nil {
			return nil, err
		}
		d := &model.Directive{
			Topic:       ch.Config.CheckTopic(check),
			Status:      model.DirectiveQueued,
			Payload:     payload,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.EnqueueDirective(ctx, d); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// gateWritable refuses writes to sessions that left the open state or whose
// channel forbids edits.
func gateWritable(ch *model.Channel, sess *model.Session) error {
	switch sess.State {
	case model.SessionCommitted:
		return oerr.Session(oerr.CodeAlreadyCommitted, "session is already committed").
			With("session_key", sess.SessionKey)
	case model.SessionAbandoned:
		return oerr.Session(oerr.CodeAlreadyAbandoned, "session was abandoned").
			With("session_key", sess.SessionKey)
	}
	if sess.EditPolicy == model.EditLocked {
		return oerr.Session(oerr.CodeLocked,
			fmt.Sprintf("this order belongs to %s; its contents are managed on that platform and cannot be edited here", ch.Name)).
			With("channel_code", ch.Code)
	}
	return nil
}

func applyOp(ch *model.Channel, sess *model.Session, op ops.Op) error {
	switch o := op.(type) {
	case ops.AddLine:
		return applyAddLine(sess, o)
	case ops.RemoveLine:
		return applyRemoveLine(sess, o)
	case ops.SetQty:
		return applySetQty(sess, o)
	case ops.ReplaceSKU:
		return applyReplaceSKU(sess, o)
	case ops.SetData:
		return applySetData(ch, sess, o)
	case ops.MergeLines:
		return applyMergeLines(sess, o)
	}
	return oerr.Validation(oerr.CodeUnsupportedOp, "unsupported operation").
		With("op", op.Name())
}

func applyAddLine(sess *model.Session, o ops.AddLine) error {
	if o.SKU == "" {
		return oerr.Validation(oerr.CodeMissingSKU, "add_line requires a sku")
	}
	if err := money.CheckQty(o.Qty); err != nil {
		return err
	}
	if sess.PricingPolicy == model.PricingExternal && o.UnitPriceQ == nil {
		return oerr.Validation(oerr.CodeMissingUnitPrice, "this channel supplies its own prices; unit_price_q is required").
			With("sku", o.SKU)
	}
	sess.Items = append(sess.Items, model.Item{
		LineID:     ident.NewLineID(),
		SKU:        o.SKU,
		Qty:        o.Qty,
		UnitPriceQ: o.UnitPriceQ,
		Name:       o.DisplayName,
		Meta:       o.Meta,
	})
	return nil
}

func applyRemoveLine(sess *model.Session, o ops.RemoveLine) error {
	idx := sess.ItemByLineID(o.LineID)
	if idx < 0 {
		return oerr.Validation(oerr.CodeUnknownLineID, "no such line on this session").
			With("line_id", o.LineID)
	}
	sess.Items = append(sess.Items[:idx], sess.Items[idx+1:]...)
	return nil
}

func applySetQty(sess *model.Session, o ops.SetQty) error {
	idx := sess.ItemByLineID(o.LineID)
	if idx < 0 {
		return oerr.Validation(oerr.CodeUnknownLineID, "no such line on this session").
			With("line_id", o.LineID)
	}
	if err := money.CheckQty(o.Qty); err != nil {
		return err
	}
	sess.Items[idx].Qty = o.Qty
	// The stored total is stale now; modifiers recompute it.
	sess.Items[idx].LineTotalQ = nil
	return nil
}

func applyReplaceSKU(sess *model.Session, o ops.ReplaceSKU) error {
	idx := sess.ItemByLineID(o.LineID)
	if idx < 0 {
		return oerr.Validation(oerr.CodeUnknownLineID, "no such line on this session").
			With("line_id", o.LineID)
	}
	if o.SKU == "" {
		return oerr.Validation(oerr.CodeMissingSKU, "replace_sku requires a sku")
	}
	if sess.PricingPolicy == model.PricingExternal && o.UnitPriceQ == nil {
		return oerr.Validation(oerr.CodeMissingUnitPrice, "this channel supplies its own prices; unit_price_q is required").
			With("sku", o.SKU).
			With("line_id", o.LineID)
	}
	it := &sess.Items[idx]
	it.SKU = o.SKU
	if o.UnitPriceQ != nil {
		it.UnitPriceQ = o.UnitPriceQ
	}
	if o.Meta != nil {
		it.Meta = o.Meta
	}
	it.LineTotalQ = nil
	return nil
}

func applySetData(ch *model.Channel, sess *model.Session, o ops.SetData) error {
	segments, err := ops.SplitPath(o.Path)
	if err != nil {
		return err
	}
	root := segments[0]
	if model.KernelReservedDataKeys[root] || strings.HasPrefix(root, "__") {
		return oerr.Validation(oerr.CodeInvalidDataPath, "path is reserved for the kernel").
			With("path", o.Path)
	}
	if !dataKeyAllowed(ch, root) {
		return oerr.Validation(oerr.CodeInvalidDataPath, "path is not in the channel's data whitelist").
			With("path", o.Path).
			With("key", root)
	}
	sess.Data.SetPath(segments, o.Value)
	return nil
}

// dataKeyAllowed accepts the kernel whitelist plus channel extensions. A
// channel can widen the whitelist, never shrink it.
func dataKeyAllowed(ch *model.Channel, root string) bool {
	for _, k := range model.DefaultDataWhitelist {
		if k == root {
			return true
		}
	}
	for _, k := range ch.Config.DataWhitelist {
		if k == root {
			return true
		}
	}
	return false
}

func applyMergeLines(sess *model.Session, o ops.MergeLines) error {
	if o.FromLineID == o.IntoLineID {
		return oerr.Validation(oerr.CodeInvalidMerge, "merge requires two distinct lines").
			With("line_id", o.FromLineID)
	}
	fromIdx := sess.ItemByLineID(o.FromLineID)
	if fromIdx < 0 {
		return oerr.Validation(oerr.CodeUnknownLineID, "no such line on this session").
			With("line_id", o.FromLineID)
	}
	intoIdx := sess.ItemByLineID(o.IntoLineID)
	if intoIdx < 0 {
		return oerr.Validation(oerr.CodeUnknownLineID, "no such line on this session").
			With("line_id", o.IntoLineID)
	}
	if sess.Items[fromIdx].SKU != sess.Items[intoIdx].SKU {
		return oerr.Validation(oerr.CodeSKUMismatch, "merged lines must share a sku").
			With("from_sku", sess.Items[fromIdx].SKU).
			With("into_sku", sess.Items[intoIdx].SKU)
	}
	sess.Items[intoIdx].Qty = sess.Items[intoIdx].Qty.Add(sess.Items[fromIdx].Qty)
	sess.Items[intoIdx].LineTotalQ = nil
	sess.Items = append(sess.Items[:fromIdx], sess.Items[fromIdx+1:]...)
	return nil
}
