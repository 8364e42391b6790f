package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"omniman/internal/ident"
	"omniman/internal/model"
	"omniman/internal/money"
	"omniman/internal/registry"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

// idempotencyTTL bounds how long a crashed commit can hold its lock row.
const idempotencyTTL = 24 * time.Hour

// CommitResult is the commit engine's response. It is cached verbatim on the
// idempotency row, so a replay returns byte-identical content.
type CommitResult struct {
	OrderRef   string `json:"order_ref"`
	OrderID    int64  `json:"order_id"`
	Status     string `json:"status"`
	TotalQ     int64  `json:"total_q"`
	ItemsCount int    `json:"items_count"`

	// Replayed is true when the result came from the idempotency cache or
	// from an already-committed session rather than a fresh commit.
	Replayed bool `json:"-"`
}

// Commit seals a session into an immutable order. The work is split across
// three transactions: a short one to acquire the idempotency lock, the
// commit proper under the session row lock, and an independent finalization
// that records the outcome on the lock row even when the commit rolled back.
// An empty idemKey gets a server-generated one.
func (s *Service) Commit(ctx context.Context, sessionKey, channelCode, idemKey string) (*CommitResult, error) {
	ctx, span := s.tracer.Start(ctx, "Commit", trace.WithAttributes(
		attribute.String("session_key", sessionKey),
		attribute.String("channel", channelCode)))
	defer span.End()
	start := time.Now()

	if idemKey == "" {
		idemKey = ident.NewIdemKey()
	}
	scope := "commit:" + sessionKey

	cached, err := s.acquireIdempotency(ctx, scope, idemKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		s.logger.Debug("commit replayed from idempotency cache",
			"session_key", sessionKey,
			"order_ref", cached.OrderRef)
		return cached, nil
	}

	result, commitErr := s.commitBody(ctx, sessionKey, channelCode, idemKey)

	if finErr := s.finalizeIdempotency(ctx, scope, idemKey, result, commitErr); finErr != nil {
		// The commit's fate is already decided; a finalize failure only
		// degrades replay until the lock row expires.
		s.logger.Error("idempotency finalize failed",
			"scope", scope,
			"key", idemKey,
			"error", finErr)
	}

	if commitErr != nil {
		s.metrics.CommitFailuresTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", channelCode),
			attribute.String("code", oerr.CodeOf(commitErr))))
		return nil, commitErr
	}
	s.metrics.CommitsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channelCode)))
	s.metrics.WriteLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("engine", "commit")))
	s.logger.Info("session committed",
		"session_key", sessionKey,
		"order_ref", result.OrderRef,
		"total_q", result.TotalQ,
		"items", result.ItemsCount)
	return result, nil
}

// acquireIdempotency takes or inherits the lock row for (scope, key). A done
// row short-circuits with its cached result; a live in_progress row fails;
// expired in_progress and failed rows are reset and retried.
func (s *Service) acquireIdempotency(ctx context.Context, scope, key string) (*CommitResult, error) {
	var cached *CommitResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		now := time.Now().UTC()
		row, err := tx.IdempotencyKeyForUpdate(ctx, scope, key)
		if storage.IsNotFound(err) {
			fresh := &model.IdempotencyKey{
				Scope:     scope,
				Key:       key,
				Status:    model.IdemInProgress,
				ExpiresAt: now.Add(idempotencyTTL),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertIdempotencyKey(ctx, fresh); err != nil {
				if storage.IsConflict(err) {
					return oerr.Idempotency(oerr.CodeInProgress, "another commit with this key is in flight").
						With("idempotency_key", key)
				}
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}
		switch row.Status {
		case model.IdemDone:
			var res CommitResult
			if err := json.Unmarshal(row.ResponseBody, &res); err != nil {
				return err
			}
			res.Replayed = true
			cached = &res
			return nil
		case model.IdemInProgress:
			if !row.Expired(now) {
				return oerr.Idempotency(oerr.CodeInProgress, "another commit with this key is in flight").
					With("idempotency_key", key)
			}
			// Orphaned by a crashed commit; take the lock over. The body's
			// already-committed branch handles the half-finished case.
		case model.IdemFailed:
		}
		row.Status = model.IdemInProgress
		row.ExpiresAt = now.Add(idempotencyTTL)
		row.UpdatedAt = now
		return tx.UpdateIdempotencyKey(ctx, row)
	})
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// commitBody is the commit proper, one transaction under the session row
// lock.
func (s *Service) commitBody(ctx context.Context, sessionKey, channelCode, idemKey string) (*CommitResult, error) {
	var result *CommitResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		sess, err := lockSession(ctx, tx, sessionKey, channelCode)
		if err != nil {
			return err
		}

		switch sess.State {
		case model.SessionCommitted:
			existing, err := tx.OrderBySessionKey(ctx, sess.SessionKey)
			if storage.IsNotFound(err) {
				return oerr.Commit(oerr.CodeAlreadyCommitted, "session is committed but no order records it").
					With("session_key", sess.SessionKey)
			}
			if err != nil {
				return err
			}
			result = &CommitResult{
				OrderRef:   existing.Ref,
				OrderID:    existing.ID,
				Status:     "already_committed",
				TotalQ:     existing.TotalQ,
				ItemsCount: len(existing.Snapshot.Items),
				Replayed:   true,
			}
			return nil
		case model.SessionAbandoned:
			return oerr.Commit(oerr.CodeAbandoned, "session was abandoned").
				With("session_key", sess.SessionKey)
		}

		ch, err := tx.ChannelByCode(ctx, sess.ChannelCode)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if err := gateChecks(ch, sess, now); err != nil {
			return err
		}
		if blocking := sess.Data.BlockingIssues(); len(blocking) > 0 {
			return oerr.Commit(oerr.CodeBlockingIssues, "session has unresolved blocking issues").
				With("issues", issueSummaries(blocking))
		}
		for _, v := range s.reg.Validators(registry.StageCommit) {
			if err := v.Validate(ctx, ch, sess); err != nil {
				return err
			}
		}
		if len(sess.Items) == 0 {
			return oerr.Commit(oerr.CodeEmptySession, "nothing to commit").
				With("session_key", sess.SessionKey)
		}

		order := s.buildOrder(sess, now)
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertOrderItems(ctx, order.ID, sealedItems(order, sess.Items)); err != nil {
			return err
		}
		if err := tx.InsertOrderEvent(ctx, &model.OrderEvent{
			OrderID:   order.ID,
			Type:      model.EventCreated,
			Actor:     "commit",
			Payload:   map[string]interface{}{"from_session": sess.SessionKey},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		sess.State = model.SessionCommitted
		sess.CommittedAt = &now
		sess.CommitToken = idemKey
		sess.UpdatedAt = now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}

		if err := enqueuePostCommit(ctx, tx, ch, sess, order, now); err != nil {
			return err
		}
		if err := s.refs.OnSessionCommitted(ctx, tx, sess, order); err != nil {
			return err
		}

		result = &CommitResult{
			OrderRef:   order.Ref,
			OrderID:    order.ID,
			Status:     "committed",
			TotalQ:     order.TotalQ,
			ItemsCount: len(sess.Items),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finalizeIdempotency records the commit outcome on the lock row. It runs on
// its own transaction so a rolled-back commit still leaves a failed marker
// behind for the next retry.
func (s *Service) finalizeIdempotency(ctx context.Context, scope, key string, result *CommitResult, commitErr error) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		row, err := tx.IdempotencyKeyForUpdate(ctx, scope, key)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if commitErr != nil {
			row.Status = model.IdemFailed
			row.ResponseCode = 0
			row.ResponseBody = nil
			row.UpdatedAt = now
			return tx.UpdateIdempotencyKey(ctx, row)
		}
		body, err := json.Marshal(result)
		if err != nil {
			return err
		}
		row.Status = model.IdemDone
		if result.Status == "committed" {
			row.ResponseCode = 201
		} else {
			row.ResponseCode = 200
		}
		row.ResponseBody = body
		row.UpdatedAt = now
		return tx.UpdateIdempotencyKey(ctx, row)
	})
}

// gateChecks verifies every required check is present, computed against the
// current rev, and free of expired holds.
func gateChecks(ch *model.Channel, sess *model.Session, now time.Time) error {
	for _, code := range ch.Config.RequiredChecksOnCommit {
		entry, ok := sess.Data.Checks[code]
		if !ok {
			return oerr.Commit(oerr.CodeMissingCheck, "required check has not run yet").
				With("check", code)
		}
		if entry.Rev != sess.Rev {
			return oerr.Commit(oerr.CodeStaleCheck, "check was computed against an older revision").
				With("check", code).
				With("check_rev", entry.Rev).
				With("session_rev", sess.Rev)
		}
		if holdID, expired := expiredHold(entry.Result, now); expired {
			e := oerr.Commit(oerr.CodeHoldExpired, "a reservation behind this session has expired").
				With("check", code)
			if holdID != "" {
				e = e.With("hold_id", holdID)
			}
			return e
		}
	}
	return nil
}

// expiredHold scans a check result for expiry fields, both the top-level
// hold_expires_at and per-hold expires_at entries.
func expiredHold(result map[string]interface{}, now time.Time) (string, bool) {
	if raw, ok := result["hold_expires_at"]; ok {
		if t, ok := parseTime(raw); ok && t.Before(now) {
			return "", true
		}
	}
	holds, _ := result["holds"].([]interface{})
	for _, h := range holds {
		hm, ok := h.(map[string]interface{})
		if !ok {
			continue
		}
		if t, ok := parseTime(hm["expires_at"]); ok && t.Before(now) {
			id, _ := hm["hold_id"].(string)
			return id, true
		}
	}
	return "", false
}

// parseTime accepts time.Time values and ISO-8601 strings. Strings without a
// zone are read as UTC.
func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999999",
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func issueSummaries(issues []model.Issue) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(issues))
	for _, is := range issues {
		out = append(out, map[string]interface{}{
			"id":      is.ID,
			"source":  is.Source,
			"code":    is.Code,
			"message": is.Message,
		})
	}
	return out
}

// buildOrder seals the session into a new order. The total is recomputed
// from the lines with the same arithmetic the modifiers use, so the order
// total always equals the sum of its line totals.
func (s *Service) buildOrder(sess *model.Session, now time.Time) *model.Order {
	var total int64
	for _, it := range sess.Items {
		total += money.Line{Qty: it.Qty, UnitPriceQ: it.UnitPriceQ, LineTotalQ: it.LineTotalQ}.TotalQ()
	}
	return &model.Order{
		Ref:         ident.NewOrderRef(now),
		ChannelID:   sess.ChannelID,
		ChannelCode: sess.ChannelCode,
		SessionKey:  sess.SessionKey,
		HandleType:  sess.HandleType,
		HandleRef:   sess.HandleRef,
		Status:      model.StatusNew,
		Snapshot: model.Snapshot{
			Items:   append([]model.Item(nil), sess.Items...),
			Data:    sess.Data,
			Pricing: sess.Pricing,
			Rev:     sess.Rev,
		},
		Currency:  s.currency,
		TotalQ:    total,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func sealedItems(o *model.Order, items []model.Item) []*model.OrderItem {
	out := make([]*model.OrderItem, 0, len(items))
	for _, it := range items {
		out = append(out, &model.OrderItem{
			OrderID:    o.ID,
			LineID:     it.LineID,
			SKU:        it.SKU,
			Qty:        it.Qty,
			UnitPriceQ: it.UnitPriceQ,
			LineTotalQ: money.Line{Qty: it.Qty, UnitPriceQ: it.UnitPriceQ, LineTotalQ: it.LineTotalQ}.TotalQ(),
			Name:       it.Name,
			Meta:       it.Meta,
		})
	}
	return out
}

// enqueuePostCommit fans out the channel's post-commit directives. The
// stock.commit payload carries the holds from the stock check so the handler
// can fulfill them without re-reading the sealed session; payment.capture
// carries the intent id from the session's payment data when present.
func enqueuePostCommit(ctx context.Context, tx storage.Tx, ch *model.Channel, sess *model.Session, order *model.Order, now time.Time) error {
	for _, topic := range ch.Config.PostCommitDirectives {
		payload := model.PostCommitDirectivePayload{
			OrderRef:    order.Ref,
			ChannelCode: sess.ChannelCode,
			SessionKey:  sess.SessionKey,
		}
		switch topic {
		case "stock.commit":
			if entry, ok := sess.Data.Checks["stock"]; ok {
				payload.Holds, _ = entry.Result["holds"].([]interface{})
			}
		case "payment.capture":
			if id, ok := sess.Data.GetPath([]string{"payment", "intent_id"}).(string); ok {
				payload.IntentID = id
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := tx.EnqueueDirective(ctx, &model.Directive{
			Topic:       topic,
			Status:      model.DirectiveQueued,
			Payload:     raw,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
	}
	return nil
}
