package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"omniman/internal/model"
	"omniman/internal/storage"
)

// sqliteTx implements storage.Tx. The surrounding IMMEDIATE transaction
// already holds the database write lock, so the ForUpdate variants are plain
// reads here; the names keep the locking contract visible at call sites.
type sqliteTx struct {
	tx *sql.Tx
}

var _ storage.Tx = (*sqliteTx)(nil)

// --- channels ---

func (t *sqliteTx) ChannelByCode(ctx context.Context, code string) (*model.Channel, error) {
	return getChannelByCode(ctx, t.tx, code)
}

func (t *sqliteTx) InsertChannel(ctx context.Context, ch *model.Channel) error {
	config, err := storage.MarshalField(ch.Config)
	if err != nil {
		return fmt.Errorf("channel config: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO channels (code, name, display_order, is_active, pricing_policy, edit_policy, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.Code, ch.Name, ch.DisplayOrder, ch.IsActive, string(ch.PricingPolicy),
		string(ch.EditPolicy), config, fmtTime(ch.CreatedAt), fmtTime(ch.UpdatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	ch.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) UpdateChannel(ctx context.Context, ch *model.Channel) error {
	config, err := storage.MarshalField(ch.Config)
	if err != nil {
		return fmt.Errorf("channel config: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE channels SET name = ?, display_order = ?, is_active = ?, pricing_policy = ?,
		 edit_policy = ?, config = ?, updated_at = ? WHERE id = ?`,
		ch.Name, ch.DisplayOrder, ch.IsActive, string(ch.PricingPolicy),
		string(ch.EditPolicy), config, fmtTime(ch.UpdatedAt), ch.ID)
	return mapWriteErr(err)
}

// --- sessions ---

func (t *sqliteTx) SessionByKey(ctx context.Context, key string) (*model.Session, error) {
	return getSessionByKey(ctx, t.tx, key)
}

func (t *sqliteTx) SessionForUpdate(ctx context.Context, key string) (*model.Session, error) {
	return getSessionByKey(ctx, t.tx, key)
}

func (t *sqliteTx) OpenSessionByHandle(ctx context.Context, channelID int64, handleType, handleRef string) (*model.Session, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+sessionCols+sessionFrom+
			` WHERE s.channel_id = ? AND s.handle_type = ? AND s.handle_ref = ? AND s.state = 'open'`,
		channelID, handleType, handleRef)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("open session for handle %s/%s: %w", handleType, handleRef, storage.ErrNotFound)
	}
	return s, err
}

func (t *sqliteTx) InsertSession(ctx context.Context, s *model.Session) error {
	f, err := marshalSessionFields(s)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (session_key, channel_id, handle_type, handle_ref, state,
		 pricing_policy, edit_policy, rev, items, pricing, pricing_trace, data,
		 opened_at, updated_at, committed_at, commit_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionKey, s.ChannelID, s.HandleType, s.HandleRef, string(s.State),
		string(s.PricingPolicy), string(s.EditPolicy), s.Rev, f.items, f.pricing, f.trace, f.data,
		fmtTime(s.OpenedAt), fmtTime(s.UpdatedAt), fmtNullTime(s.CommittedAt), s.CommitToken)
	if err != nil {
		return mapWriteErr(err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) UpdateSession(ctx context.Context, s *model.Session) error {
	f, err := marshalSessionFields(s)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, rev = ?, items = ?, pricing = ?, pricing_trace = ?,
		 data = ?, updated_at = ?, committed_at = ?, commit_token = ? WHERE id = ?`,
		string(s.State), s.Rev, f.items, f.pricing, f.trace, f.data,
		fmtTime(s.UpdatedAt), fmtNullTime(s.CommittedAt), s.CommitToken, s.ID)
	return mapWriteErr(err)
}

// --- orders ---

func (t *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	snapshot, err := storage.MarshalField(o.Snapshot)
	if err != nil {
		return fmt.Errorf("order snapshot: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (ref, channel_id, session_key, handle_type, handle_ref, external_ref,
		 status, snapshot, currency, total_q, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Ref, o.ChannelID, o.SessionKey, o.HandleType, o.HandleRef, o.ExternalRef,
		string(o.Status), snapshot, o.Currency, o.TotalQ, fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) OrderByRef(ctx context.Context, ref string) (*model.Order, error) {
	return getOrderByRef(ctx, t.tx, ref)
}

func (t *sqliteTx) OrderForUpdate(ctx context.Context, ref string) (*model.Order, error) {
	return getOrderByRef(ctx, t.tx, ref)
}

func (t *sqliteTx) OrderBySessionKey(ctx context.Context, sessionKey string) (*model.Order, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+orderCols+orderFrom+` WHERE o.session_key = ? ORDER BY o.id DESC LIMIT 1`,
		sessionKey)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order for session %s: %w", sessionKey, storage.ErrNotFound)
	}
	return o, err
}

func (t *sqliteTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, external_ref = ?, updated_at = ?,
		 confirmed_at = ?, processing_at = ?, ready_at = ?, dispatched_at = ?,
		 delivered_at = ?, completed_at = ?, cancelled_at = ?, returned_at = ?
		 WHERE id = ?`,
		string(o.Status), o.ExternalRef, fmtTime(o.UpdatedAt),
		fmtNullTime(o.ConfirmedAt), fmtNullTime(o.ProcessingAt), fmtNullTime(o.ReadyAt),
		fmtNullTime(o.DispatchedAt), fmtNullTime(o.DeliveredAt), fmtNullTime(o.CompletedAt),
		fmtNullTime(o.CancelledAt), fmtNullTime(o.ReturnedAt), o.ID)
	return mapWriteErr(err)
}

func (t *sqliteTx) InsertOrderItems(ctx context.Context, orderID int64, items []*model.OrderItem) error {
	for _, it := range items {
		meta, err := storage.MarshalField(it.Meta)
		if err != nil {
			return fmt.Errorf("order item %s meta: %w", it.LineID, err)
		}
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, line_id, sku, qty, unit_price_q, line_total_q, name, meta)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			orderID, it.LineID, it.SKU, it.Qty.String(), it.UnitPriceQ, it.LineTotalQ, it.Name, meta)
		if err != nil {
			return mapWriteErr(err)
		}
		it.OrderID = orderID
		if it.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) InsertOrderEvent(ctx context.Context, ev *model.OrderEvent) error {
	payload, err := storage.MarshalField(ev.Payload)
	if err != nil {
		return fmt.Errorf("order event payload: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO order_events (order_id, type, actor, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.OrderID, ev.Type, ev.Actor, payload, fmtTime(ev.CreatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// --- fulfillments ---

func (t *sqliteTx) InsertFulfillment(ctx context.Context, f *model.Fulfillment, items []*model.FulfillmentItem) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO fulfillments (order_id, status, tracking, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		f.OrderID, string(f.Status), f.Tracking, fmtTime(f.CreatedAt), fmtTime(f.UpdatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, it := range items {
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO fulfillment_items (fulfillment_id, line_id, qty) VALUES (?, ?, ?)`,
			f.ID, it.LineID, it.Qty.String())
		if err != nil {
			return mapWriteErr(err)
		}
		it.FulfillmentID = f.ID
		if it.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

// --- directives ---

func (t *sqliteTx) EnqueueDirective(ctx context.Context, d *model.Directive) error {
	payload := []byte("{}")
	if len(d.Payload) > 0 {
		payload = d.Payload
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO directives (topic, status, payload, attempts, available_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Topic, string(d.Status), payload, d.Attempts, fmtTime(d.AvailableAt),
		d.LastError, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) ClaimDirectives(ctx context.Context, topics []string, limit int, now time.Time) ([]*model.Directive, error) {
	query := `SELECT ` + directiveCols + ` FROM directives WHERE status = 'queued' AND available_at <= ?`
	args := []interface{}{fmtTime(now)}
	if len(topics) > 0 {
		query += ` AND topic IN (` + placeholders(len(topics)) + `)`
		for _, topic := range topics {
			args = append(args, topic)
		}
	}
	query += ` ORDER BY available_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to poll directives: %w", err)
	}
	claimed, err := collectRows(rows, scanDirective)
	if err != nil {
		return nil, err
	}

	for _, d := range claimed {
		d.Status = model.DirectiveRunning
		d.Attempts++
		d.UpdatedAt = now.UTC()
		_, err := t.tx.ExecContext(ctx,
			`UPDATE directives SET status = 'running', attempts = ?, updated_at = ? WHERE id = ?`,
			d.Attempts, fmtTime(d.UpdatedAt), d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim directive %d: %w", d.ID, err)
		}
	}
	return claimed, nil
}

func (t *sqliteTx) UpdateDirective(ctx context.Context, d *model.Directive) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE directives SET status = ?, attempts = ?, available_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		string(d.Status), d.Attempts, fmtTime(d.AvailableAt), d.LastError, fmtTime(d.UpdatedAt), d.ID)
	return mapWriteErr(err)
}

// --- idempotency keys ---

func (t *sqliteTx) IdempotencyKeyForUpdate(ctx context.Context, scope, key string) (*model.IdempotencyKey, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+idemCols+` FROM idempotency_keys WHERE scope = ? AND key = ?`, scope, key)
	k, err := scanIdemKey(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("idempotency key %s/%s: %w", scope, key, storage.ErrNotFound)
	}
	return k, err
}

func (t *sqliteTx) InsertIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error {
	var body interface{}
	if len(k.ResponseBody) > 0 {
		body = string(k.ResponseBody)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, key, status, response_code, response_body, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Scope, k.Key, string(k.Status), k.ResponseCode, body,
		fmtTime(k.ExpiresAt), fmtTime(k.CreatedAt), fmtTime(k.UpdatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	k.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) UpdateIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error {
	var body interface{}
	if len(k.ResponseBody) > 0 {
		body = string(k.ResponseBody)
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = ?, response_code = ?, response_body = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(k.Status), k.ResponseCode, body, fmtTime(k.ExpiresAt), fmtTime(k.UpdatedAt), k.ID)
	return mapWriteErr(err)
}

// --- refs ---

func (t *sqliteTx) ActiveRefForUpdate(ctx context.Context, refType, value, scopeHash string) (*model.Ref, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+refCols+` FROM refs
		 WHERE ref_type = ? AND value = ? AND scope_hash = ? AND is_active = 1`,
		refType, value, scopeHash)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ref %s=%s: %w", refType, value, storage.ErrNotFound)
	}
	return ref, err
}

func (t *sqliteTx) ActiveRefsForTarget(ctx context.Context, kind model.TargetKind, targetID int64) ([]*model.Ref, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+refCols+` FROM refs
		 WHERE target_kind = ? AND target_id = ? AND is_active = 1 ORDER BY id`,
		string(kind), targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	return collectRows(rows, scanRef)
}

func (t *sqliteTx) InsertRef(ctx context.Context, r *model.Ref) error {
	scope, err := storage.MarshalField(r.Scope)
	if err != nil {
		return fmt.Errorf("ref scope: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO refs (ref_type, target_kind, target_id, value, scope, scope_hash, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RefType, string(r.TargetKind), r.TargetID, r.Value, scope,
		storage.ScopeHash(r.Scope), r.IsActive, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	if err != nil {
		return mapWriteErr(err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) UpdateRef(ctx context.Context, r *model.Ref) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE refs SET is_active = ?, updated_at = ? WHERE id = ?`,
		r.IsActive, fmtTime(r.UpdatedAt), r.ID)
	return mapWriteErr(err)
}

func (t *sqliteTx) NextSequenceValue(ctx context.Context, sequenceName, scopeHash string) (int64, error) {
	var value int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO ref_sequences (sequence_name, scope_hash, value) VALUES (?, ?, 1)
		 ON CONFLICT(sequence_name, scope_hash) DO UPDATE SET value = value + 1
		 RETURNING value`,
		sequenceName, scopeHash).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", sequenceName, err)
	}
	return value, nil
}
