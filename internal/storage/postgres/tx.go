package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"omniman/internal/model"
	"omniman/internal/storage"
)

// pgTx implements storage.Tx. The ForUpdate variants take real row locks,
// so two transactions touching the same session or order serialize on the
// first locked read.
type pgTx struct {
	tx pgx.Tx
}

var _ storage.Tx = (*pgTx)(nil)

// --- channels ---

func (t *pgTx) ChannelByCode(ctx context.Context, code string) (*model.Channel, error) {
	return getChannelByCode(ctx, t.tx, code)
}

func (t *pgTx) InsertChannel(ctx context.Context, ch *model.Channel) error {
	config, err := storage.MarshalField(ch.Config)
	if err != nil {
		return fmt.Errorf("channel config: %w", err)
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO channels (code, name, display_order, is_active, pricing_policy, edit_policy, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		ch.Code, ch.Name, ch.DisplayOrder, ch.IsActive, string(ch.PricingPolicy),
		string(ch.EditPolicy), config, ts(ch.CreatedAt), ts(ch.UpdatedAt)).Scan(&ch.ID)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateChannel(ctx context.Context, ch *model.Channel) error {
	config, err := storage.MarshalField(ch.Config)
	if err != nil {
		return fmt.Errorf("channel config: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE channels SET name = $1, display_order = $2, is_active = $3, pricing_policy = $4,
		 edit_policy = $5, config = $6, updated_at = $7 WHERE id = $8`,
		ch.Name, ch.DisplayOrder, ch.IsActive, string(ch.PricingPolicy),
		string(ch.EditPolicy), config, ts(ch.UpdatedAt), ch.ID)
	return mapWriteErr(err)
}

// --- sessions ---

func (t *pgTx) SessionByKey(ctx context.Context, key string) (*model.Session, error) {
	return getSessionByKey(ctx, t.tx, key)
}

func (t *pgTx) SessionForUpdate(ctx context.Context, key string) (*model.Session, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+sessionCols+sessionFrom+` WHERE s.session_key = $1 FOR UPDATE OF s`, key)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", key, storage.ErrNotFound)
	}
	return s, err
}

func (t *pgTx) OpenSessionByHandle(ctx context.Context, channelID int64, handleType, handleRef string) (*model.Session, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+sessionCols+sessionFrom+
			` WHERE s.channel_id = $1 AND s.handle_type = $2 AND s.handle_ref = $3 AND s.state = 'open'`,
		channelID, handleType, handleRef)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open session for handle %s/%s: %w", handleType, handleRef, storage.ErrNotFound)
	}
	return s, err
}

func (t *pgTx) InsertSession(ctx context.Context, s *model.Session) error {
	f, err := marshalSessionFields(s)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO sessions (session_key, channel_id, handle_type, handle_ref, state,
		 pricing_policy, edit_policy, rev, items, pricing, pricing_trace, data,
		 opened_at, updated_at, committed_at, commit_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		s.SessionKey, s.ChannelID, s.HandleType, s.HandleRef, string(s.State),
		string(s.PricingPolicy), string(s.EditPolicy), s.Rev, f.items, f.pricing, f.trace, f.data,
		ts(s.OpenedAt), ts(s.UpdatedAt), nullTS(s.CommittedAt), s.CommitToken).Scan(&s.ID)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *model.Session) error {
	f, err := marshalSessionFields(s)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE sessions SET state = $1, rev = $2, items = $3, pricing = $4, pricing_trace = $5,
		 data = $6, updated_at = $7, committed_at = $8, commit_token = $9 WHERE id = $10`,
		string(s.State), s.Rev, f.items, f.pricing, f.trace, f.data,
		ts(s.UpdatedAt), nullTS(s.CommittedAt), s.CommitToken, s.ID)
	return mapWriteErr(err)
}

// --- orders ---

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	snapshot, err := storage.MarshalField(o.Snapshot)
	if err != nil {
		return fmt.Errorf("order snapshot: %w", err)
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO orders (ref, channel_id, session_key, handle_type, handle_ref, external_ref,
		 status, snapshot, currency, total_q, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		o.Ref, o.ChannelID, o.SessionKey, o.HandleType, o.HandleRef, o.ExternalRef,
		string(o.Status), snapshot, o.Currency, o.TotalQ, ts(o.CreatedAt), ts(o.UpdatedAt)).Scan(&o.ID)
	return mapWriteErr(err)
}

func (t *pgTx) OrderByRef(ctx context.Context, ref string) (*model.Order, error) {
	return getOrderByRef(ctx, t.tx, ref)
}

func (t *pgTx) OrderForUpdate(ctx context.Context, ref string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+orderCols+orderFrom+` WHERE o.ref = $1 FOR UPDATE OF o`, ref)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", ref, storage.ErrNotFound)
	}
	return o, err
}

func (t *pgTx) OrderBySessionKey(ctx context.Context, sessionKey string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+orderCols+orderFrom+` WHERE o.session_key = $1 ORDER BY o.id DESC LIMIT 1`,
		sessionKey)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order for session %s: %w", sessionKey, storage.ErrNotFound)
	}
	return o, err
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $1, external_ref = $2, updated_at = $3,
		 confirmed_at = $4, processing_at = $5, ready_at = $6, dispatched_at = $7,
		 delivered_at = $8, completed_at = $9, cancelled_at = $10, returned_at = $11
		 WHERE id = $12`,
		string(o.Status), o.ExternalRef, ts(o.UpdatedAt),
		nullTS(o.ConfirmedAt), nullTS(o.ProcessingAt), nullTS(o.ReadyAt),
		nullTS(o.DispatchedAt), nullTS(o.DeliveredAt), nullTS(o.CompletedAt),
		nullTS(o.CancelledAt), nullTS(o.ReturnedAt), o.ID)
	return mapWriteErr(err)
}

func (t *pgTx) InsertOrderItems(ctx context.Context, orderID int64, items []*model.OrderItem) error {
	for _, it := range items {
		meta, err := storage.MarshalField(it.Meta)
		if err != nil {
			return fmt.Errorf("order item %s meta: %w", it.LineID, err)
		}
		err = t.tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, line_id, sku, qty, unit_price_q, line_total_q, name, meta)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			orderID, it.LineID, it.SKU, it.Qty.String(), it.UnitPriceQ, it.LineTotalQ, it.Name, meta).Scan(&it.ID)
		if err != nil {
			return mapWriteErr(err)
		}
		it.OrderID = orderID
	}
	return nil
}

func (t *pgTx) InsertOrderEvent(ctx context.Context, ev *model.OrderEvent) error {
	payload, err := storage.MarshalField(ev.Payload)
	if err != nil {
		return fmt.Errorf("order event payload: %w", err)
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO order_events (order_id, type, actor, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		ev.OrderID, ev.Type, ev.Actor, payload, ts(ev.CreatedAt)).Scan(&ev.ID)
	return mapWriteErr(err)
}

// --- fulfillments ---

func (t *pgTx) InsertFulfillment(ctx context.Context, f *model.Fulfillment, items []*model.FulfillmentItem) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO fulfillments (order_id, status, tracking, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		f.OrderID, string(f.Status), f.Tracking, ts(f.CreatedAt), ts(f.UpdatedAt)).Scan(&f.ID)
	if err != nil {
		return mapWriteErr(err)
	}
	for _, it := range items {
		err := t.tx.QueryRow(ctx,
			`INSERT INTO fulfillment_items (fulfillment_id, line_id, qty) VALUES ($1, $2, $3) RETURNING id`,
			f.ID, it.LineID, it.Qty.String()).Scan(&it.ID)
		if err != nil {
			return mapWriteErr(err)
		}
		it.FulfillmentID = f.ID
	}
	return nil
}

// --- directives ---

func (t *pgTx) EnqueueDirective(ctx context.Context, d *model.Directive) error {
	payload := []byte("{}")
	if len(d.Payload) > 0 {
		payload = d.Payload
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO directives (topic, status, payload, attempts, available_at, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		d.Topic, string(d.Status), payload, d.Attempts, ts(d.AvailableAt),
		d.LastError, ts(d.CreatedAt), ts(d.UpdatedAt)).Scan(&d.ID)
	return mapWriteErr(err)
}

// ClaimDirectives marks up to limit due queued directives as running and
// returns them. SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming the same rows.
func (t *pgTx) ClaimDirectives(ctx context.Context, topics []string, limit int, now time.Time) ([]*model.Directive, error) {
	query := `UPDATE directives SET status = 'running', attempts = attempts + 1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM directives
			WHERE status = 'queued' AND available_at <= $2`
	args := []any{ts(now), ts(now)}
	if len(topics) > 0 {
		args = append(args, topics)
		query += fmt.Sprintf(` AND topic = ANY($%d)`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
			ORDER BY available_at, id
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		 ) RETURNING `, len(args)) + directiveCols

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim directives: %w", err)
	}
	claimed, err := collectRows(rows, scanDirective)
	if err != nil {
		return nil, err
	}
	// UPDATE .. RETURNING does not guarantee row order.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].AvailableAt.Equal(claimed[j].AvailableAt) {
			return claimed[i].AvailableAt.Before(claimed[j].AvailableAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

func (t *pgTx) UpdateDirective(ctx context.Context, d *model.Directive) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE directives SET status = $1, attempts = $2, available_at = $3, last_error = $4, updated_at = $5
		 WHERE id = $6`,
		string(d.Status), d.Attempts, ts(d.AvailableAt), d.LastError, ts(d.UpdatedAt), d.ID)
	return mapWriteErr(err)
}

// --- idempotency keys ---

func (t *pgTx) IdempotencyKeyForUpdate(ctx context.Context, scope, key string) (*model.IdempotencyKey, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+idemCols+` FROM idempotency_keys WHERE scope = $1 AND key = $2 FOR UPDATE`, scope, key)
	k, err := scanIdemKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key %s/%s: %w", scope, key, storage.ErrNotFound)
	}
	return k, err
}

func (t *pgTx) InsertIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error {
	var body []byte
	if len(k.ResponseBody) > 0 {
		body = k.ResponseBody
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO idempotency_keys (scope, key, status, response_code, response_body, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		k.Scope, k.Key, string(k.Status), k.ResponseCode, body,
		ts(k.ExpiresAt), ts(k.CreatedAt), ts(k.UpdatedAt)).Scan(&k.ID)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error {
	var body []byte
	if len(k.ResponseBody) > 0 {
		body = k.ResponseBody
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE idempotency_keys SET status = $1, response_code = $2, response_body = $3, expires_at = $4, updated_at = $5
		 WHERE id = $6`,
		string(k.Status), k.ResponseCode, body, ts(k.ExpiresAt), ts(k.UpdatedAt), k.ID)
	return mapWriteErr(err)
}

// --- refs ---

func (t *pgTx) ActiveRefForUpdate(ctx context.Context, refType, value, scopeHash string) (*model.Ref, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+refCols+` FROM refs
		 WHERE ref_type = $1 AND value = $2 AND scope_hash = $3 AND is_active FOR UPDATE`,
		refType, value, scopeHash)
	ref, err := scanRef(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ref %s=%s: %w", refType, value, storage.ErrNotFound)
	}
	return ref, err
}

func (t *pgTx) ActiveRefsForTarget(ctx context.Context, kind model.TargetKind, targetID int64) ([]*model.Ref, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+refCols+` FROM refs
		 WHERE target_kind = $1 AND target_id = $2 AND is_active ORDER BY id`,
		string(kind), targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	return collectRows(rows, scanRef)
}

func (t *pgTx) InsertRef(ctx context.Context, r *model.Ref) error {
	scope, err := storage.MarshalField(r.Scope)
	if err != nil {
		return fmt.Errorf("ref scope: %w", err)
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO refs (ref_type, target_kind, target_id, value, scope, scope_hash, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.RefType, string(r.TargetKind), r.TargetID, r.Value, scope,
		storage.ScopeHash(r.Scope), r.IsActive, ts(r.CreatedAt), ts(r.UpdatedAt)).Scan(&r.ID)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateRef(ctx context.Context, r *model.Ref) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE refs SET is_active = $1, updated_at = $2 WHERE id = $3`,
		r.IsActive, ts(r.UpdatedAt), r.ID)
	return mapWriteErr(err)
}

// NextSequenceValue allocates the next counter value. The upsert takes the
// row lock implicitly, so concurrent allocations serialize per scope.
func (t *pgTx) NextSequenceValue(ctx context.Context, sequenceName, scopeHash string) (int64, error) {
	var value int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ref_sequences (sequence_name, scope_hash, value) VALUES ($1, $2, 1)
		 ON CONFLICT (sequence_name, scope_hash) DO UPDATE SET value = ref_sequences.value + 1
		 RETURNING value`,
		sequenceName, scopeHash).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", sequenceName, err)
	}
	return value, nil
}
