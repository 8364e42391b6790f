package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"omniman/internal/model"
	"omniman/internal/storage"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx so read helpers are
// shared between the store and its transactions.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation checks for a unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isTransientError checks for serialization failures and deadlocks, which
// are safe to retry as a whole transaction.
func isTransientError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// mapWriteErr converts driver constraint errors to the storage sentinels.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

func parseQty(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse stored qty %q: %w", s, err)
	}
	return d, nil
}

// --- channels ---

const channelCols = `id, code, name, display_order, is_active, pricing_policy, edit_policy, config, created_at, updated_at`

func scanChannel(r rowScanner) (*model.Channel, error) {
	var (
		ch     model.Channel
		config []byte
	)
	err := r.Scan(&ch.ID, &ch.Code, &ch.Name, &ch.DisplayOrder, &ch.IsActive,
		&ch.PricingPolicy, &ch.EditPolicy, &config, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(config, &ch.Config); err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Code, err)
	}
	return &ch, nil
}

func getChannelByCode(ctx context.Context, q querier, code string) (*model.Channel, error) {
	row := q.QueryRow(ctx, `SELECT `+channelCols+` FROM channels WHERE code = $1`, code)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", code, storage.ErrNotFound)
	}
	return ch, err
}

// --- sessions ---

const sessionCols = `s.id, s.session_key, s.channel_id, c.code, s.handle_type, s.handle_ref,
	s.state, s.pricing_policy, s.edit_policy, s.rev, s.items, s.pricing, s.pricing_trace,
	s.data, s.opened_at, s.updated_at, s.committed_at, s.commit_token`

const sessionFrom = ` FROM sessions s JOIN channels c ON c.id = s.channel_id`

func scanSession(r rowScanner) (*model.Session, error) {
	var (
		s                           model.Session
		items, pricing, trace, data []byte
	)
	err := r.Scan(&s.ID, &s.SessionKey, &s.ChannelID, &s.ChannelCode, &s.HandleType, &s.HandleRef,
		&s.State, &s.PricingPolicy, &s.EditPolicy, &s.Rev, &items, &pricing, &trace,
		&data, &s.OpenedAt, &s.UpdatedAt, &s.CommittedAt, &s.CommitToken)
	if err != nil {
		return nil, err
	}
	s.Items = []model.Item{}
	if err := storage.UnmarshalField(items, &s.Items); err != nil {
		return nil, fmt.Errorf("session %s items: %w", s.SessionKey, err)
	}
	if err := storage.UnmarshalField(pricing, &s.Pricing); err != nil {
		return nil, fmt.Errorf("session %s pricing: %w", s.SessionKey, err)
	}
	s.PricingTrace = []model.PricingDecision{}
	if err := storage.UnmarshalField(trace, &s.PricingTrace); err != nil {
		return nil, fmt.Errorf("session %s pricing_trace: %w", s.SessionKey, err)
	}
	s.Data = model.NewSessionData()
	if err := storage.UnmarshalField(data, &s.Data); err != nil {
		return nil, fmt.Errorf("session %s data: %w", s.SessionKey, err)
	}
	return &s, nil
}

func getSessionByKey(ctx context.Context, q querier, key string) (*model.Session, error) {
	row := q.QueryRow(ctx, `SELECT `+sessionCols+sessionFrom+` WHERE s.session_key = $1`, key)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", key, storage.ErrNotFound)
	}
	return s, err
}

// sessionFields holds the serialized JSON columns of a session.
type sessionFields struct {
	items, pricing, trace, data []byte
}

func marshalSessionFields(s *model.Session) (sessionFields, error) {
	var f sessionFields
	var err error
	if f.items, err = storage.MarshalField(s.Items); err != nil {
		return f, fmt.Errorf("session items: %w", err)
	}
	if f.pricing, err = storage.MarshalField(s.Pricing); err != nil {
		return f, fmt.Errorf("session pricing: %w", err)
	}
	if f.trace, err = storage.MarshalField(s.PricingTrace); err != nil {
		return f, fmt.Errorf("session pricing_trace: %w", err)
	}
	if f.data, err = storage.MarshalField(s.Data); err != nil {
		return f, fmt.Errorf("session data: %w", err)
	}
	return f, nil
}

// --- orders ---

const orderCols = `o.id, o.ref, o.channel_id, c.code, o.session_key, o.handle_type, o.handle_ref,
	o.external_ref, o.status, o.snapshot, o.currency, o.total_q, o.created_at, o.updated_at,
	o.confirmed_at, o.processing_at, o.ready_at, o.dispatched_at, o.delivered_at,
	o.completed_at, o.cancelled_at, o.returned_at`

const orderFrom = ` FROM orders o JOIN channels c ON c.id = o.channel_id`

func scanOrder(r rowScanner) (*model.Order, error) {
	var (
		o        model.Order
		snapshot []byte
	)
	err := r.Scan(&o.ID, &o.Ref, &o.ChannelID, &o.ChannelCode, &o.SessionKey, &o.HandleType,
		&o.HandleRef, &o.ExternalRef, &o.Status, &snapshot, &o.Currency, &o.TotalQ,
		&o.CreatedAt, &o.UpdatedAt,
		&o.ConfirmedAt, &o.ProcessingAt, &o.ReadyAt, &o.DispatchedAt,
		&o.DeliveredAt, &o.CompletedAt, &o.CancelledAt, &o.ReturnedAt)
	if err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(snapshot, &o.Snapshot); err != nil {
		return nil, fmt.Errorf("order %s snapshot: %w", o.Ref, err)
	}
	return &o, nil
}

func getOrderByRef(ctx context.Context, q querier, ref string) (*model.Order, error) {
	row := q.QueryRow(ctx, `SELECT `+orderCols+orderFrom+` WHERE o.ref = $1`, ref)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", ref, storage.ErrNotFound)
	}
	return o, err
}

// --- order items / events ---

func scanOrderItem(r rowScanner) (*model.OrderItem, error) {
	var (
		it   model.OrderItem
		qty  string
		meta []byte
	)
	err := r.Scan(&it.ID, &it.OrderID, &it.LineID, &it.SKU, &qty, &it.UnitPriceQ,
		&it.LineTotalQ, &it.Name, &meta)
	if err != nil {
		return nil, err
	}
	if it.Qty, err = parseQty(qty); err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(meta, &it.Meta); err != nil {
		return nil, fmt.Errorf("order item %s meta: %w", it.LineID, err)
	}
	return &it, nil
}

func scanOrderEvent(r rowScanner) (*model.OrderEvent, error) {
	var (
		ev      model.OrderEvent
		payload []byte
	)
	if err := r.Scan(&ev.ID, &ev.OrderID, &ev.Type, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("order event %d payload: %w", ev.ID, err)
	}
	return &ev, nil
}

// --- directives ---

const directiveCols = `id, topic, status, payload, attempts, available_at, last_error, created_at, updated_at`

func scanDirective(r rowScanner) (*model.Directive, error) {
	var (
		d       model.Directive
		payload []byte
	)
	err := r.Scan(&d.ID, &d.Topic, &d.Status, &payload, &d.Attempts,
		&d.AvailableAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}

// --- idempotency keys ---

const idemCols = `id, scope, key, status, response_code, response_body, expires_at, created_at, updated_at`

func scanIdemKey(r rowScanner) (*model.IdempotencyKey, error) {
	var (
		k    model.IdempotencyKey
		body []byte
	)
	err := r.Scan(&k.ID, &k.Scope, &k.Key, &k.Status, &k.ResponseCode, &body,
		&k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		k.ResponseBody = body
	}
	return &k, nil
}

// --- refs ---

const refCols = `id, ref_type, target_kind, target_id, value, scope, is_active, created_at, updated_at`

func scanRef(r rowScanner) (*model.Ref, error) {
	var (
		ref   model.Ref
		scope []byte
	)
	err := r.Scan(&ref.ID, &ref.RefType, &ref.TargetKind, &ref.TargetID, &ref.Value,
		&scope, &ref.IsActive, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ref.Scope = map[string]string{}
	if err := storage.UnmarshalField(scope, &ref.Scope); err != nil {
		return nil, fmt.Errorf("ref %d scope: %w", ref.ID, err)
	}
	return &ref, nil
}

// collectRows drains rows through scan, closing them in every path.
func collectRows[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ts normalizes a timestamp to UTC before it is written.
func ts(t time.Time) time.Time {
	return t.UTC()
}

func nullTS(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
