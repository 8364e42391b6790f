package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"omniman/internal/model"
	"omniman/internal/storage"
)

// querier is satisfied by *sql.DB and *sql.Tx so read helpers are shared
// between the store and its transactions.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// All timestamps are stored as RFC3339Nano UTC strings.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueConstraintError checks if error is a UNIQUE constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// isBusyError checks if error is a lock contention failure worth retrying
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// mapWriteErr converts driver constraint errors to the storage sentinels.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

// --- channels ---

const channelCols = `id, code, name, display_order, is_active, pricing_policy, edit_policy, config, created_at, updated_at`

func scanChannel(r rowScanner) (*model.Channel, error) {
	var (
		ch                   model.Channel
		config               []byte
		createdAt, updatedAt string
	)
	err := r.Scan(&ch.ID, &ch.Code, &ch.Name, &ch.DisplayOrder, &ch.IsActive,
		&ch.PricingPolicy, &ch.EditPolicy, &config, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(config, &ch.Config); err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Code, err)
	}
	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ch, nil
}

func getChannelByCode(ctx context.Context, q querier, code string) (*model.Channel, error) {
	row := q.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE code = ?`, code)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
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
		openedAt, updatedAt         string
		committedAt                 sql.NullString
	)
	err := r.Scan(&s.ID, &s.SessionKey, &s.ChannelID, &s.ChannelCode, &s.HandleType, &s.HandleRef,
		&s.State, &s.PricingPolicy, &s.EditPolicy, &s.Rev, &items, &pricing, &trace,
		&data, &openedAt, &updatedAt, &committedAt, &s.CommitToken)
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
	if s.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if s.CommittedAt, err = parseNullTime(committedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func getSessionByKey(ctx context.Context, q querier, key string) (*model.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionCols+sessionFrom+` WHERE s.session_key = ?`, key)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
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
		o                    model.Order
		snapshot             []byte
		createdAt, updatedAt string
		lifecycle            [8]sql.NullString
	)
	err := r.Scan(&o.ID, &o.Ref, &o.ChannelID, &o.ChannelCode, &o.SessionKey, &o.HandleType,
		&o.HandleRef, &o.ExternalRef, &o.Status, &snapshot, &o.Currency, &o.TotalQ,
		&createdAt, &updatedAt,
		&lifecycle[0], &lifecycle[1], &lifecycle[2], &lifecycle[3],
		&lifecycle[4], &lifecycle[5], &lifecycle[6], &lifecycle[7])
	if err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(snapshot, &o.Snapshot); err != nil {
		return nil, fmt.Errorf("order %s snapshot: %w", o.Ref, err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	fields := []**time.Time{
		&o.ConfirmedAt, &o.ProcessingAt, &o.ReadyAt, &o.DispatchedAt,
		&o.DeliveredAt, &o.CompletedAt, &o.CancelledAt, &o.ReturnedAt,
	}
	for i, f := range fields {
		if *f, err = parseNullTime(lifecycle[i]); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func getOrderByRef(ctx context.Context, q querier, ref string) (*model.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderCols+orderFrom+` WHERE o.ref = ?`, ref)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", ref, storage.ErrNotFound)
	}
	return o, err
}

// --- order items / events ---

func scanOrderItem(r rowScanner) (*model.OrderItem, error) {
	var (
		it   model.OrderItem
		meta []byte
	)
	err := r.Scan(&it.ID, &it.OrderID, &it.LineID, &it.SKU, &it.Qty, &it.UnitPriceQ,
		&it.LineTotalQ, &it.Name, &meta)
	if err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(meta, &it.Meta); err != nil {
		return nil, fmt.Errorf("order item %s meta: %w", it.LineID, err)
	}
	return &it, nil
}

func scanOrderEvent(r rowScanner) (*model.OrderEvent, error) {
	var (
		ev        model.OrderEvent
		payload   []byte
		createdAt string
	)
	if err := r.Scan(&ev.ID, &ev.OrderID, &ev.Type, &ev.Actor, &payload, &createdAt); err != nil {
		return nil, err
	}
	if err := storage.UnmarshalField(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("order event %d payload: %w", ev.ID, err)
	}
	var err error
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

// --- directives ---

const directiveCols = `id, topic, status, payload, attempts, available_at, last_error, created_at, updated_at`

func scanDirective(r rowScanner) (*model.Directive, error) {
	var (
		d                                  model.Directive
		payload                            []byte
		availableAt, createdAt, updatedAt string
	)
	err := r.Scan(&d.ID, &d.Topic, &d.Status, &payload, &d.Attempts,
		&availableAt, &d.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	if d.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// --- idempotency keys ---

const idemCols = `id, scope, key, status, response_code, response_body, expires_at, created_at, updated_at`

func scanIdemKey(r rowScanner) (*model.IdempotencyKey, error) {
	var (
		k                               model.IdempotencyKey
		body                            sql.NullString
		expiresAt, createdAt, updatedAt string
	)
	err := r.Scan(&k.ID, &k.Scope, &k.Key, &k.Status, &k.ResponseCode, &body,
		&expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if body.Valid {
		k.ResponseBody = []byte(body.String)
	}
	if k.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if k.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// --- refs ---

const refCols = `id, ref_type, target_kind, target_id, value, scope, is_active, created_at, updated_at`

func scanRef(r rowScanner) (*model.Ref, error) {
	var (
		ref                  model.Ref
		scope                []byte
		createdAt, updatedAt string
	)
	err := r.Scan(&ref.ID, &ref.RefType, &ref.TargetKind, &ref.TargetID, &ref.Value,
		&scope, &ref.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ref.Scope = map[string]string{}
	if err := storage.UnmarshalField(scope, &ref.Scope); err != nil {
		return nil, fmt.Errorf("ref %d scope: %w", ref.ID, err)
	}
	if ref.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ref.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ref, nil
}

// collectRows drains rows through scan, closing them in every path.
func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
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

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
