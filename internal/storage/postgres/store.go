// Package postgres implements storage.Store on pgx. It is the production
// driver: real row locks back the ForUpdate contract and SKIP LOCKED backs
// directive claims, so multiple processes can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omniman/internal/model"
	"omniman/internal/storage"
	"omniman/pkg/retry"
)

// Store is a Postgres-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database at url and applies pending migrations.
// maxConns bounds the pool; zero keeps the pgx default.
func Open(ctx context.Context, url string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

// WithTx runs fn in one transaction, retrying the whole unit on
// serialization failures and deadlocks. fn must be safe to re-run; every
// engine write path re-reads its rows inside the transaction, so it is.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return retry.Do(ctx, retry.DefaultPolicy, isTransientError, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) GetChannelByCode(ctx context.Context, code string) (*model.Channel, error) {
	return getChannelByCode(ctx, s.pool, code)
}

func (s *Store) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelCols+` FROM channels ORDER BY display_order, code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return collectRows(rows, scanChannel)
}

func (s *Store) GetSessionByKey(ctx context.Context, key string) (*model.Session, error) {
	return getSessionByKey(ctx, s.pool, key)
}

func (s *Store) ListSessions(ctx context.Context, f storage.SessionFilter) ([]*model.Session, error) {
	query := `SELECT ` + sessionCols + sessionFrom + ` WHERE 1=1`
	var args []any
	if f.ChannelCode != "" {
		args = append(args, f.ChannelCode)
		query += fmt.Sprintf(` AND c.code = $%d`, len(args))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		query += fmt.Sprintf(` AND s.state = $%d`, len(args))
	}
	if f.HandleType != "" {
		args = append(args, f.HandleType)
		query += fmt.Sprintf(` AND s.handle_type = $%d`, len(args))
	}
	if f.HandleRef != "" {
		args = append(args, f.HandleRef)
		query += fmt.Sprintf(` AND s.handle_ref = $%d`, len(args))
	}
	query += ` ORDER BY s.id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectRows(rows, scanSession)
}

func (s *Store) CountOpenSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE state = 'open'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open sessions: %w", err)
	}
	return n, nil
}

func (s *Store) GetOrderByRef(ctx context.Context, ref string) (*model.Order, error) {
	return getOrderByRef(ctx, s.pool, ref)
}

func (s *Store) ListOrders(ctx context.Context, f storage.OrderFilter) ([]*model.Order, error) {
	query := `SELECT ` + orderCols + orderFrom + ` WHERE 1=1`
	var args []any
	if f.ChannelCode != "" {
		args = append(args, f.ChannelCode)
		query += fmt.Sprintf(` AND c.code = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND o.status = $%d`, len(args))
	}
	if f.SessionKey != "" {
		args = append(args, f.SessionKey)
		query += fmt.Sprintf(` AND o.session_key = $%d`, len(args))
	}
	if f.ExternalRef != "" {
		args = append(args, f.ExternalRef)
		query += fmt.Sprintf(` AND o.external_ref = $%d`, len(args))
	}
	query += ` ORDER BY o.id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return collectRows(rows, scanOrder)
}

func (s *Store) ListOrderItems(ctx context.Context, orderID int64) ([]*model.OrderItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, line_id, sku, qty::text, unit_price_q, line_total_q, name, meta
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	return collectRows(rows, scanOrderItem)
}

func (s *Store) ListOrderEvents(ctx context.Context, orderID int64) ([]*model.OrderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, type, actor, payload, created_at
		 FROM order_events WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	return collectRows(rows, scanOrderEvent)
}

func (s *Store) ListFulfillments(ctx context.Context, orderID int64) ([]*model.Fulfillment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, status, tracking, created_at, updated_at
		 FROM fulfillments WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fulfillments: %w", err)
	}
	defer rows.Close()
	var out []*model.Fulfillment
	for rows.Next() {
		var fl model.Fulfillment
		if err := rows.Scan(&fl.ID, &fl.OrderID, &fl.Status, &fl.Tracking, &fl.CreatedAt, &fl.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &fl)
	}
	return out, rows.Err()
}

func (s *Store) ListDirectives(ctx context.Context, f storage.DirectiveFilter) ([]*model.Directive, error) {
	query := `SELECT ` + directiveCols + ` FROM directives WHERE 1=1`
	var args []any
	if f.Topic != "" {
		args = append(args, f.Topic)
		query += fmt.Sprintf(` AND topic = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list directives: %w", err)
	}
	return collectRows(rows, scanDirective)
}

func (s *Store) CountQueuedDirectives(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT topic, COUNT(*) FROM directives WHERE status = 'queued' GROUP BY topic`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued directives: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			topic string
			n     int64
		)
		if err := rows.Scan(&topic, &n); err != nil {
			return nil, err
		}
		out[topic] = n
	}
	return out, rows.Err()
}

func (s *Store) GetActiveRef(ctx context.Context, refType, value, scopeHash string) (*model.Ref, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+refCols+` FROM refs
		 WHERE ref_type = $1 AND value = $2 AND scope_hash = $3 AND is_active`,
		refType, value, scopeHash)
	ref, err := scanRef(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ref %s=%s: %w", refType, value, storage.ErrNotFound)
	}
	return ref, err
}

func (s *Store) ListRefsForTarget(ctx context.Context, kind model.TargetKind, targetID int64, activeOnly bool) ([]*model.Ref, error) {
	query := `SELECT ` + refCols + ` FROM refs WHERE target_kind = $1 AND target_id = $2`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query, string(kind), targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	return collectRows(rows, scanRef)
}

func (s *Store) SweepIdempotencyKeys(ctx context.Context, opts storage.SweepOptions) (int64, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	where := `expires_at < $1`
	args := []any{ts(now)}
	if opts.OlderThan > 0 {
		args = append(args, ts(now.Add(-opts.OlderThan)))
		where += fmt.Sprintf(` OR (status IN ('done', 'failed') AND updated_at < $%d)`, len(args))
	}
	if opts.IncludeInProgress {
		age := opts.InProgressAge
		if age <= 0 {
			age = time.Hour
		}
		args = append(args, ts(now.Add(-age)))
		where += fmt.Sprintf(` OR (status = 'in_progress' AND updated_at < $%d)`, len(args))
	}

	if opts.DryRun {
		var n int64
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM idempotency_keys WHERE `+where, args...).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count sweepable idempotency keys: %w", err)
		}
		return n, nil
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
