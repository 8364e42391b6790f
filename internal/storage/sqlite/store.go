// Package sqlite implements storage.Store on mattn/go-sqlite3. It is the
// development and single-node driver: WAL journal, busy timeout, and
// BEGIN IMMEDIATE write transactions standing in for row locks.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"omniman/internal/model"
	"omniman/internal/storage"
	"omniman/pkg/retry"
)

// Store is a SQLite-backed storage.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations. The DSN forces IMMEDIATE transactions so every WithTx acquires
// the write lock up front, which is what the ForUpdate contract assumes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// WithTx runs fn in one IMMEDIATE transaction, retrying the whole unit on
// lock contention. fn must be safe to re-run; every engine write path
// re-reads its rows inside the transaction, so it is.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return retry.Do(ctx, retry.DefaultPolicy, isBusyError, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) GetChannelByCode(ctx context.Context, code string) (*model.Channel, error) {
	return getChannelByCode(ctx, s.db, code)
}

func (s *Store) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelCols+` FROM channels ORDER BY display_order, code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return collectRows(rows, scanChannel)
}

func (s *Store) GetSessionByKey(ctx context.Context, key string) (*model.Session, error) {
	return getSessionByKey(ctx, s.db, key)
}

func (s *Store) ListSessions(ctx context.Context, f storage.SessionFilter) ([]*model.Session, error) {
	query := `SELECT ` + sessionCols + sessionFrom + ` WHERE 1=1`
	var args []interface{}
	if f.ChannelCode != "" {
		query += ` AND c.code = ?`
		args = append(args, f.ChannelCode)
	}
	if f.State != "" {
		query += ` AND s.state = ?`
		args = append(args, string(f.State))
	}
	if f.HandleType != "" {
		query += ` AND s.handle_type = ?`
		args = append(args, f.HandleType)
	}
	if f.HandleRef != "" {
		query += ` AND s.handle_ref = ?`
		args = append(args, f.HandleRef)
	}
	query += ` ORDER BY s.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectRows(rows, scanSession)
}

func (s *Store) CountOpenSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE state = 'open'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open sessions: %w", err)
	}
	return n, nil
}

func (s *Store) GetOrderByRef(ctx context.Context, ref string) (*model.Order, error) {
	return getOrderByRef(ctx, s.db, ref)
}

func (s *Store) ListOrders(ctx context.Context, f storage.OrderFilter) ([]*model.Order, error) {
	query := `SELECT ` + orderCols + orderFrom + ` WHERE 1=1`
	var args []interface{}
	if f.ChannelCode != "" {
		query += ` AND c.code = ?`
		args = append(args, f.ChannelCode)
	}
	if f.Status != "" {
		query += ` AND o.status = ?`
		args = append(args, string(f.Status))
	}
	if f.SessionKey != "" {
		query += ` AND o.session_key = ?`
		args = append(args, f.SessionKey)
	}
	if f.ExternalRef != "" {
		query += ` AND o.external_ref = ?`
		args = append(args, f.ExternalRef)
	}
	query += ` ORDER BY o.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return collectRows(rows, scanOrder)
}

func (s *Store) ListOrderItems(ctx context.Context, orderID int64) ([]*model.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, line_id, sku, qty, unit_price_q, line_total_q, name, meta
		 FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	return collectRows(rows, scanOrderItem)
}

func (s *Store) ListOrderEvents(ctx context.Context, orderID int64) ([]*model.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, type, actor, payload, created_at
		 FROM order_events WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	return collectRows(rows, scanOrderEvent)
}

func (s *Store) ListFulfillments(ctx context.Context, orderID int64) ([]*model.Fulfillment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, status, tracking, created_at, updated_at
		 FROM fulfillments WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fulfillments: %w", err)
	}
	defer rows.Close()
	var out []*model.Fulfillment
	for rows.Next() {
		var (
			fl                   model.Fulfillment
			createdAt, updatedAt string
		)
		if err := rows.Scan(&fl.ID, &fl.OrderID, &fl.Status, &fl.Tracking, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if fl.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if fl.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &fl)
	}
	return out, rows.Err()
}

func (s *Store) ListDirectives(ctx context.Context, f storage.DirectiveFilter) ([]*model.Directive, error) {
	query := `SELECT ` + directiveCols + ` FROM directives WHERE 1=1`
	var args []interface{}
	if f.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, f.Topic)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list directives: %w", err)
	}
	return collectRows(rows, scanDirective)
}

func (s *Store) CountQueuedDirectives(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refCols+` FROM refs
		 WHERE ref_type = ? AND value = ? AND scope_hash = ? AND is_active = 1`,
		refType, value, scopeHash)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ref %s=%s: %w", refType, value, storage.ErrNotFound)
	}
	return ref, err
}

func (s *Store) ListRefsForTarget(ctx context.Context, kind model.TargetKind, targetID int64, activeOnly bool) ([]*model.Ref, error) {
	query := `SELECT ` + refCols + ` FROM refs WHERE target_kind = ? AND target_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, string(kind), targetID)
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
	where := `expires_at < ?`
	args := []interface{}{fmtTime(now)}
	if opts.OlderThan > 0 {
		where += ` OR (status IN ('done', 'failed') AND updated_at < ?)`
		args = append(args, fmtTime(now.Add(-opts.OlderThan)))
	}
	if opts.IncludeInProgress {
		age := opts.InProgressAge
		if age <= 0 {
			age = time.Hour
		}
		where += ` OR (status = 'in_progress' AND updated_at < ?)`
		args = append(args, fmtTime(now.Add(-age)))
	}

	if opts.DryRun {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM idempotency_keys WHERE `+where, args...).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count sweepable idempotency keys: %w", err)
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}
