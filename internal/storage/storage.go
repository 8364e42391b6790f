// Package storage defines the interface to the order hub's relational store.
//
// Two implementations exist: postgres (pgx, production) and sqlite
// (development, tests, single-node deployments). Both provide the same
// locking discipline: Tx methods named ForUpdate acquire a row lock that is
// held until the surrounding transaction ends. On SQLite the whole write
// transaction is the lock (BEGIN IMMEDIATE); on Postgres it is a real
// SELECT ... FOR UPDATE.
package storage

import (
	"context"
	"errors"
	"time"

	"omniman/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert or update violates a uniqueness
// constraint. Drivers map their native duplicate-key errors onto it.
var ErrConflict = errors.New("conflict")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	ChannelCode string
	State       model.SessionState
	HandleType  string
	HandleRef   string
	Limit       int
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	ChannelCode string
	Status      model.Status
	SessionKey  string
	ExternalRef string
	Limit       int
}

// DirectiveFilter narrows ListDirectives.
type DirectiveFilter struct {
	Topic  string
	Status model.DirectiveStatus
	Limit  int
}

// SweepOptions controls the idempotency key sweep.
type SweepOptions struct {
	Now time.Time
	// OlderThan is the retention window for done and failed rows, measured
	// against updated_at. Rows whose expires_at has passed are always swept.
	OlderThan time.Duration
	// IncludeInProgress also removes in_progress rows older than
	// InProgressAge, for locks orphaned by crashed commits.
	IncludeInProgress bool
	InProgressAge     time.Duration
	// DryRun counts matching rows without deleting them.
	DryRun bool
}

// Store is a handle to the relational database. Read methods run outside any
// caller transaction; every write path goes through WithTx. Stores are safe
// for concurrent use.
type Store interface {
	// WithTx runs fn inside one database transaction. fn returning nil
	// commits; an error or panic rolls back. Tx values are only valid
	// inside fn and must not cross goroutines.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Channels
	GetChannelByCode(ctx context.Context, code string) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]*model.Channel, error)

	// Sessions
	GetSessionByKey(ctx context.Context, key string) (*model.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*model.Session, error)
	CountOpenSessions(ctx context.Context) (int64, error)

	// Orders
	GetOrderByRef(ctx context.Context, ref string) (*model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*model.Order, error)
	ListOrderItems(ctx context.Context, orderID int64) ([]*model.OrderItem, error)
	ListOrderEvents(ctx context.Context, orderID int64) ([]*model.OrderEvent, error)
	ListFulfillments(ctx context.Context, orderID int64) ([]*model.Fulfillment, error)

	// Directives
	ListDirectives(ctx context.Context, f DirectiveFilter) ([]*model.Directive, error)
	// CountQueuedDirectives returns the number of queued directives per
	// topic, for the queue depth gauge.
	CountQueuedDirectives(ctx context.Context) (map[string]int64, error)

	// Refs
	GetActiveRef(ctx context.Context, refType, value, scopeHash string) (*model.Ref, error)
	ListRefsForTarget(ctx context.Context, kind model.TargetKind, targetID int64, activeOnly bool) ([]*model.Ref, error)

	// SweepIdempotencyKeys deletes expired and aged idempotency rows and
	// returns the number of rows removed (or matched, in dry-run mode).
	SweepIdempotencyKeys(ctx context.Context, opts SweepOptions) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// Channels
	ChannelByCode(ctx context.Context, code string) (*model.Channel, error)
	InsertChannel(ctx context.Context, ch *model.Channel) error
	UpdateChannel(ctx context.Context, ch *model.Channel) error

	// Sessions
	SessionByKey(ctx context.Context, key string) (*model.Session, error)
	// SessionForUpdate locks the session row for the rest of the
	// transaction. Every write to a session goes through this.
	SessionForUpdate(ctx context.Context, key string) (*model.Session, error)
	// OpenSessionByHandle finds the open session for a channel handle,
	// ErrNotFound when none. Callers pass non-empty handleType.
	OpenSessionByHandle(ctx context.Context, channelID int64, handleType, handleRef string) (*model.Session, error)
	InsertSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error

	// Orders
	InsertOrder(ctx context.Context, o *model.Order) error
	OrderByRef(ctx context.Context, ref string) (*model.Order, error)
	// OrderForUpdate locks the order row. The state machine is the only
	// caller that follows up with UpdateOrder.
	OrderForUpdate(ctx context.Context, ref string) (*model.Order, error)
	OrderBySessionKey(ctx context.Context, sessionKey string) (*model.Order, error)
	// UpdateOrder persists status, lifecycle timestamps, and external_ref.
	// The snapshot columns are never written after insert.
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertOrderItems(ctx context.Context, orderID int64, items []*model.OrderItem) error
	InsertOrderEvent(ctx context.Context, ev *model.OrderEvent) error

	// Fulfillments
	InsertFulfillment(ctx context.Context, f *model.Fulfillment, items []*model.FulfillmentItem) error

	// Directives
	EnqueueDirective(ctx context.Context, d *model.Directive) error
	// ClaimDirectives atomically moves up to limit queued directives on the
	// given topics (all topics when empty) with available_at <= now into
	// running with attempts incremented, returning the claimed rows ordered
	// by (available_at, id).
	ClaimDirectives(ctx context.Context, topics []string, limit int, now time.Time) ([]*model.Directive, error)
	UpdateDirective(ctx context.Context, d *model.Directive) error

	// Idempotency keys
	IdempotencyKeyForUpdate(ctx context.Context, scope, key string) (*model.IdempotencyKey, error)
	InsertIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error
	UpdateIdempotencyKey(ctx context.Context, k *model.IdempotencyKey) error

	// Refs
	// ActiveRefForUpdate locks the active ref with the given identity,
	// ErrNotFound when none exists.
	ActiveRefForUpdate(ctx context.Context, refType, value, scopeHash string) (*model.Ref, error)
	ActiveRefsForTarget(ctx context.Context, kind model.TargetKind, targetID int64) ([]*model.Ref, error)
	InsertRef(ctx context.Context, r *model.Ref) error
	UpdateRef(ctx context.Context, r *model.Ref) error
	// NextSequenceValue increments and returns the counter for
	// (sequenceName, scopeHash) under row lock, creating it at 1.
	NextSequenceValue(ctx context.Context, sequenceName, scopeHash string) (int64, error)
}
