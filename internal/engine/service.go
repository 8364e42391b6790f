// Package engine implements the kernel's write paths: session creation,
// modify, check write-back, commit, and resolve. Every write runs inside one
// store transaction with the session row locked; Rev is the only ordering
// primitive between the synchronous paths here and the async directive
// workers.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"omniman/internal/core"
	"omniman/internal/ident"
	"omniman/internal/model"
	"omniman/internal/refs"
	"omniman/internal/registry"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
	"omniman/pkg/telemetry"
)

// Service is the kernel facade. One instance serves all channels.
type Service struct {
	store    storage.Store
	reg      *registry.Registry
	refs     *refs.Service
	logger   core.ILogger
	tracer   trace.Tracer
	metrics  *telemetry.MetricsHolder
	currency string
}

// NewService wires the kernel engines. Currency is stamped on every order;
// it defaults to BRL when empty.
func NewService(store storage.Store, reg *registry.Registry, refSvc *refs.Service, logger core.ILogger, currency string) *Service {
	if currency == "" {
		currency = "BRL"
	}
	return &Service{
		store:    store,
		reg:      reg,
		refs:     refSvc,
		logger:   logger,
		tracer:   telemetry.GetTracer("order-kernel"),
		metrics:  telemetry.GetGlobalMetrics(),
		currency: currency,
	}
}

// CreateSessionParams carries the session creation request.
type CreateSessionParams struct {
	ChannelCode string
	SessionKey  string
	HandleType  string
	HandleRef   string
}

// CreateSession opens a session on a channel. When a handle is given and an
// open session already holds it, that session is returned instead of a new
// one; created reports which case happened. A caller-supplied session key is
// idempotent the same way: an open session under that key on the same
// channel is returned as-is.
func (s *Service) CreateSession(ctx context.Context, p CreateSessionParams) (*model.Session, bool, error) {
	ctx, span := s.tracer.Start(ctx, "CreateSession", trace.WithAttributes(
		attribute.String("channel", p.ChannelCode)))
	defer span.End()

	var (
		session *model.Session
		created bool
	)
	create := func(tx storage.Tx) error {
		ch, err := tx.ChannelByCode(ctx, p.ChannelCode)
		if storage.IsNotFound(err) {
			return oerr.Session(oerr.CodeChannelNotFound, "unknown channel").
				With("channel_code", p.ChannelCode)
		}
		if err != nil {
			return err
		}
		if !ch.IsActive {
			return oerr.Session(oerr.CodeChannelInactive, "channel is not accepting orders").
				With("channel_code", p.ChannelCode)
		}
		if p.HandleType != "" {
			existing, err := tx.OpenSessionByHandle(ctx, ch.ID, p.HandleType, p.HandleRef)
			if err == nil {
				session = existing
				return nil
			}
			if !storage.IsNotFound(err) {
				return err
			}
		}
		if p.SessionKey != "" {
			existing, err := tx.SessionByKey(ctx, p.SessionKey)
			if err == nil {
				if existing.State == model.SessionOpen && existing.ChannelID == ch.ID {
					session = existing
					return nil
				}
				return oerr.Session(oerr.CodeConflict, "session key is already in use").
					With("session_key", p.SessionKey)
			}
			if !storage.IsNotFound(err) {
				return err
			}
		}
		key := p.SessionKey
		if key == "" {
			key = ident.NewSessionKey()
		}
		now := time.Now().UTC()
		fresh := &model.Session{
			SessionKey:    key,
			ChannelID:     ch.ID,
			ChannelCode:   ch.Code,
			HandleType:    p.HandleType,
			HandleRef:     p.HandleRef,
			State:         model.SessionOpen,
			PricingPolicy: ch.PricingPolicy,
			EditPolicy:    ch.EditPolicy,
			Rev:           0,
			Items:         []model.Item{},
			Data:          model.NewSessionData(),
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		if err := tx.InsertSession(ctx, fresh); err != nil {
			return err
		}
		session = fresh
		created = true
		return nil
	}
	err := s.store.WithTx(ctx, create)
	if storage.IsConflict(err) {
		// Lost a create race on the open-handle index; the winner's row is
		// visible on a second pass.
		created = false
		err = s.store.WithTx(ctx, create)
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("session created",
			"session_key", session.SessionKey,
			"channel", session.ChannelCode,
			"handle_type", session.HandleType,
			"handle_ref", session.HandleRef)
	}
	return session, created, nil
}

// GetSession loads a session by key. A non-empty channelCode narrows the
// lookup; a session on a different channel reads as absent.
func (s *Service) GetSession(ctx context.Context, sessionKey, channelCode string) (*model.Session, error) {
	sess, err := s.store.GetSessionByKey(ctx, sessionKey)
	if storage.IsNotFound(err) {
		return nil, oerr.Session(oerr.CodeNotFound, "session not found").
			With("session_key", sessionKey)
	}
	if err != nil {
		return nil, err
	}
	if channelCode != "" && sess.ChannelCode != channelCode {
		return nil, oerr.Session(oerr.CodeNotFound, "session not found on this channel").
			With("session_key", sessionKey).
			With("channel_code", channelCode)
	}
	return sess, nil
}

// lockSession locates a session by (channel_code, session_key) and locks its
// row for the remainder of the transaction.
func lockSession(ctx context.Context, tx storage.Tx, sessionKey, channelCode string) (*model.Session, error) {
	sess, err := tx.SessionForUpdate(ctx, sessionKey)
	if storage.IsNotFound(err) {
		return nil, oerr.Session(oerr.CodeNotFound, "session not found").
			With("session_key", sessionKey)
	}
	if err != nil {
		return nil, err
	}
	if channelCode != "" && sess.ChannelCode != channelCode {
		return nil, oerr.Session(oerr.CodeNotFound, "session not found on this channel").
			With("session_key", sessionKey).
			With("channel_code", channelCode)
	}
	return sess, nil
}
