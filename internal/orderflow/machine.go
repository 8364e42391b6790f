package orderflow

import (
	"context"
	"time"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

// Machine applies status transitions under the order row lock. The storage
// layer exposes no other way to change an order's status, so every status
// write funnels through here.
type Machine struct {
	store  storage.Store
	logger core.ILogger
}

// NewMachine creates a state machine over the given store.
func NewMachine(store storage.Store, logger core.ILogger) *Machine {
	return &Machine{store: store, logger: logger}
}

// Transition moves the order to newStatus, stamps its lifecycle timestamp
// (first write wins), and records a status_changed event. The whole step runs
// under FOR UPDATE on the order row.
func (m *Machine) Transition(ctx context.Context, orderRef string, newStatus model.Status, actor string) (*model.Order, error) {
	if !newStatus.Valid() {
		return nil, oerr.Transition(oerr.CodeInvalidTransition, "unknown status").
			With("order_ref", orderRef).With("new_status", string(newStatus))
	}

	var out *model.Order
	err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderRef)
		if err != nil {
			if storage.IsNotFound(err) {
				return oerr.Transition(oerr.CodeOrderNotFound, "order not found").
					With("order_ref", orderRef)
			}
			return err
		}
		ch, err := tx.ChannelByCode(ctx, o.ChannelCode)
		if err != nil {
			return err
		}
		flow := ForChannel(ch)

		if flow.IsTerminal(o.Status) {
			return oerr.Transition(oerr.CodeTerminalStatus, "order is in a terminal status").
				With("order_ref", orderRef).With("status", string(o.Status))
		}
		if !flow.CanTransition(o.Status, newStatus) {
			return oerr.Transition(oerr.CodeInvalidTransition, "transition not allowed").
				With("order_ref", orderRef).
				With("from", string(o.Status)).
				With("to", string(newStatus))
		}

		now := time.Now().UTC()
		oldStatus := o.Status
		o.Status = newStatus
		o.StampLifecycle(newStatus, now)
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		ev := &model.OrderEvent{
			OrderID:   o.ID,
			Type:      model.EventStatusChanged,
			Actor:     actor,
			Payload:   map[string]interface{}{"old_status": string(oldStatus), "new_status": string(newStatus)},
			CreatedAt: now,
		}
		if err := tx.InsertOrderEvent(ctx, ev); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("order status changed",
		"order_ref", out.Ref,
		"channel", out.ChannelCode,
		"status", string(out.Status),
		"actor", actor)
	return out, nil
}
