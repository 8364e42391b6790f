package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/orderflow"
	"omniman/internal/storage"
)

// transitionPayload is the directive body operator tooling and channel
// adapters enqueue to move a sealed order through its flow.
type transitionPayload struct {
	OrderRef string `json:"order_ref"`
	Status   string `json:"status"`
	Actor    string `json:"actor"`
}

// orderTransitionHandler applies requested status changes through the order
// flow state machine. A transition the flow rejects fails the directive, so
// the requester sees the rejection in last_error instead of a silent drop.
type orderTransitionHandler struct {
	store  storage.Store
	flow   *orderflow.Machine
	logger core.ILogger
}

func (h *orderTransitionHandler) Topic() string { return "order.transition" }

func (h *orderTransitionHandler) Handle(ctx context.Context, d *model.Directive) error {
	var p transitionPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("malformed order.transition payload: %w", err)
	}
	target := model.Status(p.Status)
	actor := p.Actor
	if actor == "" {
		actor = "order.transition"
	}

	if cur, err := h.store.GetOrderByRef(ctx, p.OrderRef); err == nil && cur.Status == target {
		// A redelivered directive whose transition already took. The machine
		// would reject the hop, so ack it here instead of failing the retry.
		h.logger.Debug("order already at requested status",
			"order_ref", p.OrderRef,
			"status", p.Status)
		return nil
	}

	// The machine re-reads under the row lock and reports unknown refs and
	// illegal hops with stable codes.
	_, err := h.flow.Transition(ctx, p.OrderRef, target, actor)
	return err
}
