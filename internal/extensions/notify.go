package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/storage"
)

// orderCreatedHandler tells the notification backend about a freshly sealed
// order. The recipient comes from the snapshot's customer data; channels
// that collect neither email nor phone still get the send, with an empty
// recipient the backend is free to route however it wants.
type orderCreatedHandler struct {
	store  storage.Store
	notify core.INotificationBackend
	logger core.ILogger
}

func (h *orderCreatedHandler) Topic() string { return "notify.order_created" }

func (h *orderCreatedHandler) Handle(ctx context.Context, d *model.Directive) error {
	var p model.PostCommitDirectivePayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("malformed notify.order_created payload: %w", err)
	}

	ord, err := h.store.GetOrderByRef(ctx, p.OrderRef)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", p.OrderRef, err)
	}

	recipient, _ := ord.Snapshot.Data.GetPath([]string{"customer", "email"}).(string)
	if recipient == "" {
		recipient, _ = ord.Snapshot.Data.GetPath([]string{"customer", "phone"}).(string)
	}

	res, err := h.notify.Send(ctx, "order.created", recipient, map[string]interface{}{
		"order_ref":    ord.Ref,
		"channel_code": ord.ChannelCode,
		"session_key":  ord.SessionKey,
		"total_q":      ord.TotalQ,
		"currency":     ord.Currency,
		"status":       string(ord.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to send order.created for %s: %w", ord.Ref, err)
	}
	if !res.Success {
		return fmt.Errorf("notification rejected: %s", res.Error)
	}
	h.logger.Debug("order notification sent",
		"order_ref", ord.Ref,
		"message_id", res.MessageID)
	return nil
}
