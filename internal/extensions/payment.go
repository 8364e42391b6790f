package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/storage"
)

// paymentCaptureHandler captures the payment intent behind a committed
// order. Captures are checked before being retried so a redelivered
// directive never double-charges.
type paymentCaptureHandler struct {
	store   storage.Store
	payment core.IPaymentBackend
	logger  core.ILogger
}

func (h *paymentCaptureHandler) Topic() string { return "payment.capture" }

func (h *paymentCaptureHandler) Handle(ctx context.Context, d *model.Directive) error {
	var p model.PostCommitDirectivePayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("malformed payment.capture payload: %w", err)
	}

	intentID := p.IntentID
	if intentID == "" {
		intentID = h.intentFromSession(ctx, p.SessionKey)
	}
	if intentID == "" {
		return fmt.Errorf("no payment intent for order %s", p.OrderRef)
	}

	status, err := h.payment.GetStatus(ctx, intentID)
	if err != nil {
		return fmt.Errorf("failed to read status of intent %s: %w", intentID, err)
	}
	if status == core.PaymentCaptured {
		// A prior attempt already captured; the event was recorded then.
		h.logger.Debug("intent already captured",
			"order_ref", p.OrderRef,
			"intent_id", intentID)
		return nil
	}

	intent, err := h.payment.Capture(ctx, intentID, 0, p.OrderRef)
	if err != nil {
		return fmt.Errorf("capture of intent %s failed: %w", intentID, err)
	}

	return h.store.WithTx(ctx, func(tx storage.Tx) error {
		ord, err := tx.OrderByRef(ctx, p.OrderRef)
		if err != nil {
			return err
		}
		return tx.InsertOrderEvent(ctx, &model.OrderEvent{
			OrderID: ord.ID,
			Type:    model.EventPaymentCaptured,
			Actor:   "payment.capture",
			Payload: map[string]interface{}{
				"intent_id": intent.ID,
				"amount_q":  intent.AmountQ,
			},
			CreatedAt: time.Now().UTC(),
		})
	})
}

func (h *paymentCaptureHandler) intentFromSession(ctx context.Context, sessionKey string) string {
	sess, err := h.store.GetSessionByKey(ctx, sessionKey)
	if err != nil {
		return ""
	}
	id, _ := sess.Data.GetPath([]string{"payment", "intent_id"}).(string)
	return id
}

// refundPayload is the directive body operator tooling enqueues to refund a
// captured order.
type refundPayload struct {
	OrderRef   string `json:"order_ref"`
	SessionKey string `json:"session_key"`
	IntentID   string `json:"intent_id"`
	AmountQ    int64  `json:"amount_q"`
	Reason     string `json:"reason"`
}

// paymentRefundHandler reverses a captured intent, fully or partially.
type paymentRefundHandler struct {
	store   storage.Store
	payment core.IPaymentBackend
	logger  core.ILogger
}

func (h *paymentRefundHandler) Topic() string { return "payment.refund" }

func (h *paymentRefundHandler) Handle(ctx context.Context, d *model.Directive) error {
	var p refundPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("malformed payment.refund payload: %w", err)
	}

	intentID := p.IntentID
	if intentID == "" {
		intentID = h.intentFromSession(ctx, p.SessionKey)
	}
	if intentID == "" {
		return fmt.Errorf("no payment intent for order %s", p.OrderRef)
	}

	status, err := h.payment.GetStatus(ctx, intentID)
	if err != nil {
		return fmt.Errorf("failed to read status of intent %s: %w", intentID, err)
	}
	if status == core.PaymentRefunded {
		h.logger.Debug("intent already refunded",
			"order_ref", p.OrderRef,
			"intent_id", intentID)
		return nil
	}

	intent, err := h.payment.Refund(ctx, intentID, p.AmountQ, p.Reason)
	if err != nil {
		return fmt.Errorf("refund of intent %s failed: %w", intentID, err)
	}

	return h.store.WithTx(ctx, func(tx storage.Tx) error {
		ord, err := tx.OrderByRef(ctx, p.OrderRef)
		if err != nil {
			return err
		}
		return tx.InsertOrderEvent(ctx, &model.OrderEvent{
			OrderID: ord.ID,
			Type:    model.EventPaymentRefunded,
			Actor:   "payment.refund",
			Payload: map[string]interface{}{
				"intent_id": intent.ID,
				"amount_q":  intent.AmountQ,
				"reason":    p.Reason,
			},
			CreatedAt: time.Now().UTC(),
		})
	})
}

func (h *paymentRefundHandler) intentFromSession(ctx context.Context, sessionKey string) string {
	sess, err := h.store.GetSessionByKey(ctx, sessionKey)
	if err != nil {
		return ""
	}
	id, _ := sess.Data.GetPath([]string{"payment", "intent_id"}).(string)
	return id
}
