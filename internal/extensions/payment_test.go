package extensions

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniman/internal/core"
	"omniman/internal/engine"
	"omniman/internal/model"
	"omniman/internal/ops"
)

// commitWithIntent seeds a paid-for session on a capture-enabled channel and
// commits it, returning the order ref.
func commitWithIntent(t *testing.T, h *harness, intentID string) string {
	t.Helper()
	ctx := context.Background()
	seedChannel(t, h.store, &model.Channel{
		Code:   "shop",
		Config: model.ChannelConfig{PostCommitDirectives: []string{"payment.capture"}},
	})
	h.pay.SeedIntent(core.PaymentIntent{
		ID:       intentID,
		AmountQ:  1800,
		Currency: "BRL",
		Status:   core.PaymentAuthorized,
	})

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "shop"})
	_, err := h.svc.Modify(ctx, sess.SessionKey, "shop", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(900)},
		ops.SetData{Path: "payment.intent_id", Value: intentID},
	})
	require.NoError(t, err)

	res, err := h.svc.Commit(ctx, sess.SessionKey, "shop", "")
	require.NoError(t, err)
	return res.OrderRef
}

func orderEvents(t *testing.T, h *harness, orderRef string) []*model.OrderEvent {
	t.Helper()
	ord, err := h.store.GetOrderByRef(context.Background(), orderRef)
	require.NoError(t, err)
	events, err := h.store.ListOrderEvents(context.Background(), ord.ID)
	require.NoError(t, err)
	return events
}

func TestPaymentCaptureSettlesIntent(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP01")

	require.NoError(t, handleOne(t, h, "payment.capture"))

	intent, ok := h.pay.Intent("PI-SHOP01")
	require.True(t, ok)
	assert.Equal(t, core.PaymentCaptured, intent.Status)
	assert.Equal(t, orderRef, intent.Reference)
	assert.Equal(t, int64(1800), intent.AmountQ)

	events := orderEvents(t, h, orderRef)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventCreated, events[0].Type)
	assert.Equal(t, model.EventPaymentCaptured, events[1].Type)
	assert.Equal(t, "payment.capture", events[1].Actor)
	assert.Equal(t, "PI-SHOP01", events[1].Payload["intent_id"])
	assert.EqualValues(t, 1800, events[1].Payload["amount_q"])
}

func TestPaymentCaptureAlreadyCapturedIsSilent(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP02")
	_, err := h.pay.Capture(context.Background(), "PI-SHOP02", 0, "elsewhere")
	require.NoError(t, err)

	require.NoError(t, handleOne(t, h, "payment.capture"))

	// The short-circuit records no duplicate event.
	events := orderEvents(t, h, orderRef)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCreated, events[0].Type)

	intent, _ := h.pay.Intent("PI-SHOP02")
	assert.Equal(t, "elsewhere", intent.Reference)
}

func TestPaymentCaptureWithoutIntentFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedChannel(t, h.store, &model.Channel{
		Code:   "shop",
		Config: model.ChannelConfig{PostCommitDirectives: []string{"payment.capture"}},
	})

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "shop"})
	_, err := h.svc.Modify(ctx, sess.SessionKey, "shop", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(900)},
	})
	require.NoError(t, err)
	res, err := h.svc.Commit(ctx, sess.SessionKey, "shop", "")
	require.NoError(t, err)

	err = handleOne(t, h, "payment.capture")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no payment intent for order "+res.OrderRef)
}

func TestPaymentCaptureBackendFailure(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP03")
	boom := errors.New("acquirer timeout")
	h.pay.FailCapture("PI-SHOP03", boom)

	err := handleOne(t, h, "payment.capture")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	intent, _ := h.pay.Intent("PI-SHOP03")
	assert.Equal(t, core.PaymentAuthorized, intent.Status)
	assert.Len(t, orderEvents(t, h, orderRef), 1)
}

func TestPaymentRefundEmitsEvent(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP04")
	require.NoError(t, handleOne(t, h, "payment.capture"))

	enqueue(t, h, "payment.refund", refundPayload{
		OrderRef: orderRef,
		IntentID: "PI-SHOP04",
		Reason:   "customer_request",
	})
	require.NoError(t, handleOne(t, h, "payment.refund"))

	intent, _ := h.pay.Intent("PI-SHOP04")
	assert.Equal(t, core.PaymentRefunded, intent.Status)
	assert.Equal(t, "customer_request", intent.Metadata["refund_reason"])

	events := orderEvents(t, h, orderRef)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventPaymentRefunded, events[2].Type)
	assert.Equal(t, "customer_request", events[2].Payload["reason"])
}

func TestPaymentRefundReplayShortCircuits(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP05")
	require.NoError(t, handleOne(t, h, "payment.capture"))

	enqueue(t, h, "payment.refund", refundPayload{OrderRef: orderRef, IntentID: "PI-SHOP05"})
	require.NoError(t, handleOne(t, h, "payment.refund"))
	enqueue(t, h, "payment.refund", refundPayload{OrderRef: orderRef, IntentID: "PI-SHOP05"})
	require.NoError(t, handleOne(t, h, "payment.refund"))

	// Exactly one refund event despite the redelivery.
	events := orderEvents(t, h, orderRef)
	require.Len(t, events, 3)
}

func TestPaymentRefundUncapturedFails(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP06")

	enqueue(t, h, "payment.refund", refundPayload{OrderRef: orderRef, IntentID: "PI-SHOP06"})
	err := handleOne(t, h, "payment.refund")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot refund intent")
}

func TestPaymentRefundFallsBackToSessionIntent(t *testing.T) {
	h := newHarness(t)
	orderRef := commitWithIntent(t, h, "PI-SHOP07")
	require.NoError(t, handleOne(t, h, "payment.capture"))

	ord, err := h.store.GetOrderByRef(context.Background(), orderRef)
	require.NoError(t, err)
	enqueue(t, h, "payment.refund", refundPayload{
		OrderRef:   orderRef,
		SessionKey: ord.SessionKey,
	})
	require.NoError(t, handleOne(t, h, "payment.refund"))

	intent, _ := h.pay.Intent("PI-SHOP07")
	assert.Equal(t, core.PaymentRefunded, intent.Status)
}
