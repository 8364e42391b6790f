package extensions

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniman/internal/engine"
	"omniman/internal/model"
	"omniman/internal/ops"
)

func commitNotified(t *testing.T, h *harness, customerOps ...ops.Op) string {
	t.Helper()
	ctx := context.Background()
	seedChannel(t, h.store, &model.Channel{
		Code:   "ifood",
		Config: model.ChannelConfig{PostCommitDirectives: []string{"notify.order_created"}},
	})

	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "ifood"})
	batch := append([]ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(900)},
	}, customerOps...)
	_, err := h.svc.Modify(ctx, sess.SessionKey, "ifood", batch)
	require.NoError(t, err)

	res, err := h.svc.Commit(ctx, sess.SessionKey, "ifood", "")
	require.NoError(t, err)
	return res.OrderRef
}

func TestOrderCreatedNotifiesCustomerEmail(t *testing.T) {
	h := newHarness(t)
	orderRef := commitNotified(t, h,
		ops.SetData{Path: "customer.email", Value: "ana@example.com"},
		ops.SetData{Path: "customer.phone", Value: "+5511999990000"},
	)

	require.NoError(t, handleOne(t, h, "notify.order_created"))

	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "order.created", sent[0].Event)
	assert.Equal(t, "ana@example.com", sent[0].Recipient)
	assert.Equal(t, orderRef, sent[0].Payload["order_ref"])
	assert.Equal(t, "ifood", sent[0].Payload["channel_code"])
	assert.EqualValues(t, 1800, sent[0].Payload["total_q"])
	assert.Equal(t, "BRL", sent[0].Payload["currency"])
	assert.Equal(t, "new", sent[0].Payload["status"])
}

func TestOrderCreatedFallsBackToPhone(t *testing.T) {
	h := newHarness(t)
	commitNotified(t, h, ops.SetData{Path: "customer.phone", Value: "+5511999990000"})

	require.NoError(t, handleOne(t, h, "notify.order_created"))

	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+5511999990000", sent[0].Recipient)
}

func TestOrderCreatedWithoutCustomerStillSends(t *testing.T) {
	h := newHarness(t)
	commitNotified(t, h)

	require.NoError(t, handleOne(t, h, "notify.order_created"))

	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Recipient)
}

func TestOrderCreatedBackendFailureFailsDirective(t *testing.T) {
	h := newHarness(t)
	commitNotified(t, h)
	boom := errors.New("smtp down")
	h.notify.SetError(boom)

	err := handleOne(t, h, "notify.order_created")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestOrderCreatedUnknownOrderFails(t *testing.T) {
	h := newHarness(t)
	seedChannel(t, h.store, &model.Channel{Code: "ifood"})

	enqueue(t, h, "notify.order_created", model.PostCommitDirectivePayload{
		OrderRef:    "ORD-NOPE",
		ChannelCode: "ifood",
	})
	err := handleOne(t, h, "notify.order_created")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load order ORD-NOPE")
}
