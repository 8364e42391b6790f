package extensions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniman/internal/engine"
	"omniman/internal/model"
	"omniman/internal/ops"
	"omniman/pkg/oerr"
)

// forgeIssue writes a stock issue with a hand-built action onto the session
// through the regular check write-back.
func forgeIssue(t *testing.T, h *harness, sess *model.Session, action model.Action) model.Issue {
	t.Helper()
	issue := model.Issue{
		ID:       "ISS-FORGED01",
		Source:   "stock",
		Code:     "stock.insufficient",
		Message:  "insufficient stock",
		Blocking: true,
		Context:  model.IssueContext{Actions: []model.Action{action}},
	}
	applied, err := h.svc.ApplyCheckResult(context.Background(), sess.SessionKey, sess.ChannelCode,
		sess.Rev, "stock", map[string]interface{}{}, []model.Issue{issue})
	require.NoError(t, err)
	require.True(t, applied)
	return issue
}

func openWithLine(t *testing.T, h *harness) *model.Session {
	t.Helper()
	seedChannel(t, h.store, &model.Channel{Code: "pos"})
	sess := mustCreate(t, h, engine.CreateSessionParams{ChannelCode: "pos"})
	sess, err := h.svc.Modify(context.Background(), sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(900)},
	})
	require.NoError(t, err)
	return sess
}

func TestResolveRemoveLineAction(t *testing.T) {
	h := newHarness(t)
	sess := openWithLine(t, h)
	issue := forgeIssue(t, h, sess, model.Action{
		ID:    "ACT-REMOVE01",
		Label: "Remove line",
		Rev:   sess.Rev,
		Ops:   []json.RawMessage{ops.MustEncode(ops.RemoveLine{LineID: sess.Items[0].LineID})},
	})

	resolved, err := h.svc.Resolve(context.Background(), sess.SessionKey, "pos", issue.ID, "ACT-REMOVE01")
	require.NoError(t, err)
	assert.Empty(t, resolved.Items)
	assert.Equal(t, sess.Rev+1, resolved.Rev)
	assert.Empty(t, resolved.Data.Issues)
}

func TestResolveUnknownAction(t *testing.T) {
	h := newHarness(t)
	sess := openWithLine(t, h)
	issue := forgeIssue(t, h, sess, model.Action{
		ID:  "ACT-REAL0001",
		Rev: sess.Rev,
		Ops: []json.RawMessage{ops.MustEncode(ops.RemoveLine{LineID: sess.Items[0].LineID})},
	})

	_, err := h.svc.Resolve(context.Background(), sess.SessionKey, "pos", issue.ID, "ACT-NOPE0001")
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeActionNotFound))
	assert.Equal(t, oerr.KindResolve, oerr.KindOf(err))
}

func TestResolveStaleAction(t *testing.T) {
	h := newHarness(t)
	sess := openWithLine(t, h)
	issue := forgeIssue(t, h, sess, model.Action{
		ID:  "ACT-STALE001",
		Rev: sess.Rev - 1,
		Ops: []json.RawMessage{ops.MustEncode(ops.RemoveLine{LineID: sess.Items[0].LineID})},
	})

	_, err := h.svc.Resolve(context.Background(), sess.SessionKey, "pos", issue.ID, "ACT-STALE001")
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeStaleAction))
}

func TestResolveActionWithoutOps(t *testing.T) {
	h := newHarness(t)
	sess := openWithLine(t, h)
	issue := forgeIssue(t, h, sess, model.Action{ID: "ACT-EMPTY001", Rev: sess.Rev})

	_, err := h.svc.Resolve(context.Background(), sess.SessionKey, "pos", issue.ID, "ACT-EMPTY001")
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeNoOps))
}

func TestResolveUndecodableOpsRekind(t *testing.T) {
	h := newHarness(t)
	sess := openWithLine(t, h)
	issue := forgeIssue(t, h, sess, model.Action{
		ID:  "ACT-BADOP001",
		Rev: sess.Rev,
		Ops: []json.RawMessage{json.RawMessage(`{"op":"warp_line"}`)},
	})

	_, err := h.svc.Resolve(context.Background(), sess.SessionKey, "pos", issue.ID, "ACT-BADOP001")
	require.Error(t, err)
	assert.Equal(t, oerr.KindResolve, oerr.KindOf(err))
	assert.True(t, oerr.IsCode(err, oerr.CodeUnsupportedOp))
}

func TestResolveApplyFailureRekind(t *testing.T) {
	h := newHarness(t)
	sess := openWithLine(t, h)
	issue := forgeIssue(t, h, sess, model.Action{
		ID:  "ACT-GHOST001",
		Rev: sess.Rev,
		Ops: []json.RawMessage{ops.MustEncode(ops.RemoveLine{LineID: "LINE-GHOST99"})},
	})

	_, err := h.svc.Resolve(context.Background(), sess.SessionKey, "pos", issue.ID, "ACT-GHOST001")
	require.Error(t, err)
	assert.Equal(t, oerr.KindResolve, oerr.KindOf(err))
	assert.True(t, oerr.IsCode(err, oerr.CodeUnknownLineID))

	// The failed resolve rolled back; the session is untouched.
	got := reload(t, h, sess.SessionKey)
	assert.Equal(t, sess.Rev, got.Rev)
	assert.Len(t, got.Items, 1)
}
