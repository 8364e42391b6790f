package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniman/internal/model"
	"omniman/internal/money"
	"omniman/internal/ops"
	"omniman/internal/registry"
	"omniman/internal/storage"
	"omniman/internal/storage/sqlite"
	"omniman/pkg/oerr"
)

func forceState(t *testing.T, st *sqlite.Store, key string, state model.SessionState) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.SessionForUpdate(ctx, key)
		if err != nil {
			return err
		}
		s.State = state
		return tx.UpdateSession(ctx, s)
	}))
}

func TestModifyAddLine(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(500)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Rev)
	require.Len(t, out.Items, 1)
	assert.Regexp(t, `^L-[A-HJ-NP-Z2-9]{8}$`, out.Items[0].LineID)
	assert.Equal(t, "COFFEE", out.Items[0].SKU)
	assert.True(t, out.Items[0].Qty.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, out.Items[0].UnitPriceQ)
	assert.Equal(t, int64(500), *out.Items[0].UnitPriceQ)

	// Each successful modify advances rev by exactly one.
	out, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "CAKE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(1200)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Rev)
	assert.Len(t, out.Items, 2)
}

func TestModifyExternalPricingRequiresUnitPrice(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	// The second op fails, so the first must not stick either.
	_, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
		ops.AddLine{SKU: "CAKE", Qty: decimal.NewFromInt(1)},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeMissingUnitPrice))

	got, err := svc.GetSession(ctx, sess.SessionKey, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Rev)
	assert.Empty(t, got.Items)
}

func TestModifyInternalPricingAcceptsUnpricedLines(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "shop", PricingPolicy: model.PricingInternal})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "shop"})

	out, err := svc.Modify(context.Background(), sess.SessionKey, "shop", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Nil(t, out.Items[0].UnitPriceQ)
}

func TestModifyRemoveLine(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(500)},
	})
	require.NoError(t, err)

	out, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.RemoveLine{LineID: out.Items[0].LineID},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Items)

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.RemoveLine{LineID: "L-MISSING1"},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeUnknownLineID))
}

func TestModifySetQty(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(500)},
	})
	require.NoError(t, err)
	lineID := out.Items[0].LineID

	out, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.SetQty{LineID: lineID, Qty: decimal.RequireFromString("2.5")},
	})
	require.NoError(t, err)
	assert.True(t, out.Items[0].Qty.Equal(decimal.RequireFromString("2.5")))

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.SetQty{LineID: lineID, Qty: decimal.Zero},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidQty))

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.SetQty{LineID: lineID, Qty: decimal.RequireFromString("1.2345")},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidQty))
}

func TestModifyReplaceSKU(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
	})
	require.NoError(t, err)
	lineID := out.Items[0].LineID

	out, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.ReplaceSKU{LineID: lineID, SKU: "DECAF", UnitPriceQ: priceQ(550)},
	})
	require.NoError(t, err)
	assert.Equal(t, "DECAF", out.Items[0].SKU)
	assert.Equal(t, int64(550), *out.Items[0].UnitPriceQ)

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.ReplaceSKU{LineID: lineID, SKU: "TEA"},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeMissingUnitPrice))
}

func TestModifyMergeLines(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(500)},
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(3), UnitPriceQ: priceQ(500)},
		ops.AddLine{SKU: "CAKE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(1200)},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 3)
	from, into, cake := out.Items[0], out.Items[1], out.Items[2]

	out, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.MergeLines{FromLineID: from.LineID, IntoLineID: into.LineID},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	assert.Equal(t, into.LineID, out.Items[0].LineID)
	assert.True(t, out.Items[0].Qty.Equal(decimal.NewFromInt(5)))

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.MergeLines{FromLineID: cake.LineID, IntoLineID: cake.LineID},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidMerge))

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.MergeLines{FromLineID: cake.LineID, IntoLineID: into.LineID},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeSKUMismatch))
}

func TestModifySetData(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{
		Code:   "pos",
		Config: model.ChannelConfig{DataWhitelist: []string{"table_service"}},
	})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.SetData{Path: "customer.name", Value: "Ana"},
		ops.SetData{Path: "table_service.waiter", Value: "Jo"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana", out.Data.GetPath([]string{"customer", "name"}))
	assert.Equal(t, "Jo", out.Data.GetPath([]string{"table_service", "waiter"}))

	for _, path := range []string{"checks.stock", "rev", "__secret.x", "unlisted.key"} {
		_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
			ops.SetData{Path: path, Value: true},
		})
		require.Error(t, err, "path %s must be rejected", path)
		assert.True(t, oerr.IsCode(err, oerr.CodeInvalidDataPath), "path %s", path)
	}

	_, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.SetData{Path: "customer.a.b.c.d.e", Value: 1},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidDataPath))
}

func TestModifyClearsChecksAndIssues(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
	})
	require.NoError(t, err)

	applied, err := svc.ApplyCheckResult(ctx, sess.SessionKey, "pos", out.Rev, "stock",
		map[string]interface{}{"ok": true},
		[]model.Issue{{ID: "ISS-1", Source: "stock", Code: "stock.insufficient", Blocking: true}})
	require.NoError(t, err)
	require.True(t, applied)

	out, err = svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "CAKE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(1200)},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Data.Checks)
	assert.Empty(t, out.Data.Issues)
}

func TestModifyEnqueuesCheckDirectives(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{
		Code: "shop",
		Config: model.ChannelConfig{
			RequiredChecksOnCommit: []string{"stock", "fraud"},
			CheckTopics:            map[string]string{"fraud": "fraud.scan"},
		},
	})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "shop"})
	ctx := context.Background()

	out, err := svc.Modify(ctx, sess.SessionKey, "shop", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(2), UnitPriceQ: priceQ(500)},
	})
	require.NoError(t, err)

	stock, err := st.ListDirectives(ctx, storage.DirectiveFilter{Topic: "stock.hold"})
	require.NoError(t, err)
	require.Len(t, stock, 1)
	assert.Equal(t, model.DirectiveQueued, stock[0].Status)

	var payload model.CheckDirectivePayload
	require.NoError(t, json.Unmarshal(stock[0].Payload, &payload))
	assert.Equal(t, sess.SessionKey, payload.SessionKey)
	assert.Equal(t, "shop", payload.ChannelCode)
	assert.Equal(t, out.Rev, payload.Rev)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "COFFEE", payload.Items[0].SKU)

	fraud, err := st.ListDirectives(ctx, storage.DirectiveFilter{Topic: "fraud.scan"})
	require.NoError(t, err)
	assert.Len(t, fraud, 1)
}

func TestModifyLockedChannel(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "ifood", Name: "iFood", EditPolicy: model.EditLocked})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "ifood"})

	_, err := svc.Modify(context.Background(), sess.SessionKey, "ifood", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeLocked))
	assert.Contains(t, err.Error(), "iFood")
}

func TestModifyStateGates(t *testing.T) {
	svc, st := newTestService(t, nil)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	ctx := context.Background()

	committed := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	forceState(t, st, committed.SessionKey, model.SessionCommitted)
	_, err := svc.Modify(ctx, committed.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeAlreadyCommitted))

	abandoned := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	forceState(t, st, abandoned.SessionKey, model.SessionAbandoned)
	_, err = svc.Modify(ctx, abandoned.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
	})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeAlreadyAbandoned))
}

type totalsModifier struct{}

func (totalsModifier) Code() string { return "line-totals" }
func (totalsModifier) Order() int   { return 20 }
func (totalsModifier) Apply(_ context.Context, _ *model.Channel, s *model.Session) error {
	var total int64
	for i := range s.Items {
		if s.Items[i].UnitPriceQ != nil {
			lt := money.MulQty(s.Items[i].Qty, *s.Items[i].UnitPriceQ)
			s.Items[i].LineTotalQ = &lt
			total += lt
		}
	}
	s.Pricing = model.Pricing{TotalQ: total, ItemsCount: len(s.Items)}
	return nil
}

type rejectingValidator struct{ err error }

func (rejectingValidator) Code() string          { return "always-rejects" }
func (rejectingValidator) Stage() registry.Stage { return registry.StageDraft }
func (v rejectingValidator) Validate(context.Context, *model.Channel, *model.Session) error {
	return v.err
}

func TestModifyRunsModifiers(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterModifier(totalsModifier{}))
	svc, st := newTestService(t, reg)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})

	out, err := svc.Modify(context.Background(), sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.RequireFromString("2.5"), UnitPriceQ: priceQ(333)},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Items[0].LineTotalQ)
	// 2.5 * 333 = 832.5, banker's rounding gives 832.
	assert.Equal(t, int64(832), *out.Items[0].LineTotalQ)
	assert.Equal(t, int64(832), out.Pricing.TotalQ)
	assert.Equal(t, 1, out.Pricing.ItemsCount)
}

func TestModifyDraftValidatorAborts(t *testing.T) {
	reg := registry.New()
	veto := oerr.Validation(oerr.CodeInvalidQty, "no sessions today")
	require.NoError(t, reg.RegisterValidator(rejectingValidator{err: veto}))
	svc, st := newTestService(t, reg)
	seedChannel(t, st, &model.Channel{Code: "pos"})
	sess := mustCreate(t, svc, CreateSessionParams{ChannelCode: "pos"})
	ctx := context.Background()

	_, err := svc.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "COFFEE", Qty: decimal.NewFromInt(1), UnitPriceQ: priceQ(500)},
	})
	require.Error(t, err)

	got, err := svc.GetSession(ctx, sess.SessionKey, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Rev)
	assert.Empty(t, got.Items)
}
