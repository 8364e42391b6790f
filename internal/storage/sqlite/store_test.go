package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniman/internal/model"
	"omniman/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "omniman-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestChannel(t *testing.T, store *Store, code string) *model.Channel {
	t.Helper()
	now := time.Now().UTC()
	ch := &model.Channel{
		Code:          code,
		Name:          code,
		IsActive:      true,
		PricingPolicy: model.PricingExternal,
		EditPolicy:    model.EditOpen,
		Config: model.ChannelConfig{
			RequiredChecksOnCommit: []string{"stock"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertChannel(context.Background(), ch)
	}))
	return ch
}

func TestOpenReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omniman.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening must not re-run applied migrations.
	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
}

func TestChannelRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ch := insertTestChannel(t, store, "shop")
	require.NotZero(t, ch.ID)

	got, err := store.GetChannelByCode(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)
	assert.Equal(t, model.PricingExternal, got.PricingPolicy)
	assert.Equal(t, []string{"stock"}, got.Config.RequiredChecksOnCommit)

	_, err = store.GetChannelByCode(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Duplicate code maps to ErrConflict.
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		dup := *ch
		dup.ID = 0
		return tx.InsertChannel(ctx, &dup)
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ch := insertTestChannel(t, store, "pos")

	now := time.Now().UTC()
	sess := &model.Session{
		SessionKey:    "SESS-TEST12345",
		ChannelID:     ch.ID,
		HandleType:    "table",
		HandleRef:     "12",
		State:         model.SessionOpen,
		PricingPolicy: model.PricingExternal,
		EditPolicy:    model.EditOpen,
		Items: []model.Item{{
			LineID: "L-AAAA",
			SKU:    "COFFEE",
			Qty:    decimal.NewFromInt(2),
		}},
		Data:      model.NewSessionData(),
		OpenedAt:  now,
		UpdatedAt: now,
	}
	sess.Data.SetPath([]string{"notes"}, "no sugar")

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSession(ctx, sess)
	}))
	require.NotZero(t, sess.ID)

	got, err := store.GetSessionByKey(ctx, "SESS-TEST12345")
	require.NoError(t, err)
	assert.Equal(t, "pos", got.ChannelCode)
	assert.Equal(t, model.SessionOpen, got.State)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "COFFEE", got.Items[0].SKU)
	assert.True(t, got.Items[0].Qty.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "no sugar", got.Data.GetPath([]string{"notes"}))
	assert.Nil(t, got.CommittedAt)

	// Second open session for the same handle violates the partial unique
	// index.
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		dup := *sess
		dup.ID = 0
		dup.SessionKey = "SESS-TEST67890"
		return tx.InsertSession(ctx, &dup)
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// A committed session frees the handle for a new open one.
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.SessionForUpdate(ctx, sess.SessionKey)
		if err != nil {
			return err
		}
		committedAt := time.Now().UTC()
		locked.State = model.SessionCommitted
		locked.CommittedAt = &committedAt
		locked.CommitToken = "IDEM-X"
		locked.UpdatedAt = committedAt
		return tx.UpdateSession(ctx, locked)
	}))
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		fresh := *sess
		fresh.ID = 0
		fresh.SessionKey = "SESS-TEST67890"
		fresh.CommittedAt = nil
		fresh.CommitToken = ""
		fresh.State = model.SessionOpen
		return tx.InsertSession(ctx, &fresh)
	}))

	got, err = store.GetSessionByKey(ctx, sess.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCommitted, got.State)
	require.NotNil(t, got.CommittedAt)
	assert.Equal(t, "IDEM-X", got.CommitToken)
}

func TestOpenSessionByHandle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ch := insertTestChannel(t, store, "pos")

	now := time.Now().UTC()
	sess := &model.Session{
		SessionKey:    "SESS-HANDLE0001",
		ChannelID:     ch.ID,
		HandleType:    "table",
		HandleRef:     "7",
		State:         model.SessionOpen,
		PricingPolicy: model.PricingExternal,
		EditPolicy:    model.EditOpen,
		Data:          model.NewSessionData(),
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSession(ctx, sess)
	}))

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		got, err := tx.OpenSessionByHandle(ctx, ch.ID, "table", "7")
		require.NoError(t, err)
		assert.Equal(t, sess.SessionKey, got.SessionKey)

		_, err = tx.OpenSessionByHandle(ctx, ch.ID, "table", "8")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestOrderInsertAndConstraints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ch := insertTestChannel(t, store, "shop")

	now := time.Now().UTC()
	order := &model.Order{
		Ref:        "ORD-20260825-ABCDEFGH",
		ChannelID:  ch.ID,
		SessionKey: "SESS-ORDER00001",
		Status:     model.StatusNew,
		Currency:   "BRL",
		TotalQ:     1000,
		Snapshot:   model.Snapshot{Rev: 1, Pricing: model.Pricing{TotalQ: 1000, ItemsCount: 1}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items := []*model.OrderItem{{
		LineID:     "L-AAAA",
		SKU:        "COFFEE",
		Qty:        decimal.NewFromInt(2),
		LineTotalQ: 1000,
	}}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertOrderItems(ctx, order.ID, items); err != nil {
			return err
		}
		return tx.InsertOrderEvent(ctx, &model.OrderEvent{
			OrderID:   order.ID,
			Type:      model.EventCreated,
			Actor:     "system",
			Payload:   map[string]interface{}{"from_session": order.SessionKey},
			CreatedAt: now,
		})
	}))

	got, err := store.GetOrderByRef(ctx, order.Ref)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.ChannelCode)
	assert.Equal(t, int64(1000), got.TotalQ)
	assert.Equal(t, int64(1), got.Snapshot.Rev)

	gotItems, err := store.ListOrderItems(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, gotItems, 1)
	assert.Equal(t, int64(1000), gotItems[0].LineTotalQ)

	events, err := store.ListOrderEvents(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCreated, events[0].Type)
	assert.Equal(t, order.SessionKey, events[0].Payload["from_session"])

	// Duplicate (order, line_id) is refused.
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertOrderItems(ctx, order.ID, []*model.OrderItem{{
			LineID: "L-AAAA", SKU: "TEA", Qty: decimal.NewFromInt(1), LineTotalQ: 100,
		}})
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Zero qty violates the check constraint.
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertOrderItems(ctx, order.ID, []*model.OrderItem{{
			LineID: "L-BBBB", SKU: "TEA", Qty: decimal.Zero, LineTotalQ: 0,
		}})
	})
	assert.Error(t, err)
}

func TestClaimDirectives(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueue := func(topic string, availableAt time.Time) *model.Directive {
		d := &model.Directive{
			Topic:       topic,
			Status:      model.DirectiveQueued,
			Payload:     json.RawMessage(`{"k":"v"}`),
			AvailableAt: availableAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.EnqueueDirective(ctx, d)
		}))
		return d
	}

	first := enqueue("stock.hold", now.Add(-2*time.Minute))
	second := enqueue("stock.hold", now.Add(-1*time.Minute))
	enqueue("payment.capture", now.Add(-1*time.Minute))
	future := enqueue("stock.hold", now.Add(time.Hour))

	var claimed []*model.Directive
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = tx.ClaimDirectives(ctx, []string{"stock.hold"}, 10, now)
		return err
	}))
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
	for _, d := range claimed {
		assert.Equal(t, model.DirectiveRunning, d.Status)
		assert.Equal(t, 1, d.Attempts)
	}

	// Claimed rows are no longer visible to a second poll; the future row
	// stays queued.
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		again, err := tx.ClaimDirectives(ctx, []string{"stock.hold"}, 10, now)
		require.NoError(t, err)
		assert.Empty(t, again)
		return nil
	}))

	depth, err := store.CountQueuedDirectives(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth["stock.hold"])
	assert.Equal(t, int64(1), depth["payment.capture"])
	_ = future
}

func TestIdempotencyKeySweep(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(key string, status model.IdempotencyStatus, expiresAt, updatedAt time.Time) {
		k := &model.IdempotencyKey{
			Scope:     "commit:SESS-X",
			Key:       key,
			Status:    status,
			ExpiresAt: expiresAt,
			CreatedAt: updatedAt,
			UpdatedAt: updatedAt,
		}
		if status == model.IdemDone {
			k.ResponseCode = 201
			k.ResponseBody = json.RawMessage(`{"ok":true}`)
		}
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.InsertIdempotencyKey(ctx, k)
		}))
	}

	put("IDEM-EXPIRED", model.IdemInProgress, now.Add(-time.Hour), now.Add(-2*time.Hour))
	put("IDEM-OLD-DONE", model.IdemDone, now.Add(23*time.Hour), now.Add(-40*24*time.Hour))
	put("IDEM-FRESH", model.IdemDone, now.Add(23*time.Hour), now)
	put("IDEM-RUNNING", model.IdemInProgress, now.Add(23*time.Hour), now)

	n, err := store.SweepIdempotencyKeys(ctx, storage.SweepOptions{
		Now:       now,
		OlderThan: 30 * 24 * time.Hour,
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.SweepIdempotencyKeys(ctx, storage.SweepOptions{
		Now:       now,
		OlderThan: 30 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The fresh rows survive.
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.IdempotencyKeyForUpdate(ctx, "commit:SESS-X", "IDEM-FRESH")
		require.NoError(t, err)
		_, err = tx.IdempotencyKeyForUpdate(ctx, "commit:SESS-X", "IDEM-RUNNING")
		require.NoError(t, err)
		_, err = tx.IdempotencyKeyForUpdate(ctx, "commit:SESS-X", "IDEM-EXPIRED")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestRefsAndSequences(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scope := map[string]string{"location": "centro"}
	hash := storage.ScopeHash(scope)

	ref := &model.Ref{
		RefType:    "table",
		TargetKind: model.TargetSession,
		TargetID:   42,
		Value:      "12",
		Scope:      scope,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertRef(ctx, ref)
	}))

	got, err := store.GetActiveRef(ctx, "table", "12", hash)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.TargetID)
	assert.Equal(t, "centro", got.Scope["location"])

	// Different scope hash does not match.
	_, err = store.GetActiveRef(ctx, "table", "12", storage.ScopeHash(nil))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deactivation hides the row from active lookups.
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.ActiveRefForUpdate(ctx, "table", "12", hash)
		if err != nil {
			return err
		}
		locked.IsActive = false
		locked.UpdatedAt = time.Now().UTC()
		return tx.UpdateRef(ctx, locked)
	}))
	_, err = store.GetActiveRef(ctx, "table", "12", hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	refs, err := store.ListRefsForTarget(ctx, model.TargetSession, 42, false)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.False(t, refs[0].IsActive)

	// Sequences count up per (name, scope).
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		for want := int64(1); want <= 3; want++ {
			v, err := tx.NextSequenceValue(ctx, "ticket", hash)
			require.NoError(t, err)
			assert.Equal(t, want, v)
		}
		v, err := tx.NextSequenceValue(ctx, "ticket", storage.ScopeHash(nil))
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
		return nil
	}))
}
