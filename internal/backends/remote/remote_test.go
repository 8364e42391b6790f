package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	omnihttp "omniman/pkg/http"
)

func newGateway(t *testing.T, handler http.Handler) *omnihttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return omnihttp.NewClient(srv.URL, 5*time.Second, nil)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestStockBackendWireFormat(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /availability", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "COFFEE", req["sku"])
		writeJSON(t, w, map[string]interface{}{
			"sku":           "COFFEE",
			"available_qty": 4,
			"available":     false,
		})
	})
	mux.HandleFunc("POST /holds", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SESS-1", req["reference"])
		writeJSON(t, w, map[string]interface{}{
			"id":         "HOLD-42",
			"sku":        "COFFEE",
			"qty":        3,
			"reference":  "SESS-1",
			"expires_at": time.Now().Add(15 * time.Minute).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("DELETE /holds/HOLD-42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{})
	})
	mux.HandleFunc("POST /holds/HOLD-42/fulfill", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ORD-1", req["reference"])
		writeJSON(t, w, map[string]interface{}{})
	})
	mux.HandleFunc("GET /alternatives", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "COFFEE", r.URL.Query().Get("sku"))
		writeJSON(t, w, map[string]interface{}{"alternatives": []string{"DECAF"}})
	})
	mux.HandleFunc("POST /holds/release", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{"released": 2})
	})

	b := NewStockBackend(newGateway(t, mux))

	av, err := b.CheckAvailability(ctx, "COFFEE", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.False(t, av.Available)
	assert.True(t, av.AvailableQty.Equal(decimal.NewFromInt(4)))
	assert.True(t, av.Requested.Equal(decimal.NewFromInt(5)))

	hold, err := b.CreateHold(ctx, "COFFEE", decimal.NewFromInt(3), time.Now().Add(15*time.Minute), "SESS-1")
	require.NoError(t, err)
	assert.Equal(t, "HOLD-42", hold.ID)
	assert.True(t, hold.Qty.Equal(decimal.NewFromInt(3)))

	require.NoError(t, b.ReleaseHold(ctx, "HOLD-42"))
	require.NoError(t, b.FulfillHold(ctx, "HOLD-42", "ORD-1"))

	alts, err := b.GetAlternatives(ctx, "COFFEE")
	require.NoError(t, err)
	assert.Equal(t, []string{"DECAF"}, alts)

	n, err := b.ReleaseHoldsForReference(ctx, "SESS-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPaymentBackendWireFormat(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /intents", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(1000), req["amount_q"])
		writeJSON(t, w, map[string]interface{}{
			"id": "PI-7", "amount_q": 1000, "currency": "BRL",
			"status": "created", "reference": "SESS-1",
		})
	})
	mux.HandleFunc("POST /intents/PI-7/capture", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ORD-1", req["reference"])
		writeJSON(t, w, map[string]interface{}{
			"id": "PI-7", "amount_q": 1000, "currency": "BRL",
			"status": "captured", "reference": "ORD-1",
		})
	})
	mux.HandleFunc("GET /intents/PI-7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{
			"id": "PI-7", "status": "captured",
		})
	})
	mux.HandleFunc("POST /intents/PI-7/cancel", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"already captured"}`, http.StatusConflict)
	})

	b := NewPaymentBackend(newGateway(t, mux))

	in, err := b.CreateIntent(ctx, 1000, "BRL", "SESS-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "PI-7", in.ID)
	assert.Equal(t, "created", in.Status)

	in, err = b.Capture(ctx, "PI-7", 0, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "captured", in.Status)

	status, err := b.GetStatus(ctx, "PI-7")
	require.NoError(t, err)
	assert.Equal(t, "captured", status)

	err = b.Cancel(ctx, "PI-7")
	assert.ErrorContains(t, err, "status=409")
}

func TestPricingBackendNotPriced(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /prices", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("sku") {
		case "COFFEE":
			assert.Equal(t, "pos", r.URL.Query().Get("channel"))
			writeJSON(t, w, map[string]interface{}{"price_q": 950})
		case "UNLISTED":
			http.NotFound(w, r)
		default:
			writeJSON(t, w, map[string]interface{}{"price_q": nil})
		}
	})

	b := NewPricingBackend(newGateway(t, mux))

	p, err := b.GetPrice(ctx, "COFFEE", "pos")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(950), *p)

	p, err = b.GetPrice(ctx, "UNLISTED", "pos")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = b.GetPrice(ctx, "NULLED", "pos")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNotificationBackendWireFormat(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notifications", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "order.created", req["event"])
		writeJSON(t, w, map[string]interface{}{"success": true, "message_id": "MSG-1"})
	})

	b := NewNotificationBackend(newGateway(t, mux))

	res, err := b.Send(ctx, "order.created", "customer@example.com", map[string]interface{}{"order_ref": "ORD-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "MSG-1", res.MessageID)
}

func TestRequestsCarryConfiguredToken(t *testing.T) {
	ctx := context.Background()
	var gotToken string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /prices", func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-API-Key")
		writeJSON(t, w, map[string]interface{}{"price_q": 100})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := omnihttp.NewClient(srv.URL, 5*time.Second, &omnihttp.StaticTokenSigner{
		Header: "X-API-Key",
		Value:  "secret-token",
	})
	b := NewPricingBackend(client)

	_, err := b.GetPrice(ctx, "COFFEE", "pos")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", gotToken)
}
