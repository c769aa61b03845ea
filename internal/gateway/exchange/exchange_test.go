package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arena/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buyBTC(notional int64) types.OrderSpec {
	return types.OrderSpec{Instrument: "BTC", Side: types.SideBuy, Type: types.OrderMarket, Notional: decimal.NewFromInt(notional)}
}

func TestREST_Classification(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantResult types.ExecResult
		wantReject string
		wantErr    bool
	}{
		{name: "accepted", status: 200, body: `{"status":"new","order_id":"o-9"}`, wantResult: types.ExecResult{OrderID: "o-9", Status: types.OutcomeAccepted}},
		{name: "nested id", status: 201, body: `{"data":{"order_id":"o-7"}}`, wantResult: types.ExecResult{OrderID: "o-7", Status: types.OutcomeAccepted}},
		{name: "hard reject", status: 422, body: `{"code":"insufficient_margin","message":"not enough collateral"}`, wantReject: "insufficient_margin"},
		{name: "rejected in body", status: 200, body: `{"status":"rejected","reason":"instrument halted"}`, wantReject: "http_200"},
		{name: "server error", status: 503, body: `upstream down`, wantErr: true},
		{name: "accepted without id", status: 200, body: `{}`, wantErr: true},
		{name: "odd status", status: 200, body: `{"status":"pending_review","id":"o-1"}`, wantResult: types.ExecResult{OrderID: "o-1", Status: types.OutcomeUnknown, Reason: "exchange status pending_review"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/orders", r.URL.Path)
				assert.Equal(t, "k", r.Header.Get("X-API-Key"))
				var p orderPayload
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
				assert.Equal(t, "d-1", p.ClientOrderID)
				assert.Equal(t, "100.00", p.Notional)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ex := NewREST(RESTConfig{BaseURL: srv.URL, APIKey: "k"})
			res, err := ex.PlaceOrder(context.Background(), types.OrderRequest{ClientOrderID: "d-1", AccountRef: "acct", Spec: buyBTC(100)})
			switch {
			case tc.wantReject != "":
				rej, ok := types.AsRejection(err)
				require.True(t, ok, "expected rejection, got %v", err)
				assert.Equal(t, tc.wantReject, rej.Code)
			case tc.wantErr:
				require.Error(t, err)
				_, isRej := types.AsRejection(err)
				assert.False(t, isRej)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.wantResult, res)
			}
		})
	}
}

func TestREST_TimeoutIsNotARejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ex := NewREST(RESTConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := ex.PlaceOrder(context.Background(), types.OrderRequest{Spec: buyBTC(100)})
	require.Error(t, err)
	_, isRej := types.AsRejection(err)
	assert.False(t, isRej)
}

func TestPaper(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10))
	ctx := context.Background()

	res, err := p.PlaceOrder(ctx, types.OrderRequest{ClientOrderID: "d-1", Spec: buyBTC(50)})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAccepted, res.Status)

	again, err := p.PlaceOrder(ctx, types.OrderRequest{ClientOrderID: "d-1", Spec: buyBTC(50)})
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, again.OrderID)
	assert.Len(t, p.Orders(), 1)

	_, err = p.PlaceOrder(ctx, types.OrderRequest{ClientOrderID: "d-2", Spec: buyBTC(5)})
	rej, ok := types.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "below_min_size", rej.Code)
}
