package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBalance(t *testing.T) {
	cases := map[string]struct {
		body         string
		equity, free string
	}{
		"explicit":      {`{"equity":"2000.5","free_margin":"1200"}`, "2000.5", "1200"},
		"wrapped":       {`{"data":{"balance":1500,"available":900}}`, "1500", "900"},
		"used fallback": {`{"total":1000,"used":400}`, "1000", "600"},
		"negative free": {`{"equity":100,"free_margin":-5}`, "100", "0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := ParseBalance([]byte(tc.body))
			require.NoError(t, err)
			assert.True(t, b.Equity.Equal(decimal.RequireFromString(tc.equity)), b.Equity.String())
			assert.True(t, b.FreeMargin.Equal(decimal.RequireFromString(tc.free)), b.FreeMargin.String())
		})
	}

	_, err := ParseBalance([]byte(`{"foo":1}`))
	assert.Error(t, err)
	_, err = ParseBalance([]byte(`not json`))
	assert.Error(t, err)
}

func TestREST_GetBalance(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-alpha/balance", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"equity":"500","free_margin":"250"}`))
	}))
	defer srv.Close()

	c := NewREST(Config{BaseURL: srv.URL + "/", APIKey: "k"})
	c.client.SetRetryWaitTime(1).SetRetryMaxWaitTime(1)
	b, err := c.GetEquityAndFreeMargin(context.Background(), "acct-alpha")
	require.NoError(t, err)
	assert.True(t, b.FreeMargin.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, int32(2), hits.Load())

	_, err = c.GetEquityAndFreeMargin(context.Background(), " ")
	assert.Error(t, err)
}
