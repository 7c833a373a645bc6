package agmarknet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "secret", q.Get("api-key"))
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "commodity:Onion|market:Lasalgaon", q.Get("filters"))
		assert.Equal(t, "1", q.Get("limit"))
		assert.Equal(t, "arrival_date desc", q.Get("sort"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total":1,"records":[{"market":"Lasalgaon","commodity":"Onion","arrival_date":"18/10/2026","min_price":"1500","max_price":2100,"modal_price":"1850"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", srv.Client())
	got, err := c.LatestPrice(context.Background(), "Onion", "Lasalgaon")
	require.NoError(t, err)
	assert.Equal(t, "Onion price in Lasalgaon on 18/10/2026: ₹1850 per quintal.", got)

	rec, err := c.Latest(context.Background(), "Onion", "Lasalgaon")
	require.NoError(t, err)
	assert.Equal(t, Price("2100"), rec.MaxPrice)
}

func TestLatestPriceNoRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":0,"records":[]}`))
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, "k", srv.Client()).LatestPrice(context.Background(), "Tomato", "Guntur")
	require.NoError(t, err)
	assert.Equal(t, "No data available for Tomato price in Guntur today.", got)
}

func TestLatestPriceErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid api key", http.StatusForbidden)
		}},
		{"body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, "k", srv.Client()).LatestPrice(context.Background(), "Onion", "Pune")
			assert.Error(t, err)
		})
	}
}
