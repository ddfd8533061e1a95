package accounts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReserve(t *testing.T) {
	var got Reservation
	var auth string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/balances/reserve", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0, zaptest.NewLogger(t))
	res := Reservation{UserID: "alice", Currency: "USD", Amount: decimal.RequireFromString("1000.5")}

	require.NoError(t, c.Reserve(t.Context(), "tok", res))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "USD", got.Currency)
	assert.True(t, got.Amount.Equal(res.Amount))

	for _, code := range []int{http.StatusPaymentRequired, http.StatusConflict} {
		status = code
		assert.ErrorIs(t, c.Reserve(t.Context(), "tok", res), ErrInsufficientFunds)
	}

	status = http.StatusInternalServerError
	err := c.Reserve(t.Context(), "tok", res)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me", r.URL.Path)
		if r.Header.Get("Authorization") == "Bearer legacy" {
			_, _ = w.Write([]byte(`{"id":"bob"}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"alice","email":"alice@example.com"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, zaptest.NewLogger(t))

	id, err := c.Resolve(t.Context(), "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	id, err = c.Resolve(t.Context(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, "bob", id)

	_, err = c.Resolve(t.Context(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Resolve(t.Context(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, 0, zaptest.NewLogger(t))
	assert.ErrorIs(t, c.Reserve(t.Context(), "tok", Reservation{UserID: "a", Currency: "USD", Amount: decimal.NewFromInt(1)}), ErrUpstream)
}
