package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_TransactionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transactions/flat":
			w.Write([]byte(`{"status":"SUCCESSFUL","message":"ok"}`))
		case "/transactions/nested":
			w.Write([]byte(`{"data":{"status":"failed","message":"insufficient funds"}}`))
		case "/transactions/nostatus":
			w.Write([]byte(`{"message":"queued"}`))
		case "/transactions/empty":
		case "/transactions/garbage":
			w.Write([]byte(`<html>`))
		case "/transactions/boom":
			http.Error(w, "upstream", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok", time.Second)
	ctx := context.Background()

	st, err := c.TransactionStatus(ctx, "flat")
	require.NoError(t, err)
	assert.Equal(t, &Status{Status: "SUCCESSFUL", Message: "ok"}, st)

	st, err = c.TransactionStatus(ctx, "nested")
	require.NoError(t, err)
	assert.Equal(t, &Status{Status: "failed", Message: "insufficient funds"}, st)

	st, err = c.TransactionStatus(ctx, "nostatus")
	require.NoError(t, err)
	assert.Nil(t, st, "missing status key means no update")

	st, err = c.TransactionStatus(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = c.TransactionStatus(ctx, "garbage")
	assert.ErrorContains(t, err, "malformed")

	_, err = c.TransactionStatus(ctx, "boom")
	assert.ErrorContains(t, err, "HTTP 502")

	_, err = c.TransactionStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type flaky struct {
	calls int
	err   error
}

func (f *flaky) TransactionStatus(context.Context, string) (*Status, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Status{Status: "pending"}, nil
}

func TestBreaker_OpensOnOutage(t *testing.T) {
	f := &flaky{err: errors.New("timeout")}
	b := NewBreaker(f, 2, time.Hour)
	ctx := context.Background()

	_, _ = b.TransactionStatus(ctx, "a")
	_, _ = b.TransactionStatus(ctx, "b")
	_, err := b.TransactionStatus(ctx, "c")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, f.calls)
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	f := &flaky{err: ErrNotFound}
	b := NewBreaker(f, 1, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.TransactionStatus(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 3, f.calls)

	f.err = nil
	st, err := b.TransactionStatus(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "pending", st.Status)
}
