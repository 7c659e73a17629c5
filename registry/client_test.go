package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	var gets atomic.Int32
	srv := NewServer(openStore(t, ""), nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get" {
			gets.Add(1)
		}
		srv.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	_, err = c.Get(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Resolve(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound, "misses are not cached")
	require.Equal(t, int32(2), gets.Load())

	k1, k2 := newKey(t), newKey(t)
	require.NoError(t, c.Set(ctx, "alice", k1))
	got, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, k1, got)

	// A second client sees the overwrite, the first keeps its cached key
	// until Get refreshes it.
	other, err := NewClient(ts.URL, WithCache(0, 0))
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, "alice", k2))

	gets.Store(0)
	got, err = c.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, k1, got)
	require.Zero(t, gets.Load())

	got, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, k2, got)
	got, err = other.Resolve(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, k2, got)

	require.ErrorIs(t, c.Set(ctx, "", k1), ErrInvalidName)
}

func TestClientCacheExpires(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(NewServer(openStore(t, ""), nil))
	defer ts.Close()

	// Without a scheme, http is assumed.
	c, err := NewClient(ts.Listener.Addr().String(), WithCache(8, 20*time.Millisecond))
	require.NoError(t, err)
	k1, k2 := newKey(t), newKey(t)
	require.NoError(t, c.Set(ctx, "alice", k1))

	other, err := NewClient(ts.URL)
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, "alice", k2))

	require.Eventually(t, func() bool {
		got, err := c.Resolve(ctx, "alice")
		return err == nil && got == k2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientServerFault(t *testing.T) {
	ts := httptest.NewServer(NewServer(failingBackend{}, nil))
	defer ts.Close()

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "alice")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Equal(t, "disk on fire", apiErr.Details)
	require.NotErrorIs(t, err, ErrNotFound)
}
