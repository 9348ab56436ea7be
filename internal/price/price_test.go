package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultsToZeroBeforeFirstFetch(t *testing.T) {
	c := New("", time.Minute)
	assert.Zero(t, c.Get())
}

func TestFetchParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"solana":{"usd":142.35}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	usd, err := c.fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 142.35, usd, 1e-9)
}

func TestFetchRejectsBadResponses(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http error": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		},
		"bad json": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"solana":`))
		},
		"missing price": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"solana":{}}`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			c := New(srv.URL, time.Minute)
			_, err := c.fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestRunServesLastKnownPriceThroughFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"solana":{"usd":100}}`))
			return
		}
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Get() == 100 }, 2*time.Second, 5*time.Millisecond)

	// Subsequent refreshes fail; the cached price must keep serving.
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100.0, c.Get())

	cancel()
	<-done
}
