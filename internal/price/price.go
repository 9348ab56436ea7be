// Package price maintains an eventually consistent USD price of SOL.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultEndpoint is the CoinGecko simple-price query for SOL in USD.
const DefaultEndpoint = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

const (
	initialFetchAttempts = 3
	backoffAfterFailures = 5
	maxBackoff           = 5 * time.Minute
)

type quoteResponse struct {
	Solana struct {
		USD float64 `json:"usd"`
	} `json:"solana"`
}

// Cache holds the last fetched price behind a read-write lock. Readers never
// block on a refresh; a zero price means no fetch has succeeded yet.
type Cache struct {
	mu  sync.RWMutex
	usd float64

	endpoint string
	interval time.Duration
	client   *http.Client
}

// New creates a cache refreshing every interval. endpoint overrides the
// default quote URL when non-empty (used by tests).
func New(endpoint string, interval time.Duration) *Cache {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Cache{
		endpoint: endpoint,
		interval: interval,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   8 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				IdleConnTimeout:     60 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Get returns the cached USD price of SOL. Never blocks on network I/O.
func (c *Cache) Get() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usd
}

func (c *Cache) set(usd float64) {
	c.mu.Lock()
	c.usd = usd
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("quote endpoint returned status %d", resp.StatusCode)
	}

	var quote quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return 0, fmt.Errorf("parse quote response: %w", err)
	}
	if quote.Solana.USD <= 0 {
		return 0, fmt.Errorf("quote response carried no price")
	}
	return quote.Solana.USD, nil
}

// Run fetches an initial price (with a few quick retries) and then refreshes
// on the configured interval until ctx is cancelled. Repeated failures
// escalate the retry delay up to a cap; the last known price keeps serving
// readers throughout.
func (c *Cache) Run(ctx context.Context) {
	for attempt := 1; attempt <= initialFetchAttempts; attempt++ {
		usd, err := c.fetch(ctx)
		if err == nil {
			c.set(usd)
			slog.Info("sol_price_initialized", "usd", usd)
			break
		}
		slog.Error("sol_price_initial_fetch_failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}

	var failures int
	for {
		delay := c.interval
		if failures > backoffAfterFailures {
			delay = time.Duration(failures) * 30 * time.Second
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		usd, err := c.fetch(ctx)
		if err != nil {
			failures++
			if failures <= 3 || failures%10 == 0 {
				slog.Error("sol_price_fetch_failed", "consecutive_failures", failures, "error", err)
			}
			continue
		}

		old := c.Get()
		c.set(usd)
		failures = 0

		if old > 0 {
			if pct := (usd - old) / old * 100; pct > 0.5 || pct < -0.5 {
				slog.Info("sol_price_updated", "usd", usd, "change_pct", pct)
			}
		}
	}
}
