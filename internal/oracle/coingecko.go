// Package oracle resolves a reference USD price for the chain's native
// asset from a CoinGecko-compatible endpoint.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable indicates the price source returned no usable quote.
// Callers are expected to degrade gracefully (skip USD annotation).
var ErrUnavailable = errors.New("oracle: price unavailable")

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	defaultAssetID = "somnia"
	defaultTimeout = 10 * time.Second
	defaultTTL     = 60 * time.Second
)

// Client fetches spot USD prices with a small in-process TTL cache.
// The cache is owned by the client instance, never package-level.
type Client struct {
	baseURL    string
	assetID    string
	httpClient *http.Client
	ttl        time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	cached   float64
	cachedAt time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithAssetID sets the CoinGecko coin id to quote.
func WithAssetID(id string) Option {
	return func(c *Client) { c.assetID = id }
}

// WithTTL sets how long a fetched price stays fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a price client with the given options.
func NewClient(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		assetID:    defaultAssetID,
		httpClient: &http.Client{Timeout: defaultTimeout},
		ttl:        defaultTTL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReferenceUSDPrice returns the USD price of the configured asset.
// A cached value within the TTL is served without a network call.
// Returns ErrUnavailable when the source cannot produce a quote.
func (c *Client) ReferenceUSDPrice(ctx context.Context) (float64, error) {
	c.mu.Lock()
	if !c.cachedAt.IsZero() && time.Since(c.cachedAt) < c.ttl {
		price := c.cached
		c.mu.Unlock()
		return price, nil
	}
	c.mu.Unlock()

	price, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn("reference price fetch failed", zap.Error(err))
		return 0, err
	}

	c.mu.Lock()
	c.cached = price
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return price, nil
}

func (c *Client) fetch(ctx context.Context) (float64, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(c.assetID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	// Response shape: {"somnia": {"usd": 0.123}}
	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	quote, ok := payload[c.assetID]
	if !ok {
		return 0, fmt.Errorf("%w: asset %s not in response", ErrUnavailable, c.assetID)
	}
	price, ok := quote["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: no usd quote for %s", ErrUnavailable, c.assetID)
	}

	return price, nil
}
