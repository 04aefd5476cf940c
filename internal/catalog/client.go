package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/packsmith/packctl/internal/cache"
	"github.com/packsmith/packctl/internal/safety"
)

// maxCatalogBytes bounds the catalog document size.
const maxCatalogBytes = 8 << 20

// Client fetches the remote modpack catalog through the state cache.
type Client struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	cache      *cache.Cache[[]Descriptor]
	logger     *slog.Logger
}

// NewClient creates a catalog client. url may be empty for fully-offline use,
// in which case Packs always returns an empty list.
func NewClient(url string, ttl time.Duration, c *cache.Cache[[]Descriptor], logger *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		url:        url,
		ttl:        ttl,
		httpClient: safety.NewHTTPClient(30 * time.Second),
		cache:      c,
		logger:     logger,
	}
}

// Packs returns the current catalog, served from cache while fresh.
func (c *Client) Packs(ctx context.Context) ([]Descriptor, error) {
	if c.url == "" {
		return nil, nil
	}
	return c.cache.GetOrFetch(ctx, c.cacheKey(), c.ttl, c.fetch)
}

// Invalidate drops the cached catalog so the next Packs call refetches.
func (c *Client) Invalidate() {
	c.cache.Invalidate(c.cacheKey())
}

func (c *Client) cacheKey() string {
	return "catalog:" + c.url
}

func (c *Client) fetch(ctx context.Context) ([]Descriptor, error) {
	if _, err := safety.ValidateHTTPURL(c.url); err != nil {
		return nil, fmt.Errorf("catalog URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxCatalogBytes)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c.logger.Debug("catalog fetched", "packs", len(doc.Packs), "version", doc.Version)
	return doc.Packs, nil
}
