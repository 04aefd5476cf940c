// Package knownerr maps raw error text to curated, user-facing explanations.
// The table of known errors is fetched from a remote endpoint and cached; a
// compiled-in fallback table keeps classification working offline.
package knownerr

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/packsmith/packctl/internal/cache"
	"github.com/packsmith/packctl/internal/safety"
)

//go:embed fallback.json
var fallbackRaw []byte

// maxTableBytes bounds the remote table body.
const maxTableBytes = 4 << 20

// cacheKey is the state-cache key for the remote table.
const cacheKey = "knownerrors:table"

// LocaleText is the user-facing explanation for one locale.
type LocaleText struct {
	Title    string `json:"title"`
	Solution string `json:"solution"`
}

// KnownError is one curated error entry. On the wire the translations sit
// at the entry's top level keyed by locale ("en", "es"); internally they
// are collected into Locales.
type KnownError struct {
	ID              string
	Patterns        []string
	CanRetry        bool
	IsAutoRetryable bool
	Locales         map[string]LocaleText
}

// knownErrorWire is the table entry's JSON shape.
type knownErrorWire struct {
	ID              string      `json:"id"`
	Patterns        []string    `json:"patterns"`
	CanRetry        bool        `json:"canRetry"`
	IsAutoRetryable bool        `json:"isAutoRetryable"`
	EN              *LocaleText `json:"en,omitempty"`
	ES              *LocaleText `json:"es,omitempty"`
}

func (k *KnownError) UnmarshalJSON(data []byte) error {
	var w knownErrorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	k.ID = w.ID
	k.Patterns = w.Patterns
	k.CanRetry = w.CanRetry
	k.IsAutoRetryable = w.IsAutoRetryable
	k.Locales = make(map[string]LocaleText)
	if w.EN != nil {
		k.Locales["en"] = *w.EN
	}
	if w.ES != nil {
		k.Locales["es"] = *w.ES
	}
	return nil
}

func (k KnownError) MarshalJSON() ([]byte, error) {
	w := knownErrorWire{
		ID:              k.ID,
		Patterns:        k.Patterns,
		CanRetry:        k.CanRetry,
		IsAutoRetryable: k.IsAutoRetryable,
	}
	if t, ok := k.Locales["en"]; ok {
		en := t
		w.EN = &en
	}
	if t, ok := k.Locales["es"]; ok {
		es := t
		w.ES = &es
	}
	return json.Marshal(w)
}

// Text returns the entry's explanation in the given locale, falling back to
// English when the locale is missing.
func (k KnownError) Text(locale string) LocaleText {
	if t, ok := k.Locales[locale]; ok {
		return t
	}
	return k.Locales["en"]
}

// Table is the versioned known-errors document.
type Table struct {
	Version     int          `json:"version"`
	LastUpdated string       `json:"lastUpdated"`
	Errors      []KnownError `json:"errors"`
}

// Classifier matches raw error text against the known-errors table.
// First match wins; matching is case-insensitive. A pattern that fails to
// compile as a regular expression degrades to a substring check rather than
// disabling its entry.
type Classifier struct {
	url        string
	ttl        time.Duration
	cache      *cache.Cache[Table]
	httpClient *http.Client
	logger     *slog.Logger

	fallback Table

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	lastGood *Table // most recently loaded remote table, kept past its TTL
}

// NewClassifier creates a classifier backed by the remote table at url,
// cached through c with the given TTL. The compiled-in fallback table is
// parsed eagerly so classification works before any fetch.
func NewClassifier(url string, ttl time.Duration, c *cache.Cache[Table], timeout time.Duration, logger *slog.Logger) (*Classifier, error) {
	var fallback Table
	if err := json.Unmarshal(fallbackRaw, &fallback); err != nil {
		return nil, fmt.Errorf("parse embedded fallback table: %w", err)
	}
	return &Classifier{
		url:        url,
		ttl:        ttl,
		cache:      c,
		httpClient: safety.NewHTTPClient(timeout),
		logger:     logger,
		fallback:   fallback,
		compiled:   make(map[string]*regexp.Regexp),
	}, nil
}

// Classify matches raw against the freshest table available, refetching it
// when the cached copy is stale. It never fails: an unreachable endpoint
// degrades to the most recently loaded table, and only to the embedded one
// when no remote table was ever loaded. The second return is false when no
// entry matches.
func (c *Classifier) Classify(ctx context.Context, raw string) (KnownError, bool) {
	table, err := c.cache.GetOrFetch(ctx, cacheKey, c.ttl, c.fetchTable)
	if err != nil {
		c.logger.Warn("known-errors table unavailable, using last loaded table", "error", err)
		return c.match(c.lastLoaded(), raw)
	}
	c.remember(table)
	return c.match(table, raw)
}

// ClassifySync matches raw against the cached, last loaded or embedded table
// only; it never touches the network. Intended for hot paths and shutdown
// handling.
func (c *Classifier) ClassifySync(raw string) (KnownError, bool) {
	table, err := c.cache.Get(cacheKey)
	if err != nil {
		table = c.lastLoaded()
	}
	return c.match(table, raw)
}

func (c *Classifier) remember(table Table) {
	c.mu.Lock()
	c.lastGood = &table
	c.mu.Unlock()
}

// lastLoaded returns the most recently loaded remote table, even past its
// TTL, falling back to the embedded table when none was ever loaded.
func (c *Classifier) lastLoaded() Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastGood != nil {
		return *c.lastGood
	}
	return c.fallback
}

func (c *Classifier) fetchTable(ctx context.Context) (Table, error) {
	if _, err := safety.ValidateHTTPURL(c.url); err != nil {
		return Table{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Table{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Table{}, fmt.Errorf("fetch known-errors table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Table{}, fmt.Errorf("known-errors endpoint returned HTTP %d", resp.StatusCode)
	}
	raw, err := safety.ReadAllWithLimit(resp.Body, maxTableBytes)
	if err != nil {
		return Table{}, fmt.Errorf("read table: %w", err)
	}
	var table Table
	if err := json.Unmarshal(raw, &table); err != nil {
		return Table{}, fmt.Errorf("decode table: %w", err)
	}
	if len(table.Errors) == 0 {
		return Table{}, fmt.Errorf("known-errors table is empty")
	}
	return table, nil
}

func (c *Classifier) match(table Table, raw string) (KnownError, bool) {
	if raw == "" {
		return KnownError{}, false
	}
	for _, entry := range table.Errors {
		for _, pattern := range entry.Patterns {
			if c.patternMatches(pattern, raw) {
				return entry, true
			}
		}
	}
	return KnownError{}, false
}

func (c *Classifier) patternMatches(pattern, raw string) bool {
	re := c.compile(pattern)
	if re != nil {
		return re.MatchString(raw)
	}
	return strings.Contains(strings.ToLower(raw), strings.ToLower(pattern))
}

// compile returns the cached case-insensitive regexp for pattern, or nil if
// the pattern does not compile.
func (c *Classifier) compile(pattern string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.compiled[pattern]; ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		c.logger.Debug("pattern does not compile, using substring match", "pattern", pattern, "error", err)
		re = nil
	}
	c.compiled[pattern] = re
	return re
}
