// Package launcher orchestrates the install/update/repair pipeline and the
// pre-launch integrity gate. All component wiring happens here, once, in
// NewContext.
package launcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/packsmith/packctl/internal/cache"
	"github.com/packsmith/packctl/internal/catalog"
	"github.com/packsmith/packctl/internal/config"
	"github.com/packsmith/packctl/internal/download"
	"github.com/packsmith/packctl/internal/integrity"
	"github.com/packsmith/packctl/internal/knownerr"
	"github.com/packsmith/packctl/internal/mods"
	"github.com/packsmith/packctl/internal/progress"
	"github.com/packsmith/packctl/internal/ratelimit"
	"github.com/packsmith/packctl/internal/store"
)

// Runtime starts the installed game. The real implementation shells out to
// the game runtime; tests substitute a fake.
type Runtime interface {
	Launch(ctx context.Context, inst *store.Instance, instanceDir string) error
}

// Context owns every long-lived component of the pipeline. Construct it once
// at startup and Close it on exit.
type Context struct {
	Config     *config.Config
	Store      *store.Store
	Bus        *progress.Bus
	Resolver   *catalog.Resolver
	Guard      *ratelimit.Guard
	Classifier *knownerr.Classifier
	Verifier   *integrity.Verifier

	client  *download.Client
	pool    *download.Pool
	fetcher *mods.Fetcher
	runtime Runtime
	locks   *lockTable
	logger  *slog.Logger
}

// staticTokenSource serves a fixed bearer token from config.
type staticTokenSource string

func (s staticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// NewContext wires the full pipeline from config. runtime may be nil when
// launching is not needed (pure CLI install/repair usage).
func NewContext(cfg *config.Config, runtime Runtime, logger *slog.Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	catalogCache, err := cache.New[[]catalog.Descriptor](64, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	tableCache, err := cache.New[knownerr.Table](8, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	catalogClient := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.CacheTTL, catalogCache, logger)
	classifier, err := knownerr.NewClassifier(cfg.KnownErrors.URL, cfg.KnownErrors.CacheTTL, tableCache, cfg.Downloads.RequestTimeout, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	var tokens ratelimit.TokenSource
	if cfg.RateLimit.AuthToken != "" {
		tokens = staticTokenSource(cfg.RateLimit.AuthToken)
	}

	client := download.NewClient(logger)
	pool := download.NewPool(client, cfg.Downloads.MaxWorkers, cfg.Downloads.RetryAttempts, logger)
	resolver := mods.NewResolver(cfg.Registry.URL, cfg.Registry.BatchSize, cfg.Downloads.RequestTimeout, logger)

	return &Context{
		Config:     cfg,
		Store:      st,
		Bus:        progress.NewBus(),
		Resolver:   catalog.NewResolver(catalogClient, st, logger),
		Guard:      ratelimit.NewGuard(cfg.RateLimit.URL, cfg.Downloads.RequestTimeout, tokens, logger),
		Classifier: classifier,
		Verifier:   integrity.NewVerifier(st, cfg.InstanceDir, logger),
		client:     client,
		pool:       pool,
		fetcher:    mods.NewFetcher(resolver, pool, logger),
		runtime:    runtime,
		locks:      newLockTable(),
		logger:     logger,
	}, nil
}

// Close releases the store. In-flight operations should be cancelled via
// their contexts first.
func (c *Context) Close() error {
	return c.Store.Close()
}

// classified attaches the curated explanation when the error text is
// recognized. Classification is total: unrecognized errors pass through.
func (c *Context) classified(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if known, ok := c.Classifier.Classify(ctx, err.Error()); ok {
		return &ClassifiedError{Raw: err, Known: &known, Locale: c.Config.Launcher.Locale}
	}
	return err
}
