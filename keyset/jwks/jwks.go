package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/familiez/sso-verifier/autherr"
	"github.com/familiez/sso-verifier/internal/ttlcache"
	"github.com/familiez/sso-verifier/keyset"
	"github.com/familiez/sso-verifier/metadata"
	"go.uber.org/zap"
)

type FetchStrategy int64

const (
	Lazy FetchStrategy = iota // Fetch a new JWK set inline with requests (when not cached)
	// Background Fetch a new JWK set in the background regardless of requests being made. This option was designed
	// for eliminating in-line JWK set calls and minimizing latency in production use. Warning: this option will
	// attempt to seed the JWK set on initialization and block.
	Background

	DefaultCacheTtl = time.Hour

	defaultFetchTimeout = 10 * time.Second
	minBackgroundPeriod = time.Second
)

// Options are configurable options for the KeySetProvider.
type Options struct {
	httpClient    *http.Client
	clock         clock.Clock
	cacheTtl      time.Duration
	fetchStrategy FetchStrategy
	backgroundCtx context.Context
	logger        *zap.Logger
}

// WithHttpClient allows for a configurable http client.
func WithHttpClient(httpClient *http.Client) Option {
	return func(mo *Options) {
		mo.httpClient = httpClient
	}
}

// WithClock sets the clock the cache measures key set age with.
func WithClock(clock clock.Clock) Option {
	return func(mo *Options) {
		mo.clock = clock
	}
}

// WithCacheTtl specifies the TTL on the JWK set.
func WithCacheTtl(ttl time.Duration) Option {
	return func(mo *Options) {
		mo.cacheTtl = ttl
	}
}

// WithFetchStrategy specifies a strategy for fetching new JWK sets.
func WithFetchStrategy(fetchStrategy FetchStrategy) Option {
	return func(mo *Options) {
		mo.fetchStrategy = fetchStrategy
	}
}

// WithBackgroundCtx specified the context to use in order to control the lifecycle of the background fetching
// goroutine.
func WithBackgroundCtx(ctx context.Context) Option {
	return func(mo *Options) {
		mo.backgroundCtx = ctx
	}
}

// WithLogger sets the logger used to report origin failures.
func WithLogger(logger *zap.Logger) Option {
	return func(mo *Options) {
		mo.logger = logger
	}
}

func defaultOptions() *Options {
	opts := &Options{}
	WithHttpClient(&http.Client{Timeout: defaultFetchTimeout})(opts)
	WithClock(clock.New())(opts)
	WithCacheTtl(DefaultCacheTtl)(opts)
	WithFetchStrategy(Lazy)(opts)
	WithBackgroundCtx(context.Background())(opts)
	WithLogger(zap.NewNop())(opts)
	return opts
}

// Option for the KeySetProvider
type Option func(*Options)

// KeySetProvider implements keyset.Provider. It locates the JWK set through the discovery document and
// caches the fetched set for the configured TTL.
type KeySetProvider struct {
	mp         metadata.Provider
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger

	cache         *ttlcache.Cache[*keyset.KeySet]
	fetchStrategy FetchStrategy
}

// NewKeySetProvider creates a new KeySetProvider.
func NewKeySetProvider(mp metadata.Provider, options ...Option) (*KeySetProvider, error) {
	opts := defaultOptions()
	for _, option := range options {
		option(opts)
	}

	kp := &KeySetProvider{
		mp:            mp,
		httpClient:    opts.httpClient,
		clock:         opts.clock,
		logger:        opts.logger,
		fetchStrategy: opts.fetchStrategy,
	}
	kp.cache = ttlcache.New(opts.cacheTtl, opts.clock, kp.fetchKeySet)

	if opts.fetchStrategy == Background {
		if _, err := kp.cache.Refresh(opts.backgroundCtx); err != nil {
			return nil, fmt.Errorf("failed to seed JWK set: %w", err)
		}
		go kp.backgroundFetchLoop(opts.backgroundCtx, opts.cacheTtl/2)
	}

	return kp, nil
}

// GetKeySet gets the JWK set, from cache when it is still fresh.
func (kp *KeySetProvider) GetKeySet(ctx context.Context) (*keyset.KeySet, error) {
	ks, err := kp.cache.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting or fetching key set: %w", err)
	}

	return ks, nil
}

func (kp *KeySetProvider) backgroundFetchLoop(ctx context.Context, period time.Duration) {
	if period < minBackgroundPeriod {
		period = minBackgroundPeriod
	}

	ticker := kp.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := kp.cache.Refresh(ctx); err != nil {
				kp.logger.Error("failed to fetch and cache JWK set", zap.Error(err))
			}
		}
	}
}

func (kp *KeySetProvider) fetchKeySet(ctx context.Context) (*keyset.KeySet, error) {
	md, err := kp.mp.GetMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}

	if md.JwksUri == "" {
		return nil, autherr.NewConfigError("jwks_uri", "is missing from discovery document")
	}

	kp.logger.Debug("fetching JWK set", zap.String("url", md.JwksUri))

	ks, err := kp.doFetch(ctx, md.JwksUri)
	if err != nil {
		kp.logger.Error("JWK set fetch failed", zap.String("url", md.JwksUri), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", autherr.ErrUpstreamFetch, err)
	}

	kp.logger.Debug("JWK set refreshed", zap.String("url", md.JwksUri), zap.Int("keyCount", ks.Len()))
	return ks, nil
}

func (kp *KeySetProvider) doFetch(ctx context.Context, jwksUri string) (*keyset.KeySet, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksUri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating new http request: %w", err)
	}
	resp, err := kp.httpClient.Do(httpRequest)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("making http request for jwks: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		return nil, fmt.Errorf("request for jwks %q was not HTTP 2xx OK, it was: %d", jwksUri, resp.StatusCode)
	}

	jwkJson, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwks response body: %w", err)
	}

	ks, err := keyset.Parse(jwkJson)
	if err != nil {
		return nil, fmt.Errorf("failed to create key set from jwk json: %w", err)
	}

	return ks, nil
}
