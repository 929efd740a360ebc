package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/familiez/sso-verifier/autherr"
	"github.com/familiez/sso-verifier/internal/ttlcache"
	"github.com/familiez/sso-verifier/metadata"
	"go.uber.org/zap"
)

const (
	DefaultCacheTtl = time.Hour

	defaultFetchTimeout = 10 * time.Second
)

// Options are configurable options for the MetadataProvider.
type Options struct {
	httpClient *http.Client
	cacheTtl   time.Duration
	clock      clock.Clock
	logger     *zap.Logger
}

// WithHttpClient allows for a configurable http client.
func WithHttpClient(httpClient *http.Client) Option {
	return func(mo *Options) {
		mo.httpClient = httpClient
	}
}

// WithCacheTtl specifies how long a fetched discovery document is served from cache.
func WithCacheTtl(ttl time.Duration) Option {
	return func(mo *Options) {
		mo.cacheTtl = ttl
	}
}

// WithLogger sets the logger used to report origin failures.
func WithLogger(logger *zap.Logger) Option {
	return func(mo *Options) {
		mo.logger = logger
	}
}

// WithClock sets the clock the cache measures document age with.
func WithClock(clock clock.Clock) Option {
	return func(mo *Options) {
		mo.clock = clock
	}
}

func defaultOptions() *Options {
	opts := &Options{}
	WithHttpClient(&http.Client{Timeout: defaultFetchTimeout})(opts)
	WithClock(clock.New())(opts)
	WithCacheTtl(DefaultCacheTtl)(opts)
	WithLogger(zap.NewNop())(opts)
	return opts
}

// Option for the MetadataProvider.
type Option func(*Options)

// MetadataProvider is an implementation of metadata.Provider that retrieves the discovery document
// from a configured URL and caches it for the configured TTL.
type MetadataProvider struct {
	metadataUrl string       // The URL to use to retrieve metadata
	httpClient  *http.Client // the HTTP client to use to retrieve metadata
	logger      *zap.Logger

	cache *ttlcache.Cache[metadata.Metadata]
}

// NewMetadataProvider creates a new MetadataProvider for the specified discovery document URL.
func NewMetadataProvider(discoveryUrl string, options ...Option) *MetadataProvider {
	opts := defaultOptions()
	for _, option := range options {
		option(opts)
	}

	mp := &MetadataProvider{
		metadataUrl: discoveryUrl,
		httpClient:  opts.httpClient,
		logger:      opts.logger,
	}
	mp.cache = ttlcache.New(opts.cacheTtl, opts.clock, mp.fetchMetadata)

	return mp
}

// GetMetadata gets the discovery document, from cache when it is still fresh.
func (mp *MetadataProvider) GetMetadata(ctx context.Context) (metadata.Metadata, error) {
	m, err := mp.cache.Get(ctx)
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("failed to fetch new fresh metadata: %w", err)
	}

	return m, nil
}

func (mp *MetadataProvider) fetchMetadata(ctx context.Context) (metadata.Metadata, error) {
	mp.logger.Debug("fetching discovery document", zap.String("url", mp.metadataUrl))

	m, err := mp.doFetch(ctx)
	if err != nil {
		mp.logger.Error("discovery document fetch failed", zap.String("url", mp.metadataUrl), zap.Error(err))
		return metadata.Metadata{}, fmt.Errorf("%w: %w", autherr.ErrUpstreamFetch, err)
	}

	return m, nil
}

func (mp *MetadataProvider) doFetch(ctx context.Context) (metadata.Metadata, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, mp.metadataUrl, nil)
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("creating new http request: %w", err)
	}
	resp, err := mp.httpClient.Do(httpRequest)
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("making http request for metadata: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		return metadata.Metadata{}, fmt.Errorf("request for metadata %q was not HTTP 2xx OK, it was: %d", mp.metadataUrl, resp.StatusCode)
	}

	m := metadata.Metadata{}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return metadata.Metadata{}, fmt.Errorf("decoding metadata: %w", err)
	}

	// Never cache a document we cannot verify against
	if m.Issuer == "" || m.JwksUri == "" {
		return metadata.Metadata{}, fmt.Errorf("metadata from %q is missing issuer or jwks_uri", mp.metadataUrl)
	}

	return m, nil
}
