// Package config resolves the verifier's settings from the process environment.
package config

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/familiez/sso-verifier/autherr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Environment keys.
const (
	EnvDiscoveryURL = "SYNOLOGY_OIDC_DISCOVERY_URL"
	EnvVerifyTLS    = "SYNOLOGY_OIDC_VERIFY_SSL"
	EnvDiscoveryTTL = "SYNOLOGY_OIDC_DISCOVERY_TTL"
	EnvKeySetTTL    = "SYNOLOGY_JWKS_TTL"
	EnvClientID     = "SYNOLOGY_CLIENT_ID"
	EnvClientSecret = "SYNOLOGY_CLIENT_SECRET"
	EnvRedirectURI  = "SYNOLOGY_REDIRECT_URI"
	EnvListenAddr   = "FAMILIEZ_LISTEN_ADDR"
	EnvLogLevel     = "FAMILIEZ_LOG_LEVEL"
)

const (
	DefaultCacheTtl    = 3600 * time.Second
	DefaultRedirectURI = "http://localhost:5173/auth/callback"
	DefaultListenAddr  = ":8000"
	DefaultLogLevel    = "info"

	// FetchTimeout bounds every origin round trip.
	FetchTimeout = 10 * time.Second
)

// rawSettings holds the unvalidated values bound from the environment.
type rawSettings struct {
	DiscoveryURL string `env:"SYNOLOGY_OIDC_DISCOVERY_URL"`
	VerifyTLS    string `env:"SYNOLOGY_OIDC_VERIFY_SSL"`
	DiscoveryTTL string `env:"SYNOLOGY_OIDC_DISCOVERY_TTL"`
	KeySetTTL    string `env:"SYNOLOGY_JWKS_TTL"`
	ClientID     string `env:"SYNOLOGY_CLIENT_ID"`
	ClientSecret string `env:"SYNOLOGY_CLIENT_SECRET"`
	RedirectURI  string `env:"SYNOLOGY_REDIRECT_URI"`
	ListenAddr   string `env:"FAMILIEZ_LISTEN_ADDR"`
	LogLevel     string `env:"FAMILIEZ_LOG_LEVEL"`
}

// Resolver gives typed access to settings bound from an environment.
type Resolver struct {
	raw rawSettings
}

// NewResolver binds the settings found in environ.
func NewResolver(environ map[string]string) (*Resolver, error) {
	var raw rawSettings
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}
	return &Resolver{raw: raw}, nil
}

// FromEnv creates a Resolver backed by the process environment.
func FromEnv() (*Resolver, error) {
	return NewResolver(env.ToMap(os.Environ()))
}

// DiscoveryURL returns the OIDC discovery document URL.
func (r *Resolver) DiscoveryURL() (string, error) {
	url := strings.TrimSpace(r.raw.DiscoveryURL)
	if url == "" {
		return "", autherr.NewConfigError(EnvDiscoveryURL, "is not configured")
	}
	return url, nil
}

// VerifyTLS reports whether origin certificates are verified. Unset means true.
func (r *Resolver) VerifyTLS() bool {
	value := r.raw.VerifyTLS
	if value == "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// DiscoveryTTL returns how long a fetched discovery document stays fresh.
func (r *Resolver) DiscoveryTTL() (time.Duration, error) {
	return ttl(EnvDiscoveryTTL, r.raw.DiscoveryTTL)
}

// KeySetTTL returns how long a fetched key set stays fresh.
func (r *Resolver) KeySetTTL() (time.Duration, error) {
	return ttl(EnvKeySetTTL, r.raw.KeySetTTL)
}

// ClientID returns the OAuth client identifier, which is also the expected token audience.
func (r *Resolver) ClientID() (string, error) {
	id := strings.TrimSpace(r.raw.ClientID)
	if id == "" {
		return "", autherr.NewConfigError(EnvClientID, "is not configured")
	}
	return id, nil
}

// ClientSecret returns the optional OAuth client secret.
func (r *Resolver) ClientSecret() string {
	return strings.TrimSpace(r.raw.ClientSecret)
}

// RedirectURI returns the redirect URI registered with the identity provider.
func (r *Resolver) RedirectURI() string {
	if uri := strings.TrimSpace(r.raw.RedirectURI); uri != "" {
		return uri
	}
	return DefaultRedirectURI
}

// ListenAddr returns the address the server binds to.
func (r *Resolver) ListenAddr() string {
	if addr := strings.TrimSpace(r.raw.ListenAddr); addr != "" {
		return addr
	}
	return DefaultListenAddr
}

// LogLevel returns the configured log level name.
func (r *Resolver) LogLevel() string {
	if level := strings.TrimSpace(r.raw.LogLevel); level != "" {
		return strings.ToLower(level)
	}
	return DefaultLogLevel
}

func ttl(key string, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultCacheTtl, nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0, autherr.NewConfigError(key, "must be an integer number of seconds")
	}
	if seconds < 0 {
		return 0, autherr.NewConfigError(key, "must not be negative")
	}
	return time.Duration(seconds) * time.Second, nil
}

// Config is a snapshot of the settings needed to run the verifier.
type Config struct {
	DiscoveryURL string
	VerifyTLS    bool
	DiscoveryTTL time.Duration
	KeySetTTL    time.Duration
	ClientID     string
	ClientSecret string
	RedirectURI  string
	ListenAddr   string
	LogLevel     string
}

// Load snapshots the resolver's settings. It fails when the discovery URL or a TTL is unusable.
// ClientID may be blank here; consumers report that at the point of use.
func Load(r *Resolver) (Config, error) {
	discoveryURL, err := r.DiscoveryURL()
	if err != nil {
		return Config{}, err
	}

	discoveryTTL, err := r.DiscoveryTTL()
	if err != nil {
		return Config{}, err
	}

	keySetTTL, err := r.KeySetTTL()
	if err != nil {
		return Config{}, err
	}

	// Blank is allowed at startup.
	clientID, _ := r.ClientID()

	return Config{
		DiscoveryURL: discoveryURL,
		VerifyTLS:    r.VerifyTLS(),
		DiscoveryTTL: discoveryTTL,
		KeySetTTL:    keySetTTL,
		ClientID:     clientID,
		ClientSecret: r.ClientSecret(),
		RedirectURI:  r.RedirectURI(),
		ListenAddr:   r.ListenAddr(),
		LogLevel:     r.LogLevel(),
	}, nil
}

// NewHTTPClient creates the client used for every origin request: a fixed timeout,
// optional certificate verification and an instrumented transport.
func NewHTTPClient(verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-out
	}

	return &http.Client{
		Timeout:   FetchTimeout,
		Transport: otelhttp.NewTransport(transport),
	}
}
