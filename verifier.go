package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/familiez/sso-verifier/autherr"
	"github.com/familiez/sso-verifier/keyset"
	"github.com/familiez/sso-verifier/keyset/jwks"
	"github.com/familiez/sso-verifier/metadata"
	"github.com/familiez/sso-verifier/metadata/discovery"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/familiez/sso-verifier"

	outcomeVerified = "verified"
	outcomeExpired  = "expired"
	outcomeInvalid  = "invalid"
	outcomeConfig   = "config_error"
)

// Options are configurable options for the Verifier.
type Options struct {
	metadataProvider metadata.Provider
	keySetProvider   keyset.Provider
	clock            clock.Clock
	logger           *zap.Logger
	tracer           trace.Tracer
	registerer       prometheus.Registerer
}

// WithMetadataProvider allows for a configurable metadata.Provider, which may be useful if you want to
// customize how the discovery document is fetched.
func WithMetadataProvider(metadataProvider metadata.Provider) Option {
	return func(mo *Options) {
		mo.metadataProvider = metadataProvider
	}
}

// WithKeySetProvider allows for a configurable keyset.Provider, which may be useful if you want to customize
// the behavior of how JWK sets are fetched.
func WithKeySetProvider(keySetProvider keyset.Provider) Option {
	return func(mo *Options) {
		mo.keySetProvider = keySetProvider
	}
}

// WithLogger sets the logger that receives the internal cause of rejected tokens.
func WithLogger(logger *zap.Logger) Option {
	return func(mo *Options) {
		mo.logger = logger
	}
}

// WithTracerProvider sets the provider of the tracer wrapping each verification in a span.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(mo *Options) {
		mo.tracer = tp.Tracer(tracerName)
	}
}

// WithRegisterer registers verification outcome counters with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(mo *Options) {
		mo.registerer = reg
	}
}

func withClock(clock clock.Clock) Option {
	return func(mo *Options) {
		mo.clock = clock
	}
}

func defaultOptions() *Options {
	opts := &Options{}
	withClock(clock.New())(opts)
	WithLogger(zap.NewNop())(opts)
	WithTracerProvider(otel.GetTracerProvider())(opts)
	return opts
}

// Option for the Verifier
type Option func(*Options)

// Jwt is an implementation independent representation of a JWT that is returned to consumers of our APIs.
type Jwt struct {
	Claims map[string]any
}

// newJwtFromClaims creates our Jwt struct from verified claims.
func newJwtFromClaims(claims jwt.MapClaims) *Jwt {
	return &Jwt{Claims: claims}
}

// Verifier verifies bearer tokens issued by the OIDC provider behind a discovery document.
type Verifier struct {
	metadataProvider metadata.Provider
	keySetProvider   keyset.Provider
	clientId         string
	clock            clock.Clock
	logger           *zap.Logger
	tracer           trace.Tracer
	verifications    *prometheus.CounterVec
}

// NewVerifier creates a new Verifier for the discovery document at discoveryUrl. The clientId is the
// expected audience; a blank one is reported as a configuration error on every verification.
func NewVerifier(discoveryUrl string, clientId string, options ...Option) (*Verifier, error) {
	opts := defaultOptions()
	for _, option := range options {
		option(opts)
	}

	if opts.metadataProvider == nil {
		opts.metadataProvider = discovery.NewMetadataProvider(discoveryUrl, discovery.WithLogger(opts.logger), discovery.WithClock(opts.clock))
	}

	if opts.keySetProvider == nil {
		kp, err := jwks.NewKeySetProvider(opts.metadataProvider, jwks.WithLogger(opts.logger), jwks.WithClock(opts.clock))
		if err != nil {
			return nil, fmt.Errorf("creating key set provider: %w", err)
		}
		opts.keySetProvider = kp
	}

	v := &Verifier{
		metadataProvider: opts.metadataProvider,
		keySetProvider:   opts.keySetProvider,
		clientId:         clientId,
		clock:            opts.clock,
		logger:           opts.logger,
		tracer:           opts.tracer,
	}

	if opts.registerer != nil {
		v.verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familiez",
			Subsystem: "sso",
			Name:      "verifications_total",
			Help:      "Bearer token verifications by outcome.",
		}, []string{"outcome"})
		if err := opts.registerer.Register(v.verifications); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	return v, nil
}

// Verify verifies a bearer token and returns its claims. Failures are autherr.ErrTokenExpired,
// autherr.ErrInvalidToken or an *autherr.ConfigError; the underlying cause is logged, not returned.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Jwt, error) {
	ctx, span := v.tracer.Start(ctx, "Verifier.Verify")
	defer span.End()

	token, err := v.verify(ctx, tokenString)
	outcome := classify(err)
	v.record(outcome)
	span.SetAttributes(attribute.String("sso.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}

	return token, nil
}

func (v *Verifier) verify(ctx context.Context, tokenString string) (*Jwt, error) {
	header, err := v.parseHeader(tokenString)
	if err != nil {
		return nil, v.reject("parsing token header", err)
	}

	if header.kid == "" {
		return nil, v.reject("reading token header", errors.New("no kid found"))
	}

	md, ks, err := v.resolve(ctx)
	if err != nil {
		return nil, err
	}

	if _, err = ks.Lookup(header.kid); err != nil {
		return nil, v.reject("resolving signing key", err)
	}

	if v.clientId == "" {
		return nil, autherr.NewConfigError("SYNOLOGY_CLIENT_ID", "is not configured")
	}

	claims, err := v.parseToken(tokenString, header.alg, md.Issuer, ks)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			v.logger.Debug("rejecting expired token", zap.Error(err))
			return nil, autherr.ErrTokenExpired
		}
		return nil, v.reject("validating token", err)
	}

	return newJwtFromClaims(claims), nil
}

type tokenHeader struct {
	kid string
	alg string
}

func (v *Verifier) parseHeader(tokenString string) (tokenHeader, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return tokenHeader{}, err
	}

	kid, _ := token.Header["kid"].(string)
	alg, _ := token.Header["alg"].(string)
	return tokenHeader{kid: kid, alg: alg}, nil
}

// resolve loads the discovery document and key set. Origin failures read as an invalid token to the caller.
func (v *Verifier) resolve(ctx context.Context) (metadata.Metadata, *keyset.KeySet, error) {
	md, err := v.metadataProvider.GetMetadata(ctx)
	if err != nil {
		return metadata.Metadata{}, nil, v.upstream("getting metadata", err)
	}

	if md.Issuer == "" {
		return metadata.Metadata{}, nil, autherr.NewConfigError("issuer", "is missing from discovery document")
	}

	ks, err := v.keySetProvider.GetKeySet(ctx)
	if err != nil {
		return metadata.Metadata{}, nil, v.upstream("getting key set", err)
	}

	return md, ks, nil
}

func (v *Verifier) parseToken(tokenString string, alg string, issuer string, ks *keyset.KeySet) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithAudience(v.clientId),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, ks.Keyfunc()); err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	return claims, nil
}

func (v *Verifier) reject(step string, err error) error {
	v.logger.Warn("token rejected", zap.String("step", step), zap.Error(err))
	return autherr.ErrInvalidToken
}

func (v *Verifier) upstream(step string, err error) error {
	if autherr.IsConfig(err) {
		return err
	}
	v.logger.Error("identity provider unavailable", zap.String("step", step), zap.Error(err))
	return autherr.ErrInvalidToken
}

func (v *Verifier) record(outcome string) {
	if v.verifications != nil {
		v.verifications.WithLabelValues(outcome).Inc()
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return outcomeVerified
	case errors.Is(err, autherr.ErrTokenExpired):
		return outcomeExpired
	case autherr.IsConfig(err):
		return outcomeConfig
	default:
		return outcomeInvalid
	}
}
