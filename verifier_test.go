package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/familiez/sso-verifier/autherr"
	"github.com/familiez/sso-verifier/keyset/jwks"
	"github.com/familiez/sso-verifier/keyset/jwks/jwkstest"
	"github.com/familiez/sso-verifier/metadata"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

const (
	issuer   = "https://idp.example"
	clientId = "familiez"
)

// serveProvider serves a discovery document pointing at a JWK set holding pk under jwkstest.KID.
func serveProvider(t *testing.T, ctx context.Context, pk *rsa.PrivateKey) (string, func() int, func() int) {
	jwksUri, jwksCount := jwkstest.ServeJwks(t, ctx, pk)
	discoveryUrl, discoveryCount := jwkstest.ServeDiscovery(t, metadata.Metadata{
		Issuer:        issuer,
		JwksUri:       jwksUri,
		TokenEndpoint: issuer + "/token",
	})
	return discoveryUrl, discoveryCount, jwksCount
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":  issuer,
		"aud":  clientId,
		"sub":  "person-42",
		"name": "Johanna Familiez",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
}

// decoded returns claims as they look after a JSON round trip.
func decoded(t *testing.T, claims jwt.MapClaims) map[string]any {
	raw, err := json.Marshal(claims)
	require.NoError(t, err)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestVerifierVerify(t *testing.T) {

	// Generate RSA key.
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ctx := context.Background()

	discoveryUrl, _, _ := serveProvider(t, ctx, pk)

	v, err := NewVerifier(discoveryUrl, clientId, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	t.Run("verify valid token", func(t *testing.T) {
		claims := validClaims()
		result, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.NoError(t, err)
		require.Equal(t, decoded(t, claims), result.Claims)
	})

	t.Run("verify valid token with audience list", func(t *testing.T) {
		claims := validClaims()
		claims["aud"] = []string{"someone-else", clientId}
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.NoError(t, err)
	})

	t.Run("verify expired token", func(t *testing.T) {
		claims := validClaims()
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.True(t, errors.Is(err, autherr.ErrTokenExpired))
		require.False(t, errors.Is(err, autherr.ErrInvalidToken))
		require.EqualError(t, err, "token expired")
	})

	t.Run("verify token signed by a key not in the set", func(t *testing.T) {
		_, err := v.Verify(ctx, jwkstest.SignToken(t, other, jwkstest.KID, validClaims()))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify expired token signed by a key not in the set", func(t *testing.T) {
		claims := validClaims()
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		_, err := v.Verify(ctx, jwkstest.SignToken(t, other, jwkstest.KID, claims))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token with unknown kid", func(t *testing.T) {
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, "k2", validClaims()))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token without kid", func(t *testing.T) {
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, "", validClaims()))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token with wrong audience", func(t *testing.T) {
		claims := validClaims()
		claims["aud"] = "someone-else"
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token missing audience", func(t *testing.T) {
		claims := validClaims()
		delete(claims, "aud")
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token with wrong issuer", func(t *testing.T) {
		claims := validClaims()
		claims["iss"] = "https://evil.example"
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token missing expiration", func(t *testing.T) {
		claims := validClaims()
		delete(claims, "exp")
		_, err := v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, claims))
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token with tampered payload", func(t *testing.T) {
		good := jwkstest.SignToken(t, pk, jwkstest.KID, validClaims())
		forged := jwkstest.SignToken(t, other, jwkstest.KID, validClaims())

		// Header and payload of one token, signature of another
		_, err := v.Verify(ctx, good[:len(good)-10]+forged[len(forged)-10:])
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify token with hmac algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
		token.Header["kid"] = jwkstest.KID
		tokenString, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = v.Verify(ctx, tokenString)
		require.EqualError(t, err, "invalid token")
	})

	t.Run("verify malformed token", func(t *testing.T) {
		for _, tokenString := range []string{"", "abc", "a.b.c", "not.a.jwt.at.all"} {
			_, err := v.Verify(ctx, tokenString)
			require.EqualError(t, err, "invalid token", tokenString)
		}
	})
}

func TestVerifierConfiguration(t *testing.T) {

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("blank client id is a configuration error", func(t *testing.T) {
		discoveryUrl, _, _ := serveProvider(t, ctx, pk)
		v, err := NewVerifier(discoveryUrl, "")
		require.NoError(t, err)

		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
		require.True(t, autherr.IsConfig(err))
		require.ErrorContains(t, err, "SYNOLOGY_CLIENT_ID is not configured")
	})

	t.Run("discovery without issuer is a configuration error", func(t *testing.T) {
		jwksUri, _ := jwkstest.ServeJwks(t, ctx, pk)
		mp := &jwkstest.StaticMetadataProvider{Md: metadata.Metadata{JwksUri: jwksUri}}
		v, err := NewVerifier("", clientId, WithMetadataProvider(mp))
		require.NoError(t, err)

		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
		require.True(t, autherr.IsConfig(err))
		require.ErrorContains(t, err, "issuer is missing from discovery document")
	})

	t.Run("discovery without jwks uri is a configuration error", func(t *testing.T) {
		mp := &jwkstest.StaticMetadataProvider{Md: metadata.Metadata{Issuer: issuer}}
		v, err := NewVerifier("", clientId, WithMetadataProvider(mp))
		require.NoError(t, err)

		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
		require.True(t, autherr.IsConfig(err))
		require.ErrorContains(t, err, "jwks_uri is missing from discovery document")
	})

	t.Run("incomplete discovery document reads as invalid token", func(t *testing.T) {
		discoveryUrl, discoveryCount := jwkstest.ServeDiscovery(t, metadata.Metadata{Issuer: issuer})
		v, err := NewVerifier(discoveryUrl, clientId)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
			require.EqualError(t, err, "invalid token")
			require.False(t, autherr.IsConfig(err))
		}

		// Rejected documents are not cached
		require.Equal(t, 2, discoveryCount())
	})

	t.Run("unreachable identity provider reads as invalid token", func(t *testing.T) {
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer svr.Close()

		v, err := NewVerifier(svr.URL, clientId)
		require.NoError(t, err)

		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
		require.EqualError(t, err, "invalid token")
		require.False(t, autherr.IsConfig(err))
	})

	t.Run("header is checked before any fetch", func(t *testing.T) {
		discoveryUrl, discoveryCount, jwksCount := serveProvider(t, ctx, pk)
		v, err := NewVerifier(discoveryUrl, clientId)
		require.NoError(t, err)

		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, "", validClaims()))
		require.EqualError(t, err, "invalid token")
		require.Equal(t, 0, discoveryCount())
		require.Equal(t, 0, jwksCount())
	})
}

func TestVerifierCaching(t *testing.T) {

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("two verifications within the ttl fetch once", func(t *testing.T) {
		discoveryUrl, discoveryCount, jwksCount := serveProvider(t, ctx, pk)
		v, err := NewVerifier(discoveryUrl, clientId)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
			require.NoError(t, err)
		}

		require.Equal(t, 1, discoveryCount())
		require.Equal(t, 1, jwksCount())
	})

	t.Run("injected providers are used", func(t *testing.T) {
		jwksUri, jwksCount := jwkstest.ServeJwks(t, ctx, pk)
		mp := &jwkstest.StaticMetadataProvider{Md: metadata.Metadata{Issuer: issuer, JwksUri: jwksUri}}
		kp, err := jwks.NewKeySetProvider(mp, jwks.WithCacheTtl(0))
		require.NoError(t, err)

		v, err := NewVerifier("", clientId, WithMetadataProvider(mp), WithKeySetProvider(kp))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
			require.NoError(t, err)
		}

		// A zero ttl refetches on every call
		require.Equal(t, 2, jwksCount())
	})

	t.Run("expiry follows the verifier clock", func(t *testing.T) {
		discoveryUrl, _, _ := serveProvider(t, ctx, pk)
		fakeClock := clock.NewMock()
		fakeClock.Set(time.Now())

		v, err := NewVerifier(discoveryUrl, clientId, withClock(fakeClock))
		require.NoError(t, err)

		tokenString := jwkstest.SignToken(t, pk, jwkstest.KID, validClaims())
		_, err = v.Verify(ctx, tokenString)
		require.NoError(t, err)

		fakeClock.Add(2 * time.Hour)
		_, err = v.Verify(ctx, tokenString)
		require.True(t, errors.Is(err, autherr.ErrTokenExpired))
	})

	t.Run("cache ttls follow the verifier clock", func(t *testing.T) {
		discoveryUrl, discoveryCount, jwksCount := serveProvider(t, ctx, pk)
		fakeClock := clock.NewMock()
		fakeClock.Set(time.Now())

		v, err := NewVerifier(discoveryUrl, clientId, withClock(fakeClock))
		require.NoError(t, err)

		claims := validClaims()
		claims["exp"] = fakeClock.Now().Add(3 * time.Hour).Unix()
		tokenString := jwkstest.SignToken(t, pk, jwkstest.KID, claims)

		_, err = v.Verify(ctx, tokenString)
		require.NoError(t, err)

		fakeClock.Add(jwks.DefaultCacheTtl - time.Second)
		_, err = v.Verify(ctx, tokenString)
		require.NoError(t, err)
		require.Equal(t, 1, discoveryCount())
		require.Equal(t, 1, jwksCount())

		// Only the mock clock moved, and it now puts both entries at their ttl
		fakeClock.Add(time.Second)
		_, err = v.Verify(ctx, tokenString)
		require.NoError(t, err)
		require.Equal(t, 2, discoveryCount())
		require.Equal(t, 2, jwksCount())
	})
}

func TestVerifierTelemetry(t *testing.T) {

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("outcomes are counted", func(t *testing.T) {
		discoveryUrl, _, _ := serveProvider(t, ctx, pk)
		reg := prometheus.NewRegistry()
		v, err := NewVerifier(discoveryUrl, clientId, WithRegisterer(reg))
		require.NoError(t, err)

		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, validClaims()))
		require.NoError(t, err)

		expired := validClaims()
		expired["exp"] = time.Now().Add(-time.Hour).Unix()
		_, err = v.Verify(ctx, jwkstest.SignToken(t, pk, jwkstest.KID, expired))
		require.Error(t, err)

		_, err = v.Verify(ctx, "garbage")
		require.Error(t, err)

		require.Equal(t, float64(1), testutil.ToFloat64(v.verifications.WithLabelValues(outcomeVerified)))
		require.Equal(t, float64(1), testutil.ToFloat64(v.verifications.WithLabelValues(outcomeExpired)))
		require.Equal(t, float64(1), testutil.ToFloat64(v.verifications.WithLabelValues(outcomeInvalid)))
	})

	t.Run("registering twice fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewVerifier("https://idp.example", clientId, WithRegisterer(reg))
		require.NoError(t, err)

		_, err = NewVerifier("https://idp.example", clientId, WithRegisterer(reg))
		require.ErrorContains(t, err, "registering metrics")
	})

	t.Run("verification runs in a span", func(t *testing.T) {
		discoveryUrl, _, _ := serveProvider(t, ctx, pk)
		spanRecorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))

		v, err := NewVerifier(discoveryUrl, clientId, WithTracerProvider(provider))
		require.NoError(t, err)

		_, err = v.Verify(ctx, "garbage")
		require.Error(t, err)

		spans := spanRecorder.Ended()
		require.Len(t, spans, 1)
		require.Equal(t, "Verifier.Verify", spans[0].Name())

		attrs := map[string]string{}
		for _, kv := range spans[0].Attributes() {
			attrs[string(kv.Key)] = kv.Value.AsString()
		}
		require.Equal(t, outcomeInvalid, attrs["sso.outcome"])
	})
}
