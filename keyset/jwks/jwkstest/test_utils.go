// Package jwkstest serves discovery documents and JWK sets for tests.
package jwkstest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MicahParks/jwkset"
	"github.com/familiez/sso-verifier/metadata"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	KID = "k1"
)

type StaticMetadataProvider struct {
	Md metadata.Metadata
}

func (smp *StaticMetadataProvider) GetMetadata(ctx context.Context) (metadata.Metadata, error) {
	return smp.Md, nil
}

// KeyJSON renders the public half of priv as a JWK with the given kid.
func KeyJSON(t *testing.T, ctx context.Context, priv *rsa.PrivateKey, kid string) json.RawMessage {
	jwkOptions := jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			KID: kid,
		},
	}
	jwk, err := jwkset.NewJWKFromKey(&priv.PublicKey, jwkOptions)
	require.NoError(t, err)

	raw, err := json.Marshal(jwk.Marshal())
	require.NoError(t, err)

	return raw
}

// ServeJwks serves a JWK set holding the public key of priv under KID. The returned function reports
// how many requests the server has answered.
func ServeJwks(t *testing.T, ctx context.Context, priv *rsa.PrivateKey) (string, func() int) {
	serverStore := jwkset.NewMemoryStorage()
	md := jwkset.JWKMetadataOptions{
		KID: KID,
	}
	jwkOptions := jwkset.JWKOptions{
		Metadata: md,
	}
	jwk, err := jwkset.NewJWKFromKey(&priv.PublicKey, jwkOptions)
	require.NoError(t, err)

	err = serverStore.KeyWrite(ctx, jwk)
	require.NoError(t, err)

	rawJWKS, err := serverStore.JSONPublic(ctx)
	require.NoError(t, err)

	return ServeJSON(t, rawJWKS)
}

// ServeKeys serves a JWK set made of the given records, in order.
func ServeKeys(t *testing.T, keys ...json.RawMessage) (string, func() int) {
	raw, err := json.Marshal(map[string]any{"keys": keys})
	require.NoError(t, err)

	return ServeJSON(t, raw)
}

// ServeJSON serves body on every request.
func ServeJSON(t *testing.T, body []byte) (string, func() int) {
	var count atomic.Int64
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(svr.Close)

	return svr.URL, func() int { return int(count.Load()) }
}

// ServeDiscovery serves md as a discovery document.
func ServeDiscovery(t *testing.T, md metadata.Metadata) (string, func() int) {
	raw, err := json.Marshal(md)
	require.NoError(t, err)

	return ServeJSON(t, raw)
}

// SignToken signs claims with priv using RS256 and sets kid in the header.
func SignToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	return signed
}
