package metadata

import (
	"context"
)

// Provider is a pluggable provider of OIDC metadata.
type Provider interface {
	GetMetadata(ctx context.Context) (Metadata, error)
}

// Metadata represents the OIDC discovery document. Only the issuer and the endpoints we call are kept.
// See: https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type Metadata struct {
	Issuer        string `json:"issuer"`
	JwksUri       string `json:"jwks_uri"`
	TokenEndpoint string `json:"token_endpoint"`
}
