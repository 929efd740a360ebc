package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrKeyNotFound means no record in the set carries the requested key identifier.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidKeyMaterial means the matching record could not be turned into a public key.
	ErrInvalidKeyMaterial = errors.New("signing key material is invalid")
)

// Provider is a pluggable provider of JSON Web Key Sets.
type Provider interface {
	// GetKeySet gets the current key set of the issuer.
	GetKeySet(ctx context.Context) (*KeySet, error)
}

type record struct {
	kid string
	jwk jwkset.JWK
	err error
}

// KeySet is a fetched JSON Web Key Set. Records keep the order they were published in.
type KeySet struct {
	records []record
	keyfunc keyfunc.Keyfunc
}

// Parse builds a KeySet from a JWKS document. A record whose key material is unusable does not fail
// the whole set; it fails lookups of its key identifier instead.
func Parse(raw []byte) (*KeySet, error) {
	var marshal jwkset.JWKSMarshal
	if err := json.Unmarshal(raw, &marshal); err != nil {
		return nil, fmt.Errorf("decoding jwks: %w", err)
	}

	ks := &KeySet{records: make([]record, 0, len(marshal.Keys))}
	for _, m := range marshal.Keys {
		jwk, err := jwkset.NewJWKFromMarshal(m, jwkset.JWKMarshalOptions{}, jwkset.JWKValidateOptions{})
		ks.records = append(ks.records, record{kid: m.KID, jwk: jwk, err: err})
	}

	// Only the first record per kid is usable, so only those reach the keyfunc storage
	ctx := context.Background()
	storage := jwkset.NewMemoryStorage()
	seen := make(map[string]struct{}, len(ks.records))
	for _, r := range ks.records {
		if r.kid == "" {
			continue
		}
		if _, dup := seen[r.kid]; dup {
			continue
		}
		seen[r.kid] = struct{}{}
		if r.err != nil {
			continue
		}
		if err := storage.KeyWrite(ctx, r.jwk); err != nil {
			return nil, fmt.Errorf("storing jwk %q: %w", r.kid, err)
		}
	}

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("creating keyfunc from jwks: %w", err)
	}
	ks.keyfunc = kf

	return ks, nil
}

// Lookup finds the first record whose key identifier equals kid.
func (ks *KeySet) Lookup(kid string) (jwkset.JWK, error) {
	for _, r := range ks.records {
		if r.kid != kid {
			continue
		}
		if r.err != nil {
			return jwkset.JWK{}, fmt.Errorf("%w: %q: %w", ErrInvalidKeyMaterial, kid, r.err)
		}
		return r.jwk, nil
	}

	return jwkset.JWK{}, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
}

// Len returns the number of records in the set, usable or not.
func (ks *KeySet) Len() int {
	return len(ks.records)
}

// Keyfunc returns a jwt.Keyfunc resolving tokens against this set.
func (ks *KeySet) Keyfunc() jwt.Keyfunc {
	return ks.keyfunc.Keyfunc
}
