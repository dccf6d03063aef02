package oidckit

import (
	"context"
	"errors"

	"github.com/PaulFidika/oidclink/identity"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// IDTokenVerifier validates ID tokens against issuer, audience, and keys.
type IDTokenVerifier struct {
	issuer   string
	clientID string
	keySet   jwk.Set
	nonce    string
}

// VerifierOpt configures an ID token verifier.
type VerifierOpt func(*IDTokenVerifier)

// WithNonce requires the token to carry nonce.
func WithNonce(nonce string) VerifierOpt {
	return func(v *IDTokenVerifier) { v.nonce = nonce }
}

// NewIDTokenVerifier builds a verifier for the specified issuer and client.
func NewIDTokenVerifier(issuer, clientID string, keySet jwk.Set, opts ...VerifierOpt) *IDTokenVerifier {
	v := &IDTokenVerifier{
		issuer:   issuer,
		clientID: clientID,
		keySet:   keySet,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks signature, issuer, audience, expiry and nonce, and returns
// every claim in the token.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (identity.Claims, error) {
	if v.keySet == nil {
		return nil, errors.New("oidc: missing key set")
	}
	token, err := jwt.ParseString(
		rawToken,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	if v.nonce != "" {
		rawNonce, ok := token.Get("nonce")
		if !ok {
			return nil, errors.New("oidc: missing nonce")
		}
		if nonce, ok := rawNonce.(string); !ok || nonce != v.nonce {
			return nil, errors.New("oidc: nonce mismatch")
		}
	}
	if token.Subject() == "" {
		return nil, errors.New("oidc: id_token has no subject")
	}
	m, err := token.AsMap(ctx)
	if err != nil {
		return nil, err
	}
	return identity.Claims(m), nil
}
