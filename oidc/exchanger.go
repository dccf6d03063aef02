package oidckit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/PaulFidika/oidclink/identity"
	"golang.org/x/oauth2"
)

// Exchanger turns an authorization code into verified userinfo claims.
type Exchanger interface {
	Exchange(ctx context.Context, code, verifier, nonce string) (identity.Claims, error)
}

var _ Exchanger = (*RelyingParty)(nil)

// Exchange redeems code with the PKCE verifier, verifies the id_token against
// nonce, then fetches userinfo. The userinfo subject must match the id_token
// subject; email and name missing from userinfo are taken from the id_token.
func (rp *RelyingParty) Exchange(ctx context.Context, code, verifier, nonce string) (identity.Claims, error) {
	ctx = rp.withClient(ctx)
	tok, err := rp.oauthConfig.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("oidc: token exchange failed: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("oidc: no id_token in response")
	}
	keySet, err := rp.KeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("oidc: jwks fetch failed: %w", err)
	}
	idClaims, err := NewIDTokenVerifier(rp.issuer, rp.clientID, keySet, WithNonce(nonce)).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: id_token verification failed: %w", err)
	}

	info, err := rp.Userinfo(ctx, tok)
	if err != nil {
		return nil, err
	}
	idSub, _ := idClaims.Subject()
	if sub, _ := info.Subject(); sub != idSub {
		return nil, fmt.Errorf("oidc: userinfo subject %q does not match id_token subject %q", sub, idSub)
	}
	for _, k := range []string{identity.ClaimEmail, identity.ClaimName} {
		if _, ok := info[k]; !ok {
			if v, ok := idClaims[k]; ok {
				info[k] = v
			}
		}
	}
	return info, nil
}

// Userinfo calls the userinfo endpoint with the access token.
func (rp *RelyingParty) Userinfo(ctx context.Context, tok *oauth2.Token) (identity.Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rp.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := rp.oauthConfig.Client(rp.withClient(ctx), tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc: userinfo request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc: userinfo returned %s", resp.Status)
	}
	var info identity.Claims
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("oidc: decoding userinfo: %w", err)
	}
	if info == nil {
		info = identity.Claims{}
	}
	return info, nil
}
