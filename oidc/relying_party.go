package oidckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/oauth2"
)

// RelyingParty holds discovery-backed OIDC configuration for the provider.
type RelyingParty struct {
	issuer      string
	clientID    string
	jwksURL     string
	userinfoURL string
	oauthConfig *oauth2.Config
	httpClient  *http.Client
}

// RPConfig is the client registration with the provider.
type RPConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string // empty for public clients relying on PKCE alone
	RedirectURL  string
	Scopes       []string
	// HTTPClient is used for discovery, JWKS, token and userinfo calls.
	HTTPClient *http.Client
}

type discoveryDoc struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// NewRelyingParty discovers OIDC metadata and constructs a relying party.
func NewRelyingParty(ctx context.Context, cfg RPConfig) (*RelyingParty, error) {
	trimmedIssuer := strings.TrimRight(cfg.Issuer, "/")
	if trimmedIssuer == "" {
		return nil, errors.New("oidc: issuer is empty")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	doc, err := discoverOIDC(ctx, hc, trimmedIssuer)
	if err != nil {
		return nil, err
	}
	effectiveIssuer := doc.Issuer
	if effectiveIssuer == "" {
		effectiveIssuer = cfg.Issuer
	}
	return &RelyingParty{
		issuer:      effectiveIssuer,
		clientID:    cfg.ClientID,
		jwksURL:     doc.JWKSURI,
		userinfoURL: doc.UserinfoEndpoint,
		httpClient:  hc,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       ensureOpenID(cfg.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
	}, nil
}

// OAuthConfig returns the OAuth2 configuration derived from discovery.
func (rp *RelyingParty) OAuthConfig() *oauth2.Config { return rp.oauthConfig }

// Issuer returns the issuer URL associated with the relying party.
func (rp *RelyingParty) Issuer() string { return rp.issuer }

// ClientID returns the OAuth client_id for the relying party.
func (rp *RelyingParty) ClientID() string { return rp.clientID }

// UserinfoURL returns the discovered userinfo endpoint.
func (rp *RelyingParty) UserinfoURL() string { return rp.userinfoURL }

// KeySet fetches the current JWKS for signature verification.
func (rp *RelyingParty) KeySet(ctx context.Context) (jwk.Set, error) {
	if rp.jwksURL == "" {
		return nil, errors.New("oidc: missing jwks_uri")
	}
	return jwk.Fetch(ctx, rp.jwksURL, jwk.WithHTTPClient(rp.httpClient))
}

// withClient makes oauth2 use the relying party's HTTP client.
func (rp *RelyingParty) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, rp.httpClient)
}

// AuthURL builds the authorization URL carrying state, nonce and the S256 challenge.
func (rp *RelyingParty) AuthURL(state, nonce string, pkce PKCE) string {
	return rp.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func discoverOIDC(ctx context.Context, hc *http.Client, issuer string) (*discoveryDoc, error) {
	discoveryURL := issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oidc: discovery failed: %s", resp.Status)
	}
	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	discoveredIssuer := strings.TrimRight(doc.Issuer, "/")
	if discoveredIssuer != "" && discoveredIssuer != issuer {
		return nil, fmt.Errorf("oidc: issuer mismatch: %s", doc.Issuer)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" || doc.UserinfoEndpoint == "" {
		return nil, errors.New("oidc: discovery missing endpoints")
	}
	return &doc, nil
}

func ensureOpenID(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{"openid", "email", "profile"}
	}
	for _, s := range scopes {
		if s == "openid" {
			return scopes
		}
	}
	return append([]string{"openid"}, scopes...)
}
