// Package testing provides a mock OpenID provider for integration tests.
// It serves discovery, JWKS, token and userinfo endpoints over httptest and
// enforces PKCE and nonce the way a real provider would.
//
// Example usage:
//
//	op := testing.NewProvider("test-client")
//	defer op.Close()
//
//	op.SetClaims(map[string]any{"sub": "abc", "email": "a@example.com", "name": "A"})
//	code := op.Authorize(pkce.Challenge, nonce)
package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

type grant struct {
	challenge string
	nonce     string
	claims    map[string]any
}

// Provider is a minimal in-process OpenID provider.
type Provider struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	kid      string
	clientID string

	mu     sync.Mutex
	claims map[string]any
	codes  map[string]grant
	tokens map[string]map[string]any
	// UserinfoOverride, when set, is returned from userinfo instead of the
	// claims captured at authorization time.
	UserinfoOverride map[string]any
	// IDTokenNonce, when set, replaces the nonce placed in the id_token.
	IDTokenNonce string
}

// NewProvider starts a provider that accepts clientID as audience.
func NewProvider(clientID string) *Provider {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("failed to create RSA key: " + err.Error())
	}
	p := &Provider{
		key:      key,
		kid:      "test-key-1",
		clientID: clientID,
		codes:    map[string]grant{},
		tokens:   map[string]map[string]any{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/.well-known/jwks.json", p.handleJWKS)
	mux.HandleFunc("/authorize", p.handleAuthorize)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserinfo)
	p.server = httptest.NewServer(mux)
	return p
}

// URL is the issuer.
func (p *Provider) URL() string { return p.server.URL }

// Client returns an HTTP client that talks to the provider.
func (p *Provider) Client() *http.Client { return p.server.Client() }

// Close shuts down the test server.
func (p *Provider) Close() {
	if p.server != nil {
		p.server.Close()
	}
}

// SetClaims sets the identity issued by the next authorizations.
func (p *Provider) SetClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

// Authorize simulates the user approving the login and returns the code.
func (p *Provider) Authorize(challenge, nonce string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := randomString()
	p.codes[code] = grant{challenge: challenge, nonce: nonce, claims: p.claims}
	return code
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := p.URL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 base,
		"authorization_endpoint": base + "/authorize",
		"token_endpoint":         base + "/token",
		"userinfo_endpoint":      base + "/userinfo",
		"jwks_uri":               base + "/.well-known/jwks.json",
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	k, err := jwk.FromRaw(&p.key.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = k.Set(jwk.KeyIDKey, p.kid)
	_ = k.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = k.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	_ = set.AddKey(k)
	writeJSON(w, http.StatusOK, set)
}

// handleAuthorize redirects straight back with a code, as if the user consented.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}
	code := p.Authorize(q.Get("code_challenge"), q.Get("nonce"))
	dest, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	v := dest.Query()
	v.Set("code", code)
	v.Set("state", q.Get("state"))
	dest.RawQuery = v.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	p.mu.Lock()
	g, ok := p.codes[r.PostForm.Get("code")]
	delete(p.codes, r.PostForm.Get("code"))
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce verification failed"})
		return
	}

	nonce := g.nonce
	if p.IDTokenNonce != "" {
		nonce = p.IDTokenNonce
	}
	now := time.Now()
	idClaims := jwt.MapClaims{
		"iss":   p.URL(),
		"aud":   p.clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
	}
	for k, v := range g.claims {
		idClaims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, idClaims)
	tok.Header["kid"] = p.kid
	idToken, err := tok.SignedString(p.key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	access := randomString()
	p.mu.Lock()
	p.tokens[access] = g.claims
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	access := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	claims, ok := p.tokens[access]
	override := p.UserinfoOverride
	p.mu.Unlock()
	if !ok {
		http.Error(w, "invalid_token", http.StatusUnauthorized)
		return
	}
	if override != nil {
		claims = override
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rand: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
