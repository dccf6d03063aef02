package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/PaulFidika/oidclink/core"
	"github.com/PaulFidika/oidclink/identity"
	oidckit "github.com/PaulFidika/oidclink/oidc"
	memorystore "github.com/PaulFidika/oidclink/storage/memory"
	oidctest "github.com/PaulFidika/oidclink/testing"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type harness struct {
	op     *oidctest.Provider
	states *memorystore.StateCache
	store  *memorystore.AccountStore
	router *gin.Engine
}

func newHarness(t *testing.T, respond Responder) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	op := oidctest.NewProvider("test-client")
	t.Cleanup(op.Close)
	rp, err := oidckit.NewRelyingParty(context.Background(), oidckit.RPConfig{
		Issuer:      op.URL(),
		ClientID:    "test-client",
		RedirectURL: "http://app.local/auth/oidc/callback",
		HTTPClient:  op.Client(),
	})
	if err != nil {
		t.Fatalf("NewRelyingParty: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	states := memorystore.NewStateCache(0)
	t.Cleanup(func() { _ = states.Close() })
	store := memorystore.NewAccountStore(core.DefaultNamespace)
	svc := core.New(store, core.Config{}, core.WithLogger(log))

	r := gin.New()
	r.GET("/auth/oidc/login", HandleOIDCLoginGET(rp, states, log))
	r.GET("/auth/oidc/callback", HandleOIDCCallbackGET(CallbackConfig{
		Exchanger: rp,
		States:    states,
		Resolver:  svc,
		Respond:   respond,
		Log:       log,
	}))
	return &harness{op: op, states: states, store: store, router: r}
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

// login runs the login step and approves it at the provider, returning the
// callback query.
func (h *harness) login(t *testing.T, loginPath string) url.Values {
	t.Helper()
	w := h.get(loginPath)
	if w.Code != http.StatusFound {
		t.Fatalf("login status = %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	q := loc.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("nonce") == "" || q.Get("state") == "" {
		t.Fatalf("authorization URL missing parameters: %s", loc)
	}
	code := h.op.Authorize(q.Get("code_challenge"), q.Get("nonce"))
	return url.Values{"code": {code}, "state": {q.Get("state")}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return body
}

func TestOIDCFlow_CreatesThenRecognizes(t *testing.T) {
	h := newHarness(t, nil)
	h.op.SetClaims(map[string]any{"sub": "abc123", "email": "new@example.com", "name": "New Person"})

	w := h.get("/auth/oidc/callback?" + h.login(t, "/auth/oidc/login?return_to=/home").Encode())
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d body=%s", w.Code, w.Body.String())
	}
	first := decode(t, w)
	if first["path"] != "created" || first["user_id"] == "" || first["return_to"] != "/home" {
		t.Fatalf("first login = %v", first)
	}
	if h.states.Len() != 0 {
		t.Fatalf("state not consumed")
	}

	w = h.get("/auth/oidc/callback?" + h.login(t, "/auth/oidc/login").Encode())
	second := decode(t, w)
	if second["path"] != "recognized" || second["user_id"] != first["user_id"] {
		t.Fatalf("second login = %v, first = %v", second, first)
	}
}

func TestOIDCFlow_SyncsExistingEmail(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Put(identity.Account{ID: "u1", Email: "Old@Example.com", Metadata: identity.Metadata{"prefs": json.RawMessage(`{"theme":"dark"}`)}})
	h.op.SetClaims(map[string]any{"sub": "s-9", "email": "old@example.com", "name": "Old"})

	w := h.get("/auth/oidc/callback?" + h.login(t, "/auth/oidc/login").Encode())
	body := decode(t, w)
	if body["path"] != "synced" || body["user_id"] != "u1" {
		t.Fatalf("body = %v", body)
	}
	a, _ := h.store.Get("u1")
	if string(a.Metadata["prefs"]) != `{"theme":"dark"}` {
		t.Fatalf("sibling metadata lost: %v", a.Metadata)
	}
}

func TestOIDCCallback_AmbiguousIsConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Put(identity.Account{ID: "a", Email: "dup@example.com"})
	h.store.Put(identity.Account{ID: "b", Email: "dup@example.com"})
	h.op.SetClaims(map[string]any{"sub": "s", "email": "dup@example.com", "name": "D"})

	w := h.get("/auth/oidc/callback?" + h.login(t, "/auth/oidc/login").Encode())
	if w.Code != http.StatusConflict || decode(t, w)["error"] != "ambiguous_identity" {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if h.store.Writes() != 0 {
		t.Fatalf("ambiguous login wrote to the store")
	}
}

func TestOIDCCallback_MalformedClaimsIsForbidden(t *testing.T) {
	h := newHarness(t, nil)
	h.op.SetClaims(map[string]any{"sub": "s", "name": "No Email"})

	w := h.get("/auth/oidc/callback?" + h.login(t, "/auth/oidc/login").Encode())
	if w.Code != http.StatusForbidden || decode(t, w)["error"] != "malformed_claims" {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestOIDCCallback_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.op.SetClaims(map[string]any{"sub": "s", "email": "e@example.com", "name": "E"})

	if w := h.get("/auth/oidc/callback?code=x"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing state: %d", w.Code)
	}
	if w := h.get("/auth/oidc/callback?code=x&state=unknown"); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown state: %d", w.Code)
	}
	if w := h.get("/auth/oidc/callback?error=access_denied"); w.Code != http.StatusUnauthorized {
		t.Fatalf("provider error: %d", w.Code)
	}

	q := h.login(t, "/auth/oidc/login")
	if w := h.get("/auth/oidc/callback?" + q.Encode()); w.Code != http.StatusOK {
		t.Fatalf("first use: %d", w.Code)
	}
	if w := h.get("/auth/oidc/callback?" + q.Encode()); w.Code != http.StatusBadRequest {
		t.Fatalf("replayed state: %d", w.Code)
	}

	q = h.login(t, "/auth/oidc/login")
	q.Set("code", "forged")
	if w := h.get("/auth/oidc/callback?" + q.Encode()); w.Code != http.StatusUnauthorized {
		t.Fatalf("forged code: %d", w.Code)
	}
}

func TestOIDCCallback_CustomResponder(t *testing.T) {
	var got core.Result
	h := newHarness(t, func(c *gin.Context, res core.Result, st oidckit.StateData) {
		got = res
		c.Redirect(http.StatusFound, st.ReturnTo)
	})
	h.op.SetClaims(map[string]any{"sub": "s", "email": "e@example.com", "name": "E"})

	w := h.get("/auth/oidc/callback?" + h.login(t, "/auth/oidc/login?return_to=/dash").Encode())
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/dash" {
		t.Fatalf("status = %d location = %q", w.Code, w.Header().Get("Location"))
	}
	if got.Path != core.PathCreated || got.Account == nil {
		t.Fatalf("responder got %#v", got)
	}
}

func TestSafeReturnTo(t *testing.T) {
	cases := map[string]string{
		"/home":             "/home",
		"//evil.example":    "",
		"https://evil.test": "",
		`/\evil`:            "",
		"":                  "",
	}
	for in, want := range cases {
		if got := safeReturnTo(in); got != want {
			t.Errorf("safeReturnTo(%q) = %q, want %q", in, got, want)
		}
	}
}
