package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/PaulFidika/oidclink/identity"
	memorystore "github.com/PaulFidika/oidclink/storage/memory"
	"github.com/sirupsen/logrus"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *memorystore.AccountStore, *recordingNotifier) {
	t.Helper()
	store := memorystore.NewAccountStore(DefaultNamespace)
	rec := &recordingNotifier{}
	opts = append([]Option{WithNotifier(rec), WithLogger(quietLogger())}, opts...)
	return New(store, cfg, opts...), store, rec
}

func linkedMeta(t *testing.T, sub string) identity.Metadata {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"sub": sub})
	if err != nil {
		t.Fatal(err)
	}
	return identity.Metadata{DefaultNamespace: raw}
}

func namespaceClaims(t *testing.T, a *identity.Account) map[string]any {
	t.Helper()
	raw, ok := a.Metadata.Namespace(DefaultNamespace)
	if !ok {
		t.Fatalf("account %s has no %s namespace", a.ID, DefaultNamespace)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode namespace: %v", err)
	}
	return m
}

func TestResolve_CreatesNewAccount(t *testing.T) {
	svc, store, rec := newTestService(t, Config{})
	claims := identity.Claims{"sub": "abc123", "email": "new@example.com", "name": "New Person"}

	res, err := svc.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a := res.Account
	if res.Path != PathCreated {
		t.Fatalf("path = %q, want created", res.Path)
	}
	if a.Email != "new@example.com" || a.DisplayName != "New Person" {
		t.Fatalf("account = %#v", a)
	}
	if got := namespaceClaims(t, a)["sub"]; got != "abc123" {
		t.Fatalf("oidc_identity.sub = %v", got)
	}
	if a.Credential == "" {
		t.Fatalf("expected generated credential")
	}
	if a.Username == "" || a.ID == "abc123" {
		t.Fatalf("unexpected username/id: %q / %q", a.Username, a.ID)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != EventCreated || rec.events[0].AccountID != a.ID {
		t.Fatalf("events = %#v", rec.events)
	}
	if store.Writes() != 1 {
		t.Fatalf("writes = %d, want 1", store.Writes())
	}
}

func TestResolve_PreserveSubjectAsID(t *testing.T) {
	svc, _, _ := newTestService(t, Config{PreserveSubjectAsID: true})
	a, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "legacy-42", "email": "x@example.com", "name": "X"})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if a.ID != "legacy-42" {
		t.Fatalf("id = %q, want subject", a.ID)
	}
}

func TestResolve_IdempotentRecognition(t *testing.T) {
	svc, store, rec := newTestService(t, Config{})
	claims := identity.Claims{"sub": "s1", "email": "p@example.com", "name": "P"}

	first, err := svc.ResolveOrCreate(context.Background(), claims)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := svc.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.Account.ID != first.ID {
		t.Fatalf("second resolve returned %s, want %s", res.Account.ID, first.ID)
	}
	if res.Path != PathRecognized {
		t.Fatalf("path = %q", res.Path)
	}
	if store.Writes() != 1 {
		t.Fatalf("writes = %d, want 1", store.Writes())
	}
	if len(rec.events) != 2 || rec.events[1].Kind != EventRecognized || rec.events[1].AccountID != first.ID {
		t.Fatalf("events = %#v", rec.events)
	}
}

func TestResolve_RecognizedReturnsAccountUnchanged(t *testing.T) {
	svc, store, _ := newTestService(t, Config{MungePassword: true})
	store.Put(identity.Account{ID: "u1", Email: "old@example.com", DisplayName: "Old", Credential: "keep", Metadata: linkedMeta(t, "sub-1")})

	a, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "sub-1", "email": "changed@example.com", "name": "New"})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if a.ID != "u1" || a.Email != "old@example.com" || a.DisplayName != "Old" || a.Credential != "keep" {
		t.Fatalf("account changed: %#v", a)
	}
	if store.Writes() != 0 {
		t.Fatalf("writes = %d, want 0", store.Writes())
	}
}

func TestSync_PreservesSiblingMetadata(t *testing.T) {
	svc, store, rec := newTestService(t, Config{})
	sibling := json.RawMessage(`{"k": "v"}`)
	store.Put(identity.Account{
		ID:       "u1",
		Username: "alice",
		Email:    "Alice@Example.com",
		Metadata: identity.Metadata{
			"other_plugin":   sibling,
			DefaultNamespace: json.RawMessage(`{"sub":"stale","legacy":true}`),
		},
	})

	res, err := svc.Resolve(context.Background(), identity.Claims{"sub": "s-new", "email": "alice@example.com", "name": "Alice"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Path != PathSynced {
		t.Fatalf("path = %q", res.Path)
	}
	stored, _ := store.Get("u1")
	if string(stored.Metadata["other_plugin"]) != string(sibling) {
		t.Fatalf("sibling namespace changed: %s", stored.Metadata["other_plugin"])
	}
	ns := namespaceClaims(t, stored)
	if ns["sub"] != "s-new" {
		t.Fatalf("sub = %v", ns["sub"])
	}
	if _, ok := ns["legacy"]; ok {
		t.Fatalf("stale claims kept: %v", ns)
	}
	if stored.ID != "u1" || stored.Username != "alice" {
		t.Fatalf("id/username changed: %#v", stored)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != EventSynced || rec.events[0].AccountID != "u1" {
		t.Fatalf("events = %#v", rec.events)
	}
	if store.Writes() != 1 {
		t.Fatalf("writes = %d", store.Writes())
	}

	// The next login takes the subject path.
	res, err = svc.Resolve(context.Background(), identity.Claims{"sub": "s-new", "email": "alice@example.com", "name": "Alice"})
	if err != nil || res.Path != PathRecognized {
		t.Fatalf("second resolve: path=%q err=%v", res.Path, err)
	}
}

func TestSync_DisplayName(t *testing.T) {
	svc, store, _ := newTestService(t, Config{})
	store.Put(identity.Account{ID: "named", Email: "named@example.com", DisplayName: "Local Name"})
	store.Put(identity.Account{ID: "blank", Email: "blank@example.com"})

	a, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "1", "email": "named@example.com", "name": "Remote Name"})
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	if a.DisplayName != "Local Name" {
		t.Fatalf("display name overwritten: %q", a.DisplayName)
	}
	b, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "2", "email": "blank@example.com", "name": "Remote Name"})
	if err != nil {
		t.Fatalf("blank: %v", err)
	}
	if b.DisplayName != "Remote Name" {
		t.Fatalf("display name not adopted: %q", b.DisplayName)
	}
}

func TestSync_MungePassword(t *testing.T) {
	for _, munge := range []bool{true, false} {
		t.Run(fmt.Sprintf("munge=%v", munge), func(t *testing.T) {
			svc, store, _ := newTestService(t, Config{MungePassword: munge})
			store.Put(identity.Account{ID: "u1", Email: "m@example.com", Credential: "old-hash"})

			if _, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "m", "email": "m@example.com", "name": "M"}); err != nil {
				t.Fatalf("ResolveOrCreate: %v", err)
			}
			stored, _ := store.Get("u1")
			changed := stored.Credential != "old-hash"
			if changed != munge {
				t.Fatalf("credential changed = %v, want %v", changed, munge)
			}
			if munge && stored.Credential == "" {
				t.Fatalf("credential emptied")
			}
		})
	}
}

func TestResolve_AmbiguousIdentity(t *testing.T) {
	svc, store, rec := newTestService(t, Config{})
	store.Put(identity.Account{ID: "a", Email: "a@example.com"})
	store.Put(identity.Account{ID: "b", Email: "A@example.com"})

	_, err := svc.Resolve(context.Background(), identity.Claims{"sub": "new", "email": "a@example.com", "name": "A"})
	if !errors.Is(err, ErrAmbiguousIdentity) {
		t.Fatalf("expected ErrAmbiguousIdentity, got %v", err)
	}
	var rerr *ResolutionError
	if !errors.As(err, &rerr) || rerr.Candidates != 2 || rerr.Email != "a@example.com" {
		t.Fatalf("resolution error = %#v", rerr)
	}
	if store.Writes() != 0 {
		t.Fatalf("writes = %d, want 0", store.Writes())
	}
	if len(rec.events) != 0 {
		t.Fatalf("events emitted on failure: %#v", rec.events)
	}
}

func TestResolve_MalformedClaims(t *testing.T) {
	svc, store, rec := newTestService(t, Config{})
	for _, c := range []identity.Claims{
		{"email": "x@example.com", "name": "X"},
		{"sub": "x", "name": "X"},
		{"sub": "x", "email": "x@example.com"},
		{"sub": 7, "email": "x@example.com", "name": "X"},
	} {
		_, err := svc.Resolve(context.Background(), c)
		if !errors.Is(err, ErrMalformedClaims) {
			t.Fatalf("%v: expected ErrMalformedClaims, got %v", c, err)
		}
	}
	if store.Writes() != 0 || len(rec.events) != 0 {
		t.Fatalf("side effects on malformed claims: writes=%d events=%d", store.Writes(), len(rec.events))
	}
}

func TestResolve_NotifierFailureDoesNotFail(t *testing.T) {
	svc, _, rec := newTestService(t, Config{})
	rec.err = errors.New("broker down")
	a, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "n", "email": "n@example.com", "name": "N"})
	if err != nil || a == nil {
		t.Fatalf("expected success despite notifier error, got %v", err)
	}
}

// racingStore lets another login win between the lookups and the insert.
type racingStore struct {
	*memorystore.AccountStore
	winner identity.Account
	raced  bool
}

func (r *racingStore) Create(ctx context.Context, in identity.NewAccount) (*identity.Account, error) {
	if !r.raced {
		r.raced = true
		r.AccountStore.Put(r.winner)
	}
	return r.AccountStore.Create(ctx, in)
}

func TestResolve_LostCreateRaceReturnsWinner(t *testing.T) {
	base := memorystore.NewAccountStore(DefaultNamespace)
	rs := &racingStore{AccountStore: base, winner: identity.Account{ID: "winner", Email: "r@example.com", Metadata: linkedMeta(t, "race")}}
	rec := &recordingNotifier{}
	svc := New(rs, Config{}, WithNotifier(rec), WithLogger(quietLogger()))

	res, err := svc.Resolve(context.Background(), identity.Claims{"sub": "race", "email": "r@example.com", "name": "R"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Account.ID != "winner" || res.Path != PathRecognized {
		t.Fatalf("got %s via %s", res.Account.ID, res.Path)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != EventRecognized {
		t.Fatalf("events = %#v", rec.events)
	}
}

type failingCreateStore struct {
	*memorystore.AccountStore
	err error
}

func (f failingCreateStore) Create(context.Context, identity.NewAccount) (*identity.Account, error) {
	return nil, f.err
}

func TestResolve_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("disk full")
	svc := New(failingCreateStore{memorystore.NewAccountStore(DefaultNamespace), boom}, Config{}, WithLogger(quietLogger()))
	_, err := svc.Resolve(context.Background(), identity.Claims{"sub": "z", "email": "z@example.com", "name": "Z"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

type fixedSecret string

func (f fixedSecret) GenerateSecret() (string, error) { return string(f), nil }

type fixedUsername string

func (f fixedUsername) GenerateUsername(context.Context, string) (string, error) {
	return string(f), nil
}

func TestNew_CapabilitiesAreReplaceable(t *testing.T) {
	svc, _, _ := newTestService(t, Config{Namespace: "sso"},
		WithSecretGenerator(fixedSecret("Fixed1!x")),
		WithUsernameGenerator(fixedUsername("chosen")),
	)
	a, err := svc.ResolveOrCreate(context.Background(), identity.Claims{"sub": "c", "email": "c@example.com", "name": "C"})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if a.Credential != "Fixed1!x" || a.Username != "chosen" {
		t.Fatalf("overrides ignored: %#v", a)
	}
	if _, ok := a.Metadata.Namespace("sso"); !ok {
		t.Fatalf("custom namespace not used: %v", a.Metadata)
	}
}
