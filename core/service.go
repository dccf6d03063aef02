package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulFidika/oidclink/identity"
	"github.com/sirupsen/logrus"
)

// Path records which branch resolved the claims.
type Path string

const (
	PathRecognized Path = "recognized"
	PathSynced     Path = "synced"
	PathCreated    Path = "created"
)

func (p Path) event() EventKind {
	switch p {
	case PathSynced:
		return EventSynced
	case PathCreated:
		return EventCreated
	default:
		return EventRecognized
	}
}

// Result is a successful resolution.
type Result struct {
	Account *identity.Account
	Path    Path
}

// Service maps verified OIDC claims to exactly one local account.
//
// Two concurrent first logins for the same new subject can both miss the
// lookups and both try to create. Only a unique index on the subject inside
// the metadata namespace prevents the second row; when the store reports that
// conflict, Resolve looks the subject up once more and returns the winner.
type Service struct {
	store     identity.Store
	cfg       Config
	normalize Normalizer
	secrets   SecretGenerator
	usernames UsernameGenerator
	notifier  Notifier
	log       logrus.FieldLogger
	now       func() time.Time
}

// Option overrides one capability of the Service.
type Option func(*Service)

func WithNormalizer(n Normalizer) Option { return func(s *Service) { s.normalize = n } }

func WithSecretGenerator(g SecretGenerator) Option { return func(s *Service) { s.secrets = g } }

func WithUsernameGenerator(g UsernameGenerator) Option { return func(s *Service) { s.usernames = g } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

// New builds a Service. The store is also used to check username availability.
func New(store identity.Store, cfg Config, opts ...Option) *Service {
	cfg = cfg.defaulted()
	s := &Service{
		store:     store,
		cfg:       cfg,
		normalize: ClaimsNormalizer{Namespace: cfg.Namespace},
		secrets:   RandomSecret{},
		usernames: EmailUsernames{Checker: store},
		notifier:  nopNotifier{},
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveOrCreate returns the account for claims, creating or linking one if needed.
func (s *Service) ResolveOrCreate(ctx context.Context, claims identity.Claims) (*identity.Account, error) {
	res, err := s.Resolve(ctx, claims)
	if err != nil {
		return nil, err
	}
	return res.Account, nil
}

// Resolve runs the subject lookup, then the email lookup, then creation.
// Each path performs at most one store write.
func (s *Service) Resolve(ctx context.Context, claims identity.Claims) (Result, error) {
	if err := claims.Validate(); err != nil {
		email, _ := claims.Email()
		return Result{}, &ResolutionError{Kind: ErrMalformedClaims, Email: email, Err: err}
	}
	sub, _ := claims.Subject()
	email, _ := claims.Email()

	acct, err := s.findBySubject(ctx, sub)
	if err != nil {
		return Result{}, err
	}
	if acct != nil {
		return s.done(ctx, acct, PathRecognized), nil
	}

	matches, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return Result{}, fmt.Errorf("core: finding accounts by email: %w", err)
	}
	switch len(matches) {
	case 0:
		acct, err := s.Create(ctx, claims)
		if errors.Is(err, identity.ErrConflict) {
			return s.afterCreateConflict(ctx, sub, err)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Account: acct, Path: PathCreated}, nil
	case 1:
		acct, err := s.Sync(ctx, matches[0], claims)
		if err != nil {
			return Result{}, err
		}
		return Result{Account: acct, Path: PathSynced}, nil
	default:
		s.log.WithFields(logrus.Fields{
			"email":      email,
			"candidates": len(matches),
		}).Error("unable to uniquely identify account")
		return Result{}, &ResolutionError{Kind: ErrAmbiguousIdentity, Email: email, Candidates: len(matches)}
	}
}

func (s *Service) findBySubject(ctx context.Context, sub string) (*identity.Account, error) {
	acct, err := s.store.FindByMetadataField(ctx, s.cfg.Namespace, identity.ClaimSubject, sub)
	if err != nil {
		return nil, fmt.Errorf("core: finding account by subject: %w", err)
	}
	return acct, nil
}

// afterCreateConflict handles a lost first-login race: another request may
// have created the account for sub between our lookup and our insert.
func (s *Service) afterCreateConflict(ctx context.Context, sub string, createErr error) (Result, error) {
	acct, err := s.findBySubject(ctx, sub)
	if err != nil || acct == nil {
		return Result{}, createErr
	}
	s.log.WithField("account_id", acct.ID).Info("account created concurrently, using existing")
	return s.done(ctx, acct, PathRecognized), nil
}

// Sync links acct, found by email, to the subject in claims.
func (s *Service) Sync(ctx context.Context, acct *identity.Account, claims identity.Claims) (*identity.Account, error) {
	meta, err := s.normalize.Normalize(claims)
	if err != nil {
		return nil, err
	}
	patch := identity.AccountPatch{Metadata: meta}
	if acct.DisplayName == "" {
		if name, ok := claims.Name(); ok && name != "" {
			patch.DisplayName = &name
		}
	}
	if s.cfg.MungePassword {
		secret, err := s.secrets.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("core: generating credential: %w", err)
		}
		patch.Credential = &secret
	}
	updated, err := s.store.Patch(ctx, acct.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("core: patching account %s: %w", acct.ID, err)
	}
	s.done(ctx, updated, PathSynced)
	return updated, nil
}

// Create provisions a new account from claims.
func (s *Service) Create(ctx context.Context, claims identity.Claims) (*identity.Account, error) {
	email, _ := claims.Email()
	name, _ := claims.Name()
	meta, err := s.normalize.Normalize(claims)
	if err != nil {
		return nil, err
	}
	username, err := s.usernames.GenerateUsername(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("core: generating username: %w", err)
	}
	secret, err := s.secrets.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("core: generating credential: %w", err)
	}
	in := identity.NewAccount{
		Username:    username,
		Email:       email,
		DisplayName: name,
		Credential:  secret,
		Metadata:    meta,
	}
	if s.cfg.PreserveSubjectAsID {
		in.ID, _ = claims.Subject()
	}
	acct, err := s.store.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("core: creating account: %w", err)
	}
	s.done(ctx, acct, PathCreated)
	return acct, nil
}

// done emits the path's event. Notifier failures are only logged.
func (s *Service) done(ctx context.Context, acct *identity.Account, path Path) Result {
	ev := Event{Kind: path.event(), AccountID: acct.ID, At: s.now()}
	log := s.log.WithFields(logrus.Fields{"account_id": acct.ID, "path": string(path)})
	if err := s.notifier.Notify(ctx, ev); err != nil {
		log.WithError(err).WithField("event", string(ev.Kind)).Warn("identity event not delivered")
	}
	log.Debug("identity resolved")
	return Result{Account: acct, Path: path}
}
