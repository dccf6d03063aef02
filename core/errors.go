package core

import (
	"errors"
	"fmt"

	"github.com/PaulFidika/oidclink/identity"
)

var (
	// ErrAmbiguousIdentity means several local accounts share the claimed
	// email and none is linked to the subject. It needs an operator to merge
	// or re-address the accounts; retrying will not help.
	ErrAmbiguousIdentity = errors.New("core: ambiguous identity")
	// ErrMalformedClaims is identity.ErrMalformedClaims, re-exported for callers
	// that only import core.
	ErrMalformedClaims = identity.ErrMalformedClaims
)

// ResolutionError is returned when claims cannot be mapped to one account.
type ResolutionError struct {
	Kind       error  // ErrAmbiguousIdentity or ErrMalformedClaims
	Email      string // claimed email, when known
	Candidates int    // number of same-email accounts for ErrAmbiguousIdentity
	Err        error  // underlying cause, optional
}

func (e *ResolutionError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrAmbiguousIdentity):
		return fmt.Sprintf("%v: %d accounts match %q", e.Kind, e.Candidates, e.Email)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}
