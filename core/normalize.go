package core

import (
	"encoding/json"
	"fmt"

	"github.com/PaulFidika/oidclink/identity"
)

// Normalizer shapes claims into the metadata namespaces they should occupy.
type Normalizer interface {
	Normalize(claims identity.Claims) (identity.Metadata, error)
}

// ClaimsNormalizer stores a copy of the full claims under Namespace.
type ClaimsNormalizer struct {
	Namespace string
}

func (n ClaimsNormalizer) Normalize(claims identity.Claims) (identity.Metadata, error) {
	ns := n.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	raw, err := json.Marshal(claims.Clone())
	if err != nil {
		return nil, fmt.Errorf("core: encoding claims: %w", err)
	}
	return identity.Metadata{ns: raw}, nil
}
