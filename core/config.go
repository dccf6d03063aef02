package core

import "strings"

// DefaultNamespace is the metadata namespace owned by this integration.
const DefaultNamespace = "oidc_identity"

// Config holds the deployment policy for reconciliation.
type Config struct {
	// MungePassword overwrites the local credential with a random value on
	// every email-matched sync, so linked accounts can only log in through
	// the provider.
	MungePassword bool
	// PreserveSubjectAsID uses the provider subject as the new account's ID.
	PreserveSubjectAsID bool
	// Namespace overrides DefaultNamespace. The bundled migration only indexes
	// the subject under DefaultNamespace; a custom namespace needs its own
	// unique index on (plugin_extras -> Namespace ->> 'sub') or concurrent
	// first logins can create duplicate accounts.
	Namespace string
}

func (c Config) defaulted() Config {
	out := c
	if strings.TrimSpace(out.Namespace) == "" {
		out.Namespace = DefaultNamespace
	}
	return out
}
