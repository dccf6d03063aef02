package core

import (
	"crypto/rand"

	"github.com/mr-tron/base58"
)

// SecretGenerator produces an opaque credential for accounts whose login goes
// through the identity provider.
type SecretGenerator interface {
	GenerateSecret() (string, error)
}

// secretSuffix guarantees upper, lower, digit and symbol classes.
const secretSuffix = "1A!a_"

// RandomSecret base58-encodes Bytes of crypto/rand output and appends a fixed
// suffix covering every character class. The random part alone is ~1.37
// characters per byte, so 60 bytes yields about 82 characters.
type RandomSecret struct {
	Bytes int
}

func (g RandomSecret) GenerateSecret() (string, error) {
	n := g.Bytes
	if n <= 0 {
		n = 60
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base58.Encode(b) + secretSuffix, nil
}
