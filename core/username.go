package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
)

// UsernameGenerator picks a username for a new account.
type UsernameGenerator interface {
	GenerateUsername(ctx context.Context, email string) (string, error)
}

// UsernameChecker reports whether a username is taken.
type UsernameChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// EmailUsernames derives "<local-part>-<n>" with a random n, retrying on
// collision. When every attempt collides it returns the bare local part and
// leaves the final decision to the store's unique constraint.
type EmailUsernames struct {
	Checker  UsernameChecker
	Attempts int
}

func (g EmailUsernames) GenerateUsername(ctx context.Context, email string) (string, error) {
	local := email
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	base := cleanUsername(local)
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = 100
	}
	for i := 0; i < attempts; i++ {
		candidate := fmt.Sprintf("%s-%d", base, rand.IntN(10000))
		if g.Checker == nil {
			return candidate, nil
		}
		taken, err := g.Checker.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return base, nil
}

// cleanUsername lowercases, maps anything outside [a-z0-9_-] to '-', and caps
// length to 32 so the suffixed name stays under 40.
func cleanUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "user"
	}
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}
