package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/lru"
)

// ErrTryAgain signals a transient (network) verification failure — the
// caller should retry, not treat the credential as invalid (spec.md §4.3).
var ErrTryAgain = errors.New("identity verifier: try again")

// ErrInvalidCredential signals a terminal, non-retryable rejection.
var ErrInvalidCredential = errors.New("identity verifier: invalid credential")

// ErrNoCredential means no credential was present in the request at all —
// distinct from ErrInvalidCredential so callers can silently fall back to
// anonymous on optional-auth endpoints (spec.md §7 "Auth").
var ErrNoCredential = errors.New("identity verifier: no credential presented")

// Identity is the resolved identity of a verified credential.
type Identity struct {
	AuthID domain.AuthIDType
	Name   string
	Email  string
}

// TokenValidator is the subset of Validator/MockValidator this package
// depends on, so tests can substitute a fake.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

const (
	identityCacheCapacity = 1000
	identityCacheTTL      = 5 * time.Minute
)

type cacheEntry struct {
	identity  Identity
	err       error
	expiresAt time.Time
}

// IdentityVerifier extracts a credential from a request, verifies it via
// TokenValidator, and caches the outcome keyed by a hash of the credential
// (spec.md §4.3).
type IdentityVerifier struct {
	validator TokenValidator
	cache     *lru.Cache[string, cacheEntry]
}

// NewIdentityVerifier builds a verifier around validator with a 1000-entry,
// 5-minute result cache.
func NewIdentityVerifier(validator TokenValidator) *IdentityVerifier {
	return &IdentityVerifier{
		validator: validator,
		cache:     lru.New[string, cacheEntry](identityCacheCapacity, "auth"),
	}
}

// ExtractCredential looks for a bearer token in, in order: the
// Authorization header, the __session/__clerk_session cookies, and the
// "token" query parameter (spec.md §4.3).
func ExtractCredential(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok && tok != "" {
			return tok, true
		}
	}
	for _, name := range []string{"__session", "__clerk_session"} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// Verify resolves a credential string to an Identity, consulting the
// result cache first. On a miss the credential must have JWT shape and is
// then verified directly by the TokenValidator. No session-claim lookup is
// performed: a credential carrying a session claim is verified the same way.
func (v *IdentityVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrNoCredential
	}

	key := cacheKey(credential)
	if cached, ok := v.cache.Get(key); ok {
		if time.Now().Before(cached.expiresAt) {
			return cached.identity, cached.err
		}
		v.cache.Delete(key)
	}

	identity, err := v.verifyUncached(ctx, credential)
	// Transient failures are never cached — the next attempt should retry
	// against the identity provider rather than replay a stale rejection.
	if !errors.Is(err, ErrTryAgain) {
		v.cache.Set(key, cacheEntry{identity: identity, err: err, expiresAt: time.Now().Add(identityCacheTTL)})
	}
	return identity, err
}

// verifyUncached first runs a cheap local shape check (exactly two dots)
// that rejects malformed input before paying for a network round trip, then
// verifies the credential directly through the TokenValidator. There is no
// session store, so no session-claim lookup is attempted.
func (v *IdentityVerifier) verifyUncached(ctx context.Context, credential string) (Identity, error) {
	if strings.Count(credential, ".") != 2 {
		return Identity{}, ErrInvalidCredential
	}

	claims, err := v.tryDirectToken(credential)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, ErrTryAgain) {
		return Identity{}, ErrTryAgain
	}
	return Identity{}, ErrInvalidCredential
}

func (v *IdentityVerifier) tryDirectToken(credential string) (Identity, error) {
	claims, err := v.validator.ValidateToken(credential)
	if err != nil {
		if isTransient(err) {
			return Identity{}, ErrTryAgain
		}
		return Identity{}, ErrInvalidCredential
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{AuthID: domain.AuthIDType(claims.Subject), Name: claims.Name, Email: claims.Email}, nil
}

// isTransient distinguishes a network/infra failure from a validation
// rejection. The JWKS client wraps DNS/dial/timeout failures; everything
// else (bad signature, expired, wrong audience) is terminal.
func isTransient(err error) bool {
	msg := err.Error()
	for _, needle := range []string{"no such host", "connection refused", "context deadline exceeded", "failed to fetch", "failed to get keys"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:16]
}
