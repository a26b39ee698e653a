// Package auth verifies bearer tokens against an issuer's published JWKS and
// turns the claims into a Principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/karthikraju391/roomchat/models"
)

// ErrUnauthorized covers every verification failure. Callers must not leak
// the underlying reason to clients.
var ErrUnauthorized = errors.New("unauthorized")

const fallbackAlias = "user"

// Principal is the verified identity behind a connection or request.
type Principal struct {
	Subject string
	Alias   string
	Email   string
}

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// JWKSVerifier checks RS256 tokens issued by a single issuer.
type JWKSVerifier struct {
	issuer  string
	keys    *KeyCache
	timeout time.Duration
}

// NewJWKSVerifier returns a verifier for issuer. Keys are looked up in
// cache, which is shared process-wide when nil is passed.
func NewJWKSVerifier(issuer string, cache *KeyCache, fetchTimeout time.Duration) *JWKSVerifier {
	if cache == nil {
		cache = DefaultKeyCache
	}
	return &JWKSVerifier{issuer: issuer, keys: cache, timeout: fetchTimeout}
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: malformed token: %v", ErrUnauthorized, err)
	}
	if kid, _ := unverified.Header["kid"].(string); kid == "" {
		return Principal{}, fmt.Errorf("%w: token header has no kid", ErrUnauthorized)
	}

	jwks, err := v.keys.Get(ctx, v.issuer, v.timeout)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: token is not valid", ErrUnauthorized)
	}

	return principalFromClaims(claims)
}

func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	p := Principal{Subject: sub, Alias: fallbackAlias}
	p.Email, _ = claims["email"].(string)
	for _, key := range []string{"cognito:username", "username", "preferred_username", "email"} {
		if v, _ := claims[key].(string); strings.TrimSpace(v) != "" {
			p.Alias = strings.TrimSpace(v)
			break
		}
	}
	p.Alias = models.ClipAlias(p.Alias)
	return p, nil
}

var bearerPrefix = regexp.MustCompile(`(?i)^Bearer\s+`)

// BearerToken strips a case-insensitive "Bearer " prefix from an
// Authorization header value.
func BearerToken(header string) string {
	return strings.TrimSpace(bearerPrefix.ReplaceAllString(header, ""))
}
