// Package identity turns bearer credentials into user ids.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed or rejected credentials
var ErrUnauthorized = errors.New("unauthorized")

// Resolver maps a credential to the id of the user it belongs to
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, token string) (string, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// BearerToken extracts the credential from an Authorization header value
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Claims carried by access tokens
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 access tokens locally. The user id is the
// user_id claim, falling back to sub.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver for tokens signed with secret. An empty
// issuer accepts any issuer.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}, nil
}

// Resolve validates token and returns its user id
func (r *JWTResolver) Resolve(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return "", ErrUnauthorized
	}

	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
}
