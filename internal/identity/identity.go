package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zombor/receiptsnap/internal/apperr"
)

// Audience is the audience the auth provider stamps on user access tokens
const Audience = "authenticated"

// User is the caller resolved from a bearer credential
type User struct {
	ID    string
	Email string
}

// Verifier resolves an Authorization header to a user
type Verifier interface {
	Authenticate(ctx context.Context, authorization string) (*User, error)
}

// Claims are the access-token claims the backend relies on
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 access tokens signed with the auth provider's shared secret
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with secret
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(Audience),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate returns the user named by the token's subject
func (v *JWTVerifier) Authenticate(_ context.Context, authorization string) (*User, error) {
	if authorization == "" {
		return nil, apperr.Unauthorized("Missing authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return nil, apperr.Unauthorized("Missing authorization header")
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		e := apperr.Unauthorized("Invalid token")
		e.Err = fmt.Errorf("verifying access token: %w", err)
		return nil, e
	}
	if claims.Subject == "" {
		return nil, apperr.Unauthorized("Invalid token")
	}

	return &User{ID: claims.Subject, Email: claims.Email}, nil
}

// IssueToken signs claims with secret. Used by tooling and tests to mint access tokens.
func IssueToken(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
