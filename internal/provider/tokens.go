package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the JWT claims of a provider access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Email     string `json:"email"`
	Type      string `json:"type"` // "access" or "oauth-state"
	Provider  string `json:"provider,omitempty"`
	Redirect  string `json:"redirect_to,omitempty"`
}

// TokenIssuer signs and verifies access tokens and OAuth state values.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	secret: HMAC signing key (the provider's JWT secret).
//	issuer: the "iss" claim value.
//	ttl: access token lifetime (default: 1 hour).
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}
}

// TTL returns the access token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue creates a signed access token bound to a stored session.
func (t *TokenIssuer) Issue(identityID uuid.UUID, sessionID uuid.UUID, email string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(t.ttl)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   identityID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		SessionID: sessionID.String(),
		Email:     email,
		Type:      "access",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses an access token and returns its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*AccessClaims, error) {
	claims, err := t.parse(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	if claims.Type != "access" {
		return nil, errors.New("not an access token")
	}
	return claims, nil
}

// IssueOAuthState creates a short-lived JWT used as the OAuth state parameter.
// The provider name and post-login redirect travel inside the token.
func (t *TokenIssuer) IssueOAuthState(provider, redirectTo string) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   "oauth-state",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			ID:        uuid.New().String(),
		},
		Type:     "oauth-state",
		Provider: provider,
		Redirect: redirectTo,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

// VerifyOAuthState validates an OAuth state JWT and returns the embedded
// provider and redirect target.
func (t *TokenIssuer) VerifyOAuthState(tokenStr string) (provider, redirectTo string, err error) {
	claims, err := t.parse(tokenStr)
	if err != nil {
		return "", "", fmt.Errorf("invalid oauth state: %w", err)
	}
	if claims.Type != "oauth-state" {
		return "", "", errors.New("not an oauth state token")
	}
	return claims.Provider, claims.Redirect, nil
}

func (t *TokenIssuer) parse(tokenStr string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AccessClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
