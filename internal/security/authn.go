package security

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/healthbridge/lab-orders/pkg/types"
)

type contextKey string

const claimsContextKey contextKey = "user_claims"

// Authenticator validates the caller-identity bearer JWTs issued by the
// platform's identity service.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator with the given HS256 secret
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// authClaims are the JWT claims carried by platform bearer tokens
type authClaims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ValidateJWT validates a bearer token and returns the caller's claims
func (a *Authenticator) ValidateJWT(tokenString string) (*types.UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "bearer token is invalid")
	}

	claims, ok := token.Claims.(*authClaims)
	if !ok || !token.Valid {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "bearer token claims are invalid")
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenExpired, "bearer token has expired")
	}

	if claims.UserID == "" || claims.TenantID == "" {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "bearer token is missing identity claims")
	}

	return &types.UserClaims{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Role:     types.UserRole(claims.Role),
	}, nil
}

// IssueJWT signs a bearer token for the given claims. Used by tooling and tests.
func (a *Authenticator) IssueJWT(claims *types.UserClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	jwtClaims := &authClaims{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Role:     string(claims.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
			Subject:   claims.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ClaimsToContext stores the caller's claims on the request context
func ClaimsToContext(ctx context.Context, claims *types.UserClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the caller's claims, if authentication ran
func ClaimsFromContext(ctx context.Context) (*types.UserClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*types.UserClaims)
	return claims, ok
}
