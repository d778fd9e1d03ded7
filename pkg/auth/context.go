package auth

import (
	"context"
	"errors"
)

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims attaches validated token claims to the context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// GetClaims retrieves the claims from the context.
func GetClaims(ctx context.Context) (*Claims, error) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	if !ok {
		return nil, errors.New("no claims in context")
	}
	return c, nil
}

// Subject returns the authenticated subject, or "" for anonymous requests.
func Subject(ctx context.Context) string {
	if c, err := GetClaims(ctx); err == nil {
		return c.Subject
	}
	return ""
}
