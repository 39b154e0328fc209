// Package auth identifies API callers from HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func New(secret []byte, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: secret, ttl: ttl}
}

// Issue signs a bearer token naming principal as its subject.
func (a *Authenticator) Issue(principal uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  principal.String(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the principal named by a valid token.
func (a *Authenticator) Verify(raw string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	principal, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject: %w", ErrUnauthorized, err)
	}
	return principal, nil
}

type principalKey struct{}

// WithPrincipal stores principal in ctx.
func WithPrincipal(ctx context.Context, principal uuid.UUID) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Principal returns the caller set by Middleware.
func Principal(ctx context.Context) (uuid.UUID, bool) {
	p, ok := ctx.Value(principalKey{}).(uuid.UUID)
	return p, ok
}

// Middleware rejects requests without a valid "Authorization: Bearer"
// header and records the caller for handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		raw, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		principal, err := a.Verify(raw)
		if err != nil {
			slog.Info("rejected bearer token", "url", request.URL, "err", err)
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(writer, request.WithContext(WithPrincipal(request.Context(), principal)))
	})
}
