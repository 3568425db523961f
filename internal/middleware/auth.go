// Package middleware carries the HTTP cross-cutting concerns: caller
// identity, oracle authentication and rate limiting.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	ownerKey  contextKey = "owner"
	oracleKey contextKey = "oracle"
)

// Owner returns the authenticated owner identity from the request context.
func Owner(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

// OracleCaller returns the authenticated oracle identity from the request
// context.
func OracleCaller(r *http.Request) string {
	caller, _ := r.Context().Value(oracleKey).(string)
	return caller
}

// OwnerAuth authenticates the caller as an owner identity. With a JWT secret
// configured the identity comes from the token's "sub" claim; without one the
// X-Owner header is trusted directly (development mode).
func OwnerAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := resolveOwner(r, jwtSecret)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ownerKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveOwner(r *http.Request, jwtSecret string) (string, error) {
	if jwtSecret == "" {
		owner := strings.TrimSpace(r.Header.Get("X-Owner"))
		if owner == "" {
			return "", fmt.Errorf("missing X-Owner header")
		}
		return owner, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// OracleAuth authenticates the caller as one of the trusted oracle keys. The
// identity is recorded on the context for the resolver's own trust check.
func OracleAuth(trustedKeys []string) func(http.Handler) http.Handler {
	trusted := make(map[string]bool, len(trustedKeys))
	for _, key := range trustedKeys {
		trusted[key] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" || !trusted[key] {
				http.Error(w, "untrusted oracle", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), oracleKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// IssueOwnerToken mints a signed owner token. Used by tooling and tests.
func IssueOwnerToken(jwtSecret, owner string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": owner})
	return token.SignedString([]byte(jwtSecret))
}
