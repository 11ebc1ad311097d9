package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDContextKey contextKey = "user_id"

	UserIDHeader = "X-User-Id"
)

type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens whose subject is the user id.
	// When empty, the X-User-Id header is trusted as-is.
	JWTSecret string
}

// Auth resolves the caller identity for /v1/ routes and rejects requests
// without one. Other paths pass through untouched.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	secret := []byte(cfg.JWTSecret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	resolve := func(r *http.Request) (string, error) {
		if len(secret) == 0 {
			return strings.TrimSpace(r.Header.Get(UserIDHeader)), nil
		}

		authorization := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authorization, prefix) {
			return "", errors.New("missing bearer token")
		}
		token, err := parser.ParseWithClaims(
			strings.TrimSpace(strings.TrimPrefix(authorization, prefix)),
			&jwt.RegisteredClaims{},
			func(*jwt.Token) (any, error) { return secret, nil },
		)
		if err != nil {
			return "", fmt.Errorf("parse token: %w", err)
		}
		subject, err := token.Claims.GetSubject()
		if err != nil {
			return "", fmt.Errorf("read subject: %w", err)
		}
		return strings.TrimSpace(subject), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := resolve(r)
			if err != nil || userID == "" {
				writeUnauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserID returns the authenticated caller, or "" outside Auth.
func UserID(ctx context.Context) string {
	value, _ := ctx.Value(userIDContextKey).(string)
	return value
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeRejection(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
}
