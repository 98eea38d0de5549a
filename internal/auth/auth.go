// Package auth guards the administrative HTTP surface with bearer tokens
// signed by the orchestrator's shared secret.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates HS256 bearer tokens carrying the required scope.
type Verifier struct {
	secret        []byte
	requiredScope string
}

func NewVerifier(secret []byte, requiredScope string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret required")
	}
	return &Verifier{secret: secret, requiredScope: requiredScope}, nil
}

// VerifyRequest checks the Authorization header.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return errors.New("bearer token required")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) error {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	if v.requiredScope == "" {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == v.requiredScope {
				return nil
			}
		}
	}
	return errors.New("missing required scope")
}

// Middleware rejects unauthenticated requests with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyRequest(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
