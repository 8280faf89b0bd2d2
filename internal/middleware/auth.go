// Package middleware provides HTTP middleware for the marketplace API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/marketplace"
)

// Claims are the bearer token claims. The caller identity is taken from
// Identity, falling back to the registered subject.
type Claims struct {
	Identity string `json:"identity,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// CallerIdentity returns the identity asserted by the claims.
func (c *Claims) CallerIdentity() string {
	if c.Identity != "" {
		return c.Identity
	}
	return c.Subject
}

var errInvalidToken = errors.New("invalid token")

// AuthMiddleware verifies HS256 bearer tokens and stores the caller identity
// in the request context.
type AuthMiddleware struct {
	secret    []byte
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the middleware. Requests to skipPaths pass
// through unauthenticated.
func NewAuthMiddleware(secret []byte, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{secret: secret, logger: logger, skipPaths: skip}
}

// Handler rejects requests without a valid token.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.New("missing Authorization header"))
			return
		}
		ctx, err := m.authenticate(r.Context(), authHeader)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional attaches the caller identity when a valid token is present and
// otherwise lets the request through anonymously.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if ctx, err := m.authenticate(r.Context(), authHeader); err == nil {
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) authenticate(ctx context.Context, header string) (context.Context, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ctx, errors.New("invalid Authorization header format")
	}

	claims, err := m.validateToken(parts[1])
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Token validation failed")
		return ctx, err
	}

	identity, err := marketplace.ParseIdentity(claims.CallerIdentity())
	if err != nil {
		return ctx, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	ctx = logging.WithUserID(ctx, string(identity))
	if claims.Role != "" {
		ctx = context.WithValue(ctx, logging.RoleKey, claims.Role)
	}
	m.logger.WithContext(ctx).Debug("Authentication successful")
	return ctx, nil
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"error":  err.Error(),
	})
}

// IssueToken mints an HS256 token asserting identity, valid for ttl.
func IssueToken(secret []byte, identity, role string, ttl time.Duration) (string, error) {
	if _, err := marketplace.ParseIdentity(identity); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// GetIdentity extracts the authenticated caller from ctx.
func GetIdentity(ctx context.Context) marketplace.Identity {
	return marketplace.Identity(logging.GetUserID(ctx))
}

// RequireIdentity ensures an authenticated caller is present.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
