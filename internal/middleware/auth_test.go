package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/pkg/testutil"
)

var testSecret = []byte("test-secret")

func okHandler(captured *marketplace.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = GetIdentity(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/purchases", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewAuthMiddleware(t *testing.T) {
	logger := logging.NewDiscard("test")
	m := NewAuthMiddleware(testSecret, logger, []string{"/healthz", "/metrics"})

	if len(m.skipPaths) != 2 || !m.skipPaths["/healthz"] {
		t.Fatalf("skipPaths = %v", m.skipPaths)
	}
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), []string{"/healthz"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	m.Handler(okHandler(nil)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_RejectsBadHeaders(t *testing.T) {
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)
	h := m.Handler(okHandler(nil))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "token123"},
		{"wrong prefix", "Basic token123"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer invalid.token.here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(h, tt.header); rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	addr := testutil.NewAddress(t)
	token, err := IssueToken(testSecret, addr, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var captured marketplace.Identity
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)
	rec := serve(m.Handler(okHandler(&captured)), "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if string(captured) != addr {
		t.Errorf("identity = %q, want %q", captured, addr)
	}
}

func TestAuthMiddleware_SubjectFallback(t *testing.T) {
	addr := testutil.NewAddress(t)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   addr,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	var captured marketplace.Identity
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)
	rec := serve(m.Handler(okHandler(&captured)), "Bearer "+token)

	if rec.Code != http.StatusOK || string(captured) != addr {
		t.Fatalf("code=%d identity=%q", rec.Code, captured)
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	token, err := IssueToken(testSecret, testutil.NewAddress(t), "", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)
	if rec := serve(m.Handler(okHandler(nil)), "Bearer "+token); rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("other"), testutil.NewAddress(t), "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)
	if rec := serve(m.Handler(okHandler(nil)), "Bearer "+token); rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_NonNeoIdentity(t *testing.T) {
	claims := &Claims{Identity: "user-123", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)
	if rec := serve(m.Handler(okHandler(nil)), "Bearer "+token); rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_Optional(t *testing.T) {
	m := NewAuthMiddleware(testSecret, logging.NewDiscard("test"), nil)

	var captured marketplace.Identity
	if rec := serve(m.Optional(okHandler(&captured)), ""); rec.Code != http.StatusOK || captured != "" {
		t.Fatalf("anonymous: code=%d identity=%q", rec.Code, captured)
	}

	addr := testutil.NewAddress(t)
	token, _ := IssueToken(testSecret, addr, "", time.Hour)
	if rec := serve(m.Optional(okHandler(&captured)), "Bearer "+token); rec.Code != http.StatusOK || string(captured) != addr {
		t.Fatalf("authenticated: code=%d identity=%q", rec.Code, captured)
	}
}

func TestIssueTokenRejectsInvalidIdentity(t *testing.T) {
	if _, err := IssueToken(testSecret, "nope", "", time.Hour); err == nil {
		t.Fatal("expected error")
	}
}

func TestRequireIdentity(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireIdentity(okHandler(nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
