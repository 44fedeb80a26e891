package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, key *rsa.PrivateKey, role, sub string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		Sub:  sub,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestJWTAuthMiddleware(t *testing.T) {
	key := testKey(t)
	var got *Claims
	handler := JWTAuthMiddlewareRS256(&key.PublicKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClaims(r)
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Token signed with a different key.
	other := testKey(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, other, "agent", "u1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}

	// Valid token via Authorization header.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, key, "manager", "u1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid token, got %d", rec.Code)
	}
	if got == nil || got.Role != "manager" || got.Sub != "u1" {
		t.Fatalf("expected claims on context, got %+v", got)
	}

	// Valid token via cookie.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: signedToken(t, key, "agent", "u2")})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for cookie token, got %d", rec.Code)
	}
}

func TestRoleAtLeastMiddleware(t *testing.T) {
	key := testKey(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	chain := JWTAuthMiddlewareRS256(&key.PublicKey)(RoleAtLeastMiddleware("manager")(ok))

	cases := []struct {
		role string
		want int
	}{
		{"agent", http.StatusForbidden},
		{"manager", http.StatusOK},
		{"admin", http.StatusOK},
		{"intern", http.StatusForbidden},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, key, c.role, "u1"))
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("role %s: expected %d, got %d", c.role, c.want, rec.Code)
		}
	}
}
