package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func validBearerToken(t *testing.T, key string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

// TestRouter_HealthzNoAuth verifies /healthz is accessible without a JWT even
// when a signing key is configured.
func TestRouter_HealthzNoAuth(t *testing.T) {
	srv := NewServer(&mockStore{})
	h := NewRouter(srv, testSigningKey)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestRouter_APIRoutesRequireJWT verifies that all /api/v1/* routes return
// 401 when no Authorization header is present and a signing key is set.
func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	srv := NewServer(&mockStore{})
	h := NewRouter(srv, testSigningKey)

	routes := []string{
		"/api/v1/runs",
		"/api/v1/runs/run-1",
		"/api/v1/runs/run-1/leaks",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

// TestRouter_APIRoutesAccessibleWithJWT verifies that a valid JWT passes the
// middleware and the route proceeds to the handler.
func TestRouter_APIRoutesAccessibleWithJWT(t *testing.T) {
	srv := NewServer(&mockStore{})
	h := NewRouter(srv, testSigningKey)

	bearer := validBearerToken(t, testSigningKey)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}

// TestRouter_NoSigningKeyDisablesAuth verifies that an empty signing key (as
// used by newTestServer in handlers_test.go) skips JWT validation entirely.
func TestRouter_NoSigningKeyDisablesAuth(t *testing.T) {
	srv := NewServer(&mockStore{})
	h := NewRouter(srv, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}
