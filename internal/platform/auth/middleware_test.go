package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Domain:   "acme",
		Username: "jdoe",
		Roles:    []string{"api"},
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Basic dXNlcjpwYXNz"} {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		c := e.NewContext(req, httptest.NewRecorder())

		handler := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
		err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %v", header, err)
		}
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims(), testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "user-1" {
			t.Errorf("user id not propagated: %q", UserIDFromContext(ctx))
		}
		if UsernameFromContext(ctx) != "jdoe" {
			t.Errorf("username not propagated: %q", UsernameFromContext(ctx))
		}
		if d, _ := c.Get("jwt_domain").(string); d != "acme" {
			t.Errorf("domain claim not propagated: %q", d)
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims(), []byte("some-other-key")))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, claims, testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "dev-user" {
			t.Errorf("expected dev-user, got %q", UserIDFromContext(ctx))
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 1 || roles[0] != "admin" {
			t.Errorf("expected admin role, got %v", roles)
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
