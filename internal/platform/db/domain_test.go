package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestValidDomainName(t *testing.T) {
	for _, name := range []string{"acme", "acme_health", "d42"} {
		if !ValidDomainName(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range []string{"", "acme-health", "Acme", "a;drop table", "a b"} {
		if ValidDomainName(name) {
			t.Errorf("%q should be rejected", name)
		}
	}
}

func TestExtractDomain_Precedence(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?domain=fromquery", nil)
	req.Header.Set("X-Domain", "fromheader")
	c := e.NewContext(req, httptest.NewRecorder())

	if got := extractDomain(c, "fallback"); got != "fromheader" {
		t.Errorf("header should beat query param, got %q", got)
	}

	c.Set("jwt_domain", "fromjwt")
	if got := extractDomain(c, "fallback"); got != "fromjwt" {
		t.Errorf("jwt claim should win, got %q", got)
	}
}

func TestExtractDomain_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if got := extractDomain(c, "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestDomainFromContext_Unset(t *testing.T) {
	if d := DomainFromContext(context.Background()); d != "" {
		t.Errorf("expected empty domain, got %q", d)
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil connection")
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil for wrong type")
	}
}
