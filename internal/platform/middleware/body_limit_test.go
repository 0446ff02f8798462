package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	cases := map[string]int64{
		"":     1 << 20,
		"1M":   1 << 20,
		"10M":  10 << 20,
		"512K": 512 << 10,
		"1G":   1 << 30,
		"2048": 2048,
		"junk": 1 << 20,
	}
	for in, want := range cases {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	mw := BodyLimit("1K", "1M")
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases", strings.NewReader("small"))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		buf := new(bytes.Buffer)
		buf.ReadFrom(c.Request().Body)
		return c.String(http.StatusOK, buf.String())
	}
	if err := mw(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_RejectsOversizeByContentLength(t *testing.T) {
	mw := BodyLimit("16", "1M")
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases",
		strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw(okHandler)(c)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimit_SubmissionEndpointGetsLargerLimit(t *testing.T) {
	mw := BodyLimit("16", "1M")
	e := echo.New()
	body := strings.Repeat("x", 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", strings.NewReader(body))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(c.Request().Body); err != nil {
			return err
		}
		if buf.Len() != len(body) {
			t.Errorf("expected full body, got %d bytes", buf.Len())
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := mw(handler)(c); err != nil {
		t.Fatalf("submission body within limit should pass: %v", err)
	}
}

func TestBodyLimit_EnforcedWithoutContentLength(t *testing.T) {
	mw := BodyLimit("16", "16")
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases",
		strings.NewReader(strings.Repeat("x", 64)))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(c.Request().Body); err != nil {
			return err
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := mw(handler)(c); err == nil {
		t.Fatal("reading past the limit should fail")
	}
}
