package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func callLimited(h echo.HandlerFunc, ip string) (int, string) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/cron/daily", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h(c); err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he.Code, rec.Header().Get("Retry-After")
		}
		return http.StatusInternalServerError, ""
	}
	return rec.Code, ""
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		if code, _ := callLimited(h, "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	code, retry := callLimited(h, "10.0.0.1")
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if retry != "2" {
		t.Errorf("expected Retry-After 2, got %q", retry)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	if code, _ := callLimited(h, "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code, _ := callLimited(h, "10.0.0.2"); code != http.StatusOK {
		t.Fatalf("second client should have its own bucket, got %d", code)
	}
	if code, _ := callLimited(h, "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
}
