package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveReadiness(t *testing.T, h echo.HandlerFunc) (int, ReadinessReport) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var report ReadinessReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, report
}

func passing(name string) ReadinessCheck {
	return ReadinessCheck{Name: name, Check: func(context.Context) error { return nil }}
}

func TestReadinessHandler_AllPass(t *testing.T) {
	stats := func() *PoolStats { return &PoolStats{TotalConns: 3, MaxConns: 10} }
	code, report := serveReadiness(t, ReadinessHandler(stats, passing("database"), passing("migrations")))

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if report.Status != "ready" {
		t.Errorf("expected ready, got %q", report.Status)
	}
	if report.Checks["database"] != "ok" || report.Checks["migrations"] != "ok" {
		t.Errorf("unexpected checks %v", report.Checks)
	}
	if report.Pool == nil || report.Pool.MaxConns != 10 {
		t.Errorf("expected pool stats, got %+v", report.Pool)
	}
}

func TestReadinessHandler_PendingMigrationsNotReady(t *testing.T) {
	pending := ReadinessCheck{Name: "migrations", Check: func(context.Context) error {
		return errors.New("1 pending, next is 002_waitlist.sql")
	}}
	code, report := serveReadiness(t, ReadinessHandler(nil, passing("database"), pending))

	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if report.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", report.Status)
	}
	if report.Checks["database"] != "ok" {
		t.Errorf("database check should still be reported, got %v", report.Checks)
	}
	if report.Checks["migrations"] != "1 pending, next is 002_waitlist.sql" {
		t.Errorf("unexpected migrations check %q", report.Checks["migrations"])
	}
	if report.Pool != nil {
		t.Errorf("expected no pool stats, got %+v", report.Pool)
	}
}

func TestReadinessHandler_ChecksShareDeadline(t *testing.T) {
	check := ReadinessCheck{Name: "database", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}}
	code, report := serveReadiness(t, ReadinessHandler(nil, check))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, report.Checks)
	}
}
