package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/vetcare/scheduling/internal/platform/db"
)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		tenant  string
		roles   []string
		wantErr error
	}{
		{"staff allowed", WithCaller(context.Background(), "u1", "clinic_a", RoleStaff), "clinic_a", []string{RoleStaff, RoleVet}, nil},
		{"admin bypass", WithCaller(context.Background(), "u2", "clinic_a", RoleAdmin), "clinic_a", []string{RoleVet}, nil},
		{"owner denied", WithCaller(context.Background(), "u3", "clinic_a", RoleOwner), "clinic_a", []string{RoleStaff}, ErrForbidden},
		{"cross tenant", WithCaller(context.Background(), "u4", "clinic_b", RoleAdmin), "clinic_a", []string{RoleStaff}, ErrTenantMismatch},
		{"no roles", context.Background(), "clinic_a", []string{RoleStaff}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.ctx, tt.tenant, tt.roles...)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := WithCaller(req.Context(), "u1", "clinic_a", RoleOwner)
	ctx = db.WithTenant(ctx, "clinic_a")
	c := e.NewContext(req.WithContext(ctx), httptest.NewRecorder())

	err := RequireRole(RoleStaff)(ok)(c)
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}

	c = e.NewContext(req.WithContext(ctx), httptest.NewRecorder())
	if err := RequireRole(RoleStaff, RoleOwner)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
