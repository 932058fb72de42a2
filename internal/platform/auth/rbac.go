package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vetcare/scheduling/internal/platform/db"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
	RoleVet   = "vet"
	RoleOwner = "owner"
)

var (
	ErrTenantMismatch = errors.New("caller is not a member of this tenant")
	ErrForbidden      = errors.New("caller lacks a required role")
)

// Authorize is the single authorization gate: the caller must belong to
// tenantID and hold one of roles. Admin satisfies any role.
func Authorize(ctx context.Context, tenantID string, roles ...string) error {
	if tt, _ := ctx.Value(TokenTenantKey).(string); tt != "" && tt != tenantID {
		return ErrTenantMismatch
	}
	have := RolesFromContext(ctx)
	for _, h := range have {
		if h == RoleAdmin {
			return nil
		}
		for _, r := range roles {
			if h == r {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrForbidden, strings.Join(roles, " or "))
}

// RequireRole guards a route group with Authorize against the request tenant.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if err := Authorize(ctx, db.TenantFromContext(ctx), roles...); err != nil {
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			}
			return next(c)
		}
	}
}
