package appointment

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/platform/auth"
	"github.com/vetcare/scheduling/internal/platform/db"
	"github.com/vetcare/scheduling/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments")

	read := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleVet, auth.RoleOwner))
	read.GET("", h.List)
	read.GET("/:id", h.Get)

	book := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleOwner))
	book.POST("", h.Book)
	book.POST("/:id/cancel", h.Cancel)

	clinical := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleVet))
	clinical.POST("/:id/complete", h.Complete)
	clinical.POST("/:id/no-show", h.NoShow)
}

func (h *Handler) Book(c echo.Context) error {
	var req BookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Book(ctx, db.TenantFromContext(ctx), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Get(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.List(ctx, db.TenantFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return pagination.Write(c, http.StatusOK, items, pg, total)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	_ = c.Bind(&req)
	ctx := c.Request().Context()
	a, err := h.svc.Cancel(ctx, db.TenantFromContext(ctx), id, req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Complete(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) NoShow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.NoShow(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func filterFromQuery(c echo.Context) (Filter, error) {
	var f Filter
	v := &apperr.ValidationError{}
	uuidParam := func(name string) *uuid.UUID {
		raw := c.QueryParam(name)
		if raw == "" {
			return nil
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			v.Add(name, "must be a UUID")
			return nil
		}
		return &id
	}
	timeParam := func(name string) *time.Time {
		raw := c.QueryParam(name)
		if raw == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			v.Add(name, "must be an RFC 3339 timestamp")
			return nil
		}
		return &t
	}
	f.VetID = uuidParam("vet_id")
	f.PetID = uuidParam("pet_id")
	f.RecurrenceID = uuidParam("recurrence_id")
	f.Status = Status(c.QueryParam("status"))
	f.From = timeParam("from")
	f.To = timeParam("to")
	return f, v.OrNil()
}
