package recurrence

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/platform/auth"
	"github.com/vetcare/scheduling/internal/platform/db"
	"github.com/vetcare/scheduling/pkg/pagination"
)

const calendarLimit = 500

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/recurrences")

	read := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleVet, auth.RoleOwner))
	read.GET("", h.List)
	read.GET("/:id", h.Get)
	read.GET("/:id/preview", h.Preview)
	read.GET("/:id/calendar.ics", h.Calendar)

	write := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleOwner))
	write.POST("", h.Create)
	write.POST("/:id/pause", h.Pause)
	write.DELETE("/:id/pause", h.Resume)
	write.DELETE("/:id", h.Deactivate)

	staff := g.Group("", auth.RequireRole(auth.RoleStaff))
	staff.POST("/:id/generate", h.Generate)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Create(ctx, db.TenantFromContext(ctx), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	var f Filter
	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return apperr.HTTPError(apperr.Invalid("active", "must be true or false"))
		}
		f.Active = &active
	}
	if raw := c.QueryParam("pet_id"); raw != "" {
		pet, err := uuid.Parse(raw)
		if err != nil {
			return apperr.HTTPError(apperr.Invalid("pet_id", "must be a UUID"))
		}
		f.PetID = &pet
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.List(ctx, db.TenantFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return pagination.Write(c, http.StatusOK, items, pg, total)
}

type pauseRequest struct {
	PausedUntil string `json:"paused_until"`
}

func (h *Handler) Pause(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req pauseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	until, err := ParseDate(req.PausedUntil)
	if err != nil {
		return apperr.HTTPError(apperr.Invalid("paused_until", "must be a date like 2024-01-31"))
	}
	ctx := c.Request().Context()
	p, err := h.svc.Pause(ctx, db.TenantFromContext(ctx), id, until)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Resume(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.Resume(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cancelFuture, _ := strconv.ParseBool(c.QueryParam("cancel_future"))
	ctx := c.Request().Context()
	p, cancelled, err := h.svc.Deactivate(ctx, db.TenantFromContext(ctx), id, cancelFuture)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"recurrence":             p,
		"cancelled_appointments": cancelled,
	})
}

type generateRequest struct {
	DaysAhead int `json:"days_ahead"`
}

func (h *Handler) Generate(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req generateRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	ctx := c.Request().Context()
	res, err := h.svc.Generate(ctx, db.TenantFromContext(ctx), id, req.DaysAhead)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Preview(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	from := h.svc.expander.Today()
	to := from.AddDate(0, 0, h.svc.horizonDays)
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = ParseDate(raw); err != nil {
			return apperr.HTTPError(apperr.Invalid("from", "must be a date like 2024-01-31"))
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = ParseDate(raw); err != nil {
			return apperr.HTTPError(apperr.Invalid("to", "must be a date like 2024-01-31"))
		}
	}
	ctx := c.Request().Context()
	items, err := h.svc.Preview(ctx, db.TenantFromContext(ctx), id, from, to)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"candidates": items})
}

func (h *Handler) Calendar(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	tenantID := db.TenantFromContext(ctx)
	p, items, err := h.svc.Upcoming(ctx, tenantID, id, calendarLimit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	name := "Appointment"
	if svc, err := h.svc.catalog.GetService(ctx, tenantID, p.ServiceID); err == nil {
		name = svc.Name
	}
	body := Calendar(p, name, items, h.svc.expander.Now())
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="recurrence-`+id.String()+`.ics"`)
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}
