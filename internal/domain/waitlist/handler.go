package waitlist

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/recurrence"
	"github.com/vetcare/scheduling/internal/platform/auth"
	"github.com/vetcare/scheduling/internal/platform/db"
	"github.com/vetcare/scheduling/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/waitlist")

	read := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleVet, auth.RoleOwner))
	read.GET("", h.List)
	read.GET("/:id", h.Get)

	owner := g.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleOwner))
	owner.POST("", h.Join)
	owner.POST("/:id/accept", h.Accept)
	owner.POST("/:id/withdraw", h.Withdraw)

	g.POST("/offers", h.Offer, auth.RequireRole(auth.RoleStaff))
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Join(c echo.Context) error {
	var req JoinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	e, err := h.engine.Join(ctx, db.TenantFromContext(ctx), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.engine.Get(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{Status: Status(c.QueryParam("status"))}
	if raw := c.QueryParam("date"); raw != "" {
		d, err := recurrence.ParseDate(raw)
		if err != nil {
			return apperr.HTTPError(apperr.Invalid("date", "must be a date like 2024-01-31"))
		}
		f.Date = &d
	}
	if raw := c.QueryParam("service_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperr.HTTPError(apperr.Invalid("service_id", "must be a UUID"))
		}
		f.ServiceID = &id
	}
	if raw := c.QueryParam("pet_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperr.HTTPError(apperr.Invalid("pet_id", "must be a UUID"))
		}
		f.PetID = &id
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.engine.List(ctx, db.TenantFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return pagination.Write(c, http.StatusOK, items, pg, total)
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, appt, err := h.engine.Accept(ctx, db.TenantFromContext(ctx), id)
	if errors.Is(err, ErrOfferUnavailable) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error":  "offer_no_longer_available",
			"detail": err.Error(),
		})
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entry":       e,
		"appointment": appt,
	})
}

func (h *Handler) Withdraw(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.engine.Withdraw(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type offerRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
}

func (h *Handler) Offer(c echo.Context) error {
	var req offerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AppointmentID == uuid.Nil {
		return apperr.HTTPError(apperr.Invalid("appointment_id", "required"))
	}
	ctx := c.Request().Context()
	e, err := h.engine.OfferSlot(ctx, db.TenantFromContext(ctx), req.AppointmentID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if e == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusCreated, e)
}
