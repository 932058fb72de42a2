package jobs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/maintenance"
	"github.com/vetcare/scheduling/internal/domain/recurrence"
	"github.com/vetcare/scheduling/internal/platform/auth"
)

// Response is the body of every cron endpoint. Fields of a job that did not
// run are left at zero.
type Response struct {
	Success                bool     `json:"success"`
	Generated              int      `json:"generated"`
	SkippedConflicts       int      `json:"skipped_conflicts"`
	RecurrencesProcessed   int      `json:"recurrences_processed"`
	FailedRecurrences      []string `json:"failed_recurrences"`
	UnprocessedRecurrences []string `json:"unprocessed_recurrences"`
	ExpiredOffersProcessed int      `json:"expired_offers_processed"`
	Reoffered              int      `json:"reoffered"`
	ResumedPatterns        int      `json:"resumed_patterns"`
	NearLimitWarnings      int      `json:"near_limit_warnings"`
	Errors                 []string `json:"errors"`
}

func (r *Response) addGeneration(rep *recurrence.Report) {
	if rep == nil {
		return
	}
	r.Generated = rep.Created
	r.SkippedConflicts = rep.SkippedConflicts
	r.RecurrencesProcessed = rep.Processed
	r.FailedRecurrences = append(r.FailedRecurrences, rep.Failed...)
	r.UnprocessedRecurrences = append(r.UnprocessedRecurrences, rep.Unprocessed...)
}

func (r *Response) addMaintenance(rep *maintenance.Report) {
	if rep == nil {
		return
	}
	r.ExpiredOffersProcessed = rep.ExpiredOffers
	r.Reoffered = rep.Reoffered
	r.ResumedPatterns = rep.ResumedPatterns
	r.NearLimitWarnings = rep.NearLimitWarnings
}

func newResponse() *Response {
	return &Response{FailedRecurrences: []string{}, UnprocessedRecurrences: []string{}, Errors: []string{}}
}

type Handler struct {
	jobs *Jobs
}

func NewHandler(jobs *Jobs) *Handler {
	return &Handler{jobs: jobs}
}

// RegisterRoutes mounts the cron endpoints behind the shared secret. Extra
// middleware, such as a rate limiter, applies to the whole group.
func (h *Handler) RegisterRoutes(e *echo.Echo, secret string, mw ...echo.MiddlewareFunc) {
	g := e.Group("/cron", append(mw, auth.CronSecret(secret))...)
	g.POST("/generate-recurring", h.GenerateRecurring)
	g.POST("/maintenance", h.Maintenance)
	g.POST("/daily", h.Daily)
}

// respond sets success and the status code: 200 when everything ran, even
// with per-item failures, 409 when every failed job was already running
// elsewhere and 500 for anything else. errs holds one entry per job; a
// partial batch failure is classified as a whole, never by its causes.
func respond(c echo.Context, resp *Response, errs ...error) error {
	status := http.StatusOK
	failed, running := 0, 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		resp.Errors = append(resp.Errors, err.Error())
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			running++
		case !apperr.IsPartial(err):
			status = http.StatusInternalServerError
		}
	}
	resp.Success = failed == 0
	if failed > 0 && running == failed {
		status = http.StatusConflict
	}
	return c.JSON(status, resp)
}

func (h *Handler) GenerateRecurring(c echo.Context) error {
	days := 0
	if raw := c.QueryParam("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > recurrence.MaxHorizonDays {
			return apperr.HTTPError(apperr.Invalid("days", "must be between 1 and "+strconv.Itoa(recurrence.MaxHorizonDays)))
		}
		days = n
	}
	rep, err := h.jobs.Generate(c.Request().Context(), days)
	resp := newResponse()
	resp.addGeneration(rep)
	return respond(c, resp, err)
}

func (h *Handler) Maintenance(c echo.Context) error {
	rep, err := h.jobs.Sweep(c.Request().Context())
	resp := newResponse()
	resp.addMaintenance(rep)
	return respond(c, resp, err)
}

func (h *Handler) Daily(c echo.Context) error {
	rep := h.jobs.Daily(c.Request().Context())
	resp := newResponse()
	resp.addGeneration(rep.Generation)
	resp.addMaintenance(rep.Maintenance)
	return respond(c, resp, rep.GenerationErr, rep.SweepErr)
}
