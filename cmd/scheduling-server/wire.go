package main

import (
	"context"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/vetcare/scheduling/internal/config"
	"github.com/vetcare/scheduling/internal/domain/appointment"
	"github.com/vetcare/scheduling/internal/domain/maintenance"
	"github.com/vetcare/scheduling/internal/domain/recurrence"
	"github.com/vetcare/scheduling/internal/domain/waitlist"
	"github.com/vetcare/scheduling/internal/jobs"
	"github.com/vetcare/scheduling/internal/platform/auth"
	"github.com/vetcare/scheduling/internal/platform/db"
	"github.com/vetcare/scheduling/internal/platform/joblock"
	"github.com/vetcare/scheduling/internal/platform/middleware"
	"github.com/vetcare/scheduling/internal/platform/notification"
	"github.com/vetcare/scheduling/migrations"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores are the persistence dependencies of the engine.
type stores struct {
	appointments appointment.Repository
	patterns     recurrence.Repository
	entries      waitlist.Repository
	catalog      appointment.Catalog
	tx           db.TxRunner
	locker       joblock.Locker
}

func pgStores(pool *pgxpool.Pool, locker joblock.Locker) stores {
	return stores{
		appointments: appointment.NewRepoPG(pool),
		patterns:     recurrence.NewRepoPG(pool),
		entries:      waitlist.NewRepoPG(pool),
		catalog:      appointment.NewCatalogPG(pool),
		tx:           db.NewTxRunner(pool),
		locker:       locker,
	}
}

// newLocker prefers Redis when REDIS_URL is set and falls back to Postgres
// session advisory locks. The returned close func releases the Redis client.
func newLocker(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (joblock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return joblock.NewPGLocker(pool), func() {}, nil
	}
	rl, err := joblock.NewRedisLocker(ctx, cfg.RedisURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return rl, func() { _ = rl.Close() }, nil
}

type components struct {
	appointments *appointment.Service
	recurrences  *recurrence.Service
	waitlist     *waitlist.Engine
	jobs         *jobs.Jobs
}

func build(cfg *config.Config, s stores, notifier notification.Dispatcher, logger zerolog.Logger) *components {
	loc := cfg.Location()
	booker := appointment.NewBooker(s.appointments, s.tx)
	appts := appointment.NewService(s.appointments, booker, s.catalog, s.tx, logger)

	expander := recurrence.NewExpander(loc, recurrence.Overflow(cfg.MonthlyOverflow))
	scheduler := recurrence.NewScheduler(s.patterns, booker, s.tx, expander, cfg.JobConcurrency, logger)
	patterns := recurrence.NewService(s.patterns, scheduler, expander, s.catalog, appts, notifier, cfg.HorizonDays, logger)

	engine := waitlist.NewEngine(s.entries, s.appointments, booker, s.catalog, s.tx, notifier, waitlist.Policy{
		OfferWindow:  cfg.OfferWindow,
		AutoReoffer:  cfg.WaitlistAutoReoffer,
		FlexibleDays: cfg.WaitlistFlexibleDays,
	}, loc, logger)
	appts.SetSlotFreedListener(engine)

	sweeper := maintenance.NewSweeper(engine, patterns, cfg.NearLimitThreshold, logger)
	runner := jobs.NewRunner(s.locker, cfg.JobDeadline, logger)

	return &components{
		appointments: appts,
		recurrences:  patterns,
		waitlist:     engine,
		jobs:         jobs.New(runner, scheduler, sweeper, cfg.HorizonDays),
	}
}

// cronBurst lets a scheduler retry a failed trigger immediately.
const cronBurst = 3

// newRouter assembles the HTTP surface. pool may be nil, in which case the
// database health endpoint is not mounted.
func newRouter(cfg *config.Config, c *components, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/cron"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS), "public"))
	}

	cronLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.CronRateLimitRPS,
		BurstSize:         cronBurst,
		KeyFunc:           func(echo.Context) string { return "cron" },
	})
	jobs.NewHandler(c.jobs).RegisterRoutes(e, cfg.CronSecret, cronLimit)

	var authn echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	api := e.Group("/api/v1",
		middleware.RateLimit(middleware.DefaultRateLimitConfig()),
		authn,
		db.TenantMiddleware(cfg.DefaultTenant),
	)
	appointment.NewHandler(c.appointments).RegisterRoutes(api)
	recurrence.NewHandler(c.recurrences).RegisterRoutes(api)
	waitlist.NewHandler(c.waitlist).RegisterRoutes(api)
	return e
}
