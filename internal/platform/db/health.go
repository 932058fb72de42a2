package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const readinessTimeout = 5 * time.Second

// PoolStats is the JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	// EmptyAcquires counts acquires that had to wait for a connection.
	EmptyAcquires int64  `json:"empty_acquires"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		EmptyAcquires: stat.EmptyAcquireCount(),
	}
}

// ReadinessCheck is one named condition the scheduler needs before it can
// take bookings.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ReadinessReport is the body of the readiness endpoint.
type ReadinessReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// SchemaCurrent fails while any known migration is missing from schema.
func SchemaCurrent(m *Migrator, schema string) ReadinessCheck {
	return ReadinessCheck{Name: "migrations", Check: func(ctx context.Context) error {
		pending, err := m.Pending(ctx, schema)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return fmt.Errorf("%d pending, next is %s", len(pending), pending[0].Name)
		}
		return nil
	}}
}

// HealthHandler reports readiness of the database: it answers pings and the
// scheduling schema is fully migrated. The result does not depend on any
// tenant.
func HealthHandler(pool *pgxpool.Pool, m *Migrator, schema string) echo.HandlerFunc {
	return ReadinessHandler(
		func() *PoolStats { return GetPoolStats(pool) },
		ReadinessCheck{Name: "database", Check: pool.Ping},
		SchemaCurrent(m, schema),
	)
}

// ReadinessHandler runs every check under one deadline and answers 503 if
// any of them fails. stats may be nil.
func ReadinessHandler(stats func() *PoolStats, checks ...ReadinessCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()

		report := ReadinessReport{Status: "ready", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, chk := range checks {
			if err := chk.Check(ctx); err != nil {
				report.Checks[chk.Name] = err.Error()
				report.Status = "not_ready"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[chk.Name] = "ok"
		}
		if stats != nil {
			report.Pool = stats()
		}
		return c.JSON(status, report)
	}
}
