package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolHealth is a point-in-time snapshot of the connection pool, reported
// by the database health endpoint.
type PoolHealth struct {
	TotalConns    int32   `json:"total_conns"`
	IdleConns     int32   `json:"idle_conns"`
	AcquiredConns int32   `json:"acquired_conns"`
	MaxConns      int32   `json:"max_conns"`
	EmptyAcquires int64   `json:"empty_acquires"`
	Saturation    float64 `json:"saturation"`
}

// SnapshotPool reads the pool counters. Saturation is acquired over max,
// so sustained values near 1.0 mean the pool is the bottleneck.
func SnapshotPool(pool *pgxpool.Pool) PoolHealth {
	stat := pool.Stat()
	h := PoolHealth{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		EmptyAcquires: stat.EmptyAcquireCount(),
	}
	if h.MaxConns > 0 {
		h.Saturation = float64(h.AcquiredConns) / float64(h.MaxConns)
	}
	return h
}

// HealthHandler serves the database health endpoint: a bounded ping plus
// the pool snapshot and the applied migration level.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   SnapshotPool(pool),
			})
		}

		body := map[string]interface{}{
			"status": "healthy",
			"pool":   SnapshotPool(pool),
		}
		if version, err := appliedMigrationVersion(ctx, pool); err == nil {
			body["migration_version"] = version
		}
		return c.JSON(http.StatusOK, body)
	}
}

// appliedMigrationVersion returns the highest applied migration, or an
// error when the tracking table does not exist yet.
func appliedMigrationVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM _migrations`).Scan(&version)
	if err != nil {
		return 0, Translate(err)
	}
	return version, nil
}
