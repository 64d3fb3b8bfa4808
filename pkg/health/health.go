// Package health exposes liveness and readiness endpoints. Liveness is the
// process itself; readiness is the local store. The backend being offline
// never fails readiness, being offline is a normal operating mode.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/campoverde/campo/pkg/database"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Connectivity is the observer's cached reachability answer, reported as
// informational detail.
type Connectivity interface {
	Online() bool
}

// Checker handles health check endpoints
type Checker struct {
	db        database.DB
	conn      Connectivity
	version   string
	startTime time.Time
	ready     atomic.Bool
}

// NewChecker creates a new health checker
func NewChecker(db database.DB, conn Connectivity, version string) *Checker {
	return &Checker{
		db:        db,
		conn:      conn,
		version:   version,
		startTime: time.Now(),
	}
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/livez", c.Live)
	e.GET("/readyz", c.Ready)
}

// CheckResult represents an individual check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the readiness payload
type Response struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Online     bool                   `json:"online"`
	Checks     map[string]CheckResult `json:"checks"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Live reports process liveness
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": StatusHealthy})
}

// Ready reports whether the service can serve traffic
func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  StatusUnhealthy,
			"message": "still starting",
		})
	}

	checks := map[string]CheckResult{
		"database": c.checkDatabase(ctx.Request().Context()),
	}

	overall := StatusHealthy
	statusCode := http.StatusOK
	for _, check := range checks {
		if check.Status != StatusHealthy {
			overall = StatusUnhealthy
			statusCode = http.StatusServiceUnavailable
		}
	}

	online := false
	if c.conn != nil {
		online = c.conn.Online()
	}

	return ctx.JSON(statusCode, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Online:     online,
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// checkDatabase checks local store connectivity
func (c *Checker) checkDatabase(ctx context.Context) CheckResult {
	if c.db == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "database not configured",
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}
