package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/treufabrik/dirigent/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is the probe result for one backing store.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /healthz body. Safe for unauthenticated access.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Connections int                    `json:"ws_connections"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /healthz. Redis carries sessions, brains and the
// event bus, so losing it is unhealthy (503 restarts us). Mongo only holds
// tasks and execution ledgers; chat keeps working without it, so a Mongo
// outage reports degraded but stays 200 to keep the orchestrator's hands off.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.deps.KV != nil {
		if err := s.deps.KV.Ping(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["redis"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["redis"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.deps.Docs != nil {
		if err := s.deps.Docs.Ping(reqCtx); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["mongo"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["mongo"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	connections := 0
	if s.deps.Hub != nil {
		connections = s.deps.Hub.ActiveConnections()
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:      status,
		Version:     version.GitCommit,
		Connections: connections,
		Checks:      checks,
	})
}
