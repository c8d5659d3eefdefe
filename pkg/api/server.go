// Package api serves the worker's operational endpoints: health, readiness
// and Prometheus metrics. There is no ingestion API — drops arrive over the
// stream, never over HTTP.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/myrag/audio-ingest/pkg/database"
	"github.com/myrag/audio-ingest/pkg/ingest"
	"github.com/myrag/audio-ingest/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"

	healthCheckTimeout = 5 * time.Second
)

// PoolReporter exposes consumer pool state to the health endpoint.
type PoolReporter interface {
	Health() ingest.PoolHealth
}

// HealthCheck is one component's verdict inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// Server hosts the operational HTTP endpoints.
type Server struct {
	db      *sql.DB
	redis   redis.UniversalClient
	pool    PoolReporter
	httpSrv *http.Server
}

// NewServer wires the operational server. Any dependency may be nil; its
// check is then skipped.
func NewServer(db *sql.DB, redisClient redis.UniversalClient, pool PoolReporter) *Server {
	return &Server{db: db, redis: redisClient, pool: pool}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readyHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Start runs the HTTP server on addr. Blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// healthHandler handles GET /health. Only the worker's own dependencies
// (database, Redis, consumer pool) are checked; the enrichment collaborator
// is excluded so an unhealthy external service cannot get the worker
// restarted.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := database.Health(ctx, s.db); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			status = healthStatusUnhealthy
			checks["redis"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["redis"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		if !poolHealth.Started {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["consumer_pool"] = HealthCheck{Status: healthStatusDegraded, Message: "not started"}
		} else {
			checks["consumer_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Full(),
		Checks:  checks,
	})
}

// readyHandler handles GET /ready: the worker is ready once it can reach
// the database and the consumer pool is running.
func (s *Server) readyHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": err.Error()})
			return
		}
	}
	if s.pool != nil && !s.pool.Health().Started {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "consumer pool not started"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
