// Package handler holds the HTTP handlers for the operational API.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokwatch/tokwatch/models"
	"github.com/tokwatch/tokwatch/runner"
)

// HealthResponse is the GET /api/v1/health payload.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Uptime    string                  `json:"uptime"`
	PoolStats models.SessionPoolStats `json:"pool_stats"`
	Version   string                  `json:"version"`
}

// StatusResponse is the GET /api/v1/status payload.
type StatusResponse struct {
	Run       *models.RunState        `json:"run"`
	PoolStats models.SessionPoolStats `json:"pool_stats"`
	NextRunAt string                  `json:"next_run_at,omitempty"`
}

// Health returns a handler for GET /api/v1/health.
//
// Degrades status when every session slot is busy: acquisition is about
// to start timing out.
func Health(r *runner.Runner, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := r.PoolStats()

		status := "healthy"
		if stats.Capacity > 0 && stats.Active >= stats.Capacity {
			status = "degraded"
		}

		c.JSON(http.StatusOK, HealthResponse{
			Status:    status,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			PoolStats: stats,
			Version:   "0.1.0",
		})
	}
}

// Status returns a handler for GET /api/v1/status: the live counters of
// the current (or most recent) run plus the session pool snapshot.
func Status(r *runner.Runner, svc *runner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, _ := r.Status()

		resp := StatusResponse{
			Run:       state,
			PoolStats: r.PoolStats(),
		}
		if next := svc.NextRunAt(); !next.IsZero() && next.After(time.Now()) {
			resp.NextRunAt = next.Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Summary returns a handler for GET /api/v1/summary: the latest
// finished run summary.
func Summary(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, summary := r.Status()
		if summary == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no finished run yet"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// TriggerRun returns a handler for POST /api/v1/runs: it cuts the
// scheduler's wait short so the next run starts immediately.
func TriggerRun(svc *runner.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
	}
}
