// Package api exposes the operational HTTP surface: health, run status,
// the latest summary, and manual run triggering.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokwatch/tokwatch/api/handler"
	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/runner"
)

// NewRouter creates a configured Gin engine with all routes.
func NewRouter(r *runner.Runner, svc *runner.Service, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	v1 := engine.Group("/api/v1")
	v1.GET("/health", handler.Health(r, startTime))
	v1.GET("/status", handler.Status(r, svc))
	v1.GET("/summary", handler.Summary(r))
	v1.POST("/runs", handler.TriggerRun(svc))

	return engine
}
