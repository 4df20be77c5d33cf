// Package api wires the HTTP surface of the sync engine.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/api/handler"
	"github.com/timmy/catalogsync/internal/api/middleware"
	"github.com/timmy/catalogsync/internal/logger"
)

// Deps are the services behind the routes. Nil Cache or Sweeper disables
// the matching maintenance routes; a nil Metrics handler disables /metrics.
type Deps struct {
	Jobs        handler.JobService
	Cache       handler.CacheAdmin
	Sweeper     handler.OrphanSweeper
	DB          handler.Pinger
	Metrics     http.Handler
	CORSOrigins []string
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(mode string, log *logger.Logger, deps Deps) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))

	r.GET("/health", handler.NewHealthHandler(deps.DB).Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		jobs := handler.NewJobHandler(deps.Jobs)
		v1.POST("/jobs", jobs.CreateJob)
		v1.GET("/jobs", jobs.ListJobs)
		v1.GET("/jobs/:id", jobs.GetJob)
		v1.POST("/jobs/:id/start", jobs.StartJob)
		v1.POST("/jobs/:id/pause", jobs.PauseJob)
		v1.POST("/jobs/:id/resume", jobs.ResumeJob)
		v1.POST("/jobs/:id/cancel", jobs.CancelJob)

		maint := handler.NewMaintenanceHandler(deps.Cache, deps.Sweeper)
		if deps.Cache != nil {
			v1.POST("/cache/evict", maint.Evict)
			v1.POST("/cache/decay", maint.Decay)
		}
		if deps.Sweeper != nil {
			v1.POST("/dedup/sweep", maint.Sweep)
			v1.POST("/dedup/release", maint.Release)
		}
	}

	return r
}
