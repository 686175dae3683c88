package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/AymericDu/oio-sds/internal/http/handlers"
	httpMW "github.com/AymericDu/oio-sds/internal/http/middleware"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	JobHandler    *httpH.JobHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachRequestID())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())
	r.Use(otelgin.Middleware("xcute-api"))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/v1.0/xcute")
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.CreateJob)
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/waiting", cfg.JobHandler.ListWaitingJobs)
			api.GET("/jobs/locks", cfg.JobHandler.ListLocks)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.DELETE("/jobs/:id", cfg.JobHandler.DeleteJob)
			api.POST("/jobs/:id/pause", cfg.JobHandler.PauseJob)
			api.POST("/jobs/:id/resume", cfg.JobHandler.ResumeJob)
			api.GET("/orchestrator/:id/jobs", cfg.JobHandler.ListOrchestratorJobs)
		}
	}

	return r
}
