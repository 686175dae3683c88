package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AymericDu/oio-sds/internal/http/response"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/platform/apierr"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
)

// Store is the slice of the job backend the control API needs.
type Store interface {
	Create(ctx context.Context, rec *xcute.JobRecord) error
	Get(ctx context.Context, jobID string) (*xcute.JobRecord, error)
	List(ctx context.Context, limit int, marker string) ([]*xcute.JobRecord, error)
	ListWaiting(ctx context.Context) ([]string, error)
	ListOrchestrator(ctx context.Context, orchestratorID string) ([]*xcute.JobRecord, error)
	Locks(ctx context.Context) (map[string]string, error)
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
}

type JobHandler struct {
	store    Store
	registry *modules.Registry
	log      *logger.Logger
}

func NewJobHandler(store Store, registry *modules.Registry, log *logger.Logger) *JobHandler {
	return &JobHandler{store: store, registry: registry, log: log}
}

// POST /v1.0/xcute/jobs
//
// The body is a partial record: job.type plus optional items.max_per_second,
// options and details. Everything else is filled in here.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var rec xcute.JobRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request_body", err)
		return
	}

	// The factory normalizes options in place; share the record's map so the
	// stored options carry the applied defaults.
	if rec.Options == nil {
		rec.Options = make(map[string]any)
	}
	mod, err := h.registry.Module(rec.Job.Type, rec.Options, rec.Details)
	if err != nil {
		respondJobError(c, err)
		return
	}
	job, err := xcute.NewJob(mod, &rec, time.Now(), h.log)
	if err != nil {
		respondJobError(c, err)
		return
	}
	if err := h.store.Create(c.Request.Context(), job.Record); err != nil {
		respondJobError(c, err)
		return
	}

	if h.log != nil {
		h.log.Info("job created",
			"job_id", job.ID(), "job_type", job.Type(), "lock", job.Record.Job.Lock)
	}
	response.RespondAccepted(c, job.Record)
}

// GET /v1.0/xcute/jobs?limit=&marker=
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "bad_limit", err)
			return
		}
		limit = parsed
	}

	jobs, err := h.store.List(c.Request.Context(), limit, c.Query("marker"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*xcute.JobRecord{}
	}
	response.RespondOK(c, jobs)
}

// GET /v1.0/xcute/jobs/waiting
func (h *JobHandler) ListWaitingJobs(c *gin.Context) {
	waiting, err := h.store.ListWaiting(c.Request.Context())
	if err != nil {
		respondJobError(c, err)
		return
	}
	if waiting == nil {
		waiting = []string{}
	}
	response.RespondOK(c, waiting)
}

// GET /v1.0/xcute/jobs/locks
func (h *JobHandler) ListLocks(c *gin.Context) {
	locks, err := h.store.Locks(c.Request.Context())
	if err != nil {
		respondJobError(c, err)
		return
	}
	if locks == nil {
		locks = map[string]string{}
	}
	response.RespondOK(c, locks)
}

// GET /v1.0/xcute/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	response.RespondOK(c, rec)
}

// DELETE /v1.0/xcute/jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondJobError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// POST /v1.0/xcute/jobs/:id/pause
func (h *JobHandler) PauseJob(c *gin.Context) {
	if err := h.store.Pause(c.Request.Context(), c.Param("id")); err != nil {
		respondJobError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// POST /v1.0/xcute/jobs/:id/resume
func (h *JobHandler) ResumeJob(c *gin.Context) {
	if err := h.store.Resume(c.Request.Context(), c.Param("id")); err != nil {
		respondJobError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// GET /v1.0/xcute/orchestrator/:id/jobs
func (h *JobHandler) ListOrchestratorJobs(c *gin.Context) {
	jobs, err := h.store.ListOrchestrator(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*xcute.JobRecord{}
	}
	response.RespondOK(c, jobs)
}

func respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, xcute.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, xcute.ErrConflict):
		response.RespondError(c, http.StatusConflict, "job_exists", err)
	case errors.Is(err, xcute.ErrBadState):
		response.RespondError(c, http.StatusConflict, "bad_job_state", err)
	case errors.Is(err, xcute.ErrUnknownType):
		response.RespondError(c, http.StatusBadRequest, "unknown_job_type", err)
	case errors.Is(err, xcute.ErrBadOptions):
		response.RespondError(c, http.StatusBadRequest, "bad_job_options", err)
	default:
		response.RespondError(c, apierr.StatusOf(err), apierr.CodeOf(err), err)
	}
}
