package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/orchestrator"
)

// JobService is the orchestrator surface the job endpoints drive.
type JobService interface {
	Create(ctx context.Context, entityKind string, opts orchestrator.CreateOptions) (*domain.SyncJob, error)
	Trigger(ctx context.Context, entityKind string, opts orchestrator.CreateOptions) (*domain.SyncJob, error)
	Start(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Pause(ctx context.Context, jobID string) (*domain.SyncJob, error)
	Cancel(ctx context.Context, jobID string) (*domain.SyncJob, error)
	Status(ctx context.Context, jobID string) (*domain.SyncJob, error)
	List(ctx context.Context, entityKind string, status domain.JobStatus, limit, offset int) ([]domain.SyncJob, error)
}

// JobHandler handles sync job endpoints.
type JobHandler struct {
	jobs JobService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	EntityKind string `json:"entity_kind" binding:"required"`
	BatchSize  int    `json:"batch_size" binding:"omitempty,min=1,max=1000"`
	Direction  string `json:"direction" binding:"omitempty,oneof=import export"`
	// Start defaults to true. When false the job is only created.
	Start *bool `json:"start"`
}

// ListJobsResponse is the body of GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs   []domain.SyncJob `json:"jobs"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// CreateJob handles POST /api/v1/jobs. A started job answers 202; an
// entity kind that already has an active job answers 409 with that job.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	opts := orchestrator.CreateOptions{
		BatchSize: req.BatchSize,
		Direction: domain.Direction(req.Direction),
		Trigger:   "api",
	}

	if req.Start != nil && !*req.Start {
		job, err := h.jobs.Create(ctx, req.EntityKind, opts)
		if err != nil {
			writeError(c, err, nil)
			return
		}
		c.JSON(http.StatusCreated, job)
		return
	}

	job, err := h.jobs.Trigger(ctx, req.EntityKind, opts)
	if err != nil {
		writeError(c, err, job)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, err := h.jobs.List(c.Request.Context(), c.Query("entity_kind"), domain.JobStatus(c.Query("status")), limit, offset)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if jobs == nil {
		jobs = []domain.SyncJob{}
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: jobs, Limit: limit, Offset: offset})
}

// GetJob handles GET /api/v1/jobs/:id. The body is a point-in-time
// snapshot.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, job)
}

// StartJob handles POST /api/v1/jobs/:id/start.
func (h *JobHandler) StartJob(c *gin.Context) {
	h.act(c, func(ctx context.Context, id string) (*domain.SyncJob, error) {
		if err := h.jobs.Start(ctx, id); err != nil {
			return nil, err
		}
		return h.jobs.Status(ctx, id)
	})
}

// ResumeJob handles POST /api/v1/jobs/:id/resume.
func (h *JobHandler) ResumeJob(c *gin.Context) {
	h.act(c, func(ctx context.Context, id string) (*domain.SyncJob, error) {
		if err := h.jobs.Resume(ctx, id); err != nil {
			return nil, err
		}
		return h.jobs.Status(ctx, id)
	})
}

// PauseJob handles POST /api/v1/jobs/:id/pause.
func (h *JobHandler) PauseJob(c *gin.Context) {
	h.act(c, h.jobs.Pause)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	h.act(c, h.jobs.Cancel)
}

func (h *JobHandler) act(c *gin.Context, fn func(ctx context.Context, id string) (*domain.SyncJob, error)) {
	job, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, job)
		return
	}
	c.JSON(http.StatusAccepted, job)
}
