package job

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ebookbot/ebookbot/common"
	"github.com/ebookbot/ebookbot/internal/dto"
	"github.com/ebookbot/ebookbot/middleware"
)

type JobHandler struct {
	service JobServiceInterface
}

func NewJobHandler(s JobServiceInterface) *JobHandler {
	return &JobHandler{service: s}
}

var _ JobHandlerInterface = (*JobHandler)(nil)

// Get handles HTTP requests to fetch a job by its ID.
func (h *JobHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.Error(common.Errf(http.StatusBadRequest, "missing job id"))
		return
	}

	resp, err := h.service.GetJobByID(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// List handles HTTP requests to list jobs, optionally filtered by state.
func (h *JobHandler) List(c *gin.Context) {
	var query dto.JobListQuery
	if !middleware.BindQuery(c, &query) {
		return
	}

	resp, err := h.service.ListJobs(c.Request.Context(), &query)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Retry handles HTTP requests to requeue a failed job.
func (h *JobHandler) Retry(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.Error(common.Errf(http.StatusBadRequest, "missing job id"))
		return
	}

	resp, err := h.service.RetryJob(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// Stats handles HTTP requests for the per-format conversion counters.
func (h *JobHandler) Stats(c *gin.Context) {
	resp, err := h.service.FormatStats(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
