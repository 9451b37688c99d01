package job

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ebookbot/ebookbot/internal/dto"
	"github.com/ebookbot/ebookbot/internal/models"
)

// JobQueryRepo is the read/retry slice of the job repository the status
// service needs.
type JobQueryRepo interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, state models.JobState, limit int) ([]models.Job, error)
	Requeue(ctx context.Context, id string, availableAt time.Time) error
	ListFormatStats(ctx context.Context) ([]models.FormatStat, error)
}

// JobServiceInterface defines the contract for job status operations.
type JobServiceInterface interface {
	GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error)
	ListJobs(ctx context.Context, query *dto.JobListQuery) ([]dto.JobResponseDTO, error)
	RetryJob(ctx context.Context, id string) (*dto.JobResponseDTO, error)
	FormatStats(ctx context.Context) ([]dto.FormatStatDTO, error)
}

// JobHandlerInterface defines the contract for HTTP request handlers.
type JobHandlerInterface interface {
	Get(c *gin.Context)
	List(c *gin.Context)
	Retry(c *gin.Context)
	Stats(c *gin.Context)
}
