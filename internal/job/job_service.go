package job

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ebookbot/ebookbot/common"
	"github.com/ebookbot/ebookbot/internal/dto"
	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/storage"
)

type JobService struct {
	repo JobQueryRepo
}

func NewJobService(repo JobQueryRepo) *JobService {
	return &JobService{repo: repo}
}

var _ JobServiceInterface = (*JobService)(nil)

// GetJobByID retrieves a job by its ID and maps repository errors to
// typed API errors.
func (s *JobService) GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "failed to get job")
	}

	resp := toResponse(job)
	return &resp, nil
}

// ListJobs retrieves jobs, optionally filtered by state.
func (s *JobService) ListJobs(ctx context.Context, query *dto.JobListQuery) ([]dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	limit := query.Limit
	if limit == 0 {
		limit = 100
	}

	jobs, err := s.repo.List(ctx, models.JobState(query.State), limit)
	if err != nil {
		return nil, mapRepoError(err, "failed to list jobs")
	}

	dtos := make([]dto.JobResponseDTO, len(jobs))
	for i := range jobs {
		dtos[i] = toResponse(&jobs[i])
	}
	return dtos, nil
}

// RetryJob puts a terminally failed job back in the queue, provided it
// still has retry budget. This is the operator-facing retry.
func (s *JobService) RetryJob(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "failed to get job")
	}
	if job.State != models.JobStateFailed {
		return nil, common.Errf(http.StatusConflict, "only failed jobs can be retried")
	}
	if job.Attempt >= job.MaxAttempts {
		return nil, common.Errf(http.StatusConflict, "retry budget exhausted (%d/%d attempts)", job.Attempt, job.MaxAttempts)
	}

	if err := s.repo.Requeue(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrStaleClaim) {
			return nil, common.Errf(http.StatusConflict, "job changed state concurrently")
		}
		return nil, mapRepoError(err, "failed to requeue job")
	}

	requeued, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "failed to get job")
	}
	resp := toResponse(requeued)
	return &resp, nil
}

// FormatStats returns the per-format conversion counters.
func (s *JobService) FormatStats(ctx context.Context) ([]dto.FormatStatDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	stats, err := s.repo.ListFormatStats(ctx)
	if err != nil {
		return nil, mapRepoError(err, "failed to list format stats")
	}

	dtos := make([]dto.FormatStatDTO, len(stats))
	for i, s := range stats {
		dtos[i] = dto.FormatStatDTO{
			Format:      s.Format,
			InputCount:  s.InputCount,
			OutputCount: s.OutputCount,
		}
	}
	return dtos, nil
}

func mapRepoError(err error, fallback string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return common.Errf(http.StatusRequestTimeout, "request timed out")
	case errors.Is(err, storage.ErrNotFound):
		return common.Errf(http.StatusNotFound, "job not found")
	default:
		return common.Errf(http.StatusInternalServerError, "%s", fallback)
	}
}

func toResponse(job *models.Job) dto.JobResponseDTO {
	return dto.JobResponseDTO{
		ID:           job.ID,
		State:        string(job.State),
		ChatID:       job.ChatID,
		MessageID:    job.MessageID,
		FileName:     job.FileName,
		FileSize:     job.FileSize,
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
		ResultName:   job.ResultName,
		ErrorKind:    string(job.ErrorKind),
		ErrorDetail:  job.ErrorDetail,
		LeaseOwner:   job.LeaseOwner,
		LeaseExpires: job.LeaseExpiresAt,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}
