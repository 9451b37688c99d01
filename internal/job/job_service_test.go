package job

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ebookbot/ebookbot/common"
	"github.com/ebookbot/ebookbot/internal/dto"
	"github.com/ebookbot/ebookbot/internal/mocks"
	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/storage"
)

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr common.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Status
}

func TestGetJobByID(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	svc := NewJobService(repo)
	ctx := context.Background()

	repo.On("Get", mock.Anything, "j1").Return(&models.Job{
		ID:           "j1",
		State:        models.JobStateSucceeded,
		TargetFormat: "epub",
		Attempt:      2,
	}, nil).Once()

	resp, err := svc.GetJobByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", resp.ID)
	assert.Equal(t, "succeeded", resp.State)
	assert.Equal(t, 2, resp.Attempt)

	repo.On("Get", mock.Anything, "missing").Return(nil, storage.ErrNotFound).Once()
	_, err = svc.GetJobByID(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))
}

func TestGetJobByID_CancelledContext(t *testing.T) {
	svc := NewJobService(new(mocks.JobRepoMock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.GetJobByID(ctx, "j1")
	assert.Equal(t, http.StatusRequestTimeout, apiStatus(t, err))
}

func TestListJobs(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	svc := NewJobService(repo)

	repo.On("List", mock.Anything, models.JobStateFailed, 100).Return([]models.Job{
		{ID: "j1", State: models.JobStateFailed},
		{ID: "j2", State: models.JobStateFailed},
	}, nil).Once()

	resp, err := svc.ListJobs(context.Background(), &dto.JobListQuery{State: "failed"})
	require.NoError(t, err)
	require.Len(t, resp, 2)
	assert.Equal(t, "j1", resp[0].ID)

	// An explicit limit is passed through.
	repo.On("List", mock.Anything, models.JobState(""), 5).Return([]models.Job{}, nil).Once()
	_, err = svc.ListJobs(context.Background(), &dto.JobListQuery{Limit: 5})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRetryJob(t *testing.T) {
	tests := []struct {
		name       string
		job        *models.Job
		wantStatus int
	}{
		{
			name:       "not failed",
			job:        &models.Job{ID: "j1", State: models.JobStateConverting},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "budget exhausted",
			job:        &models.Job{ID: "j1", State: models.JobStateFailed, Attempt: 3, MaxAttempts: 3},
			wantStatus: http.StatusConflict,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := new(mocks.JobRepoMock)
			repo.On("Get", mock.Anything, "j1").Return(tc.job, nil).Once()

			_, err := NewJobService(repo).RetryJob(context.Background(), "j1")
			assert.Equal(t, tc.wantStatus, apiStatus(t, err))
			repo.AssertNotCalled(t, "Requeue", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRetryJob_Requeues(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	svc := NewJobService(repo)

	failed := &models.Job{ID: "j1", State: models.JobStateFailed, Attempt: 1, MaxAttempts: 3}
	requeued := &models.Job{ID: "j1", State: models.JobStatePending, Attempt: 1, MaxAttempts: 3}
	repo.On("Get", mock.Anything, "j1").Return(failed, nil).Once()
	repo.On("Requeue", mock.Anything, "j1", mock.Anything).Return(nil).Once()
	repo.On("Get", mock.Anything, "j1").Return(requeued, nil).Once()

	resp, err := svc.RetryJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "pending", resp.State)
	repo.AssertExpectations(t)
}

func TestRetryJob_ConcurrentStateChange(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	svc := NewJobService(repo)

	failed := &models.Job{ID: "j1", State: models.JobStateFailed, Attempt: 1, MaxAttempts: 3}
	repo.On("Get", mock.Anything, "j1").Return(failed, nil).Once()
	repo.On("Requeue", mock.Anything, "j1", mock.Anything).Return(storage.ErrStaleClaim).Once()

	_, err := svc.RetryJob(context.Background(), "j1")
	assert.Equal(t, http.StatusConflict, apiStatus(t, err))
}

func TestFormatStats(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	svc := NewJobService(repo)

	repo.On("ListFormatStats", mock.Anything).Return([]models.FormatStat{
		{Format: "epub", InputCount: 2, OutputCount: 10},
		{Format: "pdf", InputCount: 7, OutputCount: 1},
	}, nil).Once()

	stats, err := svc.FormatStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "epub", stats[0].Format)
	assert.Equal(t, int64(10), stats[0].OutputCount)
}
