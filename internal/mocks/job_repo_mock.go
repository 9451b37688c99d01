package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"gorm.io/datatypes"

	"github.com/ebookbot/ebookbot/internal/models"
)

type JobRepoMock struct {
	mock.Mock
}

func (m *JobRepoMock) Create(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *JobRepoMock) Get(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) List(ctx context.Context, state models.JobState, limit int) ([]models.Job, error) {
	args := m.Called(ctx, state, limit)

	jobs, _ := args.Get(0).([]models.Job)
	return jobs, args.Error(1)
}

func (m *JobRepoMock) ClaimNext(ctx context.Context, owner string, leaseDuration time.Duration) (*models.Job, error) {
	args := m.Called(ctx, owner, leaseDuration)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) ClaimForProcessing(ctx context.Context, id, owner string, leaseDuration time.Duration) (*models.Job, error) {
	args := m.Called(ctx, id, owner, leaseDuration)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) UpdateState(ctx context.Context, id string, from, to models.JobState, owner string, extra map[string]any) error {
	args := m.Called(ctx, id, from, to, owner, extra)
	return args.Error(0)
}

func (m *JobRepoMock) MarkSucceeded(ctx context.Context, id, owner, resultPath, resultName string, meta datatypes.JSON) error {
	args := m.Called(ctx, id, owner, resultPath, resultName, meta)
	return args.Error(0)
}

func (m *JobRepoMock) MarkFailed(ctx context.Context, id, owner string, kind models.ErrorKind, detail string) error {
	args := m.Called(ctx, id, owner, kind, detail)
	return args.Error(0)
}

func (m *JobRepoMock) RenewLease(ctx context.Context, id, owner string, leaseDuration time.Duration) error {
	args := m.Called(ctx, id, owner, leaseDuration)
	return args.Error(0)
}

func (m *JobRepoMock) Requeue(ctx context.Context, id string, availableAt time.Time) error {
	args := m.Called(ctx, id, availableAt)
	return args.Error(0)
}

func (m *JobRepoMock) Release(ctx context.Context, id, owner string) error {
	args := m.Called(ctx, id, owner)
	return args.Error(0)
}

func (m *JobRepoMock) ResetExpired(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)

	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *JobRepoMock) CancelPending(ctx context.Context, chatID int64, messageID int) (int64, error) {
	args := m.Called(ctx, chatID, messageID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobRepoMock) RequestCancel(ctx context.Context, chatID int64, messageID int) (int64, error) {
	args := m.Called(ctx, chatID, messageID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobRepoMock) BumpFormatStat(ctx context.Context, formatName string, output bool) error {
	args := m.Called(ctx, formatName, output)
	return args.Error(0)
}

func (m *JobRepoMock) IncrementChatUsage(ctx context.Context, chatID int64) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

func (m *JobRepoMock) UpsertChat(ctx context.Context, chat *models.Chat) error {
	args := m.Called(ctx, chat)
	return args.Error(0)
}

func (m *JobRepoMock) ListFormatStats(ctx context.Context) ([]models.FormatStat, error) {
	args := m.Called(ctx)

	stats, _ := args.Get(0).([]models.FormatStat)
	return stats, args.Error(1)
}
