package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ebookbot/ebookbot/internal/models"
)

var (
	// ErrNotFound means no job row exists for the id.
	ErrNotFound = errors.New("job not found")
	// ErrStaleClaim means the caller no longer owns the job; another
	// worker reclaimed it after the lease expired.
	ErrStaleClaim = errors.New("stale claim: job state or lease changed")
)

// JobRepository owns all mutation of job rows. Claims and state
// transitions are compare-and-swap updates, so the mutual-exclusion
// guarantee holds across process restarts without any in-memory lock.
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List retrieves jobs, optionally filtered by state, newest first.
func (r *JobRepository) List(ctx context.Context, state models.JobState, limit int) ([]models.Job, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNext claims the oldest due job for the given owner and returns it
// with a fresh lease, or nil when nothing is claimable. Claimable means:
// pending, or delivering with a free or expired lease (a delivery retry
// reuses the cached conversion result). The attempt counter is bumped as
// part of the claim, and a job whose budget is spent is never handed out.
func (r *JobRepository) ClaimNext(ctx context.Context, owner string, leaseDuration time.Duration) (*models.Job, error) {
	now := time.Now().UTC()

	var candidates []models.Job
	err := r.db.WithContext(ctx).
		Where("state IN ?", []models.JobState{models.JobStatePending, models.JobStateDelivering}).
		Where("available_at <= ?", now).
		Where("attempt < max_attempts").
		Where("lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Order("enqueued_at ASC").
		Limit(5).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("find claimable jobs: %w", err)
	}

	for i := range candidates {
		claimed, err := r.ClaimForProcessing(ctx, candidates[i].ID, owner, leaseDuration)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		// Lost the race for this one; try the next candidate.
	}
	return nil, nil
}

// ClaimForProcessing acquires an exclusive lease on one job. It succeeds
// only if no other live claim exists; the guard is a single conditional
// UPDATE, so two workers can never hold overlapping leases on the same id.
// Returns nil (no error) when the claim was not available.
func (r *JobRepository) ClaimForProcessing(ctx context.Context, id, owner string, leaseDuration time.Duration) (*models.Job, error) {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)

	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Where("state IN ?", []models.JobState{models.JobStatePending, models.JobStateDelivering}).
		Where("attempt < max_attempts").
		Where("lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Updates(map[string]any{
			"lease_owner":      owner,
			"lease_expires_at": expires,
			"attempt":          gorm.Expr("attempt + 1"),
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.Get(ctx, id)
}

// RenewLease extends the caller's lease on a job it still owns. A long
// step renews periodically so the janitor never mistakes a live worker for
// a dead one. Returns ErrStaleClaim when the caller no longer owns the job.
func (r *JobRepository) RenewLease(ctx context.Context, id, owner string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Where("state NOT IN ?", []models.JobState{models.JobStateSucceeded, models.JobStateFailed}).
		Updates(map[string]any{
			"lease_expires_at": now.Add(leaseDuration),
			"updated_at":       now,
		})
	if res.Error != nil {
		return fmt.Errorf("renew lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	return nil
}

// UpdateState is a compare-and-swap transition keyed on the current state
// and lease owner. A worker that outlived its lease gets ErrStaleClaim
// here instead of silently overwriting another worker's progress.
func (r *JobRepository) UpdateState(ctx context.Context, id string, from, to models.JobState, owner string, extra map[string]any) error {
	updates := map[string]any{
		"state":      to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND lease_owner = ?", id, from, owner).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	return nil
}

// MarkSucceeded finalizes a job. Terminal; clears the lease.
func (r *JobRepository) MarkSucceeded(ctx context.Context, id, owner, resultPath, resultName string, meta datatypes.JSON) error {
	return r.UpdateState(ctx, id, models.JobStateDelivering, models.JobStateSucceeded, owner, map[string]any{
		"result_path":      resultPath,
		"result_name":      resultName,
		"result_meta":      meta,
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
}

// MarkFailed moves a job to the failed state from whatever non-terminal
// state it is in, recording the error class and detail. Keyed on the lease
// owner, so a worker that outlived its lease cannot fail a job another
// worker has reclaimed. The lease is released so the row is inspectable
// and retryable.
func (r *JobRepository) MarkFailed(ctx context.Context, id, owner string, kind models.ErrorKind, detail string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Where("state NOT IN ?", []models.JobState{models.JobStateSucceeded, models.JobStateFailed}).
		Updates(map[string]any{
			"state":            models.JobStateFailed,
			"error_kind":       kind,
			"error_detail":     detail,
			"result_path":      "",
			"result_name":      "",
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	return nil
}

// Requeue puts a transiently-failed job back in the pending state with a
// delay, keeping the attempt counter. Only failed jobs with retry budget
// left can re-enter the queue.
func (r *JobRepository) Requeue(ctx context.Context, id string, availableAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, models.JobStateFailed).
		Where("attempt < max_attempts").
		Updates(map[string]any{
			"state":            models.JobStatePending,
			"error_kind":       "",
			"error_detail":     "",
			"available_at":     availableAt.UTC(),
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("requeue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	return nil
}

// Release drops the caller's lease without changing state. Used on
// transient infrastructure failures so another worker can reclaim sooner
// than the lease expiry.
func (r *JobRepository) Release(ctx context.Context, id, owner string) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("release job: %w", res.Error)
	}
	return nil
}

// ResetExpired recovers jobs whose worker died mid-step: any job stuck in
// downloading, detecting or converting past its lease goes back to
// pending so another worker restarts the step from scratch. Returns the
// ids it reset.
func (r *JobRepository) ResetExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	midFlight := []models.JobState{
		models.JobStateDownloading,
		models.JobStateDetecting,
		models.JobStateConverting,
	}

	var stuck []models.Job
	err := r.db.WithContext(ctx).
		Where("state IN ?", midFlight).
		Where("lease_expires_at IS NOT NULL AND lease_expires_at < ?", now).
		Find(&stuck).Error
	if err != nil {
		return nil, fmt.Errorf("find expired leases: %w", err)
	}

	var reset []string
	for i := range stuck {
		res := r.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND state = ?", stuck[i].ID, stuck[i].State).
			Where("lease_expires_at IS NOT NULL AND lease_expires_at < ?", now).
			Updates(map[string]any{
				"state":            models.JobStatePending,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"available_at":     now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return reset, fmt.Errorf("reset expired job: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			reset = append(reset, stuck[i].ID)
		}
	}
	return reset, nil
}

// CancelPending marks a not-yet-started job as cancelled. Jobs already
// past pending run to completion or timeout; their result is discarded at
// delivery time instead.
func (r *JobRepository) CancelPending(ctx context.Context, chatID int64, messageID int) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("chat_id = ? AND message_id = ? AND state = ?", chatID, messageID, models.JobStatePending).
		Updates(map[string]any{
			"state":            models.JobStateFailed,
			"error_kind":       models.ErrorKindCancelled,
			"error_detail":     "request withdrawn before processing started",
			"lease_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel pending job: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RequestCancel flags a mid-flight job so its result is discarded instead
// of delivered. Best effort: the running step finishes or times out first.
func (r *JobRepository) RequestCancel(ctx context.Context, chatID int64, messageID int) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("chat_id = ? AND message_id = ?", chatID, messageID).
		Where("state IN ?", []models.JobState{
			models.JobStateDownloading,
			models.JobStateDetecting,
			models.JobStateConverting,
			models.JobStateDelivering,
		}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return 0, fmt.Errorf("request cancel: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpsertChat registers a chat, or refreshes its title on conflict.
func (r *JobRepository) UpsertChat(ctx context.Context, chat *models.Chat) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "kind", "updated_at"}),
	}).Create(chat).Error
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// IncrementChatUsage bumps a chat's conversion counter.
func (r *JobRepository) IncrementChatUsage(ctx context.Context, chatID int64) error {
	err := r.db.WithContext(ctx).Model(&models.Chat{}).
		Where("chat_id = ?", chatID).
		Update("usage_count", gorm.Expr("usage_count + ?", 1)).Error
	if err != nil {
		return fmt.Errorf("increment chat usage: %w", err)
	}
	return nil
}

// BumpFormatStat counts one use of a format, as input or output.
func (r *JobRepository) BumpFormatStat(ctx context.Context, formatName string, output bool) error {
	column := "input_count"
	if output {
		column = "output_count"
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "format"}},
		DoUpdates: clause.Assignments(map[string]any{column: gorm.Expr(column + " + 1")}),
	}).Create(&models.FormatStat{Format: formatName, InputCount: boolToCount(!output), OutputCount: boolToCount(output)}).Error
	if err != nil {
		return fmt.Errorf("bump format stat: %w", err)
	}
	return nil
}

// ListFormatStats returns the per-format counters.
func (r *JobRepository) ListFormatStats(ctx context.Context) ([]models.FormatStat, error) {
	var stats []models.FormatStat
	if err := r.db.WithContext(ctx).Order("format ASC").Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("list format stats: %w", err)
	}
	return stats, nil
}

func boolToCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
