// Package pipeline turns inbound file-bearing events into tracked,
// at-most-once-processed conversion jobs and drives them through the job
// state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/ebookbot/ebookbot/internal/config"
	"github.com/ebookbot/ebookbot/internal/convert"
	"github.com/ebookbot/ebookbot/internal/format"
	"github.com/ebookbot/ebookbot/internal/logger"
	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/storage"
)

// InboundEvent is a normalized protocol event carrying one uploaded file.
type InboundEvent struct {
	ChatID       int64
	MessageID    int
	FileID       string
	FileName     string
	FileSize     int64
	TargetFormat string // empty means the configured default
}

// Fetcher downloads attachment bytes from the messaging protocol.
type Fetcher interface {
	Fetch(ctx context.Context, fileID string) ([]byte, error)
}

// Sender delivers results, or failure explanations, back to the chat.
type Sender interface {
	SendDocument(ctx context.Context, chatID int64, replyTo int, path, name string) error
	SendText(ctx context.Context, chatID int64, replyTo int, text string) error
}

// Converter produces the target-format artifact for a source file.
type Converter interface {
	Convert(ctx context.Context, req convert.Request) (*convert.Result, error)
}

// Detector classifies raw bytes into a source format.
type Detector func([]byte) format.Format

// Store is the slice of the job repository the pipeline depends on.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	ClaimNext(ctx context.Context, owner string, leaseDuration time.Duration) (*models.Job, error)
	RenewLease(ctx context.Context, id, owner string, leaseDuration time.Duration) error
	UpdateState(ctx context.Context, id string, from, to models.JobState, owner string, extra map[string]any) error
	MarkSucceeded(ctx context.Context, id, owner, resultPath, resultName string, meta datatypes.JSON) error
	MarkFailed(ctx context.Context, id, owner string, kind models.ErrorKind, detail string) error
	Requeue(ctx context.Context, id string, availableAt time.Time) error
	Release(ctx context.Context, id, owner string) error
	ResetExpired(ctx context.Context) ([]string, error)
	CancelPending(ctx context.Context, chatID int64, messageID int) (int64, error)
	RequestCancel(ctx context.Context, chatID int64, messageID int) (int64, error)
	BumpFormatStat(ctx context.Context, formatName string, output bool) error
	IncrementChatUsage(ctx context.Context, chatID int64) error
}

// Admission errors surfaced to the intake layer.
var (
	ErrEmptySourceRef     = errors.New("event has no source reference")
	ErrNoAttachment       = errors.New("event has no attachment")
	ErrUnsupportedTarget  = errors.New("unsupported target format")
	ErrAttachmentTooLarge = errors.New("attachment exceeds the size limit")
)

// Pipeline admits jobs, runs the worker pool, and owns every state
// transition in between.
type Pipeline struct {
	cfg       *config.Config
	store     Store
	fetcher   Fetcher
	sender    Sender
	converter Converter
	detect    Detector

	wake    chan struct{}
	done    chan struct{}
	cancelF context.CancelFunc
}

// New wires a Pipeline. The detector defaults to format.Detect.
func New(cfg *config.Config, store Store, fetcher Fetcher, sender Sender, converter Converter) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		sender:    sender,
		converter: converter,
		detect:    format.Detect,
		wake:      make(chan struct{}, 1),
	}
}

// Admit turns an inbound event into a tracked job. Admission is
// idempotent: re-admitting the same (source, target format) while a job is
// non-terminal returns the existing job without side effects, which is the
// defense against at-least-once event delivery.
func (p *Pipeline) Admit(ctx context.Context, event InboundEvent) (*models.Job, error) {
	if event.ChatID == 0 || event.MessageID == 0 {
		return nil, ErrEmptySourceRef
	}
	if event.FileID == "" {
		return nil, ErrNoAttachment
	}

	target := format.Normalize(event.TargetFormat)
	if target == "" {
		target = p.cfg.DefaultTargetFormat
	}
	if !format.IsSupportedOutput(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}

	id := models.JobID(event.ChatID, event.MessageID, target)

	existing, err := p.store.Get(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("admit: %w", err)
	}
	if existing != nil {
		return p.readmit(ctx, existing)
	}

	job := &models.Job{
		ID:           id,
		State:        models.JobStatePending,
		ChatID:       event.ChatID,
		MessageID:    event.MessageID,
		FileID:       event.FileID,
		FileName:     event.FileName,
		FileSize:     event.FileSize,
		TargetFormat: target,
		MaxAttempts:  p.cfg.MaxAttempts,
		EnqueuedAt:   time.Now().UTC(),
		AvailableAt:  time.Now().UTC(),
	}

	// Oversize uploads still get a durable row so redelivery of the same
	// event keeps mapping onto one terminal record.
	if event.FileSize > p.cfg.MaxAttachmentSizeBytes {
		job.State = models.JobStateFailed
		job.ErrorKind = models.ErrorKindInvalidInput
		job.ErrorDetail = fmt.Sprintf("file is larger than the %d byte limit", p.cfg.MaxAttachmentSizeBytes)
	}

	if err := p.store.Create(ctx, job); err != nil {
		// Lost a creation race with a redelivered event; the winner's row
		// is the job.
		if existing, getErr := p.store.Get(ctx, id); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("admit: %w", err)
	}

	if job.State == models.JobStatePending {
		p.signal()
	}
	return job, nil
}

// readmit decides what a duplicate admission means for an existing row.
func (p *Pipeline) readmit(ctx context.Context, job *models.Job) (*models.Job, error) {
	switch {
	case !job.State.Terminal():
		return job, nil
	case job.State == models.JobStateSucceeded:
		// The cached result stands; no reprocessing.
		return job, nil
	case job.Attempt < job.MaxAttempts:
		// A failed job with budget left: the user asking again is an
		// explicit retry.
		if err := p.store.Requeue(ctx, job.ID, time.Now().UTC()); err != nil {
			if errors.Is(err, storage.ErrStaleClaim) {
				return job, nil
			}
			return nil, fmt.Errorf("readmit: %w", err)
		}
		p.signal()
		return p.store.Get(ctx, job.ID)
	default:
		return job, nil
	}
}

// Cancel withdraws a request. A job that has not started is marked
// cancelled outright; a mid-flight one is flagged so the result is
// discarded instead of delivered. Returns true if anything was affected.
func (p *Pipeline) Cancel(ctx context.Context, chatID int64, messageID int) (bool, error) {
	n, err := p.store.CancelPending(ctx, chatID, messageID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	n, err = p.store.RequestCancel(ctx, chatID, messageID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResendResult re-delivers the cached artifact of a succeeded job.
func (p *Pipeline) ResendResult(ctx context.Context, job *models.Job) error {
	if job.State != models.JobStateSucceeded || job.ResultPath == "" {
		return fmt.Errorf("job %s has no result to resend", job.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()
	return p.sender.SendDocument(ctx, job.ChatID, job.MessageID, job.ResultPath, job.ResultName)
}

// UserFacingReason renders a short explanation of a terminal failure.
func UserFacingReason(job *models.Job) string {
	switch job.ErrorKind {
	case models.ErrorKindUnsupportedFormat:
		return "Sorry, I could not recognize this file as a supported ebook format."
	case models.ErrorKindInvalidInput:
		if job.ErrorDetail != "" {
			return "Conversion failed: " + job.ErrorDetail
		}
		return "Conversion failed: the file appears to be malformed."
	case models.ErrorKindCancelled:
		return "The conversion was cancelled."
	case models.ErrorKindTransient:
		return "Conversion kept failing and I gave up. Please try again later."
	default:
		return "Something went wrong on my side. Please try again later."
	}
}

// signal nudges an idle worker; dropping the signal is fine because
// workers also poll.
func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func trimDetail(detail string) string {
	detail = strings.TrimSpace(detail)
	if len(detail) > 900 {
		detail = detail[:900] + "…"
	}
	return detail
}

func (p *Pipeline) logStale(jobID string, err error) {
	if errors.Is(err, storage.ErrStaleClaim) {
		logger.Warnf("job %s: lost claim mid-flight, abandoning", jobID)
	} else {
		logger.Errorf("job %s: %v", jobID, err)
	}
}
