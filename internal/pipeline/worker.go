package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ebookbot/ebookbot/internal/convert"
	"github.com/ebookbot/ebookbot/internal/format"
	"github.com/ebookbot/ebookbot/internal/logger"
	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/storage"
)

// Start launches the worker pool and the lease janitor. Stop with Stop.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelF = cancel
	p.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i + 1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runJanitor(ctx)
	}()

	go func() {
		wg.Wait()
		close(p.done)
	}()
}

// Stop shuts the pool down and waits for in-flight jobs to settle.
func (p *Pipeline) Stop() {
	if p.cancelF == nil {
		return
	}
	p.cancelF()
	<-p.done
}

// runWorker pulls claimable jobs and processes each end-to-end. The poll
// delay doubles while the queue is empty and snaps back on work.
func (p *Pipeline) runWorker(ctx context.Context, id int) {
	owner := fmt.Sprintf("worker-%d-%s", id, uuid.NewString()[:8])
	logger.Debugf("%s started", owner)

	currentDelay := time.Second
	maxDelay := 30 * time.Second

	for {
		job, err := p.store.ClaimNext(ctx, owner, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("%s: claim failed: %v", owner, err)
		}

		if job != nil {
			p.process(ctx, owner, job)
			currentDelay = time.Second
			continue
		}
		currentDelay = min(currentDelay*2, maxDelay)

		select {
		case <-time.After(currentDelay):
		case <-p.wake:
			currentDelay = time.Second
		case <-ctx.Done():
			return
		}
	}
}

// runJanitor periodically returns jobs with expired leases to the queue so
// a crashed worker's job is reclaimed instead of stuck forever.
func (p *Pipeline) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reset, err := p.store.ResetExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Errorf("janitor: %v", err)
				}
				continue
			}
			for _, id := range reset {
				logger.Warnf("janitor: recovered job %s from an expired lease", id)
			}
			if len(reset) > 0 {
				p.signal()
			}
			p.sweepWorkDirs(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweepWorkDirs reclaims disk from finished jobs. A succeeded job keeps
// its artifact on disk for ResultTTL so redelivered requests get the
// cached file; after that the work dir goes, and a later resend simply
// reports the result as expired. Dirs without a job row are leftovers
// from before a database reset and go immediately.
func (p *Pipeline) sweepWorkDirs(ctx context.Context) {
	entries, err := os.ReadDir(p.cfg.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("janitor: sweep: %v", err)
		}
		return
	}
	cutoff := time.Now().UTC().Add(-p.cfg.ResultTTL)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := p.store.Get(ctx, entry.Name())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.removeWorkDir(entry.Name())
			}
			continue
		}
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			p.removeWorkDir(entry.Name())
		}
	}
}

func (p *Pipeline) removeWorkDir(jobID string) {
	if err := os.RemoveAll(filepath.Join(p.cfg.WorkDir, jobID)); err != nil {
		logger.Warnf("janitor: sweep %s: %v", jobID, err)
	}
}

// process drives one claimed job through the state machine. Every
// transition is persisted (compare-and-swap on the current state and lease
// owner) before the next step begins, so a crash resumes from the last
// durable state. A single bad job never takes the worker down.
func (p *Pipeline) process(ctx context.Context, owner string, job *models.Job) {
	logger.Infof("%s: processing job %s (attempt %d/%d, state %s)",
		owner, job.ID, job.Attempt, job.MaxAttempts, job.State)

	// Renew the lease for as long as the job is being worked on. A step
	// may legitimately run longer than the lease (a big conversion), and
	// without renewal the janitor would hand the job to a second worker
	// while this one is still on it.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, owner, job.ID)

	// A delivering job was claimed for a delivery retry; the conversion
	// result is already cached on disk.
	if job.State == models.JobStateDelivering {
		p.deliver(ctx, owner, job)
		return
	}

	if err := p.advance(ctx, owner, job, models.JobStatePending, models.JobStateDownloading, nil); err != nil {
		p.logStale(job.ID, err)
		return
	}

	data, err := p.download(ctx, job)
	if err != nil {
		p.fail(ctx, owner, job, models.ErrorKindTransient, fmt.Sprintf("download failed: %v", err))
		return
	}
	if int64(len(data)) > p.cfg.MaxAttachmentSizeBytes {
		p.fail(ctx, owner, job, models.ErrorKindInvalidInput,
			fmt.Sprintf("file is larger than the %d byte limit", p.cfg.MaxAttachmentSizeBytes))
		return
	}

	if err := p.advance(ctx, owner, job, models.JobStateDownloading, models.JobStateDetecting, nil); err != nil {
		p.logStale(job.ID, err)
		return
	}

	src := p.detect(data)
	if src == format.FormatUnknown || !format.IsSupportedInput(src) {
		p.fail(ctx, owner, job, models.ErrorKindUnsupportedFormat,
			fmt.Sprintf("unrecognized or unsupported input (detected %q)", src.String()))
		return
	}
	job.SourceFormat = string(src)
	if err := p.store.BumpFormatStat(ctx, string(src), false); err != nil {
		logger.Warnf("job %s: format stat: %v", job.ID, err)
	}

	if err := p.advance(ctx, owner, job, models.JobStateDetecting, models.JobStateConverting, map[string]any{
		"source_format": string(src),
	}); err != nil {
		p.logStale(job.ID, err)
		return
	}

	result, cerr := p.runConversion(ctx, job, data)
	if cerr != nil {
		var convErr *convert.Error
		if errors.As(cerr, &convErr) {
			p.fail(ctx, owner, job, convErr.Kind, convErr.Detail)
		} else {
			p.fail(ctx, owner, job, models.ErrorKindTransient, trimDetail(cerr.Error()))
		}
		return
	}

	meta, _ := json.Marshal(map[string]any{
		"sourceFormat": job.SourceFormat,
		"targetFormat": job.TargetFormat,
	})
	if err := p.advance(ctx, owner, job, models.JobStateConverting, models.JobStateDelivering, map[string]any{
		"result_path": result.OutputPath,
		"result_name": result.OutputName,
		"result_meta": meta,
	}); err != nil {
		p.logStale(job.ID, err)
		return
	}
	job.ResultPath = result.OutputPath
	job.ResultName = result.OutputName

	p.deliver(ctx, owner, job)
}

// heartbeat extends the lease while a job is in flight. Stops on its own
// when the claim is lost; the worker's next state write fails the same
// way, so there is nothing to report here beyond debug.
func (p *Pipeline) heartbeat(ctx context.Context, owner, jobID string) {
	period := p.cfg.LeaseDuration / 3
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.store.RenewLease(ctx, jobID, owner, p.cfg.LeaseDuration); err != nil {
				if ctx.Err() == nil {
					logger.Debugf("%s: lease renewal for job %s stopped: %v", owner, jobID, err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// download fetches the attachment bytes with the per-step timeout.
func (p *Pipeline) download(ctx context.Context, job *models.Job) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()
	return p.fetcher.Fetch(ctx, job.FileID)
}

// runConversion stages the input on disk and invokes the converter.
func (p *Pipeline) runConversion(ctx context.Context, job *models.Job, data []byte) (*convert.Result, error) {
	dir := filepath.Join(p.cfg.WorkDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	inputPath := filepath.Join(dir, inputFileName(job))
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("stage input: %w", err)
	}

	return p.converter.Convert(ctx, convert.Request{
		InputPath:    inputPath,
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
	})
}

// deliver sends the cached artifact and finalizes the job. A cancelled
// job's result is discarded here, and a delivery failure leaves the job in
// delivering with a released lease so a later claim retries the send
// without reconverting.
func (p *Pipeline) deliver(ctx context.Context, owner string, job *models.Job) {
	current, err := p.store.Get(ctx, job.ID)
	if err != nil {
		p.logStale(job.ID, err)
		return
	}
	if current.CancelRequested {
		if err := p.store.MarkFailed(ctx, job.ID, owner, models.ErrorKindCancelled, "cancelled while converting"); err != nil {
			p.logStale(job.ID, err)
		}
		p.notify(ctx, job, UserFacingReason(&models.Job{ErrorKind: models.ErrorKindCancelled}))
		p.cleanupWorkDir(job)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	err = p.sender.SendDocument(sendCtx, job.ChatID, job.MessageID, job.ResultPath, job.ResultName)
	cancel()
	if err != nil {
		if job.Attempt >= job.MaxAttempts {
			detail := trimDetail(fmt.Sprintf("delivery failed: %v", err))
			if markErr := p.store.MarkFailed(ctx, job.ID, owner, models.ErrorKindTransient, detail); markErr != nil {
				p.logStale(job.ID, markErr)
				return
			}
			p.notify(ctx, job, UserFacingReason(&models.Job{ErrorKind: models.ErrorKindTransient}))
			p.cleanupWorkDir(job)
			return
		}
		logger.Warnf("job %s: delivery failed, will retry: %v", job.ID, err)
		if relErr := p.store.Release(ctx, job.ID, owner); relErr != nil {
			logger.Errorf("job %s: release: %v", job.ID, relErr)
		}
		return
	}

	meta, _ := json.Marshal(map[string]any{
		"sourceFormat": job.SourceFormat,
		"targetFormat": job.TargetFormat,
		"deliveredAt":  time.Now().UTC().Format(time.RFC3339),
	})
	if err := p.store.MarkSucceeded(ctx, job.ID, owner, job.ResultPath, job.ResultName, meta); err != nil {
		p.logStale(job.ID, err)
		return
	}

	if err := p.store.BumpFormatStat(ctx, job.TargetFormat, true); err != nil {
		logger.Warnf("job %s: format stat: %v", job.ID, err)
	}
	if err := p.store.IncrementChatUsage(ctx, job.ChatID); err != nil {
		logger.Warnf("job %s: chat usage: %v", job.ID, err)
	}
	logger.Infof("job %s: succeeded (%s -> %s)", job.ID, job.SourceFormat, job.TargetFormat)
}

// advance persists one state transition, keeping the in-memory copy in
// step with the row.
func (p *Pipeline) advance(ctx context.Context, owner string, job *models.Job, from, to models.JobState, extra map[string]any) error {
	if err := p.store.UpdateState(ctx, job.ID, from, to, owner, extra); err != nil {
		return err
	}
	job.State = to
	return nil
}

// fail records a classified failure. Transient failures with budget left
// re-enter the queue after the configured backoff; everything else is
// terminal and the user is told why.
func (p *Pipeline) fail(ctx context.Context, owner string, job *models.Job, kind models.ErrorKind, detail string) {
	detail = trimDetail(detail)
	logger.Warnf("job %s: failed (%s): %s", job.ID, kind, detail)

	if err := p.store.MarkFailed(ctx, job.ID, owner, kind, detail); err != nil {
		p.logStale(job.ID, err)
		return
	}

	if kind.Retryable() && job.Attempt < job.MaxAttempts {
		availableAt := time.Now().UTC().Add(p.cfg.RetryDelayFor(job.Attempt))
		if err := p.store.Requeue(ctx, job.ID, availableAt); err != nil && !errors.Is(err, storage.ErrStaleClaim) {
			logger.Errorf("job %s: requeue: %v", job.ID, err)
		}
		return
	}

	p.notify(ctx, job, UserFacingReason(&models.Job{ErrorKind: kind, ErrorDetail: detail}))
	p.cleanupWorkDir(job)
}

// notify tells the user about a terminal failure; best effort.
func (p *Pipeline) notify(ctx context.Context, job *models.Job, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()
	if err := p.sender.SendText(sendCtx, job.ChatID, job.MessageID, text); err != nil {
		logger.Warnf("job %s: failure notice not delivered: %v", job.ID, err)
	}
}

func (p *Pipeline) cleanupWorkDir(job *models.Job) {
	dir := filepath.Join(p.cfg.WorkDir, job.ID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warnf("job %s: cleanup: %v", job.ID, err)
	}
}

func inputFileName(job *models.Job) string {
	ext := job.SourceFormat
	if ext == "" {
		ext = "bin"
	}
	return "input." + ext
}
