// Package scheduler expires completed conversions once their retention
// window has passed and resolves jobs that stopped making progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/services"
)

type JobStore interface {
	FindExpiredCompleted(ctx context.Context, now time.Time) ([]models.ConversionJob, error)
	FindStale(ctx context.Context, status models.JobStatus, before time.Time) ([]models.ConversionJob, error)
	UpdateStatus(ctx context.Context, id string, from, to models.JobStatus, update models.StatusUpdate) (bool, error)
	MarkRequeued(ctx context.Context, id string, notBefore time.Time) (bool, error)
}

type ObjectStore interface {
	Delete(ctx context.Context, key string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
}

// ExpiryReport summarises one expiry sweep.
type ExpiryReport struct {
	Found   int
	Expired int
	Skipped int
}

// StuckReport summarises one stuck-job sweep. Waiting counts stale PENDING
// jobs that were requeued recently enough to be left alone.
type StuckReport struct {
	Requeued  int
	Waiting   int
	Abandoned int
	Lost      int
	Skipped   int
}

type Scheduler struct {
	jobs    JobStore
	objects ObjectStore
	queue   Enqueuer

	sweepHour        int
	stuckInterval    time.Duration
	pendingAfter     time.Duration
	pendingFailAfter time.Duration
	processingAfter  time.Duration

	now func() time.Time
}

func New(cfg *config.Config, jobs JobStore, objects ObjectStore, q Enqueuer) *Scheduler {
	return &Scheduler{
		jobs:             jobs,
		objects:          objects,
		queue:            q,
		sweepHour:        cfg.SweepHour,
		stuckInterval:    cfg.StuckInterval,
		pendingAfter:     cfg.StuckPendingAfter,
		pendingFailAfter: cfg.StuckPendingFailAfter,
		processingAfter:  cfg.StuckProcessingAfter,
		now:              time.Now,
	}
}

// Run sweeps expired jobs once a day at the configured hour (UTC) and stuck
// jobs on every stuck interval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	next := NextSweep(s.now(), s.sweepHour)
	log.Printf("[Scheduler] Started: next expiry sweep at %s, stuck sweep every %s", next.Format(time.RFC3339), s.stuckInterval)

	daily := time.NewTimer(next.Sub(s.now()))
	defer daily.Stop()
	stuck := time.NewTicker(s.stuckInterval)
	defer stuck.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Shutting down")
			return
		case <-daily.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				log.Printf("[Scheduler] Expiry sweep failed: %v", err)
			}
			daily.Reset(NextSweep(s.now(), s.sweepHour).Sub(s.now()))
		case <-stuck.C:
			if _, err := s.SweepStuck(ctx); err != nil {
				log.Printf("[Scheduler] Stuck sweep failed: %v", err)
			}
		}
	}
}

// NextSweep returns the first occurrence of hour:00 UTC strictly after now.
func NextSweep(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// SweepExpired deletes the output of every completed job past its expiry and
// marks the job EXPIRED. The row itself is kept. A job that cannot be handled
// is logged and left for the next sweep.
func (s *Scheduler) SweepExpired(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport

	jobs, err := s.jobs.FindExpiredCompleted(ctx, s.now())
	if err != nil {
		s.capture(err, "", "find expired")
		return report, fmt.Errorf("failed to find expired jobs: %w", err)
	}
	report.Found = len(jobs)
	log.Printf("[Scheduler] Found %d expired conversions", len(jobs))

	for _, job := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.expire(ctx, job); err != nil {
			log.Printf("[Scheduler] Failed to expire job %s: %v", job.ID, err)
			s.capture(err, job.ID, "expire")
			report.Skipped++
			continue
		}
		report.Expired++
	}

	log.Printf("[Scheduler] Expiry sweep done: %d expired, %d skipped", report.Expired, report.Skipped)
	return report, nil
}

func (s *Scheduler) expire(ctx context.Context, job models.ConversionJob) error {
	if job.ConvertedLocation != nil {
		err := s.objects.Delete(ctx, *job.ConvertedLocation)
		if err != nil && !errors.Is(err, services.ErrObjectNotFound) {
			return fmt.Errorf("failed to delete %s: %w", *job.ConvertedLocation, err)
		}
	}

	ok, err := s.jobs.UpdateStatus(ctx, job.ID, models.StatusCompleted, models.StatusExpired, models.StatusUpdate{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job is no longer %s", models.StatusCompleted)
	}
	log.Printf("[Scheduler] Expired job %s", job.ID)
	return nil
}

// SweepStuck resolves jobs that have not moved for too long. PROCESSING jobs
// whose worker went away are failed. PENDING jobs are re-enqueued, and failed
// once they have waited past the give-up threshold.
func (s *Scheduler) SweepStuck(ctx context.Context) (StuckReport, error) {
	var report StuckReport
	var errs []error
	now := s.now()

	lost, err := s.jobs.FindStale(ctx, models.StatusProcessing, now.Add(-s.processingAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to find stale processing jobs: %w", err))
	}
	for _, job := range lost {
		detail := fmt.Sprintf("worker lost: no progress for %s", s.processingAfter)
		if s.failJob(ctx, job, models.StatusProcessing, detail) {
			report.Lost++
		} else {
			report.Skipped++
		}
	}

	abandoned, err := s.jobs.FindStale(ctx, models.StatusPending, now.Add(-s.pendingFailAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to find abandoned pending jobs: %w", err))
	}
	for _, job := range abandoned {
		detail := fmt.Sprintf("not picked up within %s", s.pendingFailAfter)
		if s.failJob(ctx, job, models.StatusPending, detail) {
			report.Abandoned++
		} else {
			report.Skipped++
		}
	}

	waiting, err := s.jobs.FindStale(ctx, models.StatusPending, now.Add(-s.pendingAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to find stale pending jobs: %w", err))
	}
	for _, job := range waiting {
		// At most one requeue per pendingAfter, or a backlog feeds itself.
		marked, err := s.jobs.MarkRequeued(ctx, job.ID, now.Add(-s.pendingAfter))
		if err != nil {
			log.Printf("[Scheduler] Failed to mark job %s requeued: %v", job.ID, err)
			report.Skipped++
			continue
		}
		if !marked {
			report.Waiting++
			continue
		}
		err = s.queue.Enqueue(ctx, models.QueueMessage{
			JobID:          job.ID,
			SourceLocation: job.SourceLocation,
			SourceFormat:   job.SourceFormat,
			TargetFormat:   job.TargetFormat,
		})
		if err != nil {
			log.Printf("[Scheduler] Failed to re-enqueue job %s: %v", job.ID, err)
			report.Skipped++
			continue
		}
		log.Printf("[Scheduler] Re-enqueued job %s pending since %s", job.ID, job.UpdatedAt.Format(time.RFC3339))
		report.Requeued++
	}

	if report != (StuckReport{}) {
		log.Printf("[Scheduler] Stuck sweep done: %d requeued, %d waiting, %d abandoned, %d lost, %d skipped",
			report.Requeued, report.Waiting, report.Abandoned, report.Lost, report.Skipped)
	}
	if err := errors.Join(errs...); err != nil {
		s.capture(err, "", "stuck sweep")
		return report, err
	}
	return report, nil
}

// failJob moves a job to FAILED through the regular transitions. A PENDING
// job is claimed first so a worker picking it up at the same time loses.
func (s *Scheduler) failJob(ctx context.Context, job models.ConversionJob, from models.JobStatus, detail string) bool {
	if from == models.StatusPending {
		ok, err := s.jobs.UpdateStatus(ctx, job.ID, models.StatusPending, models.StatusProcessing, models.StatusUpdate{})
		if err != nil || !ok {
			log.Printf("[Scheduler] Could not claim job %s: ok=%v err=%v", job.ID, ok, err)
			return false
		}
	}

	ok, err := s.jobs.UpdateStatus(ctx, job.ID, models.StatusProcessing, models.StatusFailed, models.StatusUpdate{ErrorDetail: detail})
	if err != nil || !ok {
		log.Printf("[Scheduler] Could not fail job %s: ok=%v err=%v", job.ID, ok, err)
		return false
	}
	log.Printf("[Scheduler] Job %s failed: %s", job.ID, detail)
	return true
}

func (s *Scheduler) capture(err error, jobID, stage string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "scheduler")
		scope.SetTag("stage", stage)
		if jobID != "" {
			scope.SetTag("job_id", jobID)
		}
		sentry.CaptureException(err)
	})
}
