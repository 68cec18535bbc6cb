package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/getsentry/sentry-go"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/queue"
)

type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.ConversionJob, error)
	UpdateStatus(ctx context.Context, id string, from, to models.JobStatus, update models.StatusUpdate) (bool, error)
}

type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Converter interface {
	Convert(ctx context.Context, sourceFormat, targetFormat string, in []byte) ([]byte, error)
}

type Queue interface {
	Read(ctx context.Context) (*queue.Delivery, error)
	Reclaim(ctx context.Context) ([]*queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error
	PublishNotification(ctx context.Context, n models.ConversionNotification) error
}

type PlanResolver interface {
	PlanFor(ctx context.Context, ownerID string) (models.Plan, error)
}

// Pool consumes work messages and drives each job through
// PENDING -> PROCESSING -> COMPLETED | FAILED.
type Pool struct {
	queue     Queue
	jobs      JobStore
	objects   ObjectStore
	converter Converter
	plans     PlanResolver

	timeout       time.Duration
	maxDeliveries int64
	claimInterval time.Duration
	defaultPlan   models.Plan
	now           func() time.Time
}

func NewPool(cfg *config.Config, q Queue, jobs JobStore, objects ObjectStore, conv Converter, plans PlanResolver) *Pool {
	return &Pool{
		queue:         q,
		jobs:          jobs,
		objects:       objects,
		converter:     conv,
		plans:         plans,
		timeout:       cfg.ConversionTimeout,
		maxDeliveries: cfg.MaxDeliveries,
		claimInterval: cfg.ClaimInterval,
		defaultPlan:   cfg.Plans.Get(models.PlanFree),
		now:           time.Now,
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
			d, err := p.queue.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("[Worker %d] Queue error: %v", workerID, err)
				sleep(ctx, 5*time.Second)
				continue
			}
			if d == nil {
				// Timeout, no jobs available
				continue
			}

			p.handle(ctx, workerID, d)
		}
	}
}

// handle applies the state machine to one delivery. Anything that leaves the
// message unacknowledged relies on the reclaim loop for redelivery.
func (p *Pool) handle(ctx context.Context, workerID int, d *queue.Delivery) {
	if d.Err != nil {
		p.deadLetter(ctx, workerID, d, d.Err.Error())
		return
	}
	if p.maxDeliveries > 0 && d.Deliveries > p.maxDeliveries {
		p.deadLetter(ctx, workerID, d, fmt.Sprintf("delivered %d times", d.Deliveries))
		return
	}

	job, err := p.jobs.GetByID(ctx, d.Message.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		p.deadLetter(ctx, workerID, d, "job not found")
		return
	}
	if err != nil {
		log.Printf("[Worker %d] Failed to load job %s: %v", workerID, d.Message.JobID, err)
		return
	}

	claimed, err := p.jobs.UpdateStatus(ctx, job.ID, models.StatusPending, models.StatusProcessing, models.StatusUpdate{})
	if err != nil {
		log.Printf("[Worker %d] Failed to claim job %s: %v", workerID, job.ID, err)
		return
	}
	if !claimed {
		log.Printf("[Worker %d] Skipping job %s: no longer pending", workerID, job.ID)
		p.ack(ctx, workerID, d)
		return
	}

	p.process(ctx, workerID, job, d)
}

func (p *Pool) process(ctx context.Context, workerID int, job *models.ConversionJob, d *queue.Delivery) {
	log.Printf("[Worker %d] Processing job %s (%s -> %s)", workerID, job.ID, job.SourceFormat, job.TargetFormat)

	// A claimed job is finished even if shutdown starts meanwhile.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	startTime := p.now()

	input, err := p.objects.Get(jobCtx, job.SourceLocation)
	if err != nil {
		p.fail(jobCtx, workerID, job, d, "source download failed: "+err.Error(), err)
		return
	}

	output, err := p.convert(jobCtx, job, input)
	if err != nil {
		p.fail(jobCtx, workerID, job, d, err.Error(), err)
		return
	}

	key := models.ConvertedKey(job.ID, job.TargetFormat)
	if _, err := p.objects.Put(jobCtx, key, output, mimetype.Detect(output).String()); err != nil {
		p.fail(jobCtx, workerID, job, d, "storing converted file failed: "+err.Error(), err)
		return
	}

	plan := p.planFor(jobCtx, workerID, job.OwnerID)
	completedAt := p.now()
	done, err := p.jobs.UpdateStatus(jobCtx, job.ID, models.StatusProcessing, models.StatusCompleted, models.StatusUpdate{
		ConvertedLocation: key,
		ExpiryAt:          completedAt.Add(plan.Retention()),
	})
	if err != nil || !done {
		if delErr := p.objects.Delete(jobCtx, key); delErr != nil {
			log.Printf("[Worker %d] Failed to remove orphaned output %s: %v", workerID, key, delErr)
		}
		if err != nil {
			p.fail(jobCtx, workerID, job, d, "recording completion failed: "+err.Error(), err)
			return
		}
		log.Printf("[Worker %d] Job %s left PROCESSING before completion was recorded", workerID, job.ID)
		p.ack(jobCtx, workerID, d)
		return
	}

	if err := p.objects.Delete(jobCtx, job.SourceLocation); err != nil {
		log.Printf("[Worker %d] Failed to delete source %s: %v", workerID, job.SourceLocation, err)
	}
	p.ack(jobCtx, workerID, d)

	log.Printf("[Worker %d] Job %s completed successfully (%.2fs)", workerID, job.ID, completedAt.Sub(startTime).Seconds())

	// Delivery to the owner happens in the relay; this only records the event.
	err = p.queue.PublishNotification(jobCtx, models.ConversionNotification{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		FileName:    job.OriginalFileName,
		DownloadRef: key,
		CompletedAt: completedAt,
	})
	if err != nil {
		log.Printf("[Worker %d] Failed to publish notification for job %s: %v", workerID, job.ID, err)
	}
}

type conversionResult struct {
	out []byte
	err error
}

// convert stops waiting once ctx is done, whether or not the converter
// honours ctx. The abandoned call finishes in the background.
func (p *Pool) convert(ctx context.Context, job *models.ConversionJob, input []byte) ([]byte, error) {
	done := make(chan conversionResult, 1)
	go func() {
		out, err := p.converter.Convert(ctx, job.SourceFormat, job.TargetFormat, input)
		done <- conversionResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail records a terminal conversion failure. The message is acknowledged
// only once the failure is stored.
func (p *Pool) fail(ctx context.Context, workerID int, job *models.ConversionJob, d *queue.Delivery, detail string, cause error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		detail = fmt.Sprintf("conversion timed out after %s", p.timeout)
	}
	log.Printf("[Worker %d] Job %s failed: %s", workerID, job.ID, detail)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ok, err := p.jobs.UpdateStatus(recordCtx, job.ID, models.StatusProcessing, models.StatusFailed, models.StatusUpdate{ErrorDetail: detail})
	if err != nil {
		log.Printf("[Worker %d] Failed to record failure of job %s: %v", workerID, job.ID, err)
		return
	}
	if !ok {
		log.Printf("[Worker %d] Job %s was no longer PROCESSING when failing", workerID, job.ID)
	}
	p.ack(recordCtx, workerID, d)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", job.ID)
		scope.SetTag("conversion", job.SourceFormat+"->"+job.TargetFormat)
		scope.SetExtra("detail", detail)
		sentry.CaptureException(cause)
	})
}

func (p *Pool) deadLetter(ctx context.Context, workerID int, d *queue.Delivery, reason string) {
	log.Printf("[Worker %d] Moving message %s to dead-letter queue: %s", workerID, d.ID, reason)
	if err := p.queue.DeadLetter(ctx, d, reason); err != nil {
		log.Printf("[Worker %d] Failed to dead-letter message %s: %v", workerID, d.ID, err)
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("message_id", d.ID)
		scope.SetExtra("payload", d.Payload)
		sentry.CaptureMessage("poison message: " + reason)
	})
}

func (p *Pool) ack(ctx context.Context, workerID int, d *queue.Delivery) {
	if err := p.queue.Ack(ctx, d.ID); err != nil {
		log.Printf("[Worker %d] Failed to ack message %s: %v", workerID, d.ID, err)
	}
}

func (p *Pool) planFor(ctx context.Context, workerID int, ownerID string) models.Plan {
	if p.plans == nil {
		return p.defaultPlan
	}
	plan, err := p.plans.PlanFor(ctx, ownerID)
	if err != nil {
		log.Printf("[Worker %d] Failed to resolve plan for %s, using %s: %v", workerID, ownerID, p.defaultPlan.Type, err)
		return p.defaultPlan
	}
	return plan
}

// RecoveryLoop periodically takes over messages whose consumer stopped
// before acknowledging them.
func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.claimInterval)
	defer ticker.Stop()

	log.Println("[Recovery] Starting abandoned message recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			p.recoverAbandoned(ctx)
		}
	}
}

func (p *Pool) recoverAbandoned(ctx context.Context) int {
	deliveries, err := p.queue.Reclaim(ctx)
	if err != nil {
		log.Printf("[Recovery] Failed to reclaim messages: %v", err)
	}

	for _, d := range deliveries {
		if ctx.Err() != nil {
			break
		}
		p.handle(ctx, -1, d)
	}

	if len(deliveries) > 0 {
		log.Printf("[Recovery] Reprocessed %d abandoned messages", len(deliveries))
	}
	return len(deliveries)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
