// Package submission accepts conversion requests and hands them to the
// worker pool, and serves the owner-facing reads and deletes of jobs.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"fileconverter/config"
	"fileconverter/converter"
	"fileconverter/models"
	"fileconverter/services"
)

type JobStore interface {
	Insert(ctx context.Context, job *models.ConversionJob) error
	GetByID(ctx context.Context, id string) (*models.ConversionJob, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.ConversionJob, error)
}

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
}

type Registry interface {
	Supports(sourceFormat, targetFormat string) bool
}

type PlanResolver interface {
	PlanFor(ctx context.Context, ownerID string) (models.Plan, error)
}

type Service struct {
	jobs     JobStore
	objects  ObjectStore
	queue    Enqueuer
	registry Registry
	plans    PlanResolver

	presignTTL  time.Duration
	defaultPlan models.Plan
	now         func() time.Time
}

func NewService(cfg *config.Config, jobs JobStore, objects ObjectStore, q Enqueuer, registry Registry, plans PlanResolver) *Service {
	return &Service{
		jobs:        jobs,
		objects:     objects,
		queue:       q,
		registry:    registry,
		plans:       plans,
		presignTTL:  cfg.PresignTTL,
		defaultPlan: cfg.Plans.Get(models.PlanFree),
		now:         time.Now,
	}
}

// Submit validates the request, stores the upload, records a PENDING job and
// enqueues it. Each step is undone if a later one fails, so an error never
// leaves a job behind.
func (s *Service) Submit(ctx context.Context, ownerID string, data []byte, fileName, targetFormat string) (string, error) {
	if ownerID == "" {
		return "", models.NewValidationError("ownerId", "missing")
	}
	if len(data) == 0 {
		return "", models.NewValidationError("file", "empty")
	}
	source := SourceFormat(fileName)
	if source == "" {
		return "", models.NewValidationError("fileName", "has no extension")
	}
	target := converter.Normalize(targetFormat)
	if target == "" {
		return "", models.NewValidationError("targetFormat", "missing")
	}
	if !s.registry.Supports(source, target) {
		return "", fmt.Errorf("%w: %s to %s", models.ErrUnsupportedConversion, source, target)
	}

	plan := s.planFor(ctx, ownerID)
	if int64(len(data)) > plan.MaxFileSizeBytes() {
		return "", fmt.Errorf("%w: %d MB allowed on the %s plan", models.ErrFileTooLarge, plan.MaxFileSizeMB, plan.Type)
	}

	key, err := s.objects.Put(ctx, models.SourceKey(source), data, mimetype.Detect(data).String())
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	now := s.now()
	job := &models.ConversionJob{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		OriginalFileName:  fileName,
		OriginalSizeBytes: int64(len(data)),
		SourceFormat:      source,
		TargetFormat:      target,
		SourceLocation:    key,
		Status:            models.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreditsConsumed:   Credits(int64(len(data)), source, target),
	}
	if err := s.jobs.Insert(ctx, job); err != nil {
		s.discardUpload(ctx, key)
		return "", fmt.Errorf("failed to record job: %w", err)
	}

	err = s.queue.Enqueue(ctx, models.QueueMessage{
		JobID:          job.ID,
		SourceLocation: key,
		SourceFormat:   source,
		TargetFormat:   target,
	})
	if err != nil {
		log.Printf("[Submission] Enqueue of job %s failed, rolling back: %v", job.ID, err)
		if delErr := s.jobs.Delete(ctx, job.ID); delErr != nil {
			// The stuck-job sweep re-enqueues it later.
			log.Printf("[Submission] Failed to roll back job %s: %v", job.ID, delErr)
			return "", fmt.Errorf("%w: %v", models.ErrTransientDelivery, err)
		}
		s.discardUpload(ctx, key)
		return "", fmt.Errorf("%w: %v", models.ErrTransientDelivery, err)
	}

	log.Printf("[Submission] Job %s queued: %s (%s -> %s, %d bytes)", job.ID, fileName, source, target, len(data))
	return job.ID, nil
}

// Get returns a job owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*models.ConversionJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, models.ErrForbidden
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, ownerID string, limit int) ([]models.ConversionJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.jobs.ListByOwner(ctx, ownerID, limit)
}

// Delete removes a job and then its blobs. A job a worker holds cannot be
// deleted; the store refuses it even if the claim lands after the read.
// Blobs that cannot be removed are logged and left behind.
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) error {
	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusProcessing {
		return models.ErrJobBusy
	}

	if err := s.jobs.Delete(ctx, job.ID); err != nil {
		return err
	}

	keys := []string{job.SourceLocation}
	if job.ConvertedLocation != nil {
		keys = append(keys, *job.ConvertedLocation)
	}
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, services.ErrObjectNotFound) {
			log.Printf("[Submission] Failed to delete %s of job %s: %v", key, job.ID, err)
		}
	}
	log.Printf("[Submission] Job %s deleted by owner", job.ID)
	return nil
}

// DownloadURL returns a signed link to the converted file and when it stops working.
func (s *Service) DownloadURL(ctx context.Context, ownerID, jobID string) (string, time.Time, error) {
	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return "", time.Time{}, err
	}
	if job.Status != models.StatusCompleted || job.ConvertedLocation == nil {
		return "", time.Time{}, fmt.Errorf("%w: job is %s", models.ErrNotReady, job.Status)
	}

	url, err := s.objects.PresignGet(ctx, *job.ConvertedLocation, s.presignTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return url, s.now().Add(s.presignTTL), nil
}

func (s *Service) planFor(ctx context.Context, ownerID string) models.Plan {
	if s.plans == nil {
		return s.defaultPlan
	}
	plan, err := s.plans.PlanFor(ctx, ownerID)
	if err != nil {
		log.Printf("[Submission] Failed to resolve plan for %s, using %s: %v", ownerID, s.defaultPlan.Type, err)
		return s.defaultPlan
	}
	return plan
}

func (s *Service) discardUpload(ctx context.Context, key string) {
	if err := s.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		log.Printf("[Submission] Failed to remove upload %s: %v", key, err)
	}
}

// SourceFormat derives the source format from the file name extension.
func SourceFormat(fileName string) string {
	ext := filepath.Ext(strings.TrimSpace(fileName))
	if ext == "" || ext == "." {
		return ""
	}
	return converter.Normalize(ext)
}

// Credits charges one credit per started megabyte, at least one, with a 50%
// surcharge for pdf to docx.
func Credits(sizeBytes int64, source, target string) int {
	mb := float64(sizeBytes) / (1 << 20)
	credits := math.Max(1, math.Ceil(mb))
	if source == "pdf" && target == "docx" {
		credits = math.Ceil(credits * 1.5)
	}
	return int(credits)
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrUnsupportedConversion) ||
		errors.Is(err, models.ErrFileTooLarge)
}
