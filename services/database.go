package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"fileconverter/models"
)

const jobColumns = `id, owner_id, original_file_name, original_size_bytes, source_format, target_format,
	source_location, converted_location, status, created_at, updated_at, started_at, expiry_at,
	error_detail, credits_consumed`

// OpenDatabase connects to Postgres and verifies the connection.
func OpenDatabase(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// JobStore is the authoritative record of conversion jobs.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

func (d *JobStore) Insert(ctx context.Context, job *models.ConversionJob) error {
	query := `INSERT INTO conversion_jobs (id, owner_id, original_file_name, original_size_bytes,
		source_format, target_format, source_location, status, created_at, updated_at, credits_consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := d.db.ExecContext(ctx, query,
		job.ID, job.OwnerID, job.OriginalFileName, job.OriginalSizeBytes,
		job.SourceFormat, job.TargetFormat, job.SourceLocation, job.Status,
		job.CreatedAt, job.UpdatedAt, job.CreditsConsumed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

func (d *JobStore) GetByID(ctx context.Context, id string) (*models.ConversionJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

// Delete removes a job unless a worker holds it, in which case it returns
// models.ErrJobBusy.
func (d *JobStore) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM conversion_jobs WHERE id = $1 AND status <> $2`, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status models.JobStatus
	err = d.db.QueryRowContext(ctx, `SELECT status FROM conversion_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is %s", models.ErrJobBusy, id, status)
}

// UpdateStatus moves a job from one status to another in a single conditional
// update. It reports false when the job was no longer in status `from`, which
// is how concurrent or redelivered attempts lose the race.
func (d *JobStore) UpdateStatus(ctx context.Context, id string, from, to models.JobStatus, update models.StatusUpdate) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	now := d.now()
	query := `UPDATE conversion_jobs SET status = $1, updated_at = $2`
	args := []interface{}{to, now}
	argIndex := 3

	switch to {
	case models.StatusProcessing:
		query += fmt.Sprintf(`, started_at = $%d`, argIndex)
		args = append(args, now)
		argIndex++
	case models.StatusCompleted:
		query += fmt.Sprintf(`, converted_location = $%d, expiry_at = $%d`, argIndex, argIndex+1)
		args = append(args, update.ConvertedLocation, update.ExpiryAt)
		argIndex += 2
	case models.StatusFailed:
		query += fmt.Sprintf(`, error_detail = $%d`, argIndex)
		args = append(args, update.ErrorDetail)
		argIndex++
	}

	if to != models.StatusCompleted {
		query += `, converted_location = NULL, expiry_at = NULL`
	}

	query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, argIndex, argIndex+1)
	args = append(args, id, from)

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to move job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRequeued records that a PENDING job is being put back on the queue. It
// reports false if the job left PENDING or was already requeued at or after
// notBefore, so concurrent sweeps requeue a job at most once per interval.
func (d *JobStore) MarkRequeued(ctx context.Context, id string, notBefore time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET requeued_at = $1 WHERE id = $2 AND status = $3 AND (requeued_at IS NULL OR requeued_at < $4)`,
		d.now(), id, models.StatusPending, notBefore)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s requeued: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindExpiredCompleted returns completed jobs whose retention has elapsed.
func (d *JobStore) FindExpiredCompleted(ctx context.Context, now time.Time) ([]models.ConversionJob, error) {
	return d.query(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE status = $1 AND expiry_at <= $2 ORDER BY expiry_at`,
		models.StatusCompleted, now)
}

// FindStale returns jobs that have sat in status since before the given time.
func (d *JobStore) FindStale(ctx context.Context, status models.JobStatus, before time.Time) ([]models.ConversionJob, error) {
	return d.query(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		status, before)
}

func (d *JobStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.ConversionJob, error) {
	return d.query(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit)
}

func (d *JobStore) query(ctx context.Context, query string, args ...interface{}) ([]models.ConversionJob, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*models.ConversionJob, error) {
	var (
		job                    models.ConversionJob
		converted, errorDetail sql.NullString
		startedAt, expiryAt    sql.NullTime
	)
	err := s.Scan(
		&job.ID, &job.OwnerID, &job.OriginalFileName, &job.OriginalSizeBytes,
		&job.SourceFormat, &job.TargetFormat, &job.SourceLocation, &converted,
		&job.Status, &job.CreatedAt, &job.UpdatedAt, &startedAt, &expiryAt,
		&errorDetail, &job.CreditsConsumed,
	)
	if err != nil {
		return nil, err
	}
	if converted.Valid {
		job.ConvertedLocation = &converted.String
	}
	if errorDetail.Valid {
		job.ErrorDetail = &errorDetail.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if expiryAt.Valid {
		job.ExpiryAt = &expiryAt.Time
	}
	return &job, nil
}
