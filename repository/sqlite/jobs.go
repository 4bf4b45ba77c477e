package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/repository"
)

var _ repository.JobRepository = (*JobRepository)(nil)

const (
	upsertJob = `
INSERT INTO jobs (kind, content_key, state, artifact_ref, last_error, message, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(kind, content_key) DO UPDATE SET
    state = excluded.state,
    artifact_ref = excluded.artifact_ref,
    last_error = excluded.last_error,
    message = excluded.message,
    attempts = excluded.attempts,
    updated_at = excluded.updated_at
WHERE jobs.state != 'COMPLETED'`

	selectJob = `
SELECT state, artifact_ref, last_error, message, attempts, created_at, updated_at
FROM jobs WHERE kind = ? AND content_key = ?`

	selectJobsByState = `
SELECT kind, content_key, state, artifact_ref, last_error, message, attempts, created_at, updated_at
FROM jobs WHERE state = ? ORDER BY updated_at DESC LIMIT ?`
)

// JobRepository stores the last known status of each job handle.
type JobRepository struct {
	db  *sql.DB
	cfg DBConfig
	now func() time.Time
}

func NewJobRepository(db *sql.DB, cfg DBConfig) *JobRepository {
	return &JobRepository{db: db, cfg: cfg, now: time.Now}
}

// Save upserts rec. Once a record is COMPLETED the upsert leaves it alone,
// so its artifact reference never changes.
func (r *JobRepository) Save(ctx context.Context, rec *models.JobRecord) error {
	const op = "JobRepository.Save"

	if err := rec.Handle.Validate(); err != nil {
		return errors.InvalidInput(op, err, "Invalid job handle")
	}

	now := r.now().UTC()
	updatedAt := rec.Status.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	err := withRetry(ctx, r.cfg, op, func() error {
		_, err := r.db.ExecContext(ctx, upsertJob,
			string(rec.Handle.Kind),
			rec.Handle.ContentKey,
			string(rec.Status.State),
			rec.Status.ArtifactRef,
			rec.Status.LastError,
			rec.Status.Message,
			rec.Status.Attempts,
			now,
			updatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return errors.Internal(op, err, "Failed to save job")
	}
	return nil
}

func (r *JobRepository) Find(ctx context.Context, h models.JobHandle) (*models.JobRecord, error) {
	const op = "JobRepository.Find"

	rec := &models.JobRecord{Handle: h}
	var state string

	err := r.db.QueryRowContext(ctx, selectJob, string(h.Kind), h.ContentKey).Scan(
		&state,
		&rec.Status.ArtifactRef,
		&rec.Status.LastError,
		&rec.Status.Message,
		&rec.Status.Attempts,
		&rec.CreatedAt,
		&rec.Status.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(op, nil, "Job not found")
	}
	if err != nil {
		return nil, errors.Internal(op, err, "Failed to query job")
	}

	rec.Status.State = models.JobState(state)
	return rec, nil
}

// ListByState returns the most recently updated records in state.
func (r *JobRepository) ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.JobRecord, error) {
	const op = "JobRepository.ListByState"

	rows, err := r.db.QueryContext(ctx, selectJobsByState, string(state), limit)
	if err != nil {
		return nil, errors.Internal(op, err, "Failed to query jobs")
	}
	defer rows.Close()

	var records []*models.JobRecord
	for rows.Next() {
		rec := &models.JobRecord{}
		var kind, st string
		if err := rows.Scan(
			&kind,
			&rec.Handle.ContentKey,
			&st,
			&rec.Status.ArtifactRef,
			&rec.Status.LastError,
			&rec.Status.Message,
			&rec.Status.Attempts,
			&rec.CreatedAt,
			&rec.Status.UpdatedAt,
		); err != nil {
			return nil, errors.Internal(op, err, "Failed to scan job")
		}
		rec.Handle.Kind = models.JobKind(kind)
		rec.Status.State = models.JobState(st)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal(op, err, "Failed to iterate jobs")
	}
	return records, nil
}
