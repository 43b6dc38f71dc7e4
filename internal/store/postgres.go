package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-pipeline/internal/models"
)

// ErrNotTracked is returned for jobs without a journal row.
var ErrNotTracked = errors.New("job not tracked")

// Store wraps pgxpool for the orchestrator journal.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AuditEntry is one line of a job's audit trail.
type AuditEntry struct {
	ID     string    `json:"id"`
	JobID  string    `json:"job_id"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	TS     time.Time `json:"ts"`
}

// TrackJob inserts the job or refreshes its status. A journaled voice
// selection survives re-tracking.
func (s *Store) TrackJob(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracked_jobs (job_id, status, tracked_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`, jobID, string(status))
	if err != nil {
		return fmt.Errorf("track job: %w", err)
	}
	return nil
}

// UntrackJob removes the job row. The audit trail is kept.
func (s *Store) UntrackJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tracked_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("untrack job: %w", err)
	}
	return nil
}

// TrackedJobs lists every journaled job, oldest first.
func (s *Store) TrackedJobs(ctx context.Context) ([]models.TrackedJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, status, voice_selection, tracked_at, updated_at
		FROM tracked_jobs ORDER BY tracked_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query tracked jobs: %w", err)
	}
	defer rows.Close()

	var out []models.TrackedJob
	for rows.Next() {
		job, err := scanTracked(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked jobs: %w", err)
	}
	return out, nil
}

// GetTracked fetches one journal row.
func (s *Store) GetTracked(ctx context.Context, jobID string) (models.TrackedJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, status, voice_selection, tracked_at, updated_at
		FROM tracked_jobs WHERE job_id = $1
	`, jobID)
	job, err := scanTracked(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TrackedJob{}, fmt.Errorf("%w: %s", ErrNotTracked, jobID)
	}
	return job, err
}

// RecordStatus stores the last status observed from the backend.
func (s *Store) RecordStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tracked_jobs SET status = $2, updated_at = NOW() WHERE job_id = $1
	`, jobID, string(status))
	return err
}

// RecordVoiceSelection stores the selected voice history index.
func (s *Store) RecordVoiceSelection(ctx context.Context, jobID string, index int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tracked_jobs SET voice_selection = $2, updated_at = NOW() WHERE job_id = $1
	`, jobID, index)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), jobID, event, emptyToNil(detail))
	return err
}

// AuditTrail returns the audit rows of a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event, detail, ts FROM audit_logs
		WHERE job_id = $1 ORDER BY ts, id LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var id pgtype.UUID
		var detail pgtype.Text
		if err := rows.Scan(&id, &e.JobID, &e.Event, &detail, &e.TS); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if id.Valid {
			e.ID = uuid.UUID(id.Bytes).String()
		}
		if p := textPtr(detail); p != nil {
			e.Detail = *p
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit trail: %w", err)
	}
	return out, nil
}

func scanTracked(row pgx.Row) (models.TrackedJob, error) {
	var job models.TrackedJob
	var status string
	var selection pgtype.Int4
	if err := row.Scan(&job.JobID, &status, &selection, &job.TrackedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TrackedJob{}, err
		}
		return models.TrackedJob{}, fmt.Errorf("scan tracked job: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.VoiceSelection = -1
	if selection.Valid {
		job.VoiceSelection = int(selection.Int32)
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
