// Package pghistory keeps a write-only audit row per render job in Postgres.
package pghistory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"audio2mp4/internal/jobs"
	apperrors "audio2mp4/internal/pkg/errors"
)

const schema = `
	CREATE TABLE IF NOT EXISTS render_jobs (
		id           TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		tracks       INTEGER NOT NULL,
		width        INTEGER NOT NULL,
		height       INTEGER NOT NULL,
		fps          INTEGER NOT NULL,
		error        TEXT,
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

const upsert = `
	INSERT INTO render_jobs (id, status, tracks, width, height, fps, error, created_at, completed_at)
	VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		error = EXCLUDED.error,
		completed_at = EXCLUDED.completed_at,
		updated_at = now()
`

// Execer is the subset of *pgxpool.Pool the recorder uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Recorder implements ports.JobHistory.
type Recorder struct {
	db Execer
}

func New(db Execer) *Recorder {
	return &Recorder{db: db}
}

// EnsureSchema creates the render_jobs table when it is missing.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return apperrors.Wrap(err, "pghistory.schema", "failed to create render_jobs")
	}
	return nil
}

// RecordStatus upserts the job's current status.
func (r *Recorder) RecordStatus(ctx context.Context, job *jobs.Job) error {
	_, err := r.db.Exec(ctx, upsert,
		job.ID,
		string(job.Status),
		len(job.Meta.Tracks),
		job.Meta.Width,
		job.Meta.Height,
		job.Meta.FPS,
		job.Error,
		job.CreatedAt,
		job.CompletedAt,
	)
	if err != nil {
		if isUndefinedTable(err) {
			return apperrors.Wrap(err, "pghistory.record", "render_jobs table is missing")
		}
		return apperrors.Wrap(err, "pghistory.record", "failed to record job status")
	}
	return nil
}

// 42P01 = undefined_table
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
