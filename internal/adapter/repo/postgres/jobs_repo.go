package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// JobRepo persists and claims export jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct { Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func scanExportJob(row pgx.Row) (domain.ExportJob, error) {
	var j domain.ExportJob
	var meta []byte
	err := row.Scan(&j.ID, &j.OwnerID, &j.MenuID, &j.Kind, &j.Status, &j.Priority, &j.RetryCount,
		&j.AvailableAt, &j.WorkerID, &j.StartedAt, &j.CompletedAt, &j.StoragePath, &j.ArtifactURL,
		&j.ErrorMessage, &meta, &j.CreatedAt, &j.UpdatedAt)
	if err != nil { return domain.ExportJob{}, err }
	// Bad metadata stays zero; the processor fails the job as snapshot_invalid
	// rather than wedging the claim.
	if len(meta) > 0 { _ = json.Unmarshal(meta, &j.Metadata) }
	return j, nil
}

// Claim atomically moves the best eligible pending row to processing for
// workerID. Claim order is priority descending, then FIFO. Rows locked by a
// concurrent claimer are skipped, so two workers can never take the same job.
func (r *JobRepo) Claim(ctx domain.Context, workerID string) (domain.ExportJob, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "export_jobs"),
	)
	q := `WITH next AS (
		SELECT id FROM export_jobs
		WHERE status = 'pending' AND available_at <= now()
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE export_jobs j
	SET status = 'processing', worker_id = $1, started_at = now(), updated_at = now()
	FROM next
	WHERE j.id = next.id
	RETURNING j.id::text, j.owner_id::text, j.menu_id::text, j.kind, j.status, j.priority, j.retry_count,
		j.available_at, j.worker_id, j.started_at, j.completed_at, j.storage_path, j.artifact_url,
		j.error_message, j.metadata, j.created_at, j.updated_at`
	j, err := scanExportJob(r.Pool.QueryRow(ctx, q, workerID))
	if err != nil {
		if err == pgx.ErrNoRows { return domain.ExportJob{}, fmt.Errorf("op=export_job.claim: %w", domain.ErrNoJob) }
		return domain.ExportJob{}, fmt.Errorf("op=export_job.claim: %w", err)
	}
	return j, nil
}

// SetStoragePath persists the deterministic blob path while the row is still
// processing. ErrConflict means the row left processing underneath us.
func (r *JobRepo) SetStoragePath(ctx domain.Context, id, storagePath string) error {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.SetStoragePath")
	defer span.End()
	q := `UPDATE export_jobs SET storage_path=$2, updated_at=$3 WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, storagePath, time.Now().UTC())
	if err != nil { return fmt.Errorf("op=export_job.set_storage_path: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=export_job.set_storage_path: %w", domain.ErrConflict) }
	return nil
}

// Complete marks a processing row completed with its artifact location.
func (r *JobRepo) Complete(ctx domain.Context, id, storagePath, artifactURL string) error {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "export_jobs"),
	)
	q := `UPDATE export_jobs
	SET status='completed', storage_path=$2, artifact_url=$3, completed_at=$4, error_message=NULL, updated_at=$4
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, storagePath, artifactURL, time.Now().UTC())
	if err != nil { return fmt.Errorf("op=export_job.complete: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=export_job.complete: %w", domain.ErrConflict) }
	return nil
}

// FailTerminal marks a processing row permanently failed with a user-safe message.
func (r *JobRepo) FailTerminal(ctx domain.Context, id, userMessage string) error {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.FailTerminal")
	defer span.End()
	q := `UPDATE export_jobs
	SET status='failed', error_message=$2, completed_at=$3, updated_at=$3
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, userMessage, time.Now().UTC())
	if err != nil { return fmt.Errorf("op=export_job.fail_terminal: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=export_job.fail_terminal: %w", domain.ErrConflict) }
	return nil
}

// ResetWithBackoff returns a processing row to pending with an incremented
// retry count, eligible again after delay. The internal message is kept on
// the row for diagnostics until the next attempt overwrites it.
func (r *JobRepo) ResetWithBackoff(ctx domain.Context, id string, delay time.Duration, internalMessage string) error {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.ResetWithBackoff")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE export_jobs
	SET status='pending', retry_count=retry_count+1, available_at=$2, worker_id=NULL, started_at=NULL, error_message=$3, updated_at=$4
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, now.Add(delay), internalMessage, now)
	if err != nil { return fmt.Errorf("op=export_job.reset_backoff: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=export_job.reset_backoff: %w", domain.ErrConflict) }
	return nil
}

// ResetImmediate returns a processing row to pending without touching the
// retry count. Used when shutting down mid-job: the work is requeued, not
// charged against the retry budget.
func (r *JobRepo) ResetImmediate(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.ResetImmediate")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE export_jobs
	SET status='pending', available_at=$2, worker_id=NULL, started_at=NULL, updated_at=$2
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, now)
	if err != nil { return fmt.Errorf("op=export_job.reset_immediate: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=export_job.reset_immediate: %w", domain.ErrConflict) }
	return nil
}

// FindStale lists processing rows whose workers look dead.
func (r *JobRepo) FindStale(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.FindStale")
	defer span.End()
	q := `SELECT id::text FROM export_jobs WHERE status='processing' AND started_at < $1`
	rows, err := r.Pool.Query(ctx, q, time.Now().UTC().Add(-staleThreshold))
	if err != nil { return nil, fmt.Errorf("op=export_job.find_stale: %w", err) }
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil { return nil, fmt.Errorf("op=export_job.find_stale: %w", err) }
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil { return nil, fmt.Errorf("op=export_job.find_stale: %w", err) }
	return ids, nil
}

// ResetAllStale requeues every stale processing row in one statement and
// returns how many were reset. Recovering an orphaned row is not a retry of
// a user-observed attempt, so the retry count stays untouched.
func (r *JobRepo) ResetAllStale(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.ResetAllStale")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE export_jobs
	SET status='pending', available_at=$2, worker_id=NULL, started_at=NULL, updated_at=$2
	WHERE status='processing' AND started_at < $1`
	tag, err := r.Pool.Exec(ctx, q, now.Add(-staleThreshold), now)
	if err != nil { return 0, fmt.Errorf("op=export_job.reset_all_stale: %w", err) }
	return tag.RowsAffected(), nil
}

// QueueDepth counts pending rows currently eligible for claim.
func (r *JobRepo) QueueDepth(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.QueueDepth")
	defer span.End()
	q := `SELECT COUNT(*) FROM export_jobs WHERE status='pending' AND available_at <= now()`
	var depth int
	if err := r.Pool.QueryRow(ctx, q).Scan(&depth); err != nil {
		return 0, fmt.Errorf("op=export_job.queue_depth: %w", err)
	}
	return depth, nil
}

// Stats aggregates queue health counters in a single round trip.
func (r *JobRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.Stats")
	defer span.End()
	q := `SELECT
		COUNT(*) FILTER (WHERE status='pending'),
		COUNT(*) FILTER (WHERE status='processing'),
		COUNT(*) FILTER (WHERE status='completed' AND completed_at > now() - interval '24 hours'),
		COUNT(*) FILTER (WHERE status='failed' AND completed_at > now() - interval '24 hours'),
		COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) FILTER (WHERE status='completed' AND completed_at > now() - interval '24 hours'), 0)::float8,
		COALESCE(EXTRACT(EPOCH FROM (now() - MIN(created_at) FILTER (WHERE status='pending'))), 0)::float8
	FROM export_jobs`
	var s domain.QueueStats
	err := r.Pool.QueryRow(ctx, q).Scan(&s.Pending, &s.Processing, &s.Completed24h, &s.Failed24h,
		&s.AvgProcessingSeconds, &s.OldestPendingSeconds)
	if err != nil { return domain.QueueStats{}, fmt.Errorf("op=export_job.stats: %w", err) }
	return s, nil
}

// FindOldCompleted lists completed rows older than the cutoff together with
// their blob paths, oldest first, for the retention sweep.
func (r *JobRepo) FindOldCompleted(ctx domain.Context, before time.Time, limit int) ([]domain.CompletedArtifact, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.FindOldCompleted")
	defer span.End()
	q := `SELECT id::text, COALESCE(storage_path, '')
	FROM export_jobs
	WHERE status='completed' AND created_at < $1
	ORDER BY created_at ASC
	LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, before, limit)
	if err != nil { return nil, fmt.Errorf("op=export_job.find_old_completed: %w", err) }
	defer rows.Close()
	var out []domain.CompletedArtifact
	for rows.Next() {
		var a domain.CompletedArtifact
		if err := rows.Scan(&a.ID, &a.StoragePath); err != nil {
			return nil, fmt.Errorf("op=export_job.find_old_completed: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil { return nil, fmt.Errorf("op=export_job.find_old_completed: %w", err) }
	return out, nil
}

// DeleteOldCompleted removes completed rows older than the cutoff.
func (r *JobRepo) DeleteOldCompleted(ctx domain.Context, before time.Time) (int64, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.DeleteOldCompleted")
	defer span.End()
	q := `DELETE FROM export_jobs WHERE status='completed' AND created_at < $1`
	tag, err := r.Pool.Exec(ctx, q, before)
	if err != nil { return 0, fmt.Errorf("op=export_job.delete_old_completed: %w", err) }
	return tag.RowsAffected(), nil
}

// CountRecentForOwner counts an owner's jobs created inside the window.
func (r *JobRepo) CountRecentForOwner(ctx domain.Context, ownerID string, window time.Duration) (int, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.CountRecentForOwner")
	defer span.End()
	q := `SELECT COUNT(*) FROM export_jobs WHERE owner_id=$1 AND created_at > $2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, ownerID, time.Now().UTC().Add(-window)).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=export_job.count_recent: %w", err)
	}
	return n, nil
}

// CountActiveForOwner counts an owner's pending plus processing jobs.
func (r *JobRepo) CountActiveForOwner(ctx domain.Context, ownerID string) (int, error) {
	tracer := otel.Tracer("repo.export_jobs")
	ctx, span := tracer.Start(ctx, "export_jobs.CountActiveForOwner")
	defer span.End()
	q := `SELECT COUNT(*) FROM export_jobs WHERE owner_id=$1 AND status IN ('pending','processing')`
	var n int
	if err := r.Pool.QueryRow(ctx, q, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=export_job.count_active: %w", err)
	}
	return n, nil
}

// Ping verifies database connectivity for the health endpoint.
func (r *JobRepo) Ping(ctx domain.Context) error {
	if err := r.Pool.Ping(ctx); err != nil { return fmt.Errorf("op=export_job.ping: %w", err) }
	return nil
}
