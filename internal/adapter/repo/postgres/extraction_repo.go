package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// ExtractionRepo persists and claims extraction jobs. Same claim protocol as
// export jobs, separate table.
type ExtractionRepo struct { Pool PgxPool }

// NewExtractionRepo constructs an ExtractionRepo with the given pool.
func NewExtractionRepo(p PgxPool) *ExtractionRepo { return &ExtractionRepo{Pool: p} }

// Claim atomically moves the best eligible pending extraction row to
// processing for workerID.
func (r *ExtractionRepo) Claim(ctx domain.Context, workerID string) (domain.ExtractionJob, error) {
	tracer := otel.Tracer("repo.extraction_jobs")
	ctx, span := tracer.Start(ctx, "extraction_jobs.Claim")
	defer span.End()
	q := `WITH next AS (
		SELECT id FROM extraction_jobs
		WHERE status = 'pending' AND available_at <= now()
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE extraction_jobs j
	SET status = 'processing', worker_id = $1, started_at = now(), updated_at = now()
	FROM next
	WHERE j.id = next.id
	RETURNING j.id::text, j.owner_id::text, j.source_path, j.source_name, j.status, j.priority,
		j.retry_count, j.available_at, j.worker_id, j.started_at, j.completed_at, j.result,
		j.error_message, j.created_at, j.updated_at`
	var j domain.ExtractionJob
	var result []byte
	err := r.Pool.QueryRow(ctx, q, workerID).Scan(&j.ID, &j.OwnerID, &j.SourcePath, &j.SourceName,
		&j.Status, &j.Priority, &j.RetryCount, &j.AvailableAt, &j.WorkerID, &j.StartedAt,
		&j.CompletedAt, &result, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows { return domain.ExtractionJob{}, fmt.Errorf("op=extraction_job.claim: %w", domain.ErrNoJob) }
		return domain.ExtractionJob{}, fmt.Errorf("op=extraction_job.claim: %w", err)
	}
	j.Result = json.RawMessage(result)
	return j, nil
}

// Complete stores the extraction result and marks the row completed.
func (r *ExtractionRepo) Complete(ctx domain.Context, id string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.extraction_jobs")
	ctx, span := tracer.Start(ctx, "extraction_jobs.Complete")
	defer span.End()
	q := `UPDATE extraction_jobs
	SET status='completed', result=$2, completed_at=$3, error_message=NULL, updated_at=$3
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, []byte(result), time.Now().UTC())
	if err != nil { return fmt.Errorf("op=extraction_job.complete: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=extraction_job.complete: %w", domain.ErrConflict) }
	return nil
}

// FailTerminal marks a processing extraction row permanently failed.
func (r *ExtractionRepo) FailTerminal(ctx domain.Context, id, userMessage string) error {
	tracer := otel.Tracer("repo.extraction_jobs")
	ctx, span := tracer.Start(ctx, "extraction_jobs.FailTerminal")
	defer span.End()
	q := `UPDATE extraction_jobs
	SET status='failed', error_message=$2, completed_at=$3, updated_at=$3
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, userMessage, time.Now().UTC())
	if err != nil { return fmt.Errorf("op=extraction_job.fail_terminal: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=extraction_job.fail_terminal: %w", domain.ErrConflict) }
	return nil
}

// ResetWithBackoff requeues a processing extraction row after delay.
func (r *ExtractionRepo) ResetWithBackoff(ctx domain.Context, id string, delay time.Duration, internalMessage string) error {
	tracer := otel.Tracer("repo.extraction_jobs")
	ctx, span := tracer.Start(ctx, "extraction_jobs.ResetWithBackoff")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE extraction_jobs
	SET status='pending', retry_count=retry_count+1, available_at=$2, worker_id=NULL, started_at=NULL, error_message=$3, updated_at=$4
	WHERE id=$1 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, id, now.Add(delay), internalMessage, now)
	if err != nil { return fmt.Errorf("op=extraction_job.reset_backoff: %w", err) }
	if tag.RowsAffected() == 0 { return fmt.Errorf("op=extraction_job.reset_backoff: %w", domain.ErrConflict) }
	return nil
}

// ResetAllStale requeues stale processing extraction rows. No retry bump:
// same crash-recovery semantics as the export family.
func (r *ExtractionRepo) ResetAllStale(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.extraction_jobs")
	ctx, span := tracer.Start(ctx, "extraction_jobs.ResetAllStale")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE extraction_jobs
	SET status='pending', available_at=$2, worker_id=NULL, started_at=NULL, updated_at=$2
	WHERE status='processing' AND started_at < $1`
	tag, err := r.Pool.Exec(ctx, q, now.Add(-staleThreshold), now)
	if err != nil { return 0, fmt.Errorf("op=extraction_job.reset_all_stale: %w", err) }
	return tag.RowsAffected(), nil
}

// QueueDepth counts pending extraction rows currently eligible for claim.
func (r *ExtractionRepo) QueueDepth(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.extraction_jobs")
	ctx, span := tracer.Start(ctx, "extraction_jobs.QueueDepth")
	defer span.End()
	q := `SELECT COUNT(*) FROM extraction_jobs WHERE status='pending' AND available_at <= now()`
	var depth int
	if err := r.Pool.QueryRow(ctx, q).Scan(&depth); err != nil {
		return 0, fmt.Errorf("op=extraction_job.queue_depth: %w", err)
	}
	return depth, nil
}
