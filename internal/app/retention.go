package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// retentionFetchLimit bounds the artifacts handled per sweep. A backlog
// beyond the limit is finished by the blob-age backstop below and by the
// following sweeps.
const retentionFetchLimit = 1000

// RetentionSweeper deletes completed exports older than the retention window:
// blobs first (best effort, per object), then the rows in bulk. Both deletes
// are idempotent, so replicas racing on the same sweep is harmless.
type RetentionSweeper struct {
	Jobs          domain.JobStore
	Blobs         domain.BlobStore
	Interval      time.Duration
	RetentionDays int
}

func NewRetentionSweeper(jobs domain.JobStore, blobs domain.BlobStore, interval time.Duration, retentionDays int) *RetentionSweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &RetentionSweeper{Jobs: jobs, Blobs: blobs, Interval: interval, RetentionDays: retentionDays}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
// Sweep failures are logged and never escalate.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RetentionSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "RetentionSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)
	span.SetAttributes(attribute.String("retention.cutoff", cutoff.Format(time.RFC3339)))

	artifacts, err := s.Jobs.FindOldCompleted(ctx, cutoff, retentionFetchLimit)
	if err != nil {
		span.RecordError(err)
		slog.Error("retention sweep failed to list artifacts", slog.Any("error", err))
		return
	}

	blobsDeleted := 0
	for _, a := range artifacts {
		if a.StoragePath == "" {
			continue
		}
		if err := s.Blobs.Delete(ctx, a.StoragePath); err != nil {
			slog.Warn("retention blob delete failed",
				slog.String("job_id", a.ID),
				slog.String("path", a.StoragePath),
				slog.Any("error", err))
			continue
		}
		blobsDeleted++
	}
	obs.RetentionDeletedTotal.WithLabelValues("blob").Add(float64(blobsDeleted))

	rows, err := s.Jobs.DeleteOldCompleted(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("retention sweep failed to delete rows", slog.Any("error", err))
		return
	}
	obs.RetentionDeletedTotal.WithLabelValues("row").Add(float64(rows))

	// A truncated fetch means the bulk delete just removed rows whose blobs
	// were never enumerated. Sweep those by object age instead.
	if len(artifacts) == retentionFetchLimit {
		slog.Warn("retention backlog exceeded fetch limit, sweeping blobs by age")
		if n, err := s.Blobs.DeleteOlderThan(ctx, cutoff); err != nil {
			slog.Warn("blob age sweep failed", slog.Any("error", err))
		} else {
			obs.RetentionDeletedTotal.WithLabelValues("blob").Add(float64(n))
			blobsDeleted += int(n)
		}
	}

	span.SetAttributes(
		attribute.Int("retention.blobs_deleted", blobsDeleted),
		attribute.Int64("retention.rows_deleted", rows),
	)
	if blobsDeleted > 0 || rows > 0 {
		slog.Info("retention sweep completed",
			slog.Int("blobs_deleted", blobsDeleted),
			slog.Int64("rows_deleted", rows))
	}
}
