package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/internal/usecase"
)

// StaleSweeper returns orphaned processing rows to the queue. A row goes
// stale when its worker crashed or lost its lease mid-job; resetting it does
// not bump retry_count because crash recovery cancels an attempt rather than
// observing it fail. Safe to run on every replica: the reset predicate is
// atomic in the store.
type StaleSweeper struct {
	Jobs        domain.JobStore
	Extractions domain.ExtractionStore
	Interval    time.Duration
}

func NewStaleSweeper(jobs domain.JobStore, extractions domain.ExtractionStore, interval time.Duration) *StaleSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StaleSweeper{Jobs: jobs, Extractions: extractions, Interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
// Sweep failures are logged and never escalate; the next tick tries again.
func (s *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "StaleSweeper.sweepOnce")
	defer span.End()

	ids, err := s.Jobs.FindStale(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sweep failed to list jobs", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		slog.Warn("resetting stale export job", slog.String("job_id", id))
	}

	n, err := s.Jobs.ResetAllStale(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sweep failed to reset export jobs", slog.Any("error", err))
	} else if n > 0 {
		obs.StaleReset(usecase.FamilyExport, int(n))
		slog.Info("stale export jobs reset", slog.Int64("count", n))
	}
	span.SetAttributes(attribute.Int64("jobs.export_reset", n))

	if s.Extractions == nil {
		return
	}
	en, err := s.Extractions.ResetAllStale(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sweep failed to reset extraction jobs", slog.Any("error", err))
		return
	}
	if en > 0 {
		obs.StaleReset(usecase.FamilyExtraction, int(en))
		slog.Info("stale extraction jobs reset", slog.Int64("count", en))
	}
	span.SetAttributes(attribute.Int64("jobs.extraction_reset", en))
}
