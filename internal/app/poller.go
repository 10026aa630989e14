package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/internal/usecase"
)

// ExportHandler processes one claimed export job.
type ExportHandler interface {
	Process(ctx domain.Context, job domain.ExportJob) error
}

// ExtractionHandler processes one claimed extraction job.
type ExtractionHandler interface {
	Process(ctx domain.Context, job domain.ExtractionJob) error
}

// OwnerObserver is the worker-side quota hook, consulted after each export
// claim. It never blocks or fails the claim.
type OwnerObserver interface {
	Observe(ctx domain.Context, ownerID string)
}

// Poller drains the durable queues one job at a time. A claimed job is
// processed to completion before the next tick; parallelism comes from
// running more replicas, not from fanning out within one. When nothing is
// claimable the loop sleeps BusyDelay if the queue has eligible rows (another
// replica holds the locks) and IdleDelay when it is empty.
type Poller struct {
	Jobs        domain.JobStore
	Extractions domain.ExtractionStore
	Exports     ExportHandler
	Extractor   ExtractionHandler
	Quota       OwnerObserver

	WorkerID        string
	BusyDelay       time.Duration
	IdleDelay       time.Duration
	ExtractionFirst bool
}

// Run ticks until ctx is cancelled. The job in flight when cancellation
// arrives completes normally: claims are leases, and abandoning one mid-way
// would leave the row to the stale sweeper for no reason.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("poller started",
		slog.String("worker_id", p.WorkerID),
		slog.Duration("busy_delay", p.BusyDelay),
		slog.Duration("idle_delay", p.IdleDelay),
		slog.Bool("extraction_first", p.ExtractionFirst))

	for {
		if ctx.Err() != nil {
			slog.Info("poller stopping")
			return
		}
		claimed := p.tick(ctx)
		if claimed {
			// Something was waiting; go straight back for more.
			continue
		}
		if !p.sleep(ctx, p.nextDelay(ctx)) {
			slog.Info("poller stopping")
			return
		}
	}
}

// tick claims and processes at most one job. Extraction jobs are tried first
// when the family is enabled; the ordering is fixed but configuration-level.
func (p *Poller) tick(ctx context.Context) bool {
	tracer := otel.Tracer("app.poller")
	tctx, span := tracer.Start(ctx, "Poller.tick")
	defer span.End()

	// Processing must survive shutdown cancellation: the lease was taken,
	// so the job is finished on this worker or handed to the stale sweeper
	// by crashing, never by a half-done abort.
	jobCtx := context.WithoutCancel(tctx)

	if p.ExtractionFirst && p.Extractions != nil {
		if p.tickExtraction(jobCtx, span) {
			return true
		}
	}
	if p.tickExport(jobCtx, span) {
		return true
	}
	if !p.ExtractionFirst && p.Extractions != nil {
		if p.tickExtraction(jobCtx, span) {
			return true
		}
	}
	return false
}

func (p *Poller) tickExport(ctx context.Context, span trace.Span) bool {
	job, err := p.Jobs.Claim(ctx, p.WorkerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNoJob) {
			slog.Error("export claim failed", slog.Any("error", err))
		}
		return false
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.family", usecase.FamilyExport),
	)
	obs.ClaimJob(usecase.FamilyExport)
	if p.Quota != nil {
		p.Quota.Observe(ctx, job.OwnerID)
	}
	if err := p.Exports.Process(ctx, job); err != nil {
		slog.Error("export processing bookkeeping failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return true
}

func (p *Poller) tickExtraction(ctx context.Context, span trace.Span) bool {
	job, err := p.Extractions.Claim(ctx, p.WorkerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNoJob) {
			slog.Error("extraction claim failed", slog.Any("error", err))
		}
		return false
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.family", usecase.FamilyExtraction),
	)
	obs.ClaimJob(usecase.FamilyExtraction)
	if err := p.Extractor.Process(ctx, job); err != nil {
		slog.Error("extraction processing bookkeeping failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return true
}

// nextDelay reads the queue depth to choose the sleep interval. Rows exist
// but were not claimable (locked by peers, or a racing claim won) -> short
// sleep; empty queue -> long sleep. A depth error counts as idle so a store
// outage does not turn the poller into a busy loop.
func (p *Poller) nextDelay(ctx context.Context) time.Duration {
	depth, err := p.Jobs.QueueDepth(ctx)
	if err != nil {
		slog.Warn("queue depth check failed", slog.Any("error", err))
		return p.IdleDelay
	}
	obs.SetQueueDepth(usecase.FamilyExport, depth)
	if p.Extractions != nil {
		if d, err := p.Extractions.QueueDepth(ctx); err == nil {
			obs.SetQueueDepth(usecase.FamilyExtraction, d)
			depth += d
		}
	}
	if depth > 0 {
		return p.BusyDelay
	}
	return p.IdleDelay
}

// sleep waits for d or cancellation; reports false when ctx ended first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
