package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// ExtractionResult is the JSON stored on a completed extraction row. The
// enqueuer parses it into menu items on its side.
type ExtractionResult struct {
	Text        string    `json:"text"`
	CharCount   int       `json:"char_count"`
	SourceName  string    `json:"source_name"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// ExtractionProcessor drives one claimed extraction job: download the
// uploaded menu file, extract its text, store the structured result.
// Same retry semantics as exports, but extraction outcomes are polled by
// the enqueuer rather than notified.
type ExtractionProcessor struct {
	Jobs      domain.ExtractionStore
	Blobs     domain.BlobStore
	Extractor domain.TextExtractor
	Policy    domain.RetryPolicy
}

func NewExtractionProcessor(jobs domain.ExtractionStore, blobs domain.BlobStore, ex domain.TextExtractor) ExtractionProcessor {
	return ExtractionProcessor{Jobs: jobs, Blobs: blobs, Extractor: ex, Policy: domain.DefaultRetryPolicy()}
}

// Process mirrors Processor.Process for the extraction family. The returned
// error reports bookkeeping failures only.
func (p ExtractionProcessor) Process(ctx domain.Context, job domain.ExtractionJob) error {
	tracer := otel.Tracer("usecase.extract")
	ctx, span := tracer.Start(ctx, "ProcessExtractionJob")
	defer span.End()

	start := time.Now()
	lg := slog.With(
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("source", job.SourceName),
		slog.Int("retry_count", job.RetryCount),
	)
	lg.Info("processing extraction job")

	if err := p.run(ctx, job); err != nil {
		return p.handleFailure(ctx, lg, job, err)
	}

	elapsed := time.Since(start)
	obs.CompleteJob(FamilyExtraction)
	obs.ProcessDuration.WithLabelValues(FamilyExtraction).Observe(elapsed.Seconds())
	lg.Info("extraction job completed", slog.Duration("elapsed", elapsed))
	return nil
}

func (p ExtractionProcessor) run(ctx domain.Context, job domain.ExtractionJob) error {
	data, err := p.Blobs.Download(ctx, job.SourcePath)
	if err != nil {
		return err
	}

	text, err := p.Extractor.Extract(ctx, job.SourceName, data)
	if err != nil {
		return err
	}

	result, err := json.Marshal(ExtractionResult{
		Text:        text,
		CharCount:   len(text),
		SourceName:  job.SourceName,
		ExtractedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal extraction result: %w", err)
	}

	return p.Jobs.Complete(ctx, job.ID, result)
}

func (p ExtractionProcessor) handleFailure(ctx domain.Context, lg *slog.Logger, job domain.ExtractionJob, cause error) error {
	decision := p.Policy.Decide(cause, job.RetryCount)
	c := decision.Classification

	if decision.ShouldRetry {
		lg.Warn("extraction job failed, scheduling retry",
			slog.String("category", string(c.Category)),
			slog.Duration("delay", decision.Delay),
			slog.Any("error", cause))
		if err := p.Jobs.ResetWithBackoff(ctx, job.ID, decision.Delay, c.InternalMessage); err != nil {
			lg.Error("failed to reset job for retry", slog.Any("error", err))
			return fmt.Errorf("reset job %s: %w", job.ID, err)
		}
		obs.RetryJob(FamilyExtraction, string(c.Category))
		return nil
	}

	lg.Error("extraction job failed terminally",
		slog.String("category", string(c.Category)),
		slog.Any("error", cause))
	if err := p.Jobs.FailTerminal(ctx, job.ID, c.UserMessage); err != nil {
		lg.Error("failed to mark job failed", slog.Any("error", err))
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	obs.FailJob(FamilyExtraction, string(c.Category))
	return nil
}
