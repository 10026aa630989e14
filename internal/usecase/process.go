// Package usecase orchestrates job processing: snapshot resolution, template
// and browser rendering, artifact validation, upload and completion.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/pkg/textx"
)

// Job family labels shared by metrics and the poller.
const (
	FamilyExport     = "export"
	FamilyExtraction = "extraction"
)

// fallbackDownloadName is used when the display name sanitizes to nothing.
const fallbackDownloadName = "menu-export"

// Processor drives one claimed export job to completion, a scheduled retry
// or a terminal failure. Steps run in a fixed order and the storage path is
// persisted before the upload so that a crash between upload and completion
// leaves enough state behind for an idempotent overwrite on the next attempt.
type Processor struct {
	Jobs         domain.JobStore
	Blobs        domain.BlobStore
	Renderer     domain.Renderer
	Templates    domain.TemplateRenderer
	Notifier     domain.Notifier
	Snapshots    *SnapshotResolver
	Policy       domain.RetryPolicy
	SignedURLTTL time.Duration
}

func NewProcessor(jobs domain.JobStore, blobs domain.BlobStore, r domain.Renderer, t domain.TemplateRenderer, n domain.Notifier, ttl time.Duration) Processor {
	return Processor{
		Jobs:         jobs,
		Blobs:        blobs,
		Renderer:     r,
		Templates:    t,
		Notifier:     n,
		Snapshots:    NewSnapshotResolver(),
		Policy:       domain.DefaultRetryPolicy(),
		SignedURLTTL: ttl,
	}
}

// Process runs the pipeline for a job already claimed by this worker. The
// returned error reports bookkeeping failures only: a job that fails and is
// successfully reset or terminally failed returns nil.
func (p Processor) Process(ctx domain.Context, job domain.ExportJob) error {
	tracer := otel.Tracer("usecase.process")
	ctx, span := tracer.Start(ctx, "ProcessExportJob")
	defer span.End()

	start := time.Now()
	lg := slog.With(
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("kind", string(job.Kind)),
		slog.Int("retry_count", job.RetryCount),
	)
	lg.Info("processing export job")

	artifactURL, err := p.run(ctx, lg, job)
	if err != nil {
		return p.handleFailure(ctx, lg, job, err)
	}

	elapsed := time.Since(start)
	obs.CompleteJob(FamilyExport)
	obs.ProcessDuration.WithLabelValues(FamilyExport).Observe(elapsed.Seconds())
	lg.Info("export job completed", slog.Duration("elapsed", elapsed))

	p.notifyCompletion(ctx, lg, job, artifactURL)
	return nil
}

func (p Processor) run(ctx domain.Context, lg *slog.Logger, job domain.ExportJob) (string, error) {
	snap, err := p.Snapshots.Resolve(job.Metadata)
	if err != nil {
		return "", err
	}

	html, err := p.Templates.Render(snap)
	if err != nil {
		return "", err
	}

	renderStart := time.Now()
	data, err := p.Renderer.Render(ctx, renderRequest(html, job.Kind, snap.ExportOptions))
	if err != nil {
		return "", err
	}
	obs.ObserveRender(job.Kind, time.Since(renderStart), len(data))

	report := domain.ValidateArtifact(data, job.Kind, domain.ImagePNG)
	for _, w := range report.Warnings {
		lg.Warn("artifact validation warning", slog.String("warning", w))
	}
	if !report.OK {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidOutput, strings.Join(report.Errors, "; "))
	}

	storagePath := domain.StoragePathFor(job.OwnerID, job.Kind, job.ID)
	if err := p.Jobs.SetStoragePath(ctx, job.ID, storagePath); err != nil {
		return "", err
	}

	contentType := job.Kind.ContentType()
	if detected := mimetype.Detect(data); !detected.Is(contentType) {
		lg.Warn("artifact content type mismatch",
			slog.String("declared", contentType),
			slog.String("detected", detected.String()))
	}

	uploadStart := time.Now()
	if _, err := p.Blobs.Upload(ctx, storagePath, contentType, data); err != nil {
		return "", err
	}
	obs.UploadDuration.Observe(time.Since(uploadStart).Seconds())

	artifactURL, err := p.Blobs.SignedURL(ctx, storagePath, p.SignedURLTTL, downloadName(job))
	if err != nil {
		return "", err
	}

	if err := p.Jobs.Complete(ctx, job.ID, storagePath, artifactURL); err != nil {
		return "", err
	}
	return artifactURL, nil
}

// handleFailure applies the retry policy. Retries reschedule silently; only
// a terminal failure notifies the owner.
func (p Processor) handleFailure(ctx domain.Context, lg *slog.Logger, job domain.ExportJob, cause error) error {
	decision := p.Policy.Decide(cause, job.RetryCount)
	c := decision.Classification

	if decision.ShouldRetry {
		lg.Warn("export job failed, scheduling retry",
			slog.String("category", string(c.Category)),
			slog.Duration("delay", decision.Delay),
			slog.Any("error", cause))
		if err := p.Jobs.ResetWithBackoff(ctx, job.ID, decision.Delay, c.InternalMessage); err != nil {
			lg.Error("failed to reset job for retry", slog.Any("error", err))
			return fmt.Errorf("reset job %s: %w", job.ID, err)
		}
		obs.RetryJob(FamilyExport, string(c.Category))
		return nil
	}

	lg.Error("export job failed terminally",
		slog.String("category", string(c.Category)),
		slog.Any("error", cause))
	if err := p.Jobs.FailTerminal(ctx, job.ID, c.UserMessage); err != nil {
		lg.Error("failed to mark job failed", slog.Any("error", err))
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	obs.FailJob(FamilyExport, string(c.Category))
	p.notifyFailure(ctx, lg, job, c.UserMessage)
	return nil
}

func (p Processor) notifyCompletion(ctx domain.Context, lg *slog.Logger, job domain.ExportJob, artifactURL string) {
	err := p.Notifier.SendCompletion(ctx, domain.CompletionNote{
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		Kind:        job.Kind,
		DisplayName: job.Metadata.DisplayName,
		ArtifactURL: artifactURL,
	})
	if err != nil {
		lg.Warn("completion notification failed", slog.Any("error", err))
	}
}

func (p Processor) notifyFailure(ctx domain.Context, lg *slog.Logger, job domain.ExportJob, reason string) {
	err := p.Notifier.SendFailure(ctx, domain.FailureNote{
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		Kind:        job.Kind,
		DisplayName: job.Metadata.DisplayName,
		Reason:      reason,
	})
	if err != nil {
		lg.Warn("failure notification failed", slog.Any("error", err))
	}
}

// renderRequest maps the snapshot's export options onto one browser render.
// Image exports are full-page PNG screenshots; PDFs honor paper format and
// orientation with backgrounds printed.
func renderRequest(html string, kind domain.ExportKind, opts domain.ExportOptions) domain.RenderRequest {
	return domain.RenderRequest{
		HTML:            html,
		Kind:            kind,
		PaperFormat:     opts.Format,
		Landscape:       opts.Landscape(),
		PrintBackground: true,
		ImageFormat:     domain.ImagePNG,
		FullPage:        true,
	}
}

// downloadName builds the signed URL's attachment filename from the job's
// display name.
func downloadName(job domain.ExportJob) string {
	base := textx.SafeFilename(job.Metadata.DisplayName, fallbackDownloadName)
	return base + "." + job.Kind.ArtifactExt()
}
