package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrNoJob              = errors.New("no claimable job")
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrSnapshotInvalid    = errors.New("snapshot_invalid")
	ErrInvalidOutput      = errors.New("invalid output")
	ErrUntrustedURL       = errors.New("untrusted image url")
	ErrRenderTimeout      = errors.New("render timeout")
	ErrQuotaExceeded      = errors.New("quota exceeded")
)

// ExportKind enumerates artifact kinds
type ExportKind string

const (
	KindPDF   ExportKind = "pdf"
	KindImage ExportKind = "image"
)

// ArtifactExt returns the blob extension for a kind (pdf -> pdf, image -> png).
func (k ExportKind) ArtifactExt() string {
	if k == KindImage {
		return "png"
	}
	return "pdf"
}

// ContentType returns the upload content type for a kind.
func (k ExportKind) ContentType() string {
	if k == KindImage {
		return "image/png"
	}
	return "application/pdf"
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Priority levels used by the enqueuer.
const (
	PriorityNormal = 10
	PriorityHigh   = 100
)

// JobMetadata is the decoded view of the job's opaque metadata bag.
// Unknown keys stay in the row; workers never write metadata back.
type JobMetadata struct {
	RenderSnapshot json.RawMessage `json:"render_snapshot,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
}

// ExportJob is the unit of durable work. Created externally in pending;
// a worker moves it processing -> completed|failed, or back to pending on retry.
// Invariants: completed rows carry storage_path, artifact_url and completed_at;
// processing rows carry worker_id and started_at; retry_count never decreases;
// available_at is the only claim gate for pending rows.
type ExportJob struct {
	ID           string
	OwnerID      string
	MenuID       string
	Kind         ExportKind
	Status       JobStatus
	Priority     int
	RetryCount   int
	AvailableAt  time.Time
	WorkerID     *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	StoragePath  *string
	ArtifactURL  *string
	ErrorMessage *string
	Metadata     JobMetadata
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExtractionJob is the second durable job family: asynchronous content
// extraction from an uploaded menu file. Same queue shape as ExportJob.
type ExtractionJob struct {
	ID           string
	OwnerID      string
	SourcePath   string
	SourceName   string
	Status       JobStatus
	Priority     int
	RetryCount   int
	AvailableAt  time.Time
	WorkerID     *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueStats is the read-only view served for metrics and diagnostics.
type QueueStats struct {
	Pending              int
	Processing           int
	Completed24h         int
	Failed24h            int
	AvgProcessingSeconds float64
	OldestPendingSeconds float64
}

// CompletedArtifact pairs a completed row with its blob path for retention.
type CompletedArtifact struct {
	ID          string
	StoragePath string
}

// PoolStats reports render pool occupancy.
type PoolStats struct {
	Total     int
	InUse     int
	Available int
	Capacity  int
}

// StoragePathFor derives the deterministic blob path for a job.
// The path is the idempotency handle: retries of the same job overwrite
// the same object.
func StoragePathFor(ownerID string, kind ExportKind, jobID string) string {
	return fmt.Sprintf("%s/exports/%s/%s.%s", ownerID, kind, jobID, kind.ArtifactExt())
}

// CompletionNote is the payload of a completion notification.
type CompletionNote struct {
	OwnerID     string
	JobID       string
	Kind        ExportKind
	DisplayName string
	ArtifactURL string
}

// FailureNote is the payload of a terminal-failure notification.
type FailureNote struct {
	OwnerID     string
	JobID       string
	Kind        ExportKind
	DisplayName string
	Reason      string
}

// Stores (ports)

type JobStore interface {
	// Claim atomically moves the highest-priority eligible pending row to
	// processing for workerID. Returns ErrNoJob when nothing is claimable.
	Claim(ctx Context, workerID string) (ExportJob, error)
	// SetStoragePath persists the deterministic path while the row is still
	// processing. Returns ErrConflict if the row left processing.
	SetStoragePath(ctx Context, id, storagePath string) error
	Complete(ctx Context, id, storagePath, artifactURL string) error
	FailTerminal(ctx Context, id, userMessage string) error
	ResetWithBackoff(ctx Context, id string, delay time.Duration, internalMessage string) error
	ResetImmediate(ctx Context, id string) error
	FindStale(ctx Context) ([]string, error)
	ResetAllStale(ctx Context) (int64, error)
	QueueDepth(ctx Context) (int, error)
	Stats(ctx Context) (QueueStats, error)
	FindOldCompleted(ctx Context, before time.Time, limit int) ([]CompletedArtifact, error)
	DeleteOldCompleted(ctx Context, before time.Time) (int64, error)
	CountRecentForOwner(ctx Context, ownerID string, window time.Duration) (int, error)
	CountActiveForOwner(ctx Context, ownerID string) (int, error)
	Ping(ctx Context) error
}

type ExtractionStore interface {
	Claim(ctx Context, workerID string) (ExtractionJob, error)
	Complete(ctx Context, id string, result json.RawMessage) error
	FailTerminal(ctx Context, id, userMessage string) error
	ResetWithBackoff(ctx Context, id string, delay time.Duration, internalMessage string) error
	ResetAllStale(ctx Context) (int64, error)
	QueueDepth(ctx Context) (int, error)
}

// BlobStore (port)

type BlobStore interface {
	// Upload writes data under path, overwriting any existing object, and
	// returns the public URL of the object.
	Upload(ctx Context, path, contentType string, data []byte) (string, error)
	Download(ctx Context, path string) ([]byte, error)
	// SignedURL returns a time-limited GET URL carrying a download
	// disposition for downloadName when non-empty.
	SignedURL(ctx Context, path string, ttl time.Duration, downloadName string) (string, error)
	Delete(ctx Context, path string) error
	List(ctx Context, prefix string, limit int) ([]string, error)
	DeleteOlderThan(ctx Context, before time.Time) (int64, error)
}

// Renderer (port)

// RenderRequest describes one headless-browser render.
type RenderRequest struct {
	HTML            string
	Kind            ExportKind
	PaperFormat     string // A4 or Letter
	Landscape       bool
	PrintBackground bool
	ImageFormat     ImageFormat
	Quality         int
	FullPage        bool
	Transparent     bool
}

type Renderer interface {
	Render(ctx Context, req RenderRequest) ([]byte, error)
	// Probe launches and closes one page as a liveness check.
	Probe(ctx Context) error
	Stats() PoolStats
	Close(ctx Context) error
}

// TemplateRenderer (port)
// Render translates a snapshot into standalone HTML. Pure: deterministic for
// fixed inputs, no network access of its own.

type TemplateRenderer interface {
	Render(snap RenderSnapshot) (string, error)
}

// Notifier (port)
// Both sends are best-effort; implementations log failures and never
// propagate them into job processing.

type Notifier interface {
	SendCompletion(ctx Context, n CompletionNote) error
	SendFailure(ctx Context, n FailureNote) error
}

// TextExtractor (port)
// Extract extracts plain text from an uploaded menu file.
// Implementations may call external services (e.g., Tika).

type TextExtractor interface {
	Extract(ctx Context, fileName string, data []byte) (string, error)
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through

type Context = context.Context
