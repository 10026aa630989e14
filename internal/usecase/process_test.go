package usecase_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/internal/usecase"
)

// Hand-written fakes: the store fakes record a call trace so tests can
// assert ordering, not just invocation.

type fakeJobs struct {
	trace *[]string

	setPathErr  error
	completeErr error
	resetErr    error
	failErr     error

	storagePath  string
	completedURL string
	failMessage  string
	resetDelay   time.Duration
	resetMessage string

	setPaths  int
	completes int
	resets    int
	fails     int
}

func (f *fakeJobs) record(name string) {
	if f.trace != nil {
		*f.trace = append(*f.trace, name)
	}
}

func (f *fakeJobs) Claim(ctx domain.Context, workerID string) (domain.ExportJob, error) {
	return domain.ExportJob{}, domain.ErrNoJob
}

func (f *fakeJobs) SetStoragePath(ctx domain.Context, id, storagePath string) error {
	f.record("SetStoragePath")
	f.setPaths++
	f.storagePath = storagePath
	return f.setPathErr
}

func (f *fakeJobs) Complete(ctx domain.Context, id, storagePath, artifactURL string) error {
	f.record("Complete")
	f.completes++
	f.completedURL = artifactURL
	return f.completeErr
}

func (f *fakeJobs) FailTerminal(ctx domain.Context, id, userMessage string) error {
	f.record("FailTerminal")
	f.fails++
	f.failMessage = userMessage
	return f.failErr
}

func (f *fakeJobs) ResetWithBackoff(ctx domain.Context, id string, delay time.Duration, internalMessage string) error {
	f.record("ResetWithBackoff")
	f.resets++
	f.resetDelay = delay
	f.resetMessage = internalMessage
	return f.resetErr
}

func (f *fakeJobs) ResetImmediate(ctx domain.Context, id string) error { return nil }
func (f *fakeJobs) FindStale(ctx domain.Context) ([]string, error)     { return nil, nil }
func (f *fakeJobs) ResetAllStale(ctx domain.Context) (int64, error)    { return 0, nil }
func (f *fakeJobs) QueueDepth(ctx domain.Context) (int, error)         { return 0, nil }
func (f *fakeJobs) Stats(ctx domain.Context) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}
func (f *fakeJobs) FindOldCompleted(ctx domain.Context, before time.Time, limit int) ([]domain.CompletedArtifact, error) {
	return nil, nil
}
func (f *fakeJobs) DeleteOldCompleted(ctx domain.Context, before time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeJobs) CountRecentForOwner(ctx domain.Context, ownerID string, window time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeJobs) CountActiveForOwner(ctx domain.Context, ownerID string) (int, error) {
	return 0, nil
}
func (f *fakeJobs) Ping(ctx domain.Context) error { return nil }

type fakeBlobs struct {
	trace *[]string

	uploadErr    error
	signErr      error
	downloadData []byte
	downloadErr  error

	uploadedPath string
	uploadedType string
	uploadedData []byte
	signedPath   string
	signedName   string
	uploads      int
}

func (f *fakeBlobs) record(name string) {
	if f.trace != nil {
		*f.trace = append(*f.trace, name)
	}
}

func (f *fakeBlobs) Upload(ctx domain.Context, path, contentType string, data []byte) (string, error) {
	f.record("Upload")
	f.uploads++
	f.uploadedPath = path
	f.uploadedType = contentType
	f.uploadedData = data
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "https://blob.local/" + path, nil
}

func (f *fakeBlobs) Download(ctx domain.Context, path string) ([]byte, error) {
	return f.downloadData, f.downloadErr
}

func (f *fakeBlobs) SignedURL(ctx domain.Context, path string, ttl time.Duration, downloadName string) (string, error) {
	f.record("SignedURL")
	f.signedPath = path
	f.signedName = downloadName
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://signed.local/" + path + "?sig=abc", nil
}

func (f *fakeBlobs) Delete(ctx domain.Context, path string) error { return nil }
func (f *fakeBlobs) List(ctx domain.Context, prefix string, limit int) ([]string, error) {
	return nil, nil
}
func (f *fakeBlobs) DeleteOlderThan(ctx domain.Context, before time.Time) (int64, error) {
	return 0, nil
}

type renderStep struct {
	data []byte
	err  error
}

type fakeRenderer struct {
	script  []renderStep
	calls   int
	lastReq domain.RenderRequest
}

func (f *fakeRenderer) Render(ctx domain.Context, req domain.RenderRequest) ([]byte, error) {
	f.lastReq = req
	step := renderStep{}
	if f.calls < len(f.script) {
		step = f.script[f.calls]
	}
	f.calls++
	return step.data, step.err
}

func (f *fakeRenderer) Probe(ctx domain.Context) error { return nil }
func (f *fakeRenderer) Stats() domain.PoolStats        { return domain.PoolStats{} }
func (f *fakeRenderer) Close(ctx domain.Context) error { return nil }

type fakeTemplates struct {
	html string
	err  error
}

func (f *fakeTemplates) Render(snap domain.RenderSnapshot) (string, error) {
	return f.html, f.err
}

type fakeNotifier struct {
	completions   []domain.CompletionNote
	failures      []domain.FailureNote
	completionErr error
	failureErr    error
}

func (f *fakeNotifier) SendCompletion(ctx domain.Context, n domain.CompletionNote) error {
	f.completions = append(f.completions, n)
	return f.completionErr
}

func (f *fakeNotifier) SendFailure(ctx domain.Context, n domain.FailureNote) error {
	f.failures = append(f.failures, n)
	return f.failureErr
}

func validPDF() []byte {
	return append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0x20}, 2048)...)
}

func validPNG() []byte {
	sig := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	return append(sig, bytes.Repeat([]byte{0x00}, 1024)...)
}

func snapshotJSON(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(domain.RenderSnapshot{
		TemplateID:      "tpl-1",
		TemplateVersion: "3",
		TemplateName:    "classic",
		MenuData: domain.MenuData{
			ID:    "menu-1",
			Name:  "Harbour Kopitiam",
			Items: []domain.MenuItem{{Name: "Laksa", Price: 12.5, Available: true}},
		},
		ExportOptions:     domain.ExportOptions{Format: "A4", IncludePrices: true},
		SnapshotCreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		SnapshotVersion:   1,
	})
	require.NoError(t, err)
	return raw
}

func exportJob(t *testing.T, kind domain.ExportKind, retryCount int) domain.ExportJob {
	t.Helper()
	return domain.ExportJob{
		ID:         "job1",
		OwnerID:    "u1",
		MenuID:     "menu-1",
		Kind:       kind,
		Status:     domain.JobProcessing,
		RetryCount: retryCount,
		Metadata: domain.JobMetadata{
			RenderSnapshot: snapshotJSON(t),
			DisplayName:    "Dinner Menu",
		},
	}
}

type harness struct {
	trace    []string
	jobs     *fakeJobs
	blobs    *fakeBlobs
	renderer *fakeRenderer
	tpl      *fakeTemplates
	notifier *fakeNotifier
}

func newHarness(script ...renderStep) *harness {
	h := &harness{}
	h.jobs = &fakeJobs{trace: &h.trace}
	h.blobs = &fakeBlobs{trace: &h.trace}
	h.renderer = &fakeRenderer{script: script}
	h.tpl = &fakeTemplates{html: "<html><body>menu</body></html>"}
	h.notifier = &fakeNotifier{}
	return h
}

func (h *harness) processor() usecase.Processor {
	return usecase.NewProcessor(h.jobs, h.blobs, h.renderer, h.tpl, h.notifier, 7*24*time.Hour)
}

func (h *harness) orderOf(t *testing.T, name string) int {
	t.Helper()
	for i, c := range h.trace {
		if c == name {
			return i
		}
	}
	t.Fatalf("call %s not found in trace %v", name, h.trace)
	return -1
}

func TestProcess_HappyPathPDF(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPDF()})

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)

	assert.Equal(t, "u1/exports/pdf/job1.pdf", h.jobs.storagePath)
	assert.Equal(t, "u1/exports/pdf/job1.pdf", h.blobs.uploadedPath)
	assert.Equal(t, "application/pdf", h.blobs.uploadedType)
	assert.Equal(t, 1, h.jobs.completes)
	assert.Equal(t, "https://signed.local/u1/exports/pdf/job1.pdf?sig=abc", h.jobs.completedURL)

	require.Len(t, h.notifier.completions, 1)
	note := h.notifier.completions[0]
	assert.Equal(t, "u1", note.OwnerID)
	assert.Equal(t, "job1", note.JobID)
	assert.Equal(t, "Dinner Menu", note.DisplayName)
	assert.Equal(t, h.jobs.completedURL, note.ArtifactURL)
	assert.Empty(t, h.notifier.failures)
}

func TestProcess_PersistsPathBeforeUploadBeforeComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPDF()})

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)

	setPath := h.orderOf(t, "SetStoragePath")
	upload := h.orderOf(t, "Upload")
	complete := h.orderOf(t, "Complete")
	assert.Less(t, setPath, upload, "path must be durable before the blob exists")
	assert.Less(t, upload, complete, "completion implies an uploaded artifact")
}

func TestProcess_ImageKindUploadsPNG(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPNG()})

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindImage, 0))
	require.NoError(t, err)

	assert.Equal(t, "u1/exports/image/job1.png", h.blobs.uploadedPath)
	assert.Equal(t, "image/png", h.blobs.uploadedType)
	assert.Equal(t, "Dinner Menu.png", h.blobs.signedName)

	req := h.renderer.lastReq
	assert.Equal(t, domain.KindImage, req.Kind)
	assert.Equal(t, domain.ImagePNG, req.ImageFormat)
	assert.True(t, req.FullPage)
	assert.Equal(t, "A4", req.PaperFormat)
}

func TestProcess_TransientRenderErrorSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{err: errors.New("connect ETIMEDOUT 10.0.0.5:443")})

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, h.jobs.resets)
	assert.Equal(t, 10*time.Second, h.jobs.resetDelay)
	assert.Contains(t, h.jobs.resetMessage, "ETIMEDOUT")
	assert.Zero(t, h.jobs.fails)
	assert.Zero(t, h.blobs.uploads)
	assert.Zero(t, h.jobs.completes)
	assert.Empty(t, h.notifier.completions)
	assert.Empty(t, h.notifier.failures, "retries never notify")
}

func TestProcess_RetryThenSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(
		renderStep{err: errors.New("connect ETIMEDOUT 10.0.0.5:443")},
		renderStep{data: validPDF()},
	)
	p := h.processor()

	require.NoError(t, p.Process(context.Background(), exportJob(t, domain.KindPDF, 0)))
	require.Equal(t, 1, h.jobs.resets)

	// The next claim arrives with the bumped retry count.
	require.NoError(t, p.Process(context.Background(), exportJob(t, domain.KindPDF, 1)))
	assert.Equal(t, 1, h.jobs.completes)
	assert.Len(t, h.notifier.completions, 1)
	assert.Empty(t, h.notifier.failures)
}

func TestProcess_TerminalAfterBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{err: errors.New("connect ETIMEDOUT 10.0.0.5:443")})

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 3))
	require.NoError(t, err)

	assert.Zero(t, h.jobs.resets, "budget exhausted, no further retry")
	assert.Equal(t, 1, h.jobs.fails)
	assert.NotEmpty(t, h.jobs.failMessage)
	require.Len(t, h.notifier.failures, 1)
	assert.Equal(t, "job1", h.notifier.failures[0].JobID)
	assert.NotEmpty(t, h.notifier.failures[0].Reason)
}

func TestProcess_InvalidOutputFailsFirstAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: []byte("not a pdf")})

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)

	assert.Zero(t, h.jobs.resets, "validation failures are permanent")
	assert.Equal(t, 1, h.jobs.fails)
	assert.Zero(t, h.jobs.setPaths, "no path persisted for an invalid artifact")
	assert.Zero(t, h.blobs.uploads)
	require.Len(t, h.notifier.failures, 1)
}

func TestProcess_MissingSnapshotIsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness()

	job := exportJob(t, domain.KindPDF, 0)
	job.Metadata.RenderSnapshot = nil

	err := h.processor().Process(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 1, h.jobs.fails)
	assert.Zero(t, h.renderer.calls, "nothing to render without a snapshot")
	require.Len(t, h.notifier.failures, 1)
}

func TestProcess_UnknownTemplateIsPermanentInput(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.tpl.err = errors.New("unknown template \"brutalist\": invalid argument")

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, h.jobs.fails)
	assert.Zero(t, h.jobs.resets)
	require.Len(t, h.notifier.failures, 1)
	assert.Equal(t, "The export request is invalid and cannot be processed.", h.notifier.failures[0].Reason)
}

func TestProcess_StorageUnavailableRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPDF()})
	h.blobs.uploadErr = domain.ErrStorageUnavailable

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 1))
	require.NoError(t, err)

	assert.Equal(t, 1, h.jobs.setPaths, "path persisted before the failed upload")
	assert.Equal(t, 1, h.jobs.resets)
	assert.Equal(t, 20*time.Second, h.jobs.resetDelay)
	assert.Zero(t, h.jobs.completes)
	assert.Empty(t, h.notifier.failures)
}

func TestProcess_SignedURLFailureRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPDF()})
	h.blobs.signErr = errors.New("connection reset by peer")

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, h.jobs.resets)
	assert.Zero(t, h.jobs.completes, "no completion without an artifact URL")
}

func TestProcess_NotificationFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPDF()})
	h.notifier.completionErr = errors.New("broker unreachable")

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, h.jobs.completes)
}

func TestProcess_ResetFailureSurfaces(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{err: errors.New("connection refused")})
	h.jobs.resetErr = errors.New("store down")

	err := h.processor().Process(context.Background(), exportJob(t, domain.KindPDF, 0))
	require.Error(t, err)
}

func TestProcess_IdempotentOverwritePath(t *testing.T) {
	t.Parallel()
	// A crash after upload leaves the blob behind; the retried attempt must
	// target the same path so the object is overwritten, not duplicated.
	h := newHarness(renderStep{data: validPDF()}, renderStep{data: validPDF()})
	p := h.processor()

	require.NoError(t, p.Process(context.Background(), exportJob(t, domain.KindPDF, 0)))
	first := h.blobs.uploadedPath
	require.NoError(t, p.Process(context.Background(), exportJob(t, domain.KindPDF, 1)))

	assert.Equal(t, first, h.blobs.uploadedPath)
	assert.Equal(t, 2, h.blobs.uploads)
}

func TestProcess_DownloadNameFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(renderStep{data: validPDF()})

	job := exportJob(t, domain.KindPDF, 0)
	job.Metadata.DisplayName = "   "

	require.NoError(t, h.processor().Process(context.Background(), job))
	assert.Equal(t, "menu-export.pdf", h.blobs.signedName)
}
