package chromedp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/config"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

func newTestPool(t *testing.T, hosts []string) *Pool {
	t.Helper()
	p := NewPool(config.Config{MaxRenders: 2, JobTimeoutSeconds: 60}, config.NewRenderAllowlist(hosts))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestPaperSize(t *testing.T) {
	w, h := paperSize("A4")
	assert.Equal(t, 8.27, w)
	assert.Equal(t, 11.69, h)

	w, h = paperSize("letter")
	assert.Equal(t, 8.5, w)
	assert.Equal(t, 11.0, h)

	// Unknown formats print as A4 rather than failing the job.
	w, h = paperSize("tabloid")
	assert.Equal(t, 8.27, w)
	assert.Equal(t, 11.69, h)
}

func TestViewportFor(t *testing.T) {
	w, h := viewportFor("A4", false)
	assert.Equal(t, int64(794), w)
	assert.Equal(t, int64(1123), h)

	w, h = viewportFor("A4", true)
	assert.Equal(t, int64(1123), w)
	assert.Equal(t, int64(794), h)

	w, h = viewportFor("Letter", false)
	assert.Equal(t, int64(816), w)
	assert.Equal(t, int64(1056), h)
}

func TestAllowRequest(t *testing.T) {
	p := newTestPool(t, []string{"storage.googleapis.com"})

	assert.True(t, p.allowRequest("about:blank"))
	assert.True(t, p.allowRequest("data:image/png;base64,iVBOR"))
	assert.True(t, p.allowRequest("https://storage.googleapis.com/bucket/menu.png"))
	assert.False(t, p.allowRequest("https://evil.example.com/a.png"))
	assert.False(t, p.allowRequest("file:///etc/passwd"))
}

func TestRenderAfterCloseFailsFast(t *testing.T) {
	p := NewPool(config.Config{MaxRenders: 1, JobTimeoutSeconds: 60}, config.NewRenderAllowlist(nil))
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Render(context.Background(), domain.RenderRequest{HTML: "<p>x</p>", Kind: domain.KindPDF})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renderer closed")

	err = p.Probe(context.Background())
	require.Error(t, err)
}

func TestStatsBeforeAnyRender(t *testing.T) {
	p := newTestPool(t, nil)

	st := p.Stats()
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 2, st.Available)
}

func TestPoolGaugesTrackOccupancy(t *testing.T) {
	p := newTestPool(t, nil)

	// Construction seeds the gauges with the configured cap.
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.RenderPoolCapacity))
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.RenderPoolInUse))

	p.sem <- struct{}{}
	p.publishStats()
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.RenderPoolInUse))

	<-p.sem
	p.publishStats()
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.RenderPoolInUse))
}

type stubRenderer struct {
	data []byte
	err  error
}

func (s stubRenderer) Render(_ domain.Context, _ domain.RenderRequest) ([]byte, error) {
	return s.data, s.err
}
func (s stubRenderer) Probe(_ domain.Context) error { return nil }
func (s stubRenderer) Stats() domain.PoolStats      { return domain.PoolStats{} }
func (s stubRenderer) Close(_ domain.Context) error { return nil }

func TestCanary_AcceptsRealLookingPDF(t *testing.T) {
	data := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0x20}, 400)...)
	require.NoError(t, Canary(context.Background(), stubRenderer{data: data}))
}

func TestCanary_RejectsTinyOutput(t *testing.T) {
	err := Canary(context.Background(), stubRenderer{data: []byte("%PDF-1.4")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestCanary_RejectsNonPDF(t *testing.T) {
	err := Canary(context.Background(), stubRenderer{data: bytes.Repeat([]byte{0x41}, 400)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a PDF")
}

func TestCanary_PropagatesRenderFailure(t *testing.T) {
	boom := errors.New("browser gone")
	err := Canary(context.Background(), stubRenderer{err: boom})
	require.ErrorIs(t, err, boom)
}

// TestRenderPipeline_Browser drives a real Chromium. Opt in with
// RENDER_INTEGRATION=1 and, if needed, BROWSER_EXECUTABLE.
func TestRenderPipeline_Browser(t *testing.T) {
	if os.Getenv("RENDER_INTEGRATION") == "" {
		t.Skip("set RENDER_INTEGRATION=1 to run browser render tests")
	}

	cfg := config.Config{
		MaxRenders:        2,
		JobTimeoutSeconds: 60,
		BrowserExecutable: os.Getenv("BROWSER_EXECUTABLE"),
	}
	p := NewPool(cfg, config.NewRenderAllowlist(nil))
	defer p.Close(context.Background())

	require.NoError(t, Canary(context.Background(), p))
	require.NoError(t, p.Probe(context.Background()))

	png, err := p.Render(context.Background(), domain.RenderRequest{
		HTML:        "<html><body><h1>Menu</h1></body></html>",
		Kind:        domain.KindImage,
		PaperFormat: "A4",
		ImageFormat: domain.ImagePNG,
		FullPage:    true,
	})
	require.NoError(t, err)
	rep := domain.ValidateArtifact(png, domain.KindImage, domain.ImagePNG)
	assert.True(t, rep.OK, "render should produce a valid PNG: %v", rep.Errors)
}
