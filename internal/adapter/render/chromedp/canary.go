package chromedp

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// canaryHTML is a minimal self-contained page. No subresources, so the
// canary exercises the browser and the PDF pipeline without touching the
// allowlist or the network.
const canaryHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>canary</title></head>
<body><h1>Render canary</h1><p>startup check</p></body>
</html>`

const canaryTimeout = 60 * time.Second

// Canary renders a known document to PDF and checks the output looks like a
// real PDF. Run once at startup: a worker that cannot render must not claim
// jobs, so a canary failure aborts boot.
func Canary(ctx domain.Context, r domain.Renderer) error {
	cctx, cancel := context.WithTimeout(ctx, canaryTimeout)
	defer cancel()

	data, err := r.Render(cctx, domain.RenderRequest{
		HTML:            canaryHTML,
		Kind:            domain.KindPDF,
		PaperFormat:     "A4",
		PrintBackground: true,
	})
	if err != nil {
		return fmt.Errorf("op=render.canary: %w", err)
	}
	if len(data) < domain.MinArtifactSize {
		return fmt.Errorf("op=render.canary: output too small (%d bytes)", len(data))
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return fmt.Errorf("op=render.canary: output is not a PDF")
	}
	return nil
}
