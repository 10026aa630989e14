package chromedp

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// readyExpr holds off capture until layout settled and every image fetch has
// resolved. A blocked or broken image still reports complete, so denied
// subresources cannot wedge the render.
const readyExpr = `document.readyState === "complete" && Array.from(document.images).every((img) => img.complete)`

const defaultJPEGQuality = 90

// renderInTab runs one render in a fresh tab under the pool timeout.
//
// The page never navigates anywhere real: content is injected into
// about:blank and every outbound request is paused by the Fetch domain and
// checked against the allowlist. Script execution is disabled before any
// content exists, so snapshot HTML cannot run code.
func (p *Pool) renderInTab(bctx context.Context, req domain.RenderRequest) ([]byte, error) {
	tabCtx, cancel := chromedp.NewContext(bctx)
	defer cancel()
	tctx, tcancel := context.WithTimeout(tabCtx, p.timeout)
	defer tcancel()

	chromedp.ListenTarget(tctx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			ectx := cdp.WithExecutor(tctx, chromedp.FromContext(tctx).Target)
			if p.allowRequest(e.Request.URL) {
				_ = fetch.ContinueRequest(e.RequestID).Do(ectx)
				return
			}
			slog.Warn("blocked render subresource", slog.String("url", e.Request.URL))
			_ = fetch.FailRequest(e.RequestID, network.ErrorReasonAccessDenied).Do(ectx)
		}()
	})

	actions := []chromedp.Action{
		fetch.Enable(),
		emulation.SetScriptExecutionDisabled(true),
	}
	if req.Kind == domain.KindImage {
		w, h := viewportFor(req.PaperFormat, req.Landscape)
		actions = append(actions, chromedp.EmulateViewport(w, h, chromedp.EmulateScale(2)))
		if req.Transparent && req.ImageFormat != domain.ImageJPEG {
			actions = append(actions, emulation.SetDefaultBackgroundColorOverride().
				WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}))
		}
	}

	var ready bool
	var data []byte
	actions = append(actions,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, req.HTML).Do(ctx)
		}),
		chromedp.Poll(readyExpr, &ready, chromedp.WithPollingInterval(100*time.Millisecond)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, err = capture(ctx, req)
			return err
		}),
	)
	if err := chromedp.Run(tctx, actions...); err != nil {
		return nil, err
	}
	return data, nil
}

func capture(ctx context.Context, req domain.RenderRequest) ([]byte, error) {
	if req.Kind == domain.KindPDF {
		w, h := paperSize(req.PaperFormat)
		data, _, err := page.PrintToPDF().
			WithPrintBackground(req.PrintBackground).
			WithLandscape(req.Landscape).
			WithPaperWidth(w).
			WithPaperHeight(h).
			WithPreferCSSPageSize(true).
			Do(ctx)
		return data, err
	}

	params := page.CaptureScreenshot().WithCaptureBeyondViewport(req.FullPage)
	if req.ImageFormat == domain.ImageJPEG {
		q := req.Quality
		if q <= 0 || q > 100 {
			q = defaultJPEGQuality
		}
		params = params.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(int64(q))
	} else {
		params = params.WithFormat(page.CaptureScreenshotFormatPng)
	}
	return params.Do(ctx)
}

// paperSize returns the print dimensions in inches. Unknown formats fall
// back to A4.
func paperSize(format string) (w, h float64) {
	if strings.EqualFold(format, "Letter") {
		return 8.5, 11.0
	}
	return 8.27, 11.69
}

// viewportFor sizes the tab for image renders: the paper format at 96 DPI,
// swapped for landscape. Screenshots run at 2x scale for legible menu text.
func viewportFor(format string, landscape bool) (int64, int64) {
	w, h := int64(794), int64(1123)
	if strings.EqualFold(format, "Letter") {
		w, h = 816, 1056
	}
	if landscape {
		return h, w
	}
	return w, h
}
