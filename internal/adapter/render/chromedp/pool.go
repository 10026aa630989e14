// Package chromedp renders menu HTML to PDF and image artifacts through a
// pooled headless Chromium instance.
//
// One browser process serves the whole worker; each render runs in its own
// tab. The pool caps concurrent tabs, relaunches the browser after a crash,
// and enforces the per-render timeout.
package chromedp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/config"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

const probeTimeout = 10 * time.Second

// Pool is a chromedp-backed implementation of domain.Renderer.
type Pool struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sem      chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	capacity int
	timeout  time.Duration

	allowlist config.RenderAllowlist
}

// NewPool builds the render pool from configuration. The browser process is
// launched lazily on the first render or probe.
func NewPool(cfg config.Config, allowlist config.RenderAllowlist) *Pool {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if cfg.BrowserExecutable != "" {
		opts = append(opts, chromedp.ExecPath(cfg.BrowserExecutable))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	p := &Pool{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		sem:         make(chan struct{}, cfg.MaxRenders),
		capacity:    cfg.MaxRenders,
		timeout:     cfg.JobTimeout(),
		allowlist:   allowlist,
	}
	p.publishStats()
	return p
}

// ensureBrowser launches the browser if it is not running. A crashed browser
// cancels its context, so the liveness check doubles as crash detection.
func (p *Pool) ensureBrowser() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCtx != nil && p.browserCtx.Err() == nil {
		return nil
	}
	if p.browserCancel != nil {
		p.browserCancel()
		slog.Warn("relaunching browser after crash or shutdown")
	}
	ctx, cancel := chromedp.NewContext(p.allocCtx)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return fmt.Errorf("browser launch: %w", err)
	}
	p.browserCtx = ctx
	p.browserCancel = cancel
	slog.Info("browser launched", slog.Int("max_renders", p.capacity))
	return nil
}

func (p *Pool) browser() (context.Context, error) {
	if err := p.ensureBrowser(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.browserCtx, nil
}

// allowRequest decides one intercepted request. The tab's own navigation to
// about:blank must pass; everything else is the operator's allowlist call.
func (p *Pool) allowRequest(raw string) bool {
	if strings.HasPrefix(raw, "about:") {
		return true
	}
	return p.allowlist.Allows(raw)
}

// Render produces the artifact bytes for one request. It blocks until a pool
// slot frees up or ctx is done, then renders in a fresh tab under the
// configured timeout.
func (p *Pool) Render(ctx domain.Context, req domain.RenderRequest) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("op=render.render: renderer closed")
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("op=render.render: %w", ctx.Err())
	}
	p.publishStats()
	p.wg.Add(1)
	defer func() {
		<-p.sem
		p.wg.Done()
		p.publishStats()
	}()

	bctx, err := p.browser()
	if err != nil {
		return nil, fmt.Errorf("op=render.render: %w", err)
	}
	data, err := p.renderInTab(bctx, req)
	if err != nil {
		if ctx.Err() == nil && isDeadline(err) {
			return nil, fmt.Errorf("op=render.render: %w", domain.ErrRenderTimeout)
		}
		return nil, fmt.Errorf("op=render.render: %w", err)
	}
	return data, nil
}

func isDeadline(err error) bool {
	return err == context.DeadlineExceeded || strings.Contains(err.Error(), "deadline exceeded")
}

// Probe opens and evaluates a trivial expression in a throwaway tab. Used by
// the health endpoint to verify the browser is responsive.
func (p *Pool) Probe(ctx domain.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("op=render.probe: %w", err)
	}
	if p.closed.Load() {
		return fmt.Errorf("op=render.probe: renderer closed")
	}
	bctx, err := p.browser()
	if err != nil {
		return fmt.Errorf("op=render.probe: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(bctx)
	defer cancel()
	tctx, tcancel := context.WithTimeout(tabCtx, probeTimeout)
	defer tcancel()

	var two int
	if err := chromedp.Run(tctx, chromedp.Evaluate("1+1", &two)); err != nil {
		return fmt.Errorf("op=render.probe: %w", err)
	}
	if two != 2 {
		return fmt.Errorf("op=render.probe: unexpected eval result %d", two)
	}
	return nil
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() domain.PoolStats {
	inUse := len(p.sem)
	return domain.PoolStats{
		Total:     p.capacity,
		InUse:     inUse,
		Available: p.capacity - inUse,
		Capacity:  p.capacity,
	}
}

// publishStats mirrors occupancy into the pool gauges. Called on
// construction and around every slot acquire/release.
func (p *Pool) publishStats() {
	obs.SetRenderPool(p.Stats())
}

// Close drains in-flight renders until ctx expires, then tears the browser
// down. Renders started after Close fail fast.
func (p *Pool) Close(ctx domain.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("closing renderer with renders still in flight")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	p.allocCancel()
	return nil
}
