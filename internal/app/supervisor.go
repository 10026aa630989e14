package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leonclem/one-minute-menu-sub000/internal/config"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// drainTimeout bounds the render pool teardown and listener shutdown after
// the in-flight job budget has already been spent.
const drainTimeout = 10 * time.Second

// Runner is a background loop bound to a context (poller, sweepers).
type Runner interface {
	Run(ctx context.Context)
}

// Supervisor owns the worker's runtime: the HTTP listeners, the periodic
// sweeps, the poller, and the shutdown protocol that interlocks them.
type Supervisor struct {
	Cfg      config.Config
	Poller   *Poller
	Sweepers []Runner
	Health   http.Handler
	Metrics  http.Handler
	Renderer domain.Renderer

	// Closers run last, in order, after the poller has drained. Failures
	// make the shutdown dirty (exit code 1) but do not stop later closers.
	Closers []func() error

	// signals is overridable in tests; defaults to SIGTERM/SIGINT.
	signals chan os.Signal
}

// Run blocks until a termination signal, then executes the cooperative
// shutdown. The return value is the process exit code: 0 for a clean
// shutdown, 1 when cleanup itself failed.
func (s *Supervisor) Run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthSrv := s.listen(s.Cfg.HealthPort, s.Health, "health")
	metricsSrv := s.listen(s.Cfg.MetricsPort, s.Metrics, "metrics")

	for _, sw := range s.Sweepers {
		go sw.Run(ctx)
	}

	pollerDone := make(chan struct{})
	go func() {
		s.Poller.Run(ctx)
		close(pollerDone)
	}()

	sigCh := s.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	}
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", fmt.Sprint(sig)))
	// Further signals land in the buffered channel and are ignored; the
	// shutdown below runs exactly once.

	// Stop ticking. The claim in flight, if any, completes normally.
	cancel()
	select {
	case <-pollerDone:
		slog.Info("poller drained")
	case <-time.After(s.Cfg.ShutdownTimeout()):
		// The stale sweeper on some replica recovers the abandoned row.
		slog.Warn("shutdown timeout exceeded, abandoning in-flight job",
			slog.Duration("timeout", s.Cfg.ShutdownTimeout()))
	}

	dirty := false
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()

	if s.Renderer != nil {
		if err := s.Renderer.Close(drainCtx); err != nil {
			slog.Error("render pool close failed", slog.Any("error", err))
			dirty = true
		}
	}
	for _, srv := range []*http.Server{healthSrv, metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Error("http shutdown failed", slog.String("addr", srv.Addr), slog.Any("error", err))
			dirty = true
		}
	}
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			slog.Error("cleanup failed", slog.Any("error", err))
			dirty = true
		}
	}

	if dirty {
		slog.Error("worker stopped with cleanup errors")
		return 1
	}
	slog.Info("worker stopped")
	return 0
}

func (s *Supervisor) listen(port int, handler http.Handler, name string) *http.Server {
	if handler == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("listener started", slog.String("name", name), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listener failed", slog.String("name", name), slog.Any("error", err))
		}
	}()
	return srv
}
