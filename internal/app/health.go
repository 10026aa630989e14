package app

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// checkTimeout bounds each dependency probe so a hung dependency cannot
// hang the health endpoint.
const checkTimeout = 2 * time.Second

// memoryPressureRatio is the heap occupancy above which the worker reports
// unhealthy so the orchestrator can recycle it before the renderer OOMs.
const memoryPressureRatio = 0.8

// Pinger is the minimal store interface the database check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BlobLister is the minimal blob store interface the storage check needs.
type BlobLister interface {
	List(ctx domain.Context, prefix string, limit int) ([]string, error)
}

// RenderProber is the minimal renderer interface the render check needs.
type RenderProber interface {
	Probe(ctx domain.Context) error
}

// CheckResult is one named probe outcome in the health response.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthChecker probes the worker's dependencies for the health endpoint.
type HealthChecker struct {
	DB       Pinger
	Blobs    BlobLister
	Renderer RenderProber
}

// Handler serves GET /health: 200 when every check passes, 503 otherwise.
func (h HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]CheckResult{
			"database": h.checkDatabase(r.Context()),
			"storage":  h.checkStorage(r.Context()),
			"render":   h.checkRender(r.Context()),
			"memory":   checkMemory(),
		}

		status := "healthy"
		code := http.StatusOK
		for _, c := range checks {
			if !c.Healthy {
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, code, healthResponse{
			Status:    status,
			Timestamp: time.Now().UTC(),
			Checks:    checks,
		})
	}
}

func (h HealthChecker) checkDatabase(ctx context.Context) CheckResult {
	if h.DB == nil {
		return CheckResult{Message: "database not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := h.DB.Ping(ctx); err != nil {
		return CheckResult{Message: err.Error()}
	}
	return CheckResult{Healthy: true}
}

func (h HealthChecker) checkStorage(ctx context.Context) CheckResult {
	if h.Blobs == nil {
		return CheckResult{Message: "storage not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if _, err := h.Blobs.List(ctx, "health/", 1); err != nil {
		return CheckResult{Message: err.Error()}
	}
	return CheckResult{Healthy: true}
}

func (h HealthChecker) checkRender(ctx context.Context) CheckResult {
	if h.Renderer == nil {
		return CheckResult{Message: "renderer not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := h.Renderer.Probe(ctx); err != nil {
		return CheckResult{Message: err.Error()}
	}
	return CheckResult{Healthy: true}
}

func checkMemory() CheckResult {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return CheckResult{Healthy: true}
	}
	ratio := float64(ms.HeapAlloc) / float64(ms.HeapSys)
	if ratio > memoryPressureRatio {
		return CheckResult{Message: fmt.Sprintf("heap at %.0f%% of reserved", ratio*100)}
	}
	return CheckResult{Healthy: true, Message: fmt.Sprintf("heap at %.0f%%", ratio*100)}
}
