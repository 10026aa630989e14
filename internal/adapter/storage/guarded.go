// Package storage wraps blob store implementations with the availability guard.
package storage

import (
	"fmt"
	"time"

	adapterobs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/internal/observability"
)

// Breaker policy for the blob store: three consecutive upload failures open
// the circuit, then one probe per cooldown until storage recovers.
const (
	BreakerMaxFailures = 3
	BreakerCooldown    = 60 * time.Second
)

// NewDefaultBreaker returns a breaker with the blob store policy.
func NewDefaultBreaker() *observability.CircuitBreaker {
	return observability.NewCircuitBreaker(BreakerMaxFailures, BreakerCooldown)
}

// Guarded fronts a BlobStore with a circuit breaker on the upload path.
// While open, uploads fail fast as ErrStorageUnavailable so jobs retry with
// backoff instead of piling onto a struggling backend. Reads, listings and
// sweep deletes pass through: they are best-effort and neither trip nor
// consult the breaker.
type Guarded struct {
	inner domain.BlobStore
	cb    *observability.CircuitBreaker
}

// NewGuarded wraps inner with the given breaker.
func NewGuarded(inner domain.BlobStore, cb *observability.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, cb: cb}
}

func (g *Guarded) observeState() {
	adapterobs.StorageBreakerState.Set(float64(g.cb.GetState()))
}

func (g *Guarded) Upload(ctx domain.Context, path, contentType string, data []byte) (string, error) {
	if !g.cb.CanExecute() {
		g.observeState()
		return "", fmt.Errorf("op=blob.upload: %w", domain.ErrStorageUnavailable)
	}
	url, err := g.inner.Upload(ctx, path, contentType, data)
	if err != nil {
		g.cb.RecordFailure()
		g.observeState()
		return "", err
	}
	g.cb.RecordSuccess()
	g.observeState()
	return url, nil
}

func (g *Guarded) Download(ctx domain.Context, path string) ([]byte, error) {
	return g.inner.Download(ctx, path)
}

func (g *Guarded) SignedURL(ctx domain.Context, path string, ttl time.Duration, downloadName string) (string, error) {
	return g.inner.SignedURL(ctx, path, ttl, downloadName)
}

func (g *Guarded) Delete(ctx domain.Context, path string) error {
	return g.inner.Delete(ctx, path)
}

func (g *Guarded) List(ctx domain.Context, prefix string, limit int) ([]string, error) {
	return g.inner.List(ctx, prefix, limit)
}

func (g *Guarded) DeleteOlderThan(ctx domain.Context, before time.Time) (int64, error) {
	return g.inner.DeleteOlderThan(ctx, before)
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() observability.CircuitBreakerState { return g.cb.GetState() }
