package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// RetryingJobStore wraps a JobStore with exponential-backoff retries for
// transient database errors. Business outcomes (no claimable job, row moved
// under us, not found) pass through untouched: retrying those would change
// semantics, not availability.
type RetryingJobStore struct {
	inner      domain.JobStore
	maxRetries uint64
	delay      time.Duration
}

// NewRetryingJobStore wraps inner with maxRetries extra attempts starting at delay.
func NewRetryingJobStore(inner domain.JobStore, maxRetries int, delay time.Duration) *RetryingJobStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingJobStore{inner: inner, maxRetries: uint64(maxRetries), delay: delay}
}

func permanentOutcome(err error) bool {
	return errors.Is(err, domain.ErrNoJob) || errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound)
}

func (s *RetryingJobStore) retry(ctx domain.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err != nil && permanentOutcome(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.delay
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, s.maxRetries), ctx)
	return backoff.Retry(op, bo)
}

func (s *RetryingJobStore) Claim(ctx domain.Context, workerID string) (domain.ExportJob, error) {
	var j domain.ExportJob
	err := s.retry(ctx, func() error {
		var err error
		j, err = s.inner.Claim(ctx, workerID)
		return err
	})
	return j, err
}

func (s *RetryingJobStore) SetStoragePath(ctx domain.Context, id, storagePath string) error {
	return s.retry(ctx, func() error { return s.inner.SetStoragePath(ctx, id, storagePath) })
}

func (s *RetryingJobStore) Complete(ctx domain.Context, id, storagePath, artifactURL string) error {
	return s.retry(ctx, func() error { return s.inner.Complete(ctx, id, storagePath, artifactURL) })
}

func (s *RetryingJobStore) FailTerminal(ctx domain.Context, id, userMessage string) error {
	return s.retry(ctx, func() error { return s.inner.FailTerminal(ctx, id, userMessage) })
}

func (s *RetryingJobStore) ResetWithBackoff(ctx domain.Context, id string, delay time.Duration, internalMessage string) error {
	return s.retry(ctx, func() error { return s.inner.ResetWithBackoff(ctx, id, delay, internalMessage) })
}

func (s *RetryingJobStore) ResetImmediate(ctx domain.Context, id string) error {
	return s.retry(ctx, func() error { return s.inner.ResetImmediate(ctx, id) })
}

func (s *RetryingJobStore) FindStale(ctx domain.Context) ([]string, error) {
	var ids []string
	err := s.retry(ctx, func() error {
		var err error
		ids, err = s.inner.FindStale(ctx)
		return err
	})
	return ids, err
}

func (s *RetryingJobStore) ResetAllStale(ctx domain.Context) (int64, error) {
	var n int64
	err := s.retry(ctx, func() error {
		var err error
		n, err = s.inner.ResetAllStale(ctx)
		return err
	})
	return n, err
}

func (s *RetryingJobStore) QueueDepth(ctx domain.Context) (int, error) {
	var depth int
	err := s.retry(ctx, func() error {
		var err error
		depth, err = s.inner.QueueDepth(ctx)
		return err
	})
	return depth, err
}

func (s *RetryingJobStore) Stats(ctx domain.Context) (domain.QueueStats, error) {
	var st domain.QueueStats
	err := s.retry(ctx, func() error {
		var err error
		st, err = s.inner.Stats(ctx)
		return err
	})
	return st, err
}

func (s *RetryingJobStore) FindOldCompleted(ctx domain.Context, before time.Time, limit int) ([]domain.CompletedArtifact, error) {
	var out []domain.CompletedArtifact
	err := s.retry(ctx, func() error {
		var err error
		out, err = s.inner.FindOldCompleted(ctx, before, limit)
		return err
	})
	return out, err
}

func (s *RetryingJobStore) DeleteOldCompleted(ctx domain.Context, before time.Time) (int64, error) {
	var n int64
	err := s.retry(ctx, func() error {
		var err error
		n, err = s.inner.DeleteOldCompleted(ctx, before)
		return err
	})
	return n, err
}

func (s *RetryingJobStore) CountRecentForOwner(ctx domain.Context, ownerID string, window time.Duration) (int, error) {
	var n int
	err := s.retry(ctx, func() error {
		var err error
		n, err = s.inner.CountRecentForOwner(ctx, ownerID, window)
		return err
	})
	return n, err
}

func (s *RetryingJobStore) CountActiveForOwner(ctx domain.Context, ownerID string) (int, error) {
	var n int
	err := s.retry(ctx, func() error {
		var err error
		n, err = s.inner.CountActiveForOwner(ctx, ownerID)
		return err
	})
	return n, err
}

// Ping is deliberately unwrapped: health probes should report the first
// failure, not block behind retries.
func (s *RetryingJobStore) Ping(ctx domain.Context) error { return s.inner.Ping(ctx) }

// RetryingExtractionStore is the extraction-family counterpart.
type RetryingExtractionStore struct {
	inner      domain.ExtractionStore
	maxRetries uint64
	delay      time.Duration
}

// NewRetryingExtractionStore wraps inner with maxRetries extra attempts starting at delay.
func NewRetryingExtractionStore(inner domain.ExtractionStore, maxRetries int, delay time.Duration) *RetryingExtractionStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingExtractionStore{inner: inner, maxRetries: uint64(maxRetries), delay: delay}
}

func (s *RetryingExtractionStore) retry(ctx domain.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err != nil && permanentOutcome(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.delay
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, s.maxRetries), ctx)
	return backoff.Retry(op, bo)
}

func (s *RetryingExtractionStore) Claim(ctx domain.Context, workerID string) (domain.ExtractionJob, error) {
	var j domain.ExtractionJob
	err := s.retry(ctx, func() error {
		var err error
		j, err = s.inner.Claim(ctx, workerID)
		return err
	})
	return j, err
}

func (s *RetryingExtractionStore) Complete(ctx domain.Context, id string, result json.RawMessage) error {
	return s.retry(ctx, func() error { return s.inner.Complete(ctx, id, result) })
}

func (s *RetryingExtractionStore) FailTerminal(ctx domain.Context, id, userMessage string) error {
	return s.retry(ctx, func() error { return s.inner.FailTerminal(ctx, id, userMessage) })
}

func (s *RetryingExtractionStore) ResetWithBackoff(ctx domain.Context, id string, delay time.Duration, internalMessage string) error {
	return s.retry(ctx, func() error { return s.inner.ResetWithBackoff(ctx, id, delay, internalMessage) })
}

func (s *RetryingExtractionStore) ResetAllStale(ctx domain.Context) (int64, error) {
	var n int64
	err := s.retry(ctx, func() error {
		var err error
		n, err = s.inner.ResetAllStale(ctx)
		return err
	})
	return n, err
}

func (s *RetryingExtractionStore) QueueDepth(ctx domain.Context) (int, error) {
	var depth int
	err := s.retry(ctx, func() error {
		var err error
		depth, err = s.inner.QueueDepth(ctx)
		return err
	})
	return depth, err
}
