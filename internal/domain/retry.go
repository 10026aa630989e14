// Package domain defines the entities and ports of the menu export worker:
// durable jobs, render snapshots, artifact validation and the retry policy.
package domain

import (
	"errors"
	"strings"
	"time"
)

// FailureCategory buckets an error for the retry decision.
type FailureCategory string

const (
	// CategoryTransientNetwork covers connectivity failures to any dependency.
	CategoryTransientNetwork FailureCategory = "transient_network"
	// CategoryTransientStorage covers blob store unavailability, including an
	// open circuit breaker.
	CategoryTransientStorage FailureCategory = "transient_storage"
	// CategoryTransientRender covers browser launch and render timeouts.
	CategoryTransientRender FailureCategory = "transient_render"
	// CategoryPermanentValidation covers invalid outputs, invalid snapshots
	// and untrusted asset URLs.
	CategoryPermanentValidation FailureCategory = "permanent_validation"
	// CategoryPermanentInput covers malformed requests that can never succeed.
	CategoryPermanentInput FailureCategory = "permanent_input"
)

// Classification is the result of mapping an error onto the taxonomy.
// UserMessage is safe to surface to the job owner; InternalMessage carries
// the raw diagnostic and goes only to logs and the row's reset audit trail.
type Classification struct {
	Category        FailureCategory
	Retryable       bool
	UserMessage     string
	InternalMessage string
}

// RetryDecision is the outcome of RetryPolicy.Decide for one failure.
type RetryDecision struct {
	ShouldRetry    bool
	Delay          time.Duration
	Classification Classification
}

// RetryPolicy computes backoff delays and terminal decisions.
type RetryPolicy struct {
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps exponential growth.
	MaxDelay time.Duration
	// MaxRetries is the retry budget; a job at retry_count >= MaxRetries is
	// terminal on its next failure regardless of category.
	MaxRetries int
}

// DefaultRetryPolicy returns the production policy: 10s base, 300s cap,
// 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: 300 * time.Second, MaxRetries: 3}
}

// BackoffDelay returns min(BaseDelay * 2^retryCount, MaxDelay).
// retryCount=0 yields exactly BaseDelay.
func (p RetryPolicy) BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Decide classifies err and applies the retry budget. retryCount is the
// job's count at decision time, before any reset increments it.
func (p RetryPolicy) Decide(err error, retryCount int) RetryDecision {
	c := Classify(err)
	if !c.Retryable || retryCount >= p.MaxRetries {
		return RetryDecision{ShouldRetry: false, Classification: c}
	}
	return RetryDecision{ShouldRetry: true, Delay: p.BackoffDelay(retryCount), Classification: c}
}

// User-facing messages per category. Bounded, fixed strings; internals never
// leak into them.
var userMessages = map[FailureCategory]string{
	CategoryTransientNetwork:    "A temporary network problem interrupted the export. It will be retried automatically.",
	CategoryTransientStorage:    "Artifact storage was temporarily unavailable. The export will be retried automatically.",
	CategoryTransientRender:     "The renderer did not finish in time. The export will be retried automatically.",
	CategoryPermanentValidation: "The export output failed validation and cannot be delivered.",
	CategoryPermanentInput:      "The export request is invalid and cannot be processed.",
}

// Classify maps an error onto the failure taxonomy. Sentinels win over
// message matching; unknown errors default to transient_network so that a
// crash-adjacent failure is retried rather than terminally failed.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryTransientNetwork, Retryable: true, UserMessage: userMessages[CategoryTransientNetwork]}
	}

	category := CategoryTransientNetwork
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		category = CategoryTransientStorage
	case errors.Is(err, ErrRenderTimeout):
		category = CategoryTransientRender
	case errors.Is(err, ErrSnapshotInvalid), errors.Is(err, ErrInvalidOutput), errors.Is(err, ErrUntrustedURL):
		category = CategoryPermanentValidation
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound):
		category = CategoryPermanentInput
	default:
		category = classifyMessage(err.Error())
	}

	return Classification{
		Category:        category,
		Retryable:       category.Retryable(),
		UserMessage:     userMessages[category],
		InternalMessage: truncate(err.Error(), 500),
	}
}

// Retryable reports whether the category is transient.
func (c FailureCategory) Retryable() bool {
	switch c {
	case CategoryTransientNetwork, CategoryTransientStorage, CategoryTransientRender:
		return true
	}
	return false
}

func classifyMessage(msg string) FailureCategory {
	s := strings.ToLower(strings.TrimSpace(msg))
	if s == "" {
		return CategoryTransientNetwork
	}

	switch {
	case strings.Contains(s, "storage_unavailable"),
		strings.Contains(s, "503"),
		strings.Contains(s, "service unavailable"):
		return CategoryTransientStorage
	case strings.Contains(s, "browser"),
		strings.Contains(s, "render timeout"),
		strings.Contains(s, "chrome"),
		strings.Contains(s, "page crashed"),
		strings.Contains(s, "target closed"):
		return CategoryTransientRender
	case strings.Contains(s, "invalid output"),
		strings.Contains(s, "snapshot_invalid"),
		strings.Contains(s, "untrusted image url"):
		return CategoryPermanentValidation
	case strings.Contains(s, "unknown template"),
		strings.Contains(s, "malformed"),
		strings.Contains(s, "invalid argument"):
		return CategoryPermanentInput
	case strings.Contains(s, "econnrefused"),
		strings.Contains(s, "etimedout"),
		strings.Contains(s, "econnreset"),
		strings.Contains(s, "enotfound"),
		strings.Contains(s, "socket hang up"),
		strings.Contains(s, "fetch failed"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "connection pool exhausted"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "timeout"):
		return CategoryTransientNetwork
	default:
		return CategoryTransientNetwork
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
