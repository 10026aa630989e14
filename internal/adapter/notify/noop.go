// Package notify holds notifier implementations that need no broker.
package notify

import (
	"log/slog"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// Noop implements domain.Notifier for deployments without Kafka configured.
// Events are logged and dropped; job processing is unaffected either way.
type Noop struct{}

func (Noop) SendCompletion(_ domain.Context, n domain.CompletionNote) error {
	slog.Debug("notification skipped, no brokers configured",
		slog.String("event_type", "export.completed"),
		slog.String("job_id", n.JobID))
	return nil
}

func (Noop) SendFailure(_ domain.Context, n domain.FailureNote) error {
	slog.Debug("notification skipped, no brokers configured",
		slog.String("event_type", "export.failed"),
		slog.String("job_id", n.JobID))
	return nil
}
