// Package kafka publishes export lifecycle events to a Kafka topic.
//
// Delivery is fire and forget: the export pipeline never blocks on the
// notifier and never fails a job because of it. Delivery errors are logged
// and counted, nothing more.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// Event types carried in the payload and the event_type header.
const (
	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"
)

// Event is the wire shape published to the notification topic. The web tier
// consumes these to send the actual user-facing email.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	OwnerID     string    `json:"owner_id"`
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	DisplayName string    `json:"display_name,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Producer wraps a Kafka producer and implements domain.Notifier.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=notify.new: no seed brokers provided")
	}
	slog.Info("creating notification producer", slog.Any("brokers", brokers), slog.String("topic", topic))

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.DialTimeout(10 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=notify.new: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create notification topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// SendCompletion publishes an export.completed event.
func (p *Producer) SendCompletion(ctx domain.Context, n domain.CompletionNote) error {
	return p.publish(ctx, Event{
		ID:          uuid.NewString(),
		Type:        EventExportCompleted,
		OwnerID:     n.OwnerID,
		JobID:       n.JobID,
		Kind:        string(n.Kind),
		DisplayName: n.DisplayName,
		ArtifactURL: n.ArtifactURL,
		OccurredAt:  time.Now().UTC(),
	})
}

// SendFailure publishes an export.failed event carrying the user message.
func (p *Producer) SendFailure(ctx domain.Context, n domain.FailureNote) error {
	return p.publish(ctx, Event{
		ID:          uuid.NewString(),
		Type:        EventExportFailed,
		OwnerID:     n.OwnerID,
		JobID:       n.JobID,
		Kind:        string(n.Kind),
		DisplayName: n.DisplayName,
		Reason:      n.Reason,
		OccurredAt:  time.Now().UTC(),
	})
}

func (p *Producer) publish(ctx domain.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=notify.publish: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID), // per-job ordering for consumers
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "owner_id", Value: []byte(ev.OwnerID)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("notification delivery failed",
				slog.String("event_type", ev.Type),
				slog.String("job_id", ev.JobID),
				slog.Any("error", err))
			observability.NotificationSent(ev.Type, false)
			return
		}
		observability.NotificationSent(ev.Type, true)
	})
	return nil
}

// Close flushes buffered events and releases the client.
func (p *Producer) Close() error {
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("notification flush on close", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}
