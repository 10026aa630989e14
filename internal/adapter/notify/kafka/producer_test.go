package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

func TestNewProducer_NoBrokers(t *testing.T) {
	_, err := NewProducer(nil, "menu-export-events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed brokers")
}

func TestEventPayloadShape(t *testing.T) {
	completed := Event{
		ID:          "ev-1",
		Type:        EventExportCompleted,
		OwnerID:     "u1",
		JobID:       "job1",
		Kind:        "pdf",
		DisplayName: "Dinner Menu",
		ArtifactURL: "https://example.com/signed",
		OccurredAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(completed)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "export.completed", m["type"])
	assert.Equal(t, "u1", m["owner_id"])
	assert.Equal(t, "job1", m["job_id"])
	assert.Equal(t, "https://example.com/signed", m["artifact_url"])
	// Completion events carry no failure reason.
	assert.NotContains(t, m, "reason")

	failed := Event{ID: "ev-2", Type: EventExportFailed, OwnerID: "u1", JobID: "job2", Kind: "image", Reason: "render timed out"}
	b, err = json.Marshal(failed)
	require.NoError(t, err)
	m = map[string]any{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "render timed out", m["reason"])
	assert.NotContains(t, m, "artifact_url")
}

// TestProducer_RoundTrip publishes through a real broker. Opt in with
// NOTIFY_INTEGRATION=1 and a local Docker daemon.
func TestProducer_RoundTrip(t *testing.T) {
	if os.Getenv("NOTIFY_INTEGRATION") == "" {
		t.Skip("set NOTIFY_INTEGRATION=1 to run broker tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const hostPort = 19092
	req := tc.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--node-id", "0",
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", hostPort),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(30 * time.Second),
	}
	// The advertised address must match the bound host port.
	req.HostConfigModifier = func(hc *containerTypes.HostConfig) {
		if hc.PortBindings == nil {
			hc.PortBindings = nat.PortMap{}
		}
		hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	defer func() { _ = container.Terminate(context.Background()) }()

	broker := fmt.Sprintf("127.0.0.1:%d", hostPort)
	topic := fmt.Sprintf("menu-export-events-%d", time.Now().UnixNano())

	p, err := NewProducer([]string{broker}, topic)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	note := domain.CompletionNote{
		OwnerID:     "u1",
		JobID:       "job1",
		Kind:        domain.KindPDF,
		DisplayName: "Dinner Menu",
		ArtifactURL: "https://example.com/signed",
	}
	require.NoError(t, p.SendCompletion(ctx, note))
	require.NoError(t, p.client.Flush(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "job1", string(records[0].Key))

	var ev Event
	require.NoError(t, json.Unmarshal(records[0].Value, &ev))
	assert.Equal(t, EventExportCompleted, ev.Type)
	assert.Equal(t, "https://example.com/signed", ev.ArtifactURL)
	assert.NotEmpty(t, ev.ID)
}
