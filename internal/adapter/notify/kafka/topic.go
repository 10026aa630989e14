package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// createTopicIfNotExists creates the notification topic through the Kafka
// admin API, treating "topic already exists" as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS.
			// Reference: https://kafka.apache.org/protocol#protocol_error_codes
			if topicResp.ErrorCode == 36 {
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("notification topic created", slog.String("topic", topicResp.Topic))
	}
	return nil
}
