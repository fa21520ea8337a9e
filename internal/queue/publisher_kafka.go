package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const provisionTopic = "janus.jobs.provision-user"

// KafkaPublisher produces jobs to Kafka. Produce is asynchronous; a failed
// delivery is logged, not bounced back to the user, because the receiving
// side tolerates replays and a missed provisioning is repaired by the next
// login.
type KafkaPublisher struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaPublisher connects to the given brokers and makes sure the job
// topic exists.
func NewKafkaPublisher(ctx context.Context, brokers []string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	admin := kadm.NewClient(client)
	if _, err := admin.CreateTopic(ctx, 1, 1, nil, provisionTopic); err != nil {
		// Already-exists is fine; anything else surfaces on first produce.
		logger.Debug("create job topic", slog.String("topic", provisionTopic), slog.String("result", err.Error()))
	}

	return &KafkaPublisher{client: client, logger: logger}, nil
}

func (p *KafkaPublisher) Schedule(ctx context.Context, job ProvisionUserJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode provision job: %w", err)
	}
	record := &kgo.Record{
		Topic: provisionTopic,
		Key:   []byte(job.UserID.String()),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("provision job delivery failed",
				slog.String("user_id", job.UserID.String()),
				slog.String("error", err.Error()))
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	p.client.Close()
	return nil
}
