// Package kafka publishes custody events to a broker. Delivery is
// best-effort and fully asynchronous: the call path never waits on the
// broker, and produce failures are logged, not returned.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"custodia/internal/custody/events"
	"custodia/internal/platform/config"
)

// Publisher implements events.Publisher on top of a Kafka topic keyed by
// parcel id, so per-parcel event order is preserved within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects to the configured brokers and ensures the topic
// exists. Returns nil when no brokers are configured.
func NewPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, cfg.Topic); err != nil {
		client.Close()
		return nil, err
	}

	return &Publisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

// Publish produces the event asynchronously. Failures are logged and
// dropped; custody operations never block on the broker.
func (p *Publisher) Publish(ctx context.Context, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal custody event", "type", event.Type, "error", err)
		return
	}

	record := &kgo.Record{Key: []byte(event.ParcelID), Value: payload}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("custody event not delivered",
				"type", event.Type,
				"parcel_id", event.ParcelID,
				"error", err,
			)
		}
	})
}

// Close flushes outstanding produces and releases the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
