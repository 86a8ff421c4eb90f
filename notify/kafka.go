package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaEmitter publishes intents to a Kafka topic keyed by user id, so one
// user's notifications stay ordered within a partition.
type KafkaEmitter struct {
	client *kgo.Client
	topic  string
}

// NewKafkaEmitter connects a producer to brokers
func NewKafkaEmitter(brokers []string, topic string) (*KafkaEmitter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaEmitter{client: client, topic: topic}, nil
}

// Emit produces one record and waits for the broker acknowledgement
func (k *KafkaEmitter) Emit(ctx context.Context, in Intent) error {
	record, err := newRecord(k.topic, in)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %s for order %s: %w", in.Kind, in.Ctx.OrderID, err)
	}
	return nil
}

// Close flushes buffered records, waiting at most until ctx is done, and
// closes the client
func (k *KafkaEmitter) Close(ctx context.Context) error {
	err := k.client.Flush(ctx)
	k.client.Close()
	if err != nil {
		return fmt.Errorf("failed to flush kafka client: %w", err)
	}
	return nil
}

func newRecord(topic string, in Intent) (*kgo.Record, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(in.UserID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(in.Kind)},
			{Key: "version", Value: []byte("1.0")},
		},
		Timestamp: time.Now(),
	}, nil
}
