package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaNotifier publishes events to a topic keyed by job id, so every event of
// one job lands on the same partition in order.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	return NewKafkaNotifierWithProducer(p, topic), nil
}

func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.JobID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(event.Type)},
		},
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
