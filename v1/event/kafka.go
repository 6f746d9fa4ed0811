package event

import (
	"context"
	"strconv"

	sarama "github.com/IBM/sarama"
)

// DefaultTopic is the Kafka topic events are mirrored to.
const DefaultTopic = "garden-events"

// KafkaSink publishes events to a Kafka topic, keyed by flower index so the
// events of one flower stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	client   sarama.Client
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, cfg *sarama.Config, topic string) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s := NewKafkaSinkFromProducer(producer, topic)
	s.client = client
	return s, nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{producer: p, topic: topic}
}

// Emit implements Sink.Emit.
func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strconv.Itoa(e.Index)),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}

// Close releases the producer and, if owned, its client.
func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	if s.client != nil {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
