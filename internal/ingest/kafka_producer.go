package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
)

// KafkaProducer writes request changes keyed by request id, so each request's changes stay
// ordered within a partition.
type KafkaProducer struct {
	writer  dispatch.MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(cfg dispatch.WriterConfig) *KafkaProducer {
	return &KafkaProducer{writer: dispatch.NewKafkaWriter(cfg), timeout: 2 * time.Second}
}

func NewKafkaProducerWithWriter(w dispatch.MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) Publish(ctx context.Context, c models.RequestChange) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(c.RequestID), Value: b, Time: c.ChangedAt})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
