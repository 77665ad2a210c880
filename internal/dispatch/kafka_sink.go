package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterConfig holds the kafka writer settings shared by the notification sink and the
// change producer.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewKafkaWriter builds a writer that hashes on the message key. kafka-go holds a partial
// batch for BatchTimeout (1s when unset), so callers should pass a short one.
func NewKafkaWriter(cfg WriterConfig) *kafka.Writer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}
}

// KafkaSink publishes notifications keyed by recipient so one user's messages stay ordered.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(cfg WriterConfig) *KafkaSink {
	return &KafkaSink{writer: NewKafkaWriter(cfg)}
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink { return &KafkaSink{writer: w} }

func (k *KafkaSink) Deliver(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(n.Recipient), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
