// Package kafka publishes outbound events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// Config holds producer parameters.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
	MaxAttempts  int
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes each event as a JSON message keyed by event type, so events
// of one type keep their order within a partition.
type Sink struct {
	w      writer
	topic  string
	logger *slog.Logger
}

// NewSink creates a synchronous writer for cfg.Topic.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	case "none":
	default:
		w.Compression = kafka.Snappy
	}
	return newSink(w, cfg.Topic, logger), nil
}

func newSink(w writer, topic string, logger *slog.Logger) *Sink {
	return &Sink{w: w, topic: topic, logger: logger.With(slog.String("component", "kafka_sink"))}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "kafka" }

// Deliver implements events.Sink.
func (s *Sink) Deliver(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Type),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *Sink) Close() error {
	if err := s.w.Close(); err != nil {
		s.logger.Warn("close writer", slog.String("error", err.Error()))
		return fmt.Errorf("kafka: close: %w", err)
	}
	return nil
}
