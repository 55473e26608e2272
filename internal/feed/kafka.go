package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"vehicle-flow-monitor/internal/models"
)

// KafkaOptions configure the snapshot topic consumer
type KafkaOptions struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// KafkaSource consumes a topic whose message values are whole feed
// snapshots. Offsets are committed once the snapshot has been handed on.
type KafkaSource struct {
	opts   KafkaOptions
	logger *slog.Logger
}

// NewKafkaSource creates a Kafka consumer source
func NewKafkaSource(opts KafkaOptions, logger *slog.Logger) *KafkaSource {
	if opts.GroupID == "" {
		opts.GroupID = "vehicle-flow-monitor"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{opts: opts, logger: logger.With("source", "kafka", "topic", opts.Topic)}
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) Run(ctx context.Context, out chan<- models.RawSnapshot) error {
	if len(s.opts.Brokers) == 0 || s.opts.Topic == "" {
		return errors.New("kafka brokers and topic are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         s.opts.Brokers,
		GroupID:         s.opts.GroupID,
		Topic:           s.opts.Topic,
		StartOffset:     kafka.LastOffset,
		CommitInterval:  time.Second,
		MinBytes:        1,
		MaxBytes:        10e6,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("kafka fetch failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		raw, err := decodeSnapshot(msg.Value)
		if err != nil {
			s.logger.Warn("ignoring kafka message", "offset", msg.Offset, "err", err)
		} else if !send(ctx, out, raw) {
			return nil
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("kafka commit failed", "offset", msg.Offset, "err", fmt.Errorf("commit: %w", err))
		}
	}
}
