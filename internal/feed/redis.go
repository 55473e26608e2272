package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"vehicle-flow-monitor/internal/models"
)

// RedisOptions locate the feed hash and its change channel
type RedisOptions struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	Channel  string        `mapstructure:"channel"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisSource reads the feed from a hash (field = entry key, value = entry)
// and re-reads it whenever a message arrives on the change channel
type RedisSource struct {
	opts   RedisOptions
	logger *slog.Logger
}

// NewRedisSource creates a Redis hash source
func NewRedisSource(opts RedisOptions, logger *slog.Logger) *RedisSource {
	if opts.Key == "" {
		opts.Key = "vehicle-flow:data"
	}
	if opts.Channel == "" {
		opts.Channel = opts.Key + ":changed"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{opts: opts, logger: logger.With("source", "redis", "key", opts.Key)}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Run(ctx context.Context, out chan<- models.RawSnapshot) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:         s.opts.Addr,
		Password:     s.opts.Password,
		DB:           s.opts.DB,
		DialTimeout:  s.opts.Timeout,
		ReadTimeout:  s.opts.Timeout,
		WriteTimeout: s.opts.Timeout,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", s.opts.Addr, err)
	}

	// subscribe before the first read so no change slips in between
	pubsub := rdb.Subscribe(ctx, s.opts.Channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.opts.Channel, err)
	}

	if !s.readAndSend(ctx, rdb, out) {
		return nil
	}

	changes := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if !s.readAndSend(ctx, rdb, out) {
				return nil
			}
		}
	}
}

func (s *RedisSource) readAndSend(ctx context.Context, rdb *redis.Client, out chan<- models.RawSnapshot) bool {
	fields, err := rdb.HGetAll(ctx, s.opts.Key).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("failed to read feed hash", "err", err)
		return true
	}
	return send(ctx, out, hashSnapshot(fields))
}

// hashSnapshot turns hash fields into raw entries. Values are passed through
// untouched so the normalizer can report the malformed ones.
func hashSnapshot(fields map[string]string) models.RawSnapshot {
	raw := make(models.RawSnapshot, len(fields))
	for k, v := range fields {
		raw[k] = json.RawMessage(v)
	}
	return raw
}
