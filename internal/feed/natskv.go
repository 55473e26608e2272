package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"vehicle-flow-monitor/internal/models"
)

// KVOptions locate the JetStream key-value bucket that mirrors the feed
type KVOptions struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

// KVSource watches a JetStream KV bucket. Each key is one feed entry; the
// whole bucket is delivered after the initial replay and after every change.
type KVSource struct {
	opts   KVOptions
	logger *slog.Logger
}

// NewKVSource creates a KV watch source
func NewKVSource(opts KVOptions, logger *slog.Logger) *KVSource {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVSource{opts: opts, logger: logger.With("source", "nats", "bucket", opts.Bucket)}
}

func (s *KVSource) Name() string { return "nats" }

func (s *KVSource) Run(ctx context.Context, out chan<- models.RawSnapshot) error {
	nc, err := nats.Connect(s.opts.URL,
		nats.Name("vehicle-flow-monitor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, s.opts.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      s.opts.Bucket,
			Description: "vehicle detection feed",
		})
	}
	if err != nil {
		return fmt.Errorf("failed to open kv bucket %s: %w", s.opts.Bucket, err)
	}

	watcher, err := kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch kv bucket %s: %w", s.opts.Bucket, err)
	}
	defer watcher.Stop()

	state := newKVState()
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				s.logger.Warn("kv watcher closed")
				return nil
			}
			var changed bool
			if entry == nil {
				changed = state.replayDone()
				s.logger.Info("kv replay complete", "entries", len(state.entries))
			} else {
				changed = state.apply(entry.Key(), entry.Operation(), entry.Value())
			}
			if changed && !send(ctx, out, state.snapshot()) {
				return nil
			}
		}
	}
}

// kvState mirrors the bucket contents between watch updates
type kvState struct {
	entries  map[string]json.RawMessage
	replayed bool
}

func newKVState() *kvState {
	return &kvState{entries: make(map[string]json.RawMessage)}
}

// replayDone marks the end of the initial values. The bucket is delivered
// even when empty.
func (s *kvState) replayDone() bool {
	s.replayed = true
	return true
}

// apply folds one update into the mirror and reports whether a snapshot
// should go out. Nothing is delivered during the initial replay.
func (s *kvState) apply(key string, op jetstream.KeyValueOp, value []byte) bool {
	switch op {
	case jetstream.KeyValuePut:
		s.entries[key] = json.RawMessage(append([]byte(nil), value...))
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(s.entries, key)
	default:
		return false
	}
	return s.replayed
}

func (s *kvState) snapshot() models.RawSnapshot {
	return models.RawSnapshot(s.entries).Clone()
}
