// Package feed connects the pipeline to the systems that publish detection
// snapshots.
//
// Every Source delivers complete snapshots (all entries currently in the
// feed, never deltas). Pump funnels all sources into a single consumer so the
// sink only ever sees one writer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"vehicle-flow-monitor/internal/metrics"
	"vehicle-flow-monitor/internal/models"
)

// Source produces full feed snapshots until ctx is cancelled. Run returns an
// error only when the source cannot be set up; receive errors are logged and
// the source keeps going.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- models.RawSnapshot) error
}

// Sink consumes snapshots one at a time
type Sink interface {
	Ingest(raw models.RawSnapshot) *models.AggregateSnapshot
}

type delivery struct {
	source string
	raw    models.RawSnapshot
}

// Pump drives a set of sources into one sink
type Pump struct {
	sink    Sink
	sources []Source
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPump creates a pump. m may be nil.
func NewPump(sink Sink, m *metrics.Metrics, logger *slog.Logger, sources ...Source) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		sink:    sink,
		sources: sources,
		metrics: m,
		logger:  logger.With("component", "feed"),
	}
}

// Run starts every source and feeds their snapshots to the sink in arrival
// order until ctx is done. It returns the first source setup error.
func (p *Pump) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	deliveries := make(chan delivery)

	for _, src := range p.sources {
		src := src
		out := make(chan models.RawSnapshot)

		g.Go(func() error {
			defer close(out)
			p.logger.Info("feed source starting", "source", src.Name())
			if err := src.Run(ctx, out); err != nil {
				return fmt.Errorf("feed source %s: %w", src.Name(), err)
			}
			p.logger.Info("feed source stopped", "source", src.Name())
			return nil
		})

		g.Go(func() error {
			for raw := range out {
				select {
				case deliveries <- delivery{source: src.Name(), raw: raw}:
				case <-ctx.Done():
					// unblock the source so it can observe cancellation
					for range out {
					}
					return nil
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case d := <-deliveries:
				p.metrics.Delivered(d.source)
				snap := p.sink.Ingest(d.raw)
				p.logger.Debug("snapshot ingested", "source", d.source, "entries", len(d.raw), "version", snap.Version)
			}
		}
	})

	return g.Wait()
}

// send hands raw to out unless ctx is done first
func send(ctx context.Context, out chan<- models.RawSnapshot, raw models.RawSnapshot) bool {
	select {
	case out <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}

// offerLatest puts v on a one-slot channel, replacing any value not yet taken
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// decodeSnapshot parses a message body holding a whole feed snapshot
func decodeSnapshot(body []byte) (models.RawSnapshot, error) {
	var raw models.RawSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("snapshot is not a JSON object: %w", err)
	}
	if raw == nil {
		raw = models.RawSnapshot{}
	}
	return raw, nil
}
