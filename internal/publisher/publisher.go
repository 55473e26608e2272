// Package publisher runs the pipeline for each feed snapshot and holds the
// latest result for readers.
//
// Writers (Ingest and liveness expiry) are serialized by a mutex. Readers load
// one atomic pointer and therefore always see a consistent snapshot/events
// pair, either the previous one or the new one, never a mix.
package publisher

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vehicle-flow-monitor/internal/aggregate"
	"vehicle-flow-monitor/internal/diag"
	"vehicle-flow-monitor/internal/liveness"
	"vehicle-flow-monitor/internal/metrics"
	"vehicle-flow-monitor/internal/models"
	"vehicle-flow-monitor/internal/parser"
)

type published struct {
	snapshot *models.AggregateSnapshot
	events   []models.Event
}

// Config wires a Publisher
type Config struct {
	Options  aggregate.Options
	Monitor  *liveness.Monitor
	Reporter diag.Reporter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    liveness.Clock
}

// Publisher owns the current aggregate snapshot
type Publisher struct {
	opts       aggregate.Options
	normalizer *parser.Normalizer
	monitor    *liveness.Monitor
	metrics    *metrics.Metrics
	logger     *slog.Logger
	clock      liveness.Clock

	mu      sync.Mutex
	version uint64

	current atomic.Pointer[published]

	subMu  sync.Mutex
	subs   map[int]chan *models.AggregateSnapshot
	nextID int
}

// New creates a publisher holding an empty offline snapshot and registers
// for liveness expiry on the monitor
func New(cfg Config) *Publisher {
	if cfg.Monitor == nil {
		cfg.Monitor = liveness.NewMonitor(liveness.DefaultTimeout, cfg.Clock)
	}
	if cfg.Clock == nil {
		cfg.Clock = liveness.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Publisher{
		opts:       cfg.Options,
		normalizer: parser.NewNormalizer(cfg.Reporter),
		monitor:    cfg.Monitor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "publisher"),
		clock:      cfg.Clock,
		subs:       make(map[int]chan *models.AggregateSnapshot),
	}

	p.current.Store(&published{
		snapshot: aggregate.Compute(nil, cfg.Options),
		events:   []models.Event{},
	})
	p.monitor.OnExpire(p.refreshLiveness)
	return p
}

// Ingest runs one feed snapshot through the pipeline and publishes the result
func (p *Publisher) Ingest(raw models.RawSnapshot) *models.AggregateSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	events := p.normalizer.Normalize(raw)
	if p.monitor.Touch() {
		p.logger.Info("feed online")
	}

	snap := aggregate.Compute(events, p.opts)
	p.version++
	snap.Version = p.version
	snap.Online = p.monitor.Online()
	snap.UpdatedAt = p.clock.Now()

	p.current.Store(&published{snapshot: snap, events: events})
	p.metrics.Published(len(raw), len(events), time.Since(start))
	p.metrics.SetOnline(snap.Online)
	p.logger.Debug("snapshot published",
		"version", snap.Version,
		"entries", len(raw),
		"events", len(events),
		"vehicles", snap.TotalVehicles,
	)

	p.notify(snap)
	return snap
}

// refreshLiveness republishes the current snapshot when the liveness flag
// no longer matches the monitor
func (p *Publisher) refreshLiveness() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current.Load()
	online := p.monitor.Online()
	if cur.snapshot.Online == online {
		return
	}

	p.version++
	snap := cur.snapshot.WithLiveness(online, p.version)
	p.current.Store(&published{snapshot: snap, events: cur.events})
	p.metrics.Republished()
	p.metrics.SetOnline(online)
	if !online {
		p.logger.Warn("feed offline", "silent_for", p.monitor.Timeout(), "last_update", p.monitor.LastUpdate())
	}

	p.notify(snap)
}

// Latest returns the current snapshot. It never blocks on a recompute.
func (p *Publisher) Latest() *models.AggregateSnapshot {
	return p.current.Load().snapshot
}

// Events returns the event list the current snapshot was built from.
// Callers must not modify it.
func (p *Publisher) Events() []models.Event {
	return p.current.Load().events
}

// Current returns the snapshot and its events as one consistent pair
func (p *Publisher) Current() (*models.AggregateSnapshot, []models.Event) {
	c := p.current.Load()
	return c.snapshot, c.events
}

// Liveness returns the monitor's live state
func (p *Publisher) Liveness() liveness.State {
	return p.monitor.State()
}

// LastUpdate returns the time of the latest feed delivery, zero if none
func (p *Publisher) LastUpdate() time.Time {
	return p.monitor.LastUpdate()
}

// Options returns the aggregation options in effect
func (p *Publisher) Options() aggregate.Options {
	return p.opts
}

// Subscribe returns a channel that receives each newly published snapshot.
// Delivery is latest-wins: a slow subscriber only misses intermediate
// snapshots and never stalls the writer. Call cancel to unsubscribe.
func (p *Publisher) Subscribe() (<-chan *models.AggregateSnapshot, func()) {
	ch := make(chan *models.AggregateSnapshot, 1)

	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (p *Publisher) notify(snap *models.AggregateSnapshot) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// drop the stale value and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
