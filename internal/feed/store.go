package feed

import (
	"context"
	"log/slog"
	"time"

	"vehicle-flow-monitor/internal/db"
	"vehicle-flow-monitor/internal/models"
)

// DefaultPollInterval is how often the store source checks for changes
const DefaultPollInterval = time.Second

// SnapshotStore is the part of the feed store a StoreSource reads
type SnapshotStore interface {
	Snapshot() (models.RawSnapshot, db.Revision, error)
	Revision() (db.Revision, error)
}

// StoreSource polls the SQLite feed store and delivers a snapshot on the
// first poll and on every revision change
type StoreSource struct {
	store    SnapshotStore
	interval time.Duration
	logger   *slog.Logger
}

// NewStoreSource creates a polling source over store
func NewStoreSource(store SnapshotStore, interval time.Duration, logger *slog.Logger) *StoreSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSource{store: store, interval: interval, logger: logger.With("source", "sqlite")}
}

func (s *StoreSource) Name() string { return "sqlite" }

func (s *StoreSource) Run(ctx context.Context, out chan<- models.RawSnapshot) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last db.Revision
	first := true
	for {
		rev, err := s.store.Revision()
		if err != nil {
			s.logger.Error("failed to read store revision", "err", err)
		} else if first || rev != last {
			raw, snapRev, err := s.store.Snapshot()
			if err != nil {
				s.logger.Error("failed to read store snapshot", "err", err)
			} else {
				if !send(ctx, out, raw) {
					return nil
				}
				last, first = snapRev, false
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
