// Package diag is the best-effort diagnostic side channel of the pipeline.
// Reports never interrupt processing.
package diag

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"vehicle-flow-monitor/internal/metrics"
)

// Kind classifies a diagnostic
type Kind string

const (
	KindMalformed Kind = "malformed_entry"
	KindEmpty     Kind = "empty_snapshot"
)

// Diagnostic is one recorded report
type Diagnostic struct {
	Kind   Kind      `json:"kind"`
	Key    string    `json:"key,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Reporter receives pipeline diagnostics
type Reporter interface {
	Malformed(key string, err error)
	Empty()
}

// Discard drops every report
var Discard Reporter = discard{}

type discard struct{}

func (discard) Malformed(string, error) {}
func (discard) Empty()                  {}

// reasoner is implemented by decode errors that carry a short classification
type reasoner interface {
	Reason() string
}

// Reason returns the short classification of err, or "unknown"
func Reason(err error) string {
	var r reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return "unknown"
}

// DefaultCapacity is the number of diagnostics a Recorder retains
const DefaultCapacity = 100

// Recorder logs diagnostics, counts them and keeps the most recent ones
type Recorder struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	ring  []Diagnostic
	next  int
	count int
}

// NewRecorder creates a recorder retaining up to capacity diagnostics
func NewRecorder(logger *slog.Logger, m *metrics.Metrics, capacity int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		logger:  logger.With("component", "diag"),
		metrics: m,
		now:     time.Now,
		ring:    make([]Diagnostic, capacity),
	}
}

// Malformed reports a dropped feed entry
func (r *Recorder) Malformed(key string, err error) {
	reason := Reason(err)
	r.logger.Warn("dropping malformed feed entry", "key", key, "reason", reason, "err", err)
	r.metrics.Malformed(reason)
	r.add(Diagnostic{Kind: KindMalformed, Key: key, Reason: reason, Detail: err.Error()})
}

// Empty reports a snapshot without entries
func (r *Recorder) Empty() {
	r.logger.Info("feed snapshot carried no data")
	r.metrics.Empty()
	r.add(Diagnostic{Kind: KindEmpty})
}

func (r *Recorder) add(d Diagnostic) {
	d.At = r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = d
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// Recent returns up to limit retained diagnostics, newest first.
// A non-positive limit returns all of them.
func (r *Recorder) Recent(limit int) []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Diagnostic, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}
