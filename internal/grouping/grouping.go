// Package grouping partitions normalized events by vehicle and by minute.
// Both groupings are single passes over the input and never modify it.
package grouping

import (
	"sort"
	"time"

	"vehicle-flow-monitor/internal/models"
)

// Session is every sample of one tracked vehicle. Split numbers the
// sessions of one id in order, starting at 0; it only grows past 0 when a
// session gap is configured.
type Session struct {
	ID     string            `json:"id"`
	Split  int               `json:"split"`
	Type   models.ObjectType `json:"type"`
	Events []models.Event    `json:"events"`

	lastAt time.Time
}

// MeanSpeed is the arithmetic mean of the session's sample speeds, 0 when empty
func (s Session) MeanSpeed() float64 {
	if len(s.Events) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range s.Events {
		sum += e.MedianSpeed
	}
	return sum / float64(len(s.Events))
}

// Bucket is every sample observed within one minute
type Bucket struct {
	Key    string         `json:"key"`
	Events []models.Event `json:"events"`
}

// Options tune session grouping
type Options struct {
	// SessionGap splits samples of one id into separate sessions when they
	// are further apart than the gap. Zero keeps one session per id.
	SessionGap time.Duration
}

// Groups holds both partitions of one event list
type Groups struct {
	Sessions []Session
	Buckets  []Bucket
}

// Group runs both groupings
func Group(events []models.Event, opts Options) Groups {
	return Groups{
		Sessions: ByVehicle(events, opts),
		Buckets:  ByBucket(events),
	}
}

// ByVehicle groups events by id in first-seen order. Events without an id are
// left out. A session takes the type of its first sample.
func ByVehicle(events []models.Event, opts Options) []Session {
	sessions := make([]Session, 0)
	open := make(map[string]int)
	splits := make(map[string]int)

	for _, e := range events {
		if e.ID == "" {
			continue
		}
		idx, ok := open[e.ID]
		if ok && opts.SessionGap > 0 && gapExceeded(sessions[idx].lastAt, e.ObservedAt, opts.SessionGap) {
			ok = false
		}
		if !ok {
			sessions = append(sessions, Session{ID: e.ID, Split: splits[e.ID], Type: e.ObjectType})
			splits[e.ID]++
			idx = len(sessions) - 1
			open[e.ID] = idx
		}
		s := &sessions[idx]
		s.Events = append(s.Events, e)
		if !e.ObservedAt.IsZero() {
			s.lastAt = e.ObservedAt
		}
	}
	return sessions
}

func gapExceeded(last, next time.Time, gap time.Duration) bool {
	if last.IsZero() || next.IsZero() {
		return false
	}
	d := next.Sub(last)
	if d < 0 {
		d = -d
	}
	return d > gap
}

// ByBucket groups events by minute bucket, ordered by key. Events whose
// timestamp did not parse are left out.
func ByBucket(events []models.Event) []Bucket {
	buckets := make([]Bucket, 0)
	index := make(map[string]int)

	for _, e := range events {
		key, ok := e.Bucket()
		if !ok {
			continue
		}
		idx, seen := index[key]
		if !seen {
			buckets = append(buckets, Bucket{Key: key})
			idx = len(buckets) - 1
			index[key] = idx
		}
		buckets[idx].Events = append(buckets[idx].Events, e)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Key < buckets[j].Key })
	return buckets
}
