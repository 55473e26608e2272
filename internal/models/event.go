package models

import (
	"encoding/json"
	"sort"
	"time"
)

// ObjectType is the vehicle class label assigned by the detector
type ObjectType string

const (
	Car        ObjectType = "car"
	Motorcycle ObjectType = "motorcycle"
	Bus        ObjectType = "bus"
	Truck      ObjectType = "truck"
)

// KnownTypes lists the classes that get typed aggregates, in display order
var KnownTypes = []ObjectType{Car, Motorcycle, Bus, Truck}

// Known reports whether t is one of KnownTypes
func (t ObjectType) Known() bool {
	switch t {
	case Car, Motorcycle, Bus, Truck:
		return true
	}
	return false
}

// TracksDirection reports whether entry/exit tallies are kept for t.
// Only cars and motorcycles cross the counting line in the camera setup.
func (t ObjectType) TracksDirection() bool {
	return t == Car || t == Motorcycle
}

// Direction is the counting-line crossing recorded with a sample
type Direction string

const (
	DirectionNone    Direction = ""
	Entered          Direction = "entered"
	Exited           Direction = "exited"
	DirectionUnknown Direction = "unknown"
)

// BucketLayout is the minute-granularity key used for time buckets
const BucketLayout = "2006-01-02T15:04"

// Event is one normalized vehicle observation
type Event struct {
	Key         string     `json:"key"`
	ID          string     `json:"id"`
	ObjectType  ObjectType `json:"object_type"`
	MedianSpeed float64    `json:"median_speed"` // km/h
	Timestamp   string     `json:"timestamp"`
	ObservedAt  time.Time  `json:"observed_at"`
	Direction   Direction  `json:"direction,omitempty"`
}

// Bucket returns the minute bucket key, or false when the timestamp did not parse
func (e Event) Bucket() (string, bool) {
	if e.ObservedAt.IsZero() {
		return "", false
	}
	return e.ObservedAt.Format(BucketLayout), true
}

// RawSnapshot is one full delivery of the feed: entry key to raw JSON entry
type RawSnapshot map[string]json.RawMessage

// Keys returns the entry keys in ascending order. Push-style keys sort by arrival.
func (s RawSnapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy safe to hand to another goroutine
func (s RawSnapshot) Clone() RawSnapshot {
	out := make(RawSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// StoredEntry is a raw entry as kept by the feed store
type StoredEntry struct {
	Seq       int64           `json:"seq"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EntryQuery represents paging parameters for stored entry listings
type EntryQuery struct {
	Offset      int
	Limit       int
	NewestFirst bool
}
