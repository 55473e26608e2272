// Package aggregate derives every dashboard statistic from a normalized
// event list. Compute is a pure function: the same events and options always
// yield the same snapshot, and the input is never modified.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"vehicle-flow-monitor/internal/grouping"
	"vehicle-flow-monitor/internal/models"
)

const (
	DefaultAlarmThreshold = 100.0
	DefaultMaxSpeed       = 100.0
	DefaultBins           = 10
)

// Options control the derived series
type Options struct {
	AlarmThreshold float64       // km/h; samples strictly above count as alarms
	MaxSpeed       float64       // upper edge of the histogram
	Bins           int           // number of equal-width histogram bins
	SessionGap     time.Duration // see grouping.Options
}

// DefaultOptions returns the stock dashboard settings
func DefaultOptions() Options {
	return Options{
		AlarmThreshold: DefaultAlarmThreshold,
		MaxSpeed:       DefaultMaxSpeed,
		Bins:           DefaultBins,
	}
}

func (o Options) withDefaults() Options {
	if o.AlarmThreshold <= 0 {
		o.AlarmThreshold = DefaultAlarmThreshold
	}
	if o.MaxSpeed <= 0 {
		o.MaxSpeed = DefaultMaxSpeed
	}
	if o.Bins <= 0 {
		o.Bins = DefaultBins
	}
	return o
}

// Compute builds a snapshot from events. Version, Online and UpdatedAt are
// left for the publisher to stamp.
func Compute(events []models.Event, opts Options) *models.AggregateSnapshot {
	opts = opts.withDefaults()
	groups := grouping.Group(events, grouping.Options{SessionGap: opts.SessionGap})
	bucketKeys := make([]string, len(groups.Buckets))
	for i, b := range groups.Buckets {
		bucketKeys[i] = b.Key
	}

	snap := &models.AggregateSnapshot{
		TotalEvents:    len(events),
		TotalVehicles:  len(groups.Sessions),
		EventsByType:   make(map[models.ObjectType]int),
		VehiclesByType: make(map[models.ObjectType]int),
		Directions:     make(map[models.ObjectType]models.DirectionTally),
		AverageSpeeds:  make(map[models.ObjectType]float64),
	}

	for _, e := range events {
		snap.EventsByType[e.ObjectType]++
	}

	sessionSpeedSums := make(map[models.ObjectType]float64)
	snap.VehicleSpeeds = make([]models.VehicleSpeed, 0, len(groups.Sessions))
	for _, s := range groups.Sessions {
		snap.VehiclesByType[s.Type]++
		mean := s.MeanSpeed()
		sessionSpeedSums[s.Type] += mean
		snap.VehicleSpeeds = append(snap.VehicleSpeeds, models.VehicleSpeed{
			ID:        s.ID,
			Session:   s.Split,
			Type:      s.Type,
			MeanSpeed: mean,
			Samples:   len(s.Events),
		})
		if s.Type.TracksDirection() {
			tally := snap.Directions[s.Type]
			for _, e := range s.Events {
				switch e.Direction {
				case models.Entered:
					tally.Entered++
				case models.Exited:
					tally.Exited++
				}
			}
			snap.Directions[s.Type] = tally
		}
	}

	for _, t := range models.KnownTypes {
		snap.AverageSpeeds[t] = safeDiv(sessionSpeedSums[t], float64(snap.VehiclesByType[t]))
		if _, ok := snap.Directions[t]; !ok && t.TracksDirection() {
			snap.Directions[t] = models.DirectionTally{}
		}
	}

	types := gridTypes(events)
	snap.Histogram = histogram(events, opts.MaxSpeed, opts.Bins)
	snap.Grid = occupancy(groups.Buckets, bucketKeys, types)
	snap.Alarms = alarms(events, groups.Buckets, bucketKeys, types, opts.AlarmThreshold)
	snap.Timeline = timeline(groups.Buckets, bucketKeys, types)
	return snap
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// gridTypes lists the distinct types observed: known types in canonical
// order, then any other type seen, sorted
func gridTypes(events []models.Event) []models.ObjectType {
	seen := make(map[models.ObjectType]bool)
	var extra []models.ObjectType
	for _, e := range events {
		if seen[e.ObjectType] {
			continue
		}
		seen[e.ObjectType] = true
		if !e.ObjectType.Known() {
			extra = append(extra, e.ObjectType)
		}
	}

	types := make([]models.ObjectType, 0, len(seen))
	for _, t := range models.KnownTypes {
		if seen[t] {
			types = append(types, t)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(types, extra...)
}

func histogram(events []models.Event, maxSpeed float64, bins int) models.SpeedHistogram {
	width := maxSpeed / float64(bins)
	h := models.SpeedHistogram{
		MaxSpeed: maxSpeed,
		BinWidth: width,
		Labels:   make([]string, bins),
		Bins:     make([]int, bins),
	}
	for i := range h.Labels {
		h.Labels[i] = fmt.Sprintf("%g-%g km/h", float64(i)*width, float64(i+1)*width)
	}
	for _, e := range events {
		if e.MedianSpeed < 0 || e.MedianSpeed > maxSpeed || math.IsNaN(e.MedianSpeed) {
			continue
		}
		idx := int(math.Floor(e.MedianSpeed / width))
		if idx >= bins {
			idx = bins - 1
		}
		h.Bins[idx]++
	}
	return h
}

func typeIndex(types []models.ObjectType) map[models.ObjectType]int {
	idx := make(map[models.ObjectType]int, len(types))
	for i, t := range types {
		idx[t] = i
	}
	return idx
}

func occupancy(buckets []grouping.Bucket, keys []string, types []models.ObjectType) models.OccupancyGrid {
	idx := typeIndex(types)
	counts := make([][]int, len(buckets))
	for b, bucket := range buckets {
		counts[b] = make([]int, len(types))
		for _, e := range bucket.Events {
			counts[b][idx[e.ObjectType]]++
		}
	}
	return models.OccupancyGrid{Types: types, Buckets: keys, Counts: counts}
}

func alarms(events []models.Event, buckets []grouping.Bucket, keys []string, types []models.ObjectType, threshold float64) models.AlarmSeries {
	series := newSeries(types, len(buckets))
	idx := typeIndex(types)
	total := 0
	for _, e := range events {
		if e.MedianSpeed > threshold {
			total++
		}
	}
	for b, bucket := range buckets {
		for _, e := range bucket.Events {
			if e.MedianSpeed > threshold {
				series[idx[e.ObjectType]].Counts[b]++
			}
		}
	}
	return models.AlarmSeries{Threshold: threshold, Total: total, Buckets: keys, Series: series}
}

func timeline(buckets []grouping.Bucket, keys []string, types []models.ObjectType) models.Timeline {
	series := newSeries(types, len(buckets))
	idx := typeIndex(types)
	totals := make([]int, len(buckets))
	for b, bucket := range buckets {
		totals[b] = len(bucket.Events)
		for _, e := range bucket.Events {
			series[idx[e.ObjectType]].Counts[b]++
		}
	}
	return models.Timeline{Buckets: keys, Totals: totals, Series: series}
}

func newSeries(types []models.ObjectType, n int) []models.TypeSeries {
	series := make([]models.TypeSeries, len(types))
	for i, t := range types {
		series[i] = models.TypeSeries{Type: t, Counts: make([]int, n)}
	}
	return series
}
