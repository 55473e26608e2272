package models

import "time"

// DirectionTally counts counting-line crossings for one vehicle type
type DirectionTally struct {
	Entered int `json:"entered"`
	Exited  int `json:"exited"`
}

// SpeedHistogram is a fixed-bin distribution of sample speeds over [0, MaxSpeed]
type SpeedHistogram struct {
	MaxSpeed float64  `json:"max_speed"`
	BinWidth float64  `json:"bin_width"`
	Labels   []string `json:"labels"`
	Bins     []int    `json:"bins"`
}

// Total returns the number of samples that landed in a bin
func (h SpeedHistogram) Total() int {
	n := 0
	for _, c := range h.Bins {
		n += c
	}
	return n
}

// TypeSeries is a per-bucket count series for one vehicle type
type TypeSeries struct {
	Type   ObjectType `json:"type"`
	Counts []int      `json:"counts"`
}

// AlarmSeries counts samples above the speed threshold, per bucket and type
type AlarmSeries struct {
	Threshold float64      `json:"threshold"`
	Total     int          `json:"total"`
	Buckets   []string     `json:"buckets"`
	Series    []TypeSeries `json:"series"`
}

// OccupancyGrid is the type×time heatmap. Counts[b][t] is the number of
// samples of Types[t] in Buckets[b].
type OccupancyGrid struct {
	Types   []ObjectType `json:"types"`
	Buckets []string     `json:"buckets"`
	Counts  [][]int      `json:"counts"`
}

// Timeline holds the per-minute views: all samples and per-type samples
type Timeline struct {
	Buckets []string     `json:"buckets"`
	Totals  []int        `json:"totals"`
	Series  []TypeSeries `json:"series"`
}

// VehicleSpeed is the averaged speed of one vehicle session. Session
// tells apart the sessions of one id split by the session gap.
type VehicleSpeed struct {
	ID        string     `json:"id"`
	Session   int        `json:"session"`
	Type      ObjectType `json:"type"`
	MeanSpeed float64    `json:"mean_speed"`
	Samples   int        `json:"samples"`
}

// AggregateSnapshot is the published result of one recompute. It is never
// modified after publication; liveness changes publish a copy.
type AggregateSnapshot struct {
	Version   uint64    `json:"version"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`

	TotalEvents    int                           `json:"total_events"`
	TotalVehicles  int                           `json:"total_vehicles"`
	EventsByType   map[ObjectType]int            `json:"events_by_type"`
	VehiclesByType map[ObjectType]int            `json:"vehicles_by_type"`
	Directions     map[ObjectType]DirectionTally `json:"directions"`
	AverageSpeeds  map[ObjectType]float64        `json:"average_speeds"`

	Histogram     SpeedHistogram `json:"histogram"`
	Grid          OccupancyGrid  `json:"grid"`
	Alarms        AlarmSeries    `json:"alarms"`
	Timeline      Timeline       `json:"timeline"`
	VehicleSpeeds []VehicleSpeed `json:"vehicle_speeds"`
}

// WithLiveness returns a copy carrying the given liveness flag and version.
// The copy shares the read-only series of s.
func (s *AggregateSnapshot) WithLiveness(online bool, version uint64) *AggregateSnapshot {
	c := *s
	c.Online = online
	c.Version = version
	return &c
}

// Summary is the headline view shown on the dashboard home page
type Summary struct {
	Online         bool                          `json:"online"`
	UpdatedAt      time.Time                     `json:"updated_at"`
	TotalEvents    int                           `json:"total_events"`
	TotalVehicles  int                           `json:"total_vehicles"`
	VehiclesByType map[ObjectType]int            `json:"vehicles_by_type"`
	Directions     map[ObjectType]DirectionTally `json:"directions"`
	AverageSpeeds  map[ObjectType]float64        `json:"average_speeds"`
}

// Summary extracts the headline counters
func (s *AggregateSnapshot) Summary() Summary {
	return Summary{
		Online:         s.Online,
		UpdatedAt:      s.UpdatedAt,
		TotalEvents:    s.TotalEvents,
		TotalVehicles:  s.TotalVehicles,
		VehiclesByType: s.VehiclesByType,
		Directions:     s.Directions,
		AverageSpeeds:  s.AverageSpeeds,
	}
}
