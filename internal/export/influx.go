// Package export writes published snapshots to InfluxDB as time series.
// It sits beside the pipeline: the core keeps nothing beyond the latest
// snapshot, the exporter is what gives the dashboard history.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"vehicle-flow-monitor/internal/models"
)

const (
	MeasurementVehicleType = "vehicle_type"
	MeasurementTotals      = "traffic_totals"
)

// InfluxOptions locate the target bucket
type InfluxOptions struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// Configured reports whether enough is set to write
func (o InfluxOptions) Configured() bool {
	return o.URL != "" && o.Bucket != ""
}

// InfluxExporter writes one batch of points per published snapshot
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// NewInfluxExporter creates an exporter writing to opts.Bucket
func NewInfluxExporter(opts InfluxOptions, logger *slog.Logger) *InfluxExporter {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		logger:   logger.With("component", "export", "bucket", opts.Bucket),
	}
}

// Close releases the client
func (e *InfluxExporter) Close() {
	if e != nil && e.client != nil {
		e.client.Close()
	}
}

// Write stores the points for one snapshot
func (e *InfluxExporter) Write(ctx context.Context, snap *models.AggregateSnapshot) error {
	points := BuildPoints(snap)
	if err := e.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}
	return nil
}

// Run writes every snapshot received on updates until ctx is done or
// updates is closed. Write failures are logged and the next snapshot is
// tried.
func (e *InfluxExporter) Run(ctx context.Context, updates <-chan *models.AggregateSnapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := e.Write(ctx, snap); err != nil && ctx.Err() == nil {
				e.logger.Error("influx export failed", "version", snap.Version, "err", err)
			}
		}
	}
}

// BuildPoints maps a snapshot to one point per known vehicle type and one
// totals point, all stamped with the snapshot's update time
func BuildPoints(snap *models.AggregateSnapshot) []*write.Point {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	points := make([]*write.Point, 0, len(models.KnownTypes)+1)
	for _, t := range models.KnownTypes {
		fields := map[string]interface{}{
			"vehicles":  snap.VehiclesByType[t],
			"events":    snap.EventsByType[t],
			"avg_speed": snap.AverageSpeeds[t],
		}
		if t.TracksDirection() {
			d := snap.Directions[t]
			fields["entered"] = d.Entered
			fields["exited"] = d.Exited
		}
		points = append(points, write.NewPoint(MeasurementVehicleType, map[string]string{"type": string(t)}, fields, ts))
	}

	points = append(points, write.NewPoint(MeasurementTotals, nil, map[string]interface{}{
		"events":   snap.TotalEvents,
		"vehicles": snap.TotalVehicles,
		"alarms":   snap.Alarms.Total,
		"online":   snap.Online,
		"version":  int64(snap.Version),
	}, ts))
	return points
}
