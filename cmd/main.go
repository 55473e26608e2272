package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"vehicle-flow-monitor/internal/aggregate"
	"vehicle-flow-monitor/internal/api"
	"vehicle-flow-monitor/internal/config"
	"vehicle-flow-monitor/internal/db"
	"vehicle-flow-monitor/internal/diag"
	"vehicle-flow-monitor/internal/export"
	"vehicle-flow-monitor/internal/feed"
	"vehicle-flow-monitor/internal/liveness"
	"vehicle-flow-monitor/internal/metrics"
	"vehicle-flow-monitor/internal/models"
	"vehicle-flow-monitor/internal/parser"
	"vehicle-flow-monitor/internal/publisher"
)

var (
	cfgFile  string
	v        = viper.New()
	cfg      *config.Config
	database *db.Database
	logger   *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vehicle-flow",
		Short: "Vehicle Flow Monitor - Vehicle detection ingestion and traffic aggregation",
		Long: `A CLI tool for ingesting vehicle-detection events from a live feed and
publishing traffic aggregates: per-type counts and speeds, direction tallies,
speed histogram, occupancy heatmap, speed alarms and per-minute timelines.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("db", "vehicle_flow.db", "Path to SQLite feed store")
	v.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and sets up the process logger
func loadConfig() error {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.DB.Path)
	return err
}

// serverCmd runs the pipeline and the REST API
func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the feed pipeline and the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			reg := metrics.NewRegistry()
			recorder := diag.NewRecorder(logger, reg.Metrics, diag.DefaultCapacity)

			monitor := liveness.NewMonitor(cfg.Liveness.Timeout, nil)
			defer monitor.Stop()

			pub := publisher.New(publisher.Config{
				Options:  cfg.AggregateOptions(),
				Monitor:  monitor,
				Reporter: recorder,
				Metrics:  reg.Metrics,
				Logger:   logger,
			})

			sources := buildSources(cfg, database, logger)
			if len(sources) == 0 {
				return errors.New("no feed sources configured")
			}
			pump := feed.NewPump(pub, reg.Metrics, logger, sources...)

			server := api.NewServer(api.Deps{
				Publisher:   pub,
				Store:       database,
				Diagnostics: recorder,
				Metrics:     reg.Handler(),
				Logger:      logger,
			})
			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return pump.Run(ctx)
			})
			g.Go(func() error {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			if cfg.Influx.Enabled && cfg.Influx.Configured() {
				exporter := export.NewInfluxExporter(cfg.Influx.InfluxOptions, logger)
				defer exporter.Close()
				updates, cancel := pub.Subscribe()
				defer cancel()
				g.Go(func() error {
					return exporter.Run(ctx, updates)
				})
			}

			fmt.Printf("🚦 Vehicle Flow Monitor API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", addr)
			fmt.Printf("   Feed store: %s\n", cfg.DB.Path)
			fmt.Printf("   Sources:    %v\n", cfg.Feed.Sources)
			fmt.Printf("   Liveness:   %s\n\n", cfg.Liveness.Timeout)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET    /health")
			fmt.Println("  GET    /metrics")
			fmt.Println("  GET    /api/v1/stream (websocket)")
			fmt.Println("  GET    /api/v1/summary")
			fmt.Println("  GET    /api/v1/snapshot")
			fmt.Println("  GET    /api/v1/vehicles")
			fmt.Println("  GET    /api/v1/vehicles/{id}")
			fmt.Println("  GET    /api/v1/histogram")
			fmt.Println("  GET    /api/v1/heatmap")
			fmt.Println("  GET    /api/v1/alarms")
			fmt.Println("  GET    /api/v1/timeline")
			fmt.Println("  GET    /api/v1/events")
			fmt.Println("  GET    /api/v1/liveness")
			fmt.Println("  GET    /api/v1/diagnostics")
			fmt.Println("  GET    /api/v1/stats")
			fmt.Println("  GET    /api/v1/entries")
			fmt.Println("  POST   /api/v1/entries")
			fmt.Println("  POST   /api/v1/entries/batch")
			fmt.Println("  DELETE /api/v1/entries/{key}")
			fmt.Println()

			return g.Wait()
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "Server port")
	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

// buildSources creates the feed sources named in feed.sources
func buildSources(cfg *config.Config, store *db.Database, logger *slog.Logger) []feed.Source {
	var sources []feed.Source
	for _, name := range cfg.Feed.Sources {
		switch name {
		case config.SourceSQLite:
			sources = append(sources, feed.NewStoreSource(store, cfg.Feed.PollInterval, logger))
		case config.SourceNATS:
			sources = append(sources, feed.NewKVSource(cfg.NATS, logger))
		case config.SourceMQTT:
			sources = append(sources, feed.NewMQTTSource(cfg.MQTT, logger))
		case config.SourceKafka:
			sources = append(sources, feed.NewKafkaSource(cfg.Kafka, logger))
		case config.SourceRedis:
			sources = append(sources, feed.NewRedisSource(cfg.Redis, logger))
		case config.SourceFile:
			sources = append(sources, feed.NewFileSource(cfg.Feed.Files, cfg.Feed.Format, logger))
		}
	}
	return sources
}

// ingestCmd loads snapshot files into the feed store
func ingestCmd() *cobra.Command {
	var format string
	var keepKeys bool
	var replace bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest detection entries from files into the feed store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			if replace {
				removed, err := database.Clear()
				if err != nil {
					return fmt.Errorf("clear error: %w", err)
				}
				fmt.Printf("Removed %d existing entries\n", removed)
			}

			totalEntries := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				f := format
				if f == "" {
					f = feed.FormatFromPath(file)
				}
				raw, err := parser.NewParser(f).ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				var count int64
				if keepKeys {
					count, err = database.InsertSnapshot(raw)
				} else {
					entries := make([]models.StoredEntry, 0, len(raw))
					for _, key := range raw.Keys() {
						entries = append(entries, models.StoredEntry{Payload: raw[key]})
					}
					count, err = database.InsertEntries(entries)
				}
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					totalErrors++
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Inserted %d entries in %v (%.0f entries/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalEntries += int(count)
			}

			fmt.Printf("\nTotal: %d entries ingested", totalEntries)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "File format (json, jsonl, csv, log); default from extension")
	cmd.Flags().BoolVarP(&keepKeys, "keep-keys", "k", false, "Store entries under their keys from the file instead of generated ones")
	cmd.Flags().BoolVar(&replace, "replace", false, "Clear the feed store before ingesting")
	return cmd
}

// eventsCmd pages through the stored entry log
func eventsCmd() *cobra.Command {
	var offset int
	var limit int
	var newest bool
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List stored detection entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			start := time.Now()
			entries, err := database.QueryEntries(models.EntryQuery{
				Offset:      offset,
				Limit:       limit,
				NewestFirst: newest,
			})
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			default:
				fmt.Printf("Found %d entries (query time: %v)\n\n", len(entries), elapsed)
				for _, e := range entries {
					ev, err := parser.DecodeEntry(e.Key, e.Payload)
					if err != nil {
						fmt.Printf("[#%d] %s | ⚠️  malformed (%s)\n", e.Seq, e.Key, diag.Reason(err))
						continue
					}
					fmt.Printf("[#%d] %s | %-10s | ID: %-8s | Speed: %6.1f km/h | %s\n",
						e.Seq, ev.Timestamp, ev.ObjectType, ev.ID, ev.MedianSpeed, directionLabel(ev.Direction))
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "Number of entries to skip")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum entries to return")
	cmd.Flags().BoolVarP(&newest, "newest", "n", true, "Newest entries first")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func directionLabel(d models.Direction) string {
	if d == models.DirectionNone {
		return "-"
	}
	return string(d)
}

// statsCmd computes the aggregates once from the feed store
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show traffic aggregates for the stored feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			raw, rev, err := database.Snapshot()
			if err != nil {
				return fmt.Errorf("error reading feed store: %w", err)
			}

			start := time.Now()
			events := parser.NewNormalizer(diag.Discard).Normalize(raw)
			snap := aggregate.Compute(events, cfg.AggregateOptions())
			elapsed := time.Since(start)

			fmt.Printf("📊 Vehicle Flow Statistics (computed in %v)\n", elapsed)
			fmt.Println("=====================================")
			fmt.Printf("  Stored Entries:     %d\n", rev.Count)
			fmt.Printf("  Malformed Entries:  %d\n", len(raw)-len(events))
			fmt.Printf("  Total Events:       %d\n", snap.TotalEvents)
			fmt.Printf("  Total Vehicles:     %d\n", snap.TotalVehicles)
			fmt.Printf("  Speed Alarms:       %d (> %.0f km/h)\n", snap.Alarms.Total, snap.Alarms.Threshold)
			fmt.Printf("  Feed Store:         %s\n", cfg.DB.Path)
			fmt.Println()

			fmt.Printf("  %-12s %8s %8s %10s %8s %8s\n", "Type", "Vehicles", "Events", "Avg km/h", "Entered", "Exited")
			for _, t := range models.KnownTypes {
				entered, exited := "-", "-"
				if t.TracksDirection() {
					d := snap.Directions[t]
					entered, exited = fmt.Sprint(d.Entered), fmt.Sprint(d.Exited)
				}
				fmt.Printf("  %-12s %8d %8d %10.1f %8s %8s\n",
					t, snap.VehiclesByType[t], snap.EventsByType[t], snap.AverageSpeeds[t], entered, exited)
			}

			if len(snap.Timeline.Buckets) > 0 {
				peak := 0
				for i, n := range snap.Timeline.Totals {
					if n > snap.Timeline.Totals[peak] {
						peak = i
					}
				}
				fmt.Printf("\n  Busiest minute:     %s (%d events)\n", snap.Timeline.Buckets[peak], snap.Timeline.Totals[peak])
			}

			return nil
		},
	}
}

// generateCmd writes synthetic detections into the feed store
func generateCmd() *cobra.Command {
	var count int
	var vehicleCount int
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample detection entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if vehicleCount <= 0 {
				return errors.New("--vehicles must be positive")
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))

			directions := []models.Direction{models.Entered, models.Exited, models.DirectionUnknown}
			baseTime := time.Now().Add(-time.Hour)

			entries := make([]models.StoredEntry, 0, count)
			tuples := make([][]interface{}, 0, count)
			for i := 0; i < count; i++ {
				id := rng.Intn(vehicleCount) + 1
				t := models.KnownTypes[id%len(models.KnownTypes)]
				speed := 30 + rng.Float64()*90
				ts := baseTime.Add(time.Duration(i) * time.Second).Format("2006-01-02 15:04:05")

				tuple := []interface{}{string(t), id, speed, ts, string(directions[rng.Intn(len(directions))])}
				payload, err := json.Marshal(tuple)
				if err != nil {
					return err
				}
				tuples = append(tuples, tuple)
				entries = append(entries, models.StoredEntry{Payload: payload})
			}

			// Insert in batches of 1000
			start := time.Now()
			batchSize := 1000
			inserted := 0

			for i := 0; i < len(entries); i += batchSize {
				end := i + batchSize
				if end > len(entries) {
					end = len(entries)
				}
				n, err := database.InsertEntries(entries[i:end])
				if err != nil {
					return fmt.Errorf("insert error: %w", err)
				}
				inserted += int(n)
				fmt.Printf("\rInserted %d/%d entries...", inserted, len(entries))
			}

			elapsed := time.Since(start)
			fmt.Printf("\n✓ Generated %d detection entries in %v (%.0f entries/sec)\n",
				inserted, elapsed, float64(inserted)/elapsed.Seconds())

			// Export to file if requested
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				enc := json.NewEncoder(file)
				enc.SetIndent("", "  ")
				if err := enc.Encode(tuples); err != nil {
					return fmt.Errorf("error writing output file: %w", err)
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 1000, "Number of entries to generate")
	cmd.Flags().IntVarP(&vehicleCount, "vehicles", "n", 50, "Number of distinct vehicle ids")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated entries to a JSON file")
	return cmd
}
