package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"vehicle-flow-monitor/internal/db"
	"vehicle-flow-monitor/internal/diag"
	"vehicle-flow-monitor/internal/liveness"
	"vehicle-flow-monitor/internal/models"
	"vehicle-flow-monitor/internal/publisher"
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// Deps are the components the API reads from. Store, Diagnostics and
// Metrics are optional.
type Deps struct {
	Publisher   *publisher.Publisher
	Store       *db.Database
	Diagnostics *diag.Recorder
	Metrics     http.Handler
	Logger      *slog.Logger
}

// Server represents the API server
type Server struct {
	pub      *publisher.Publisher
	db       *db.Database
	diag     *diag.Recorder
	metrics  http.Handler
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pub:     deps.Publisher,
		db:      deps.Store,
		diag:    deps.Diagnostics,
		metrics: deps.Metrics,
		logger:  logger.With("component", "api"),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.handleHealth))).Methods("GET")
	s.router.HandleFunc("/api/v1/stream", s.handleStream).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonMiddleware)

	// Snapshot views
	v1.HandleFunc("/summary", s.handleSummary).Methods("GET")
	v1.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	v1.HandleFunc("/vehicles", s.handleListVehicles).Methods("GET")
	v1.HandleFunc("/vehicles/{id}", s.handleGetVehicle).Methods("GET")
	v1.HandleFunc("/histogram", s.handleHistogram).Methods("GET")
	v1.HandleFunc("/heatmap", s.handleHeatmap).Methods("GET")
	v1.HandleFunc("/alarms", s.handleAlarms).Methods("GET")
	v1.HandleFunc("/timeline", s.handleTimeline).Methods("GET")
	v1.HandleFunc("/events", s.handleEvents).Methods("GET")
	v1.HandleFunc("/liveness", s.handleLiveness).Methods("GET")
	v1.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Feed store
	v1.HandleFunc("/entries", s.handleListEntries).Methods("GET")
	v1.HandleFunc("/entries", s.handleCreateEntry).Methods("POST")
	v1.HandleFunc("/entries/batch", s.handleBatchEntries).Methods("POST")
	v1.HandleFunc("/entries/{key}", s.handleDeleteEntry).Methods("DELETE")
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total     int       `json:"total"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

func snapshotMeta(snap *models.AggregateSnapshot, total int) *meta {
	return &meta{Total: total, Version: snap.Version, UpdatedAt: snap.UpdatedAt}
}

// page reads offset/limit query parameters with defaults and bounds
func page(r *http.Request) (offset, limit int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errBadParam("limit")
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errBadParam("offset")
		}
	}
	return offset, limit, nil
}

// newestFirst reads the order parameter; newest first is the default
func newestFirst(r *http.Request) (bool, error) {
	switch strings.ToLower(r.URL.Query().Get("order")) {
	case "", "desc", "newest":
		return true, nil
	case "asc", "oldest":
		return false, nil
	default:
		return false, errBadParam("order")
	}
}

type errBadParam string

func (e errBadParam) Error() string { return "invalid " + string(e) + " parameter" }

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"feed":   s.pub.Liveness().String(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	respondWithMeta(w, snap.Summary(), snapshotMeta(snap, snap.TotalEvents))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pub.Latest())
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	vehicles := snap.VehicleSpeeds
	if t := r.URL.Query().Get("type"); t != "" {
		filtered := make([]models.VehicleSpeed, 0)
		for _, v := range vehicles {
			if string(v.Type) == strings.ToLower(t) {
				filtered = append(filtered, v)
			}
		}
		vehicles = filtered
	}
	respondWithMeta(w, vehicles, snapshotMeta(snap, len(vehicles)))
}

type vehicleDetail struct {
	ID       string                `json:"id"`
	Sessions []models.VehicleSpeed `json:"sessions"`
	Events   []models.Event        `json:"events"`
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, events := s.pub.Current()

	detail := vehicleDetail{ID: id, Sessions: []models.VehicleSpeed{}, Events: []models.Event{}}
	for _, v := range snap.VehicleSpeeds {
		if v.ID == id {
			detail.Sessions = append(detail.Sessions, v)
		}
	}
	for _, e := range events {
		if e.ID == id {
			detail.Events = append(detail.Events, e)
		}
	}

	if len(detail.Sessions) == 0 {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	respondWithMeta(w, detail, snapshotMeta(snap, len(detail.Events)))
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	respondWithMeta(w, snap.Histogram, snapshotMeta(snap, snap.Histogram.Total()))
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	respondWithMeta(w, snap.Grid, snapshotMeta(snap, len(snap.Grid.Buckets)))
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	respondWithMeta(w, snap.Alarms, snapshotMeta(snap, snap.Alarms.Total))
}

type timelineView struct {
	models.Timeline
	Peak *bucketTotal `json:"peak,omitempty"`
}

type bucketTotal struct {
	Bucket string `json:"bucket"`
	Total  int    `json:"total"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	view := timelineView{Timeline: snap.Timeline}
	for i, n := range snap.Timeline.Totals {
		if view.Peak == nil || n > view.Peak.Total {
			view.Peak = &bucketTotal{Bucket: snap.Timeline.Buckets[i], Total: n}
		}
	}
	respondWithMeta(w, view, snapshotMeta(snap, len(snap.Timeline.Buckets)))
}

// handleEvents pages through the normalized events of the current snapshot
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, err := newestFirst(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, events := s.pub.Current()
	ordered := make([]models.Event, len(events))
	copy(ordered, events)
	if desc {
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Key > ordered[j].Key })
	}

	start := offset
	if start > len(ordered) {
		start = len(ordered)
	}
	end := start + limit
	if end > len(ordered) {
		end = len(ordered)
	}

	m := snapshotMeta(snap, len(ordered))
	m.Limit, m.Offset = limit, offset
	respondWithMeta(w, ordered[start:end], m)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	state := s.pub.Liveness()
	body := map[string]interface{}{
		"state":  state.String(),
		"online": state == liveness.Online,
	}
	if last := s.pub.LastUpdate(); !last.IsZero() {
		body["last_update"] = last
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.diag == nil {
		respondJSON(w, http.StatusOK, []diag.Diagnostic{})
		return
	}
	limit := diag.DefaultCapacity
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, errBadParam("limit").Error())
			return
		}
		limit = n
	}
	recent := s.diag.Recent(limit)
	respondWithMeta(w, recent, &meta{Total: len(recent), Limit: limit})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Latest()
	stats := map[string]interface{}{
		"snapshot_version": snap.Version,
		"feed":             s.pub.Liveness().String(),
		"total_events":     snap.TotalEvents,
		"total_vehicles":   snap.TotalVehicles,
		"alarms":           snap.Alarms.Total,
	}
	if s.db != nil {
		storeStats, err := s.db.GetStats()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats["store"] = storeStats
	}
	respondJSON(w, http.StatusOK, stats)
}

// Feed store handlers. Without a store these report 503.

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.db == nil {
		respondError(w, http.StatusServiceUnavailable, "feed store not configured")
		return false
	}
	return true
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	offset, limit, err := page(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, err := newestFirst(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := models.EntryQuery{Offset: offset, Limit: limit, NewestFirst: desc}
	entries, err := s.db.QueryEntries(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rev, err := s.db.Revision()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, entries, &meta{Total: int(rev.Count), Limit: limit, Offset: offset})
}

// handleCreateEntry stores one raw entry; the body is the entry itself
func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	e := models.StoredEntry{Key: r.URL.Query().Get("key"), Payload: payload}
	if err := s.db.InsertEntry(&e); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

// handleBatchEntries stores an array of raw entries under generated keys
func (s *Server) handleBatchEntries(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var payloads []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}
	if len(payloads) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	entries := make([]models.StoredEntry, len(payloads))
	for i, p := range payloads {
		entries[i] = models.StoredEntry{Payload: p}
	}
	count, err := s.db.InsertEntries(entries)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	key := mux.Vars(r)["key"]
	found, err := s.db.DeleteEntry(key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "entry not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": key})
}
