package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-flow-monitor/internal/aggregate"
	"vehicle-flow-monitor/internal/db"
	"vehicle-flow-monitor/internal/diag"
	"vehicle-flow-monitor/internal/liveness"
	"vehicle-flow-monitor/internal/metrics"
	"vehicle-flow-monitor/internal/models"
	"vehicle-flow-monitor/internal/publisher"
)

type testEnv struct {
	server *Server
	pub    *publisher.Publisher
	store  *db.Database
	clock  *liveness.ManualClock
	diag   *diag.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := db.New(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := metrics.NewRegistry()
	recorder := diag.NewRecorder(logger, reg.Metrics, 10)
	clock := liveness.NewManualClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	pub := publisher.New(publisher.Config{
		Options:  aggregate.DefaultOptions(),
		Monitor:  liveness.NewMonitor(10*time.Second, clock),
		Reporter: recorder,
		Metrics:  reg.Metrics,
		Logger:   logger,
		Clock:    clock,
	})

	server := NewServer(Deps{
		Publisher:   pub,
		Store:       store,
		Diagnostics: recorder,
		Metrics:     reg.Handler(),
		Logger:      logger,
	})
	return &testEnv{server: server, pub: pub, store: store, clock: clock, diag: recorder}
}

func (e *testEnv) ingestWorkedExample() {
	e.pub.Ingest(models.RawSnapshot{
		"001": json.RawMessage(`["car","v1",80,"2024-01-01T10:00","entered"]`),
		"002": json.RawMessage(`["car","v1",90,"2024-01-01T10:01","exited"]`),
		"003": json.RawMessage(`["truck","v2",110,"2024-01-01T10:00",null]`),
		"004": json.RawMessage(`{"speed":"broken"}`),
	})
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *meta           `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, target string, body string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(method, target, reader))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, "GET", "/health", "")

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)
	assert.JSONEq(t, `{"status":"healthy","feed":"offline"}`, string(body.Data))
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	env.ingestWorkedExample()

	code, body := env.do(t, "GET", "/api/v1/summary", "")
	require.Equal(t, http.StatusOK, code)

	var summary models.Summary
	require.NoError(t, json.Unmarshal(body.Data, &summary))
	assert.True(t, summary.Online)
	assert.Equal(t, 3, summary.TotalEvents)
	assert.Equal(t, 1, summary.VehiclesByType[models.Car])
	assert.InDelta(t, 85.0, summary.AverageSpeeds[models.Car], 1e-9)
	assert.Equal(t, models.DirectionTally{Entered: 1, Exited: 1}, summary.Directions[models.Car])
	assert.Equal(t, uint64(1), body.Meta.Version)
}

func TestSnapshotViews(t *testing.T) {
	env := newTestEnv(t)
	env.ingestWorkedExample()

	_, body := env.do(t, "GET", "/api/v1/histogram", "")
	var hist models.SpeedHistogram
	require.NoError(t, json.Unmarshal(body.Data, &hist))
	assert.Equal(t, 1, hist.Bins[8])
	assert.Equal(t, 2, body.Meta.Total)

	_, body = env.do(t, "GET", "/api/v1/alarms", "")
	var alarms models.AlarmSeries
	require.NoError(t, json.Unmarshal(body.Data, &alarms))
	assert.Equal(t, 1, alarms.Total)

	_, body = env.do(t, "GET", "/api/v1/heatmap", "")
	var grid models.OccupancyGrid
	require.NoError(t, json.Unmarshal(body.Data, &grid))
	assert.Equal(t, []string{"2024-01-01T10:00", "2024-01-01T10:01"}, grid.Buckets)

	_, body = env.do(t, "GET", "/api/v1/timeline", "")
	var tl struct {
		Totals []int `json:"totals"`
		Peak   struct {
			Bucket string `json:"bucket"`
			Total  int    `json:"total"`
		} `json:"peak"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &tl))
	assert.Equal(t, []int{2, 1}, tl.Totals)
	assert.Equal(t, "2024-01-01T10:00", tl.Peak.Bucket)
}

func TestVehicles(t *testing.T) {
	env := newTestEnv(t)
	env.ingestWorkedExample()

	_, body := env.do(t, "GET", "/api/v1/vehicles?type=TRUCK", "")
	var list []models.VehicleSpeed
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].ID)

	code, body := env.do(t, "GET", "/api/v1/vehicles/v1", "")
	require.Equal(t, http.StatusOK, code)
	var detail vehicleDetail
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	assert.Len(t, detail.Events, 2)
	require.Len(t, detail.Sessions, 1)
	assert.InDelta(t, 85.0, detail.Sessions[0].MeanSpeed, 1e-9)

	code, body = env.do(t, "GET", "/api/v1/vehicles/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, body.Success)
}

func TestVehicles_DetailMatchesIDExactly(t *testing.T) {
	env := newTestEnv(t)
	env.pub.Ingest(models.RawSnapshot{
		"001": json.RawMessage(`["car","v1",80,"2024-01-01T10:00","entered"]`),
		"002": json.RawMessage(`["car","v1#1",40,"2024-01-01T10:00","entered"]`),
	})

	code, body := env.do(t, "GET", "/api/v1/vehicles/v1", "")
	require.Equal(t, http.StatusOK, code)
	var detail vehicleDetail
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	require.Len(t, detail.Sessions, 1)
	assert.Equal(t, "v1", detail.Sessions[0].ID)
	assert.InDelta(t, 80.0, detail.Sessions[0].MeanSpeed, 1e-9)
	assert.Len(t, detail.Events, 1)
}

func TestEvents_Paging(t *testing.T) {
	env := newTestEnv(t)
	env.ingestWorkedExample()

	_, body := env.do(t, "GET", "/api/v1/events?limit=2", "")
	var events []models.Event
	require.NoError(t, json.Unmarshal(body.Data, &events))
	require.Len(t, events, 2)
	assert.Equal(t, "003", events[0].Key, "newest first by default")
	assert.Equal(t, 3, body.Meta.Total)

	_, body = env.do(t, "GET", "/api/v1/events?order=asc&offset=2&limit=2", "")
	require.NoError(t, json.Unmarshal(body.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "003", events[0].Key)

	_, body = env.do(t, "GET", "/api/v1/events?offset=10", "")
	require.NoError(t, json.Unmarshal(body.Data, &events))
	assert.Empty(t, events)

	code, _ := env.do(t, "GET", "/api/v1/events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, "GET", "/api/v1/events?order=sideways", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLivenessAndDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	env.ingestWorkedExample()

	_, body := env.do(t, "GET", "/api/v1/liveness", "")
	assert.Contains(t, string(body.Data), `"online":true`)

	env.clock.Advance(11 * time.Second)
	_, body = env.do(t, "GET", "/api/v1/liveness", "")
	assert.Contains(t, string(body.Data), `"state":"offline"`)

	_, body = env.do(t, "GET", "/api/v1/diagnostics", "")
	var diags []diag.Diagnostic
	require.NoError(t, json.Unmarshal(body.Data, &diags))
	require.Len(t, diags, 1)
	assert.Equal(t, "004", diags[0].Key)
	assert.Equal(t, "schema", diags[0].Reason)
}

func TestEntries(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, "POST", "/api/v1/entries?key=k1", `["car","v1",80,"2024-01-01T10:00"]`)
	require.Equal(t, http.StatusCreated, code, body.Error)

	code, body = env.do(t, "POST", "/api/v1/entries/batch", `[["bus","b1",30,null],{"object_type":"truck","median_speed":70}]`)
	require.Equal(t, http.StatusCreated, code, body.Error)
	assert.JSONEq(t, `{"inserted":2}`, string(body.Data))

	code, _ = env.do(t, "POST", "/api/v1/entries/batch", `[]`)
	assert.Equal(t, http.StatusBadRequest, code)

	_, body = env.do(t, "GET", "/api/v1/entries?limit=2", "")
	var entries []models.StoredEntry
	require.NoError(t, json.Unmarshal(body.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, 3, body.Meta.Total)

	code, _ = env.do(t, "DELETE", "/api/v1/entries/k1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, "DELETE", "/api/v1/entries/k1", "")
	assert.Equal(t, http.StatusNotFound, code)

	_, body = env.do(t, "GET", "/api/v1/stats", "")
	assert.Contains(t, string(body.Data), `"total_entries":2`)
}

func TestEntries_WithoutStore(t *testing.T) {
	pub := publisher.New(publisher.Config{Options: aggregate.DefaultOptions()})
	server := NewServer(Deps{Publisher: pub})

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/entries", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.ingestWorkedExample()

	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vehicle_flow_entries_malformed_total{reason="schema"} 1`)
	assert.Contains(t, rec.Body.String(), "vehicle_flow_snapshots_published_total 1")
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() streamMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, uint64(0), first.Snapshot.Version)

	// the handler subscribes after the upgrade; keep publishing until a
	// newer snapshot arrives
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.ingestWorkedExample()
		msg := read()
		if msg.Snapshot.Version > 0 {
			assert.Equal(t, 3, msg.Snapshot.TotalEvents)
			return
		}
	}
	t.Fatal("no update pushed over the stream")
}
