package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-flow-monitor/internal/models"
)

func decodeAll(t *testing.T, snap models.RawSnapshot) []models.Event {
	t.Helper()
	rep := newRecordingReporter()
	events := NewNormalizer(rep).Normalize(snap)
	require.Empty(t, rep.malformed)
	return events
}

func TestParseJSON_Keyed(t *testing.T) {
	input := `{
		"-Nb1": ["car", "v1", 80, "2024-01-01T10:00", "entered"],
		"-Nb2": {"object_type": "bus", "id": "b1", "median_speed": 35}
	}`

	snap, err := NewParser("json").Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"-Nb1", "-Nb2"}, snap.Keys())
	events := decodeAll(t, snap)
	assert.Equal(t, models.Bus, events[1].ObjectType)
}

func TestParseJSON_Array(t *testing.T) {
	input := `[["car","v1",80,"2024-01-01T10:00"],["truck","v2",110,"2024-01-01T10:00"]]`

	snap, err := NewParser("json").Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"line-00000001", "line-00000002"}, snap.Keys())
}

func TestParseJSON_Invalid(t *testing.T) {
	_, err := NewParser("json").Parse(strings.NewReader(`"just a string"`))
	assert.Error(t, err)
}

func TestParseJSONLines(t *testing.T) {
	input := strings.Join([]string{
		`["car","v1",80,"2024-01-01T10:00"]`,
		``,
		`{not json`,
		`{"object_type":"truck","median_speed":90}`,
	}, "\n")

	snap, err := NewParser("jsonl").Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"line-00000001", "line-00000004"}, snap.Keys())
}

func TestParseCSV(t *testing.T) {
	input := "type,vehicle_id,speed,timestamp,vehicle_direction\n" +
		"car,v1,80,2024-01-01 10:00:00,entered\n" +
		"bus,,notanumber,2024-01-01 10:00:00,\n" +
		"truck,v2,110,,\n"

	snap, err := NewParser("csv").Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, snap, 2)

	events := decodeAll(t, snap)
	assert.Equal(t, models.Event{
		Key: "line-00000002", ID: "v1", ObjectType: models.Car, MedianSpeed: 80,
		Timestamp:  "2024-01-01 10:00:00",
		ObservedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Direction:  models.Entered,
	}, events[0])
	assert.Equal(t, "v2", events[1].ID)
	assert.True(t, events[1].ObservedAt.IsZero())
}

func TestParseLog(t *testing.T) {
	input := "# detector export\n" +
		"car|v1|80|2024-01-01T10:00|entered\n" +
		"motorcycle|m1|45.5|2024-01-01T10:02\n" +
		"bus|b1\n" +
		"truck|t1|fast|2024-01-01T10:02\n"

	snap, err := NewParser("log").Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, snap, 2)

	events := decodeAll(t, snap)
	assert.Equal(t, models.Entered, events[0].Direction)
	assert.Equal(t, 45.5, events[1].MedianSpeed)
	assert.Equal(t, models.DirectionNone, events[1].Direction)
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := NewParser("xml").Parse(strings.NewReader(""))
	assert.ErrorContains(t, err, "unsupported format")
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":["car","v1",80,"2024-01-01T10:00"]}`), 0o644))

	snap, err := NewParser("json").ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, snap, 1)

	_, err = NewParser("json").ParseFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-01-01T10:00:00Z",
		"2024-01-01T10:00:00",
		"2024-01-01 10:00:00",
		"2024-01-01T10:00",
		"2024-01-01 10:00",
		"2024/01/01 10:00:00",
		"1704103200",
	} {
		got, err := parseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}

	_, err := parseTimestamp("not a time")
	assert.Error(t, err)
}
