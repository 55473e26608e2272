package parser

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-flow-monitor/internal/models"
)

type recordingReporter struct {
	malformed map[string]error
	empties   int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{malformed: make(map[string]error)}
}

func (r *recordingReporter) Malformed(key string, err error) { r.malformed[key] = err }
func (r *recordingReporter) Empty()                          { r.empties++ }

func raw(entries map[string]string) models.RawSnapshot {
	snap := make(models.RawSnapshot, len(entries))
	for k, v := range entries {
		snap[k] = json.RawMessage(v)
	}
	return snap
}

func TestDecodeEntry_Tuple(t *testing.T) {
	e, err := DecodeEntry("k1", json.RawMessage(`["Car","v1",80,"2024-01-01T10:00","Entered"]`))
	require.NoError(t, err)

	assert.Equal(t, "k1", e.Key)
	assert.Equal(t, "v1", e.ID)
	assert.Equal(t, models.Car, e.ObjectType)
	assert.Equal(t, 80.0, e.MedianSpeed)
	assert.Equal(t, "2024-01-01T10:00", e.Timestamp)
	assert.Equal(t, models.Entered, e.Direction)
	bucket, ok := e.Bucket()
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01T10:00", bucket)
}

func TestDecodeEntry_TupleWithoutDirection(t *testing.T) {
	e, err := DecodeEntry("k", json.RawMessage(`["truck",42,55.5,"2024-01-01 10:00:59"]`))
	require.NoError(t, err)

	assert.Equal(t, "42", e.ID, "integer ids normalize to decimal strings")
	assert.Equal(t, models.DirectionNone, e.Direction)
	bucket, ok := e.Bucket()
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01T10:00", bucket)
}

func TestDecodeEntry_LargeIntegerIDsStayExact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`["car",9007199254740993,50,"2024-01-01T10:00"]`, "9007199254740993"},
		{`["car",9007199254740992,50,"2024-01-01T10:00"]`, "9007199254740992"},
		{`["car",123456789012345678901234567890,50,"2024-01-01T10:00"]`, "123456789012345678901234567890"},
		{`["car",7.0,50,"2024-01-01T10:00"]`, "7"},
		{`["car",-3,50,"2024-01-01T10:00"]`, "-3"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			e, err := DecodeEntry("k", json.RawMessage(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.ID)
		})
	}

	events := NewNormalizer(nil).Normalize(models.RawSnapshot{
		"a": json.RawMessage(`["car",9007199254740993,50,"2024-01-01T10:00"]`),
		"b": json.RawMessage(`["car",9007199254740992,50,"2024-01-01T10:00"]`),
	})
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].ID, events[1].ID, "neighbouring ids above 2^53 stay distinct")
}

func TestDecodeEntry_TrailingDataRejected(t *testing.T) {
	_, err := DecodeEntry("k", json.RawMessage(`["car","v1",80,"t"] []`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestDecodeEntry_Record(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want models.Event
	}{
		{
			name: "canonical fields",
			in:   `{"object_type":"bus","id":"b1","median_speed":40,"timestamp":"2024-01-01T10:00:00Z","direction":"exited"}`,
			want: models.Event{
				ID: "b1", ObjectType: models.Bus, MedianSpeed: 40, Timestamp: "2024-01-01T10:00:00Z",
				ObservedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Direction: models.Exited,
			},
		},
		{
			name: "direction alias",
			in:   `{"object_type":"car","id":7,"median_speed":12,"vehicle_direction":"entered"}`,
			want: models.Event{ID: "7", ObjectType: models.Car, MedianSpeed: 12, Direction: models.Entered},
		},
		{
			name: "status alias and null id",
			in:   `{"object_type":"motorcycle","id":null,"median_speed":0,"timestamp":null,"vehicle_status":"unknown"}`,
			want: models.Event{ObjectType: models.Motorcycle, Direction: models.DirectionUnknown},
		},
		{
			name: "unparseable timestamp kept raw",
			in:   `{"object_type":"van","median_speed":3,"timestamp":"yesterday"}`,
			want: models.Event{ObjectType: "van", MedianSpeed: 3, Timestamp: "yesterday"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEntry("key", json.RawMessage(tt.in))
			require.NoError(t, err)
			tt.want.Key = "key"
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEntry_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		target error
		reason string
		form   Form
	}{
		{"not json", `{"object_type":`, ErrInvalidJSON, "invalid_json", FormInvalid},
		{"scalar", `42`, ErrUnknownShape, "unknown_shape", FormInvalid},
		{"null", `null`, ErrUnknownShape, "unknown_shape", FormInvalid},
		{"short tuple", `["car","v1",80]`, ErrFieldCount, "field_count", FormTuple},
		{"long tuple", `["car","v1",80,"t","entered","x"]`, ErrFieldCount, "field_count", FormTuple},
		{"speed as string", `["car","v1","fast","t"]`, ErrSchema, "schema", FormTuple},
		{"negative speed", `["car","v1",-1,"t"]`, ErrSchema, "schema", FormTuple},
		{"empty type", `["","v1",10,"t"]`, ErrSchema, "schema", FormTuple},
		{"blank type", `["  ","v1",10,"t"]`, ErrFieldType, "field_type", FormTuple},
		{"fractional id", `["car",1.5,10,"t"]`, ErrSchema, "schema", FormTuple},
		{"record missing speed", `{"object_type":"car","id":"v1"}`, ErrSchema, "schema", FormRecord},
		{"record numeric timestamp", `{"object_type":"car","median_speed":1,"timestamp":1700000000}`, ErrSchema, "schema", FormRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry("bad", json.RawMessage(tt.in))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "bad", de.Key)
			assert.Equal(t, tt.form, de.Form)
			assert.Equal(t, tt.reason, de.Reason())
		})
	}
}

func TestNormalize_OrderAndDrops(t *testing.T) {
	rep := newRecordingReporter()
	n := NewNormalizer(rep)

	events := n.Normalize(raw(map[string]string{
		"003": `["car","v1",90,"2024-01-01T10:01","exited"]`,
		"001": `["car","v1",80,"2024-01-01T10:00","entered"]`,
		"002": `"garbage"`,
		"004": `{"object_type":"truck","id":"v2","median_speed":110,"timestamp":"2024-01-01T10:00"}`,
	}))

	require.Len(t, events, 3)
	assert.Equal(t, []string{"001", "003", "004"}, []string{events[0].Key, events[1].Key, events[2].Key})
	require.Contains(t, rep.malformed, "002")
	assert.ErrorIs(t, rep.malformed["002"], ErrUnknownShape)
	assert.Zero(t, rep.empties)
}

func TestNormalize_Empty(t *testing.T) {
	rep := newRecordingReporter()
	n := NewNormalizer(rep)

	for _, snap := range []models.RawSnapshot{nil, {}} {
		events := n.Normalize(snap)
		assert.NotNil(t, events)
		assert.Empty(t, events)
	}
	assert.Equal(t, 2, rep.empties)
}

func TestNormalize_AllMalformedIsNotEmpty(t *testing.T) {
	rep := newRecordingReporter()
	events := NewNormalizer(rep).Normalize(raw(map[string]string{"a": `1`, "b": `[]`}))

	assert.Empty(t, events)
	assert.Len(t, rep.malformed, 2)
	assert.Zero(t, rep.empties)
}

func TestNormalize_NoDedup(t *testing.T) {
	entry := `["car","v1",80,"2024-01-01T10:00"]`
	events := NewNormalizer(nil).Normalize(raw(map[string]string{"a": entry, "b": entry}))
	assert.Len(t, events, 2)
}

func TestForm_String(t *testing.T) {
	assert.Equal(t, "tuple", FormTuple.String())
	assert.Equal(t, "record", FormRecord.String())
	assert.Equal(t, "invalid", FormInvalid.String())
}
