package grouping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-flow-monitor/internal/models"
)

func at(s string) time.Time {
	t, err := time.Parse(models.BucketLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ev(id string, typ models.ObjectType, speed float64, ts string) models.Event {
	e := models.Event{ID: id, ObjectType: typ, MedianSpeed: speed, Timestamp: ts}
	if ts != "" {
		e.ObservedAt = at(ts)
	}
	return e
}

func TestByVehicle(t *testing.T) {
	events := []models.Event{
		ev("v1", models.Car, 80, "2024-01-01T10:00"),
		ev("v2", models.Truck, 110, "2024-01-01T10:00"),
		ev("v1", models.Car, 90, "2024-01-01T10:01"),
		ev("", models.Bus, 40, "2024-01-01T10:01"),
	}

	sessions := ByVehicle(events, Options{})

	require.Len(t, sessions, 2)
	assert.Equal(t, "v1", sessions[0].ID)
	assert.Equal(t, models.Car, sessions[0].Type)
	assert.Len(t, sessions[0].Events, 2)
	assert.InDelta(t, 85.0, sessions[0].MeanSpeed(), 1e-9)
	assert.Equal(t, "v2", sessions[1].ID)
	assert.InDelta(t, 110.0, sessions[1].MeanSpeed(), 1e-9)
}

func TestByVehicle_FirstSampleDecidesType(t *testing.T) {
	events := []models.Event{
		ev("7", models.Truck, 50, ""),
		ev("7", models.Car, 60, ""),
	}

	sessions := ByVehicle(events, Options{})

	require.Len(t, sessions, 1)
	assert.Equal(t, models.Truck, sessions[0].Type)
}

func TestByVehicle_SessionGap(t *testing.T) {
	events := []models.Event{
		ev("v1", models.Car, 80, "2024-01-01T10:00"),
		ev("v1", models.Car, 90, "2024-01-01T10:02"),
		ev("v1", models.Car, 30, "2024-01-01T14:00"),
		ev("v1", models.Car, 40, ""),
	}

	t.Run("disabled", func(t *testing.T) {
		sessions := ByVehicle(events, Options{})
		require.Len(t, sessions, 1)
		assert.Len(t, sessions[0].Events, 4)
	})

	t.Run("split on gap", func(t *testing.T) {
		sessions := ByVehicle(events, Options{SessionGap: 30 * time.Minute})
		require.Len(t, sessions, 2)
		assert.Equal(t, "v1", sessions[0].ID)
		assert.Equal(t, 0, sessions[0].Split)
		assert.Len(t, sessions[0].Events, 2)
		assert.Equal(t, "v1", sessions[1].ID)
		assert.Equal(t, 1, sessions[1].Split)
		assert.Len(t, sessions[1].Events, 2, "untimed sample joins the open session")
	})
}

func TestByVehicle_SplitDoesNotCollideWithFeedIDs(t *testing.T) {
	events := []models.Event{
		ev("v1", models.Car, 80, "2024-01-01T10:00"),
		ev("v1#1", models.Car, 20, "2024-01-01T11:00"),
		ev("v1", models.Car, 60, "2024-01-01T12:00"),
	}

	sessions := ByVehicle(events, Options{SessionGap: 30 * time.Minute})

	require.Len(t, sessions, 3)
	assert.Equal(t, "v1", sessions[0].ID)
	assert.Equal(t, "v1#1", sessions[1].ID)
	assert.Equal(t, 0, sessions[1].Split)
	assert.Equal(t, "v1", sessions[2].ID)
	assert.Equal(t, 1, sessions[2].Split)
	assert.Len(t, sessions[1].Events, 1)
}

func TestByBucket(t *testing.T) {
	events := []models.Event{
		ev("v1", models.Car, 80, "2024-01-01T10:01"),
		ev("v2", models.Car, 70, "2024-01-01T10:00"),
		ev("v3", models.Bus, 50, "2024-01-01T10:01"),
		ev("v4", models.Bus, 50, ""),
		ev("", models.Truck, 60, "2024-01-01T10:00"),
	}

	buckets := ByBucket(events)

	require.Len(t, buckets, 2)
	assert.Equal(t, "2024-01-01T10:00", buckets[0].Key)
	assert.Len(t, buckets[0].Events, 2, "id-less events still bucket")
	assert.Equal(t, "2024-01-01T10:01", buckets[1].Key)
	assert.Len(t, buckets[1].Events, 2)
}

func TestGroup_DoesNotMutateInput(t *testing.T) {
	events := []models.Event{
		ev("v1", models.Car, 80, "2024-01-01T10:01"),
		ev("v1", models.Car, 90, "2024-01-01T10:00"),
	}
	before := append([]models.Event(nil), events...)

	g := Group(events, Options{})

	assert.Equal(t, before, events)
	assert.Len(t, g.Sessions, 1)
	assert.Len(t, g.Buckets, 2)
}

func TestGroup_EachEventOncePerGrouping(t *testing.T) {
	var events []models.Event
	for i := 0; i < 50; i++ {
		id := []string{"a", "b", "c", ""}[i%4]
		ts := []string{"2024-01-01T10:00", "2024-01-01T10:01", ""}[i%3]
		events = append(events, ev(id, models.Car, float64(i), ts))
	}

	g := Group(events, Options{})

	withID, withTime := 0, 0
	for _, e := range events {
		if e.ID != "" {
			withID++
		}
		if _, ok := e.Bucket(); ok {
			withTime++
		}
	}
	inSessions, inBuckets := 0, 0
	for _, s := range g.Sessions {
		inSessions += len(s.Events)
	}
	for _, b := range g.Buckets {
		inBuckets += len(b.Events)
	}
	assert.Equal(t, withID, inSessions)
	assert.Equal(t, withTime, inBuckets)
}

func TestSession_MeanSpeedEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Session{}.MeanSpeed())
}
