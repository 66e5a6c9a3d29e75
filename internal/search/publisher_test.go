package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSightingFieldMapping(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	task := &Task{
		ID: "task-1",
		Cue: Cue{
			ID:         "cue-1",
			BearingDeg: 95,
			SigmaDeg:   8,
			Confidence: 72,
		},
	}
	win := TileRecord{
		Tile: Tile{ID: "tile-3", AzimuthDeg: 101, ElevationDeg: 1.5},
		Observation: &Observation{
			Artifact: &Artifact{Path: "/var/spotter/frames/abc.jpg"},
		},
		Decision: &Decision{Confirmed: true, Score: 0.91},
	}

	s := BuildSighting(task, win, DefaultFixedRange().Estimate(task.Cue, *win.Decision), now)

	assert.NotEmpty(t, s.ObjectID)
	assert.Equal(t, "task-1", s.TaskID)
	assert.Equal(t, "cue-1", s.SourceCueID)
	assert.Equal(t, now, s.TimeUTC)

	// Bearing comes from where the sensor was pointed, not from the cue.
	assert.Equal(t, 101.0, s.BearingDegTrue)
	assert.Equal(t, 8.0, s.BearingErrorDeg)

	assert.Equal(t, 600.0, s.DistanceM)
	assert.Equal(t, 200.0, s.DistanceErrorM)
	assert.True(t, s.RangeIsSynthetic)
	assert.Equal(t, "rf_strength_v1", s.RangeMethod)

	assert.Equal(t, 0.0, s.AltitudeM)
	assert.Equal(t, 20.0, s.AltitudeErrorM)
	assert.Equal(t, 72, s.Confidence)
	assert.Equal(t, "/var/spotter/frames/abc.jpg", s.ArtifactPath)
}

func TestBuildSightingBearingErrorFloor(t *testing.T) {
	task := &Task{Cue: Cue{SigmaDeg: 2}}
	win := TileRecord{Tile: Tile{AzimuthDeg: 10}}

	s := BuildSighting(task, win, RangeEstimate{}, time.Now())
	assert.Equal(t, 5.0, s.BearingErrorDeg, "published bearing error never undercuts pointing accuracy")
}

func TestBuildSightingWithoutArtifact(t *testing.T) {
	task := &Task{Cue: Cue{SigmaDeg: 6}}
	win := TileRecord{Tile: Tile{AzimuthDeg: 33}}

	s := BuildSighting(task, win, RangeEstimate{}, time.Now())
	assert.Empty(t, s.ArtifactPath)
}

func TestBuildSightingDistinctObjectIDs(t *testing.T) {
	task := &Task{Cue: Cue{SigmaDeg: 6}}
	win := TileRecord{Tile: Tile{AzimuthDeg: 33}}

	a := BuildSighting(task, win, RangeEstimate{}, time.Now())
	b := BuildSighting(task, win, RangeEstimate{}, time.Now())
	require.NotEqual(t, a.ObjectID, b.ObjectID)
}
