package search

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// SightingPublisher delivers the normalized sighting for a confirmed task.
// The scheduler calls it exactly once per task that reaches the done state
// and never for failed or preempted tasks.
type SightingPublisher interface {
	PublishSighting(ctx context.Context, s Sighting) error
}

// PublisherFunc adapts a plain function to SightingPublisher.
type PublisherFunc func(ctx context.Context, s Sighting) error

func (f PublisherFunc) PublishSighting(ctx context.Context, s Sighting) error {
	return f(ctx, s)
}

// RangeEstimate carries a distance guess for a sighting. Until a real
// rangefinder feeds the planner, estimates are synthetic and tagged with
// the method that produced them so consumers can weigh them accordingly.
type RangeEstimate struct {
	DistanceM      float64 `json:"distance_m"`
	DistanceErrorM float64 `json:"distance_error_m"`
	Synthetic      bool    `json:"synthetic"`
	Method         string  `json:"method"`
}

// RangeEstimator produces a range estimate for a confirmed tile.
type RangeEstimator interface {
	Estimate(cue Cue, dec Decision) RangeEstimate
}

// FixedRange always reports the same synthetic distance. It mirrors the
// fielded default: a conservative 600 m with a wide error bar, derived
// from RF strength heuristics rather than measurement.
type FixedRange struct {
	DistanceM      float64
	DistanceErrorM float64
	Method         string
}

// DefaultFixedRange returns the deployment default estimator.
func DefaultFixedRange() FixedRange {
	return FixedRange{DistanceM: 600.0, DistanceErrorM: 200.0, Method: "rf_strength_v1"}
}

func (f FixedRange) Estimate(Cue, Decision) RangeEstimate {
	return RangeEstimate{
		DistanceM:      f.DistanceM,
		DistanceErrorM: f.DistanceErrorM,
		Synthetic:      true,
		Method:         f.Method,
	}
}

// minBearingErrorDeg floors the published bearing error. The sighting
// carries the cue's own uncertainty, and never claims to beat the
// sensor's pointing accuracy.
const minBearingErrorDeg = 5.0

// BuildSighting normalizes a confirmed tile into the sighting record.
// Bearing comes from the winning tile, not the cue: the sensor was
// actually pointed there when the analyzer confirmed.
func BuildSighting(task *Task, win TileRecord, est RangeEstimate, now time.Time) Sighting {
	s := Sighting{
		ObjectID:         uuid.NewString(),
		TaskID:           task.ID,
		SourceCueID:      task.Cue.ID,
		TimeUTC:          now.UTC(),
		BearingDegTrue:   win.Tile.AzimuthDeg,
		BearingErrorDeg:  math.Max(minBearingErrorDeg, task.Cue.SigmaDeg),
		DistanceM:        est.DistanceM,
		DistanceErrorM:   est.DistanceErrorM,
		AltitudeM:        0.0,
		AltitudeErrorM:   20.0,
		Confidence:       task.Cue.Confidence,
		RangeIsSynthetic: est.Synthetic,
		RangeMethod:      est.Method,
	}
	if win.Observation != nil && win.Observation.Artifact != nil {
		s.ArtifactPath = win.Observation.Artifact.Path
	}
	return s
}
