package search

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ladderParams() PatternParams {
	return PatternParams{
		StepDeg:    2,
		SpanDeg:    8,
		Elevations: []float64{0.5, 1.5, 3.0},
		Dwell:      150 * time.Millisecond,
	}
}

func TestHorizonLadderWindow(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 10}

	tiles, err := reg.Generate("horizon_ladder", cue, ladderParams())
	require.NoError(t, err)
	require.Len(t, tiles, 27) // 9 azimuths x 3 elevations

	wantAz := []float64{2, 4, 6, 8, 10, 12, 14, 16, 18}
	for ei, el := range []float64{0.5, 1.5, 3.0} {
		for ai, az := range wantAz {
			tile := tiles[ei*9+ai]
			assert.InDelta(t, az, tile.AzimuthDeg, 1e-9, "elevation %v index %d", el, ai)
			assert.InDelta(t, el, tile.ElevationDeg, 1e-9)
			assert.Equal(t, 150*time.Millisecond, tile.Dwell)
		}
	}
}

func TestHorizonLadderWrapsSeam(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 359.9}
	p := ladderParams()
	p.Elevations = []float64{1.0}

	tiles, err := reg.Generate("horizon_ladder", cue, p)
	require.NoError(t, err)
	require.Len(t, tiles, 9)

	seen := make(map[string]bool)
	for _, tile := range tiles {
		require.GreaterOrEqual(t, tile.AzimuthDeg, 0.0)
		require.Less(t, tile.AzimuthDeg, 360.0)
		key := formatAz(tile.AzimuthDeg)
		require.False(t, seen[key], "duplicate azimuth %s across the seam", key)
		seen[key] = true
	}

	// The window 351.9..7.9 straddles zero: both sides must be present.
	assert.True(t, seen[formatAz(351.9)])
	assert.True(t, seen[formatAz(359.9)])
	assert.True(t, seen[formatAz(1.9)])
	assert.True(t, seen[formatAz(7.9)])
}

func formatAz(az float64) string {
	return strconv.FormatFloat(az, 'f', 4, 64)
}

func TestGenerateDeterministic(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 123.4, SigmaDeg: 6}
	p := ladderParams()
	p.Knobs = map[string]float64{"zoom": 12}

	for _, name := range []string{"horizon_ladder", "az_spiral", "raster"} {
		a, err := reg.Generate(name, cue, p)
		require.NoError(t, err)
		b, err := reg.Generate(name, cue, p)
		require.NoError(t, err)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("pattern %s not deterministic (-first +second):\n%s", name, diff)
		}
	}
}

func TestAzSpiralOrder(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 100}
	p := PatternParams{StepDeg: 5, SpanDeg: 10, Elevations: []float64{1.0}, Dwell: time.Millisecond}

	tiles, err := reg.Generate("az_spiral", cue, p)
	require.NoError(t, err)

	wantAz := []float64{100, 105, 95, 110, 90}
	require.Len(t, tiles, len(wantAz))
	for i, az := range wantAz {
		assert.InDelta(t, az, tiles[i].AzimuthDeg, 1e-9, "spiral index %d", i)
	}
}

func TestRasterSerpentine(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 50}
	p := PatternParams{StepDeg: 10, SpanDeg: 10, Elevations: []float64{0, 2}, Dwell: time.Millisecond}

	tiles, err := reg.Generate("raster", cue, p)
	require.NoError(t, err)
	require.Len(t, tiles, 6)

	wantAz := []float64{40, 50, 60, 60, 50, 40}
	for i, az := range wantAz {
		assert.InDelta(t, az, tiles[i].AzimuthDeg, 1e-9, "raster index %d", i)
	}
	assert.Equal(t, 0.0, tiles[0].ElevationDeg)
	assert.Equal(t, 2.0, tiles[3].ElevationDeg)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 10}
	good := ladderParams()

	tests := []struct {
		name    string
		pattern string
		mutate  func(*PatternParams)
	}{
		{"UnknownPattern", "figure_eight", func(p *PatternParams) {}},
		{"ZeroStep", "horizon_ladder", func(p *PatternParams) { p.StepDeg = 0 }},
		{"NegativeStep", "horizon_ladder", func(p *PatternParams) { p.StepDeg = -2 }},
		{"NegativeSpan", "horizon_ladder", func(p *PatternParams) { p.SpanDeg = -1 }},
		{"EmptyLadder", "horizon_ladder", func(p *PatternParams) { p.Elevations = nil }},
		{"ZeroDwell", "horizon_ladder", func(p *PatternParams) { p.Dwell = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			tt.mutate(&p)
			_, err := reg.Generate(tt.pattern, cue, p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadPattern), "want ErrBadPattern, got %v", err)
		})
	}
}

func TestTilesCarryKnobCopies(t *testing.T) {
	reg := NewPatternRegistry()
	cue := Cue{ID: "c1", BearingDeg: 10}
	p := ladderParams()
	p.Knobs = map[string]float64{"zoom": 8}

	tiles, err := reg.Generate("horizon_ladder", cue, p)
	require.NoError(t, err)

	// Mutating one tile's params must not leak into siblings or the input.
	tiles[0].Params["zoom"] = 99
	assert.Equal(t, 8.0, tiles[1].Params["zoom"])
	assert.Equal(t, 8.0, p.Knobs["zoom"])
}

func TestRegistryNames(t *testing.T) {
	reg := NewPatternRegistry()
	assert.Equal(t, []string{"az_spiral", "horizon_ladder", "raster"}, reg.Names())

	reg.Register("custom", HorizonLadder)
	assert.Contains(t, reg.Names(), "custom")
}
