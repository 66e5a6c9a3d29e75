package search

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"spotter/internal/geo"
)

// PatternParams are the expansion parameters handed to a generator.
// Knobs are the requested sensor parameters copied onto every tile; the
// capability gate later drops or clamps whatever the sensor cannot take.
type PatternParams struct {
	StepDeg    float64            `json:"step_deg"`
	SpanDeg    float64            `json:"span_deg"` // Half-width either side of the cue bearing
	Elevations []float64          `json:"elevations_deg"`
	Dwell      time.Duration      `json:"dwell"`
	Knobs      map[string]float64 `json:"knobs,omitempty"`
}

// Validate rejects parameter sets no generator can expand.
func (p PatternParams) Validate() error {
	if p.StepDeg <= 0 || math.IsNaN(p.StepDeg) {
		return fmt.Errorf("%w: step %.2f must be > 0", ErrBadPattern, p.StepDeg)
	}
	if p.SpanDeg < 0 || math.IsNaN(p.SpanDeg) {
		return fmt.Errorf("%w: span %.2f must be >= 0", ErrBadPattern, p.SpanDeg)
	}
	if len(p.Elevations) == 0 {
		return fmt.Errorf("%w: elevation ladder is empty", ErrBadPattern)
	}
	if p.Dwell <= 0 {
		return fmt.Errorf("%w: dwell %s must be > 0", ErrBadPattern, p.Dwell)
	}
	return nil
}

// steps returns the number of azimuth steps on each side of the cue bearing.
func (p PatternParams) steps() int {
	return int(math.Floor(p.SpanDeg/p.StepDeg + 1e-9))
}

// PatternFunc expands a cue into an ordered tile queue. Generators must be
// pure: identical inputs yield identical sequences, no clock, no RNG, no
// shared state. Tile IDs are assigned by the caller after expansion.
type PatternFunc func(cue Cue, p PatternParams) ([]Tile, error)

// PatternRegistry maps pattern names to generators. The registry is an
// explicit value constructed at startup and handed to the scheduler; there
// is no package-level registration.
type PatternRegistry struct {
	mu       sync.RWMutex
	patterns map[string]PatternFunc
}

// NewPatternRegistry returns a registry with the built-in generators
// (horizon_ladder, az_spiral, raster) already registered.
func NewPatternRegistry() *PatternRegistry {
	r := &PatternRegistry{patterns: make(map[string]PatternFunc)}
	r.Register("horizon_ladder", HorizonLadder)
	r.Register("az_spiral", AzSpiral)
	r.Register("raster", Raster)
	return r
}

// Register adds or replaces a named generator.
func (r *PatternRegistry) Register(name string, fn PatternFunc) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[name] = fn
}

// Names lists the registered pattern names in sorted order.
func (r *PatternRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate validates the parameters and runs the named generator.
func (r *PatternRegistry) Generate(name string, cue Cue, p PatternParams) ([]Tile, error) {
	r.mu.RLock()
	fn, ok := r.patterns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown pattern %q", ErrBadPattern, name)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	tiles, err := fn(cue, p)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", name, err)
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: pattern %q produced no tiles", ErrBadPattern, name)
	}
	return tiles, nil
}

// newTile builds an unkeyed tile with a private copy of the knob requests.
func newTile(azDeg, elDeg float64, p PatternParams) Tile {
	t := Tile{
		AzimuthDeg:   geo.Wrap360(azDeg),
		ElevationDeg: elDeg,
		Dwell:        p.Dwell,
	}
	if len(p.Knobs) > 0 {
		t.Params = make(map[string]float64, len(p.Knobs))
		for k, v := range p.Knobs {
			t.Params[k] = v
		}
	}
	return t
}

// HorizonLadder sweeps the azimuth window left to right at each elevation
// of the ladder, lowest elevation first. For a cue at bearing b with span s
// and step d the azimuths are b-s, b-s+d, ..., b+s, each wrapped to
// [0,360).
func HorizonLadder(cue Cue, p PatternParams) ([]Tile, error) {
	n := p.steps()
	tiles := make([]Tile, 0, len(p.Elevations)*(2*n+1))
	for _, el := range p.Elevations {
		for i := -n; i <= n; i++ {
			tiles = append(tiles, newTile(cue.BearingDeg+float64(i)*p.StepDeg, el, p))
		}
	}
	return tiles, nil
}

// AzSpiral alternates outward from the cue bearing (0, +d, -d, +2d, -2d,
// ...) at each ladder elevation, covering the most likely bearing first.
func AzSpiral(cue Cue, p PatternParams) ([]Tile, error) {
	n := p.steps()
	tiles := make([]Tile, 0, len(p.Elevations)*(2*n+1))
	for _, el := range p.Elevations {
		tiles = append(tiles, newTile(cue.BearingDeg, el, p))
		for i := 1; i <= n; i++ {
			off := float64(i) * p.StepDeg
			tiles = append(tiles, newTile(cue.BearingDeg+off, el, p))
			tiles = append(tiles, newTile(cue.BearingDeg-off, el, p))
		}
	}
	return tiles, nil
}

// Raster sweeps the window in a serpentine: left to right on the first
// elevation, right to left on the next, minimizing slew between rows.
func Raster(cue Cue, p PatternParams) ([]Tile, error) {
	n := p.steps()
	tiles := make([]Tile, 0, len(p.Elevations)*(2*n+1))
	for row, el := range p.Elevations {
		if row%2 == 0 {
			for i := -n; i <= n; i++ {
				tiles = append(tiles, newTile(cue.BearingDeg+float64(i)*p.StepDeg, el, p))
			}
		} else {
			for i := n; i >= -n; i-- {
				tiles = append(tiles, newTile(cue.BearingDeg+float64(i)*p.StepDeg, el, p))
			}
		}
	}
	return tiles, nil
}
