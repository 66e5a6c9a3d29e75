package search

import (
	"math"

	"spotter/internal/geo"
)

// BeliefParams tunes the per-task bearing belief map.
type BeliefParams struct {
	BinWidthDeg   float64 `json:"bin_width_deg"`   // Bearing bin size, divides 360 evenly enough
	SigmaFloorDeg float64 `json:"sigma_floor_deg"` // Minimum spread when seeding from a cue
	Decay         float64 `json:"decay"`           // Multiplier applied to a bin on a miss, (0,1)
}

// DefaultBeliefParams mirror the field-demo tuning: two-degree bins, a
// five-degree sigma floor, and a 35% survival factor per miss.
func DefaultBeliefParams() BeliefParams {
	return BeliefParams{BinWidthDeg: 2.0, SigmaFloorDeg: 5.0, Decay: 0.35}
}

// BeliefMap tracks where the target could still be, as probability mass
// over bearing bins. Mass is seeded once from the cue and only ever
// decays: a miss reduces the observed bin's mass and never adds any back.
// The map lives for a single task.
type BeliefMap struct {
	bins     []float64
	binWidth float64
	decay    float64
}

// NewBeliefMap seeds a belief map with a wrapped Gaussian centered on the
// cue bearing. The spread is the cue's own error, floored so an
// overconfident cue still leaves room to search.
func NewBeliefMap(cue Cue, p BeliefParams) *BeliefMap {
	binWidth := p.BinWidthDeg
	if binWidth <= 0 || binWidth > 120 {
		binWidth = 2.0
	}
	decay := p.Decay
	if decay <= 0 || decay >= 1 {
		decay = 0.35
	}
	sigma := math.Max(cue.SigmaDeg, p.SigmaFloorDeg)
	if sigma <= 0 {
		sigma = 5.0
	}

	n := int(math.Ceil(360 / binWidth))
	b := &BeliefMap{bins: make([]float64, n), binWidth: binWidth, decay: decay}

	total := 0.0
	for i := range b.bins {
		center := (float64(i) + 0.5) * binWidth
		d := geo.Diff(cue.BearingDeg, center)
		mass := math.Exp(-(d * d) / (2 * sigma * sigma))
		b.bins[i] = mass
		total += mass
	}
	if total > 0 {
		for i := range b.bins {
			b.bins[i] /= total
		}
	}
	return b
}

// binFor maps a bearing to its bin index.
func (b *BeliefMap) binFor(azDeg float64) int {
	idx := int(geo.Wrap360(azDeg) / b.binWidth)
	if idx >= len(b.bins) {
		idx = len(b.bins) - 1
	}
	return idx
}

// Observe records a miss at the given bearing, decaying that bin's mass.
// Mass is monotonically non-increasing over the task.
func (b *BeliefMap) Observe(azDeg float64) {
	b.bins[b.binFor(azDeg)] *= b.decay
}

// MassAt returns the remaining mass in the bin covering a bearing.
func (b *BeliefMap) MassAt(azDeg float64) float64 {
	return b.bins[b.binFor(azDeg)]
}

// TotalMass returns the mass remaining across all bins.
func (b *BeliefMap) TotalMass() float64 {
	total := 0.0
	for _, m := range b.bins {
		total += m
	}
	return total
}

// NextTileIndex picks the next tile to dispatch from the remaining queue.
// It is a pure function of the queue, the done markers, and the belief
// snapshot. With a nil belief map the queue runs in its original order;
// with one, the undone tile with the highest remaining mass runs next,
// ties broken by queue position. Returns -1 when the queue is exhausted.
func NextTileIndex(tiles []Tile, done []bool, belief *BeliefMap) int {
	if belief == nil {
		for i := range tiles {
			if !done[i] {
				return i
			}
		}
		return -1
	}

	best := -1
	bestMass := math.Inf(-1)
	for i := range tiles {
		if done[i] {
			continue
		}
		if m := belief.MassAt(tiles[i].AzimuthDeg); m > bestMass {
			best = i
			bestMass = m
		}
	}
	return best
}
