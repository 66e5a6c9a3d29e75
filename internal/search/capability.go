package search

// ClampWarning records a requested knob value pulled back to a bound.
// Clamping is never an error; the tile dispatches with the applied value.
type ClampWarning struct {
	Knob      string  `json:"knob"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
}

// GateTile fits a tile's requested parameters to a sensor's capability
// profile. Knobs the profile does not declare are dropped without comment;
// out-of-bounds values are clamped to the nearest bound and reported. The
// input tile is not modified.
func GateTile(profile CapabilityProfile, tile Tile) (Tile, []ClampWarning) {
	if len(tile.Params) == 0 {
		return tile, nil
	}

	gated := tile
	gated.Params = make(map[string]float64, len(tile.Params))
	var warnings []ClampWarning

	for knob, requested := range tile.Params {
		bounds, ok := profile.KnobBounds(knob)
		if !ok {
			continue
		}
		applied := requested
		if applied < bounds.Min {
			applied = bounds.Min
		}
		if applied > bounds.Max {
			applied = bounds.Max
		}
		if applied != requested {
			warnings = append(warnings, ClampWarning{Knob: knob, Requested: requested, Applied: applied})
		}
		gated.Params[knob] = applied
	}

	if len(gated.Params) == 0 {
		gated.Params = nil
	}
	return gated, warnings
}
