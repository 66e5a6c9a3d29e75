package adapter

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"spotter/internal/search"
)

// RadarConfig shapes the simulated surveillance radar.
type RadarConfig struct {
	Behavior         Behavior
	ConfirmAfter     int
	TargetBearingDeg float64
	ToleranceDeg     float64
}

// DefaultRadarConfig confirms on the second look.
func DefaultRadarConfig() RadarConfig {
	return RadarConfig{
		Behavior:     BehaviorConfirmAfter,
		ConfirmAfter: 2,
		ToleranceDeg: 3,
	}
}

// RadarSim is a simulated steerable radar. It accepts transmit power,
// receiver gain, and a clutter filter strength; verdicts follow the
// scripted behavior. Radar produces no artifacts.
type RadarSim struct {
	cfg    RadarConfig
	logger *zap.Logger

	mu         sync.Mutex
	pointing   search.PointingState
	dispatches int
}

// NewRadarSim creates the simulated radar.
func NewRadarSim(cfg RadarConfig, logger *zap.Logger) *RadarSim {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Behavior == "" {
		cfg.Behavior = BehaviorDeny
	}
	return &RadarSim{cfg: cfg, logger: logger}
}

// Capabilities reports the radar's bounded knobs.
func (r *RadarSim) Capabilities() search.CapabilityProfile {
	return search.CapabilityProfile{
		Modality: "radar",
		Knobs: map[string]search.Bounds{
			"power_fraction": {Min: 0.1, Max: 1},
			"gain_fraction":  {Min: 0.1, Max: 1},
			"clutter_filter": {Min: 0, Max: 1},
		},
	}
}

// State returns the radar's current pose.
func (r *RadarSim) State() search.PointingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pointing
}

// ExecuteTile slews, dwells, and returns the processor's verdict. Applied
// knob values are echoed back in the observation features.
func (r *RadarSim) ExecuteTile(ctx context.Context, tile search.Tile) (search.Observation, search.Decision, error) {
	r.mu.Lock()
	r.dispatches++
	n := r.dispatches
	r.pointing = search.PointingState{
		AzimuthDeg:   tile.AzimuthDeg,
		ElevationDeg: tile.ElevationDeg,
		Busy:         true,
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pointing.Busy = false
		r.mu.Unlock()
	}()

	switch r.cfg.Behavior {
	case BehaviorHang:
		<-ctx.Done()
		return search.Observation{}, search.Decision{}, ctx.Err()
	case BehaviorFatal:
		return search.Observation{}, search.Decision{},
			fmt.Errorf("%w: simulated transmitter fault", search.ErrAdapterFatal)
	}

	if err := stare(ctx, tile.Dwell); err != nil {
		return search.Observation{}, search.Decision{}, err
	}

	confirmed := r.cfg.Behavior.confirms(n, r.cfg.ConfirmAfter,
		tile.AzimuthDeg, r.cfg.TargetBearingDeg, r.cfg.ToleranceDeg)
	score := denyScore
	if confirmed {
		score = confirmScore
	}

	obs := search.Observation{
		Features: map[string]float64{
			"score":          score,
			"power_fraction": tile.Params["power_fraction"],
			"gain_fraction":  tile.Params["gain_fraction"],
			"clutter_filter": tile.Params["clutter_filter"],
		},
	}
	dec := search.Decision{
		Confirmed: confirmed,
		Score:     score,
		Meta:      map[string]string{"analyzer": "sim_radar_v1"},
	}
	return obs, dec, nil
}
