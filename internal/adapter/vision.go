package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"spotter/internal/search"
)

// VisionConfig shapes the simulated EO camera.
type VisionConfig struct {
	Behavior         Behavior
	ConfirmAfter     int     // confirm_after: dispatch count that flips the verdict
	TargetBearingDeg float64 // bearing: confirm when pointed within ToleranceDeg
	ToleranceDeg     float64
	ArtifactDir      string // frame stubs land here on confirmation
}

// DefaultVisionConfig confirms on the third look, which is enough to watch
// a full plan-execute-replan cycle end in a sighting.
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		Behavior:     BehaviorConfirmAfter,
		ConfirmAfter: 3,
		ToleranceDeg: 1.5,
		ArtifactDir:  "artifacts",
	}
}

// VisionSim is a simulated steerable camera with a paired analyzer. It
// accepts a single zoom knob, slews instantly, and answers verdicts per
// its scripted behavior. The dispatch counter spans the adapter's
// lifetime, not a single task.
type VisionSim struct {
	cfg    VisionConfig
	logger *zap.Logger

	mu         sync.Mutex
	pointing   search.PointingState
	dispatches int
}

// NewVisionSim creates the simulated camera.
func NewVisionSim(cfg VisionConfig, logger *zap.Logger) *VisionSim {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Behavior == "" {
		cfg.Behavior = BehaviorDeny
	}
	return &VisionSim{cfg: cfg, logger: logger}
}

// Capabilities reports the camera's single bounded knob.
func (v *VisionSim) Capabilities() search.CapabilityProfile {
	return search.CapabilityProfile{
		Modality: "vision",
		Knobs: map[string]search.Bounds{
			"zoom": {Min: 1, Max: 30},
		},
	}
}

// State returns the camera's current pose.
func (v *VisionSim) State() search.PointingState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pointing
}

// ExecuteTile slews, stares for the dwell, and returns the analyzer's
// verdict. Cancellation is honored at every wait.
func (v *VisionSim) ExecuteTile(ctx context.Context, tile search.Tile) (search.Observation, search.Decision, error) {
	v.mu.Lock()
	v.dispatches++
	n := v.dispatches
	v.pointing = search.PointingState{
		AzimuthDeg:   tile.AzimuthDeg,
		ElevationDeg: tile.ElevationDeg,
		Busy:         true,
	}
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.pointing.Busy = false
		v.mu.Unlock()
	}()

	switch v.cfg.Behavior {
	case BehaviorHang:
		<-ctx.Done()
		return search.Observation{}, search.Decision{}, ctx.Err()
	case BehaviorFatal:
		return search.Observation{}, search.Decision{},
			fmt.Errorf("%w: simulated camera fault", search.ErrAdapterFatal)
	}

	if err := stare(ctx, tile.Dwell); err != nil {
		return search.Observation{}, search.Decision{}, err
	}

	zoom := tile.Params["zoom"]
	confirmed := v.cfg.Behavior.confirms(n, v.cfg.ConfirmAfter,
		tile.AzimuthDeg, v.cfg.TargetBearingDeg, v.cfg.ToleranceDeg)

	score := denyScore
	obs := search.Observation{
		Features: map[string]float64{"score": denyScore, "zoom": zoom},
	}
	if confirmed {
		score = confirmScore
		obs.Features["score"] = confirmScore
		path, err := writeFrameStub(v.cfg.ArtifactDir,
			fmt.Sprintf("az=%.2f el=%.2f zoom=%.1f", tile.AzimuthDeg, tile.ElevationDeg, zoom))
		if err != nil {
			v.logger.Warn("frame stub not written", zap.Error(err))
		} else {
			obs.Artifact = &search.Artifact{Path: path, ContentType: "image/jpeg"}
		}
	}

	dec := search.Decision{
		Confirmed: confirmed,
		Score:     score,
		Meta:      map[string]string{"analyzer": "sim_vision_v1"},
	}
	return obs, dec, nil
}

// stare blocks for the dwell or until cancelled.
func stare(ctx context.Context, dwell time.Duration) error {
	if dwell <= 0 {
		return nil
	}
	timer := time.NewTimer(dwell)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
