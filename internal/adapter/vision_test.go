package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotter/internal/search"
)

func TestVisionCapabilities(t *testing.T) {
	v := NewVisionSim(DefaultVisionConfig(), nil)
	p := v.Capabilities()

	assert.Equal(t, "vision", p.Modality)
	b, ok := p.KnobBounds("zoom")
	require.True(t, ok)
	assert.Equal(t, 1.0, b.Min)
	assert.Equal(t, 30.0, b.Max)
	assert.False(t, p.Allows("power_fraction"))
}

func TestVisionConfirmAfterWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	v := NewVisionSim(VisionConfig{
		Behavior:     BehaviorConfirmAfter,
		ConfirmAfter: 2,
		ArtifactDir:  dir,
	}, nil)

	tile := search.Tile{AzimuthDeg: 42, ElevationDeg: 1, Dwell: time.Millisecond,
		Params: map[string]float64{"zoom": 8}}

	_, dec, err := v.ExecuteTile(context.Background(), tile)
	require.NoError(t, err)
	assert.False(t, dec.Confirmed)

	obs, dec, err := v.ExecuteTile(context.Background(), tile)
	require.NoError(t, err)
	assert.True(t, dec.Confirmed)
	assert.Greater(t, dec.Score, 0.9)

	require.NotNil(t, obs.Artifact)
	assert.Equal(t, "image/jpeg", obs.Artifact.ContentType)
	assert.Equal(t, dir, filepath.Dir(obs.Artifact.Path))

	data, err := os.ReadFile(obs.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data[:2], "frame stub starts with a JPEG SOI marker")
}

func TestVisionBearingMode(t *testing.T) {
	v := NewVisionSim(VisionConfig{
		Behavior:         BehaviorBearing,
		TargetBearingDeg: 100,
		ToleranceDeg:     1.5,
		ArtifactDir:      t.TempDir(),
	}, nil)

	tile := search.Tile{AzimuthDeg: 110, Dwell: time.Millisecond}
	_, dec, err := v.ExecuteTile(context.Background(), tile)
	require.NoError(t, err)
	assert.False(t, dec.Confirmed, "ten degrees off target must not confirm")

	tile.AzimuthDeg = 101
	_, dec, err = v.ExecuteTile(context.Background(), tile)
	require.NoError(t, err)
	assert.True(t, dec.Confirmed)
}

func TestVisionHangHonorsCancel(t *testing.T) {
	v := NewVisionSim(VisionConfig{Behavior: BehaviorHang}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := v.ExecuteTile(ctx, search.Tile{AzimuthDeg: 5, Dwell: time.Minute})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestVisionCancelDuringDwell(t *testing.T) {
	v := NewVisionSim(VisionConfig{Behavior: BehaviorDeny}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := v.ExecuteTile(ctx, search.Tile{AzimuthDeg: 5, Dwell: time.Minute})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, v.State().Busy)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("dwell did not honor cancellation")
	}
	assert.False(t, v.State().Busy)
}

func TestVisionFatal(t *testing.T) {
	v := NewVisionSim(VisionConfig{Behavior: BehaviorFatal}, nil)
	_, _, err := v.ExecuteTile(context.Background(), search.Tile{Dwell: time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, search.ErrAdapterFatal))
}

func TestVisionStateTracksPointing(t *testing.T) {
	v := NewVisionSim(VisionConfig{Behavior: BehaviorDeny}, nil)
	tile := search.Tile{AzimuthDeg: 77.5, ElevationDeg: 2.5, Dwell: time.Millisecond}

	_, _, err := v.ExecuteTile(context.Background(), tile)
	require.NoError(t, err)

	st := v.State()
	assert.Equal(t, 77.5, st.AzimuthDeg)
	assert.Equal(t, 2.5, st.ElevationDeg)
	assert.False(t, st.Busy)
}
