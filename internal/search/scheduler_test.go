package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"spotter/internal/geo"
)

// fakeAdapter scripts verdicts by dispatch number (1-based).
type fakeAdapter struct {
	mu         sync.Mutex
	profile    CapabilityProfile
	script     func(ctx context.Context, n int, tile Tile) (Observation, Decision, error)
	dispatches []Tile
}

func (f *fakeAdapter) Capabilities() CapabilityProfile { return f.profile }

func (f *fakeAdapter) State() PointingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dispatches) == 0 {
		return PointingState{}
	}
	last := f.dispatches[len(f.dispatches)-1]
	return PointingState{AzimuthDeg: last.AzimuthDeg, ElevationDeg: last.ElevationDeg}
}

func (f *fakeAdapter) ExecuteTile(ctx context.Context, tile Tile) (Observation, Decision, error) {
	f.mu.Lock()
	f.dispatches = append(f.dispatches, tile)
	n := len(f.dispatches)
	f.mu.Unlock()
	return f.script(ctx, n, tile)
}

func (f *fakeAdapter) dispatched() []Tile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Tile(nil), f.dispatches...)
}

func deny() (Observation, Decision, error) {
	return Observation{Features: map[string]float64{"score": 0.1}}, Decision{Confirmed: false, Score: 0.1}, nil
}

func confirm(path string) (Observation, Decision, error) {
	obs := Observation{Features: map[string]float64{"score": 0.93}}
	if path != "" {
		obs.Artifact = &Artifact{Path: path, ContentType: "image/jpeg"}
	}
	return obs, Decision{Confirmed: true, Score: 0.93}, nil
}

func blockUntilCancel(ctx context.Context) (Observation, Decision, error) {
	<-ctx.Done()
	return Observation{}, Decision{}, ctx.Err()
}

type fakePublisher struct {
	mu        sync.Mutex
	sightings []Sighting
}

func (p *fakePublisher) PublishSighting(_ context.Context, s Sighting) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sightings = append(p.sightings, s)
	return nil
}

func (p *fakePublisher) all() []Sighting {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sighting(nil), p.sightings...)
}

type fakeSink struct{ ch chan Result }

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan Result, 16)} }

func (s *fakeSink) SaveResult(_ context.Context, res Result) error {
	s.ch <- res
	return nil
}

func (s *fakeSink) wait(t *testing.T, timeout time.Duration) Result {
	t.Helper()
	select {
	case res := <-s.ch:
		return res
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a task result")
		return Result{}
	}
}

func fastTunables() Tunables {
	t := DefaultTunables()
	t.StepDeg = 2
	t.SpanDeg = 8
	t.Elevations = []float64{0.5, 1.5, 3.0}
	t.Settle = time.Millisecond
	t.Dwell = 5 * time.Millisecond
	t.AnalyzerSLA = 100 * time.Millisecond
	t.TimeBudget = 5 * time.Second
	t.MaxTiles = 27
	t.CancelGrace = 300 * time.Millisecond
	return t
}

// startScheduler runs the loop in the background and returns a cleanup
// that stops it and waits for exit.
func startScheduler(t *testing.T, s *Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testCue(bearing float64, priority int) Cue {
	return Cue{
		ID:         "cue-" + time.Now().Format("150405.000000000"),
		BearingDeg: bearing,
		SigmaDeg:   6,
		Source:     "acoustic",
		Confidence: 80,
		Priority:   priority,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestTaskConfirmsAndPublishesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			if n == 2 {
				return confirm("/tmp/frames/hit.jpg")
			}
			return deny()
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	s, err := NewScheduler(SchedulerConfig{
		Adapter:   adapter,
		Publisher: pub,
		History:   sink,
		Logger:    zap.NewNop(),
		Tunables:  fastTunables(),
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.True(t, res.Found)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, 2, res.ExecutedTiles)
	assert.Greater(t, res.TimeToFirstTrue, time.Duration(0))
	require.NotNil(t, res.Winning)
	assert.Equal(t, "/tmp/frames/hit.jpg", res.ArtifactPath)

	// The second ladder tile for bearing 10, step 2, span 8 sits at 4 deg.
	dispatched := adapter.dispatched()
	require.Len(t, dispatched, 2)
	assert.InDelta(t, 2.0, dispatched[0].AzimuthDeg, 1e-9)
	assert.InDelta(t, 4.0, dispatched[1].AzimuthDeg, 1e-9)

	sightings := pub.all()
	require.Len(t, sightings, 1, "exactly one sighting per confirmed task")
	assert.InDelta(t, 4.0, sightings[0].BearingDegTrue, 1e-9)
	assert.Equal(t, res.CueID, sightings[0].SourceCueID)
	assert.True(t, sightings[0].RangeIsSynthetic)
	assert.Equal(t, 600.0, sightings[0].DistanceM)
}

func TestTaskFailsAfterMaxTiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return deny()
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	tun := fastTunables()
	tun.MaxTiles = 3

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Publisher: pub, History: sink,
		Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.False(t, res.Found)
	assert.Equal(t, ReasonNoDetection, res.Reason)
	assert.Equal(t, 3, res.ExecutedTiles)
	assert.Len(t, adapter.dispatched(), 3, "no dispatch beyond the tile ceiling")
	assert.Empty(t, pub.all(), "failed tasks publish nothing")
}

func TestZeroBudgetFailsWithoutDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return deny()
		},
	}
	sink := newFakeSink()

	tun := fastTunables()
	tun.MaxTiles = 0

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, History: sink, Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.False(t, res.Found)
	assert.Equal(t, ReasonConfigError, res.Reason)
	assert.Zero(t, res.ExecutedTiles)
	assert.Empty(t, adapter.dispatched())
}

func TestUnknownPatternFailsTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return deny()
		},
	}
	sink := newFakeSink()

	tun := fastTunables()
	tun.Pattern = "figure_eight"

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, History: sink, Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.Equal(t, ReasonConfigError, res.Reason)
	assert.Empty(t, adapter.dispatched())
}

func TestAnalyzerTimeoutFailsFast(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return blockUntilCancel(ctx)
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	tun := fastTunables()
	tun.AnalyzerSLA = 60 * time.Millisecond
	tun.MaxConsecutiveTimeouts = 1

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Publisher: pub, History: sink,
		Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	start := time.Now()
	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Zero(t, res.ExecutedTiles, "a timed-out tile never counts as executed")
	assert.Equal(t, 1, res.Timeouts)
	require.Len(t, res.Tiles, 1)
	assert.True(t, res.Tiles[0].TimedOut)
	assert.Nil(t, res.Tiles[0].Decision)
	assert.Empty(t, pub.all())

	// settle + dwell + SLA + grace, far from the hang duration.
	assert.Less(t, time.Since(start), 2*time.Second, "a hung analyzer must not wedge the planner")
}

func TestTimeoutThenRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			if n == 1 {
				return blockUntilCancel(ctx)
			}
			return confirm("")
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	tun := fastTunables()
	tun.AnalyzerSLA = 60 * time.Millisecond
	tun.MaxConsecutiveTimeouts = 2

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Publisher: pub, History: sink,
		Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.True(t, res.Found, "one SLA miss under the limit keeps the search alive")
	assert.Equal(t, 1, res.Timeouts)
	assert.Equal(t, 1, res.ExecutedTiles)
	require.Len(t, pub.all(), 1)

	// The timed-out tile was consumed; the confirmation came from the next one.
	dispatched := adapter.dispatched()
	require.Len(t, dispatched, 2)
	assert.NotEqual(t, dispatched[0].ID, dispatched[1].ID)
}

func TestRetryTimedOutTileOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			if n <= 2 {
				return blockUntilCancel(ctx)
			}
			return confirm("")
		},
	}
	sink := newFakeSink()

	tun := fastTunables()
	tun.AnalyzerSLA = 50 * time.Millisecond
	tun.MaxConsecutiveTimeouts = 3
	tun.RetryTimedOutTile = true

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, History: sink, Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 10*time.Second)

	assert.True(t, res.Found)
	assert.Equal(t, 2, res.Timeouts)

	dispatched := adapter.dispatched()
	require.Len(t, dispatched, 3)
	assert.Equal(t, dispatched[0].ID, dispatched[1].ID, "first timeout re-queues the same tile once")
	assert.NotEqual(t, dispatched[1].ID, dispatched[2].ID, "second timeout consumes it")
}

func TestPreemptionDuringAnalysis(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			if n == 1 {
				return blockUntilCancel(ctx) // task A hangs in analysis
			}
			return confirm("") // task B confirms immediately
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	tun := fastTunables()
	tun.AnalyzerSLA = 10 * time.Second // keep task A pinned in analysis
	tun.Preemption = PreemptPriority

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Publisher: pub, History: sink,
		Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	cueA := testCue(10, 1)
	cueA.ID = "cue-a"
	require.NoError(t, s.Submit(cueA))

	waitFor(t, 3*time.Second, func() bool { return len(adapter.dispatched()) == 1 })
	waitFor(t, 3*time.Second, func() bool { return s.Status().State == StateAwaitingAnalysis })

	cueB := testCue(250, 9)
	cueB.ID = "cue-b"
	require.NoError(t, s.Submit(cueB))

	res := sink.wait(t, 5*time.Second)
	assert.Equal(t, "cue-b", res.CueID, "only the preempting task produces a result")
	assert.True(t, res.Found)

	sightings := pub.all()
	require.Len(t, sightings, 1, "the preempted task must not publish")
	assert.Equal(t, "cue-b", sightings[0].SourceCueID)

	assert.Equal(t, 1, s.Status().Counters.TasksPreempted)

	// Nothing else lands after the dust settles.
	select {
	case extra := <-sink.ch:
		t.Fatalf("unexpected extra result for cue %s", extra.CueID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLowPriorityCueDroppedMidTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			select {
			case <-release:
				return confirm("")
			case <-ctx.Done():
				return Observation{}, Decision{}, ctx.Err()
			}
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	tun := fastTunables()
	tun.AnalyzerSLA = 10 * time.Second
	tun.Preemption = PreemptPriority

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Publisher: pub, History: sink,
		Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	cueA := testCue(10, 8)
	cueA.ID = "cue-high"
	require.NoError(t, s.Submit(cueA))
	waitFor(t, 3*time.Second, func() bool { return len(adapter.dispatched()) == 1 })

	cueB := testCue(90, 2)
	cueB.ID = "cue-low"
	require.NoError(t, s.Submit(cueB))

	waitFor(t, 3*time.Second, func() bool { return s.Status().Counters.CuesDropped == 1 })
	close(release)

	res := sink.wait(t, 5*time.Second)
	assert.Equal(t, "cue-high", res.CueID, "the running task survives a lower-rank cue")
	assert.True(t, res.Found)
	assert.Zero(t, s.Status().Counters.TasksPreempted)
}

func TestPreemptionDuringSettle(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return confirm("")
		},
	}
	pub := &fakePublisher{}
	sink := newFakeSink()

	tun := fastTunables()
	tun.Settle = 500 * time.Millisecond

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Publisher: pub, History: sink,
		Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	cueA := testCue(10, 1)
	cueA.ID = "cue-a"
	require.NoError(t, s.Submit(cueA))
	waitFor(t, 3*time.Second, func() bool { return s.Status().State == StateExecutingTile })

	cueB := testCue(200, 1)
	cueB.ID = "cue-b"
	require.NoError(t, s.Submit(cueB)) // newest-wins policy

	res := sink.wait(t, 5*time.Second)
	assert.Equal(t, "cue-b", res.CueID)

	// Task A never reached the sensor.
	for _, tile := range adapter.dispatched() {
		assert.True(t, geo.Between(tile.AzimuthDeg, 190, 210),
			"dispatches should belong to the preempting cue, got az %.1f", tile.AzimuthDeg)
	}
}

func TestDeadlineStopsNewDispatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			time.Sleep(20 * time.Millisecond)
			return deny()
		},
	}
	sink := newFakeSink()

	tun := fastTunables()
	tun.TimeBudget = 120 * time.Millisecond
	tun.MaxTiles = 1000

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, History: sink, Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	res := sink.wait(t, 5*time.Second)

	assert.Equal(t, ReasonNoDetection, res.Reason)
	assert.GreaterOrEqual(t, res.ExecutedTiles, 1)
	assert.Less(t, res.EndedAt.Sub(res.StartedAt), time.Second,
		"the task must stop dispatching soon after the deadline")
}

func TestSubmitQueueFullDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return deny()
		},
	}
	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, Logger: zap.NewNop(), Tunables: fastTunables(), QueueSize: 1,
	})
	require.NoError(t, err)

	// Not running: the queue holds one cue, the second must drop.
	require.NoError(t, s.Submit(testCue(10, 1)))
	err = s.Submit(testCue(20, 1))
	require.Error(t, err)
	assert.Equal(t, 1, s.Status().Counters.CuesDropped)
}

func TestSubmitRejectsBadCue(t *testing.T) {
	adapter := &fakeAdapter{profile: visionProfile()}
	s, err := NewScheduler(SchedulerConfig{Adapter: adapter, Logger: zap.NewNop(), Tunables: fastTunables()})
	require.NoError(t, err)

	bad := testCue(10, 1)
	bad.SigmaDeg = -4
	err = s.Submit(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadCue)
}

func TestReconfigureAppliesAtTaskBoundary(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &fakeAdapter{
		profile: visionProfile(),
		script: func(ctx context.Context, n int, tile Tile) (Observation, Decision, error) {
			return deny()
		},
	}
	sink := newFakeSink()

	tun := fastTunables()
	tun.MaxTiles = 2

	s, err := NewScheduler(SchedulerConfig{
		Adapter: adapter, History: sink, Logger: zap.NewNop(), Tunables: tun,
	})
	require.NoError(t, err)
	stop := startScheduler(t, s)
	defer stop()

	require.NoError(t, s.Submit(testCue(10, 1)))
	first := sink.wait(t, 5*time.Second)
	assert.Equal(t, 2, first.ExecutedTiles)

	next := fastTunables()
	next.MaxTiles = 4
	s.Reconfigure(next)

	require.NoError(t, s.Submit(testCue(10, 1)))
	second := sink.wait(t, 5*time.Second)
	assert.Equal(t, 4, second.ExecutedTiles, "staged tunables take effect on the next task")
}
