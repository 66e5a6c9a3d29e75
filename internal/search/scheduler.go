package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spotter/internal/geo"
)

// Adapter is the planner's contract with one steerable sensor. ExecuteTile
// blocks for the dwell plus analysis and must honor context cancellation;
// the scheduler abandons calls that outlive the per-tile deadline.
// Unrecoverable faults are reported wrapped in ErrAdapterFatal.
type Adapter interface {
	Capabilities() CapabilityProfile
	State() PointingState
	ExecuteTile(ctx context.Context, tile Tile) (Observation, Decision, error)
}

// ResultSink persists terminal task results. Persistence failures are
// logged, never fatal to the task.
type ResultSink interface {
	SaveResult(ctx context.Context, res Result) error
}

// Tunables are the per-task planner knobs. They can be swapped at runtime;
// a swap takes effect at the next task boundary and never mutates a task
// already in flight.
type Tunables struct {
	Pattern    string
	StepDeg    float64
	SpanDeg    float64
	Elevations []float64
	Knobs      map[string]float64

	Settle      time.Duration // Mount settle wait before each dispatch
	Dwell       time.Duration // Stare time per tile
	AnalyzerSLA time.Duration // Verdict wait beyond settle+dwell
	TimeBudget  time.Duration // Wall-clock budget per task
	CancelGrace time.Duration // Stand-down wait after cancelling a dispatch

	MaxTiles               int
	MaxConsecutiveTimeouts int
	RetryTimedOutTile      bool

	Preemption PreemptionPolicy
	Replan     ReplanPolicy
	Belief     BeliefParams
}

// DefaultTunables returns the field-demo defaults.
func DefaultTunables() Tunables {
	return Tunables{
		Pattern:                "horizon_ladder",
		StepDeg:                2.0,
		SpanDeg:                10.0,
		Elevations:             []float64{0.0, 1.0, 2.5},
		Settle:                 50 * time.Millisecond,
		Dwell:                  150 * time.Millisecond,
		AnalyzerSLA:            300 * time.Millisecond,
		TimeBudget:             4 * time.Second,
		CancelGrace:            250 * time.Millisecond,
		MaxTiles:               12,
		MaxConsecutiveTimeouts: 1,
		Preemption:             PreemptNewest,
		Replan:                 ReplanSequential,
		Belief:                 DefaultBeliefParams(),
	}
}

// normalized fills gaps an operator config may leave open. Budgets are
// deliberately not defaulted: a zero budget is a configuration fault the
// planner must surface, not paper over.
func (t Tunables) normalized() Tunables {
	if t.Pattern == "" {
		t.Pattern = "horizon_ladder"
	}
	if t.MaxConsecutiveTimeouts <= 0 {
		t.MaxConsecutiveTimeouts = 1
	}
	if t.CancelGrace <= 0 {
		t.CancelGrace = 250 * time.Millisecond
	}
	if t.Preemption == "" {
		t.Preemption = PreemptNewest
	}
	if t.Replan == "" {
		t.Replan = ReplanSequential
	}
	return t
}

// Counters accumulate over the scheduler's lifetime.
type Counters struct {
	TasksStarted   int `json:"tasks_started"`
	TasksDone      int `json:"tasks_done"`
	TasksFailed    int `json:"tasks_failed"`
	TasksPreempted int `json:"tasks_preempted"`
	CuesDropped    int `json:"cues_dropped"`
	Sightings      int `json:"sightings"`
	Timeouts       int `json:"timeouts"`
	ClampWarnings  int `json:"clamp_warnings"`
}

// Snapshot is a point-in-time copy of planner state for the status surface.
type Snapshot struct {
	State            State         `json:"state"`
	TaskID           string        `json:"task_id,omitempty"`
	CueID            string        `json:"cue_id,omitempty"`
	CueBearingDeg    float64       `json:"cue_bearing_deg"`
	Pattern          string        `json:"pattern,omitempty"`
	PlannedTiles     int           `json:"planned_tiles"`
	DecidedTiles     int           `json:"decided_tiles"`
	TaskTimeouts     int           `json:"task_timeouts"`
	Deadline         time.Time     `json:"deadline,omitempty"`
	BudgetRemaining  time.Duration `json:"budget_remaining,omitempty"`
	LastTile         *Tile         `json:"last_tile,omitempty"`
	LastDecision     *Decision     `json:"last_decision,omitempty"`
	LastReason       FailReason    `json:"last_reason,omitempty"`
	LastArtifactPath string        `json:"last_artifact_path,omitempty"`
	Pointing         PointingState `json:"pointing"`
	Counters         Counters      `json:"counters"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SchedulerConfig wires a scheduler to its collaborators.
type SchedulerConfig struct {
	Adapter   Adapter
	Registry  *PatternRegistry
	Publisher SightingPublisher
	History   ResultSink
	Range     RangeEstimator
	Shadow    *ShadowAdvisor
	Logger    *zap.Logger
	Tunables  Tunables
	QueueSize int // Cue channel depth (default 8)
}

// Scheduler drives one sensor through cue-triggered search tasks. Tiles
// run strictly one at a time; the verdict for tile N is fully processed
// before tile N+1 dispatches. A single goroutine owns all task state, so
// the only synchronization is around the status snapshot and counters.
type Scheduler struct {
	mu sync.RWMutex

	adapter   Adapter
	registry  *PatternRegistry
	publisher SightingPublisher
	history   ResultSink
	ranger    RangeEstimator
	shadow    *ShadowAdvisor
	logger    *zap.Logger

	tun     Tunables
	pending *Tunables // swapped in at the next task boundary

	cueCh chan Cue

	// Guarded by mu
	snap       Snapshot
	lastResult *Result
	isRunning  bool
	cancelFunc context.CancelFunc
}

// NewScheduler creates a scheduler. The adapter is mandatory; a nil
// registry gets the built-in patterns and a nil range estimator gets the
// synthetic default.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("scheduler requires an adapter")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewPatternRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Range == nil {
		cfg.Range = DefaultFixedRange()
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 8
	}

	return &Scheduler{
		adapter:   cfg.Adapter,
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		history:   cfg.History,
		ranger:    cfg.Range,
		shadow:    cfg.Shadow,
		logger:    cfg.Logger,
		tun:       cfg.Tunables.normalized(),
		cueCh:     make(chan Cue, queue),
		snap:      Snapshot{State: StateIdle},
	}, nil
}

// Submit queues a cue for the scheduler. The call never blocks; when the
// queue is full the cue is dropped and an error returned so the ingress
// side can log it.
func (s *Scheduler) Submit(cue Cue) error {
	if cue.ID == "" {
		cue.ID = uuid.NewString()
	}
	if cue.ReceivedAt.IsZero() {
		cue.ReceivedAt = time.Now().UTC()
	}
	cue.BearingDeg = geo.Wrap360(cue.BearingDeg)
	if err := cue.Validate(); err != nil {
		return err
	}

	select {
	case s.cueCh <- cue:
		return nil
	default:
		s.patch(func(sn *Snapshot) { sn.Counters.CuesDropped++ })
		return fmt.Errorf("cue queue full, dropping cue %s", cue.ID)
	}
}

// Reconfigure stages new tunables. They apply when the next task starts;
// the running task keeps the knobs it started with.
func (s *Scheduler) Reconfigure(t Tunables) {
	n := t.normalized()
	s.mu.Lock()
	s.pending = &n
	s.mu.Unlock()
	s.logger.Info("planner tunables staged for next task",
		zap.String("pattern", n.Pattern),
		zap.Int("max_tiles", n.MaxTiles),
		zap.Duration("time_budget", n.TimeBudget))
}

// Status returns a copy of the planner's current state.
func (s *Scheduler) Status() Snapshot {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	snap.Pointing = s.adapter.State()
	if !snap.Deadline.IsZero() {
		if rem := time.Until(snap.Deadline); rem > 0 {
			snap.BudgetRemaining = rem
		}
	}
	snap.UpdatedAt = time.Now()
	return snap
}

// LastResult returns the most recent terminal result, if any.
func (s *Scheduler) LastResult() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil {
		return nil
	}
	res := *s.lastResult
	return &res
}

// Stop cancels the running loop. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancelFunc
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the scheduler loop until the context is cancelled. One cue
// runs at a time; a preempting cue chains straight into the next task
// without passing through the idle wait.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.isRunning = true
	s.cancelFunc = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.isRunning = false
		s.cancelFunc = nil
		s.snap.State = StateIdle
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler running", zap.String("modality", s.adapter.Capabilities().Modality))

	var next *Cue
	for {
		var cue Cue
		if next != nil {
			cue, next = *next, nil
		} else {
			s.setIdle()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cue = <-s.cueCh:
			}
		}

		next = s.runTask(ctx, cue)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runTask executes one search task end to end. It returns the cue that
// preempted the task, or nil when the task reached a terminal state.
func (s *Scheduler) runTask(ctx context.Context, cue Cue) *Cue {
	// 1. Apply any staged tunables at the task boundary.
	s.mu.Lock()
	if s.pending != nil {
		s.tun = *s.pending
		s.pending = nil
		s.logger.Info("planner tunables applied")
	}
	tun := s.tun
	s.mu.Unlock()

	now := time.Now()
	task := NewTask(cue, tun.Pattern, tun.TimeBudget, tun.MaxTiles, now)
	log := s.logger.With(zap.String("task_id", task.ID), zap.String("cue_id", cue.ID))

	s.beginTask(task)
	log.Info("search task started",
		zap.Float64("bearing_deg", cue.BearingDeg),
		zap.Float64("sigma_deg", cue.SigmaDeg),
		zap.String("source", cue.Source),
		zap.Int("priority", cue.Priority),
		zap.String("pattern", tun.Pattern))

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 2. A task born with no budget is a configuration fault, not a search.
	if tun.MaxTiles <= 0 || tun.TimeBudget <= 0 {
		s.failTask(taskCtx, task, ReasonConfigError, log,
			fmt.Errorf("zero search budget (max_tiles=%d, time_budget=%s)", tun.MaxTiles, tun.TimeBudget))
		return nil
	}

	// 3. Expand the cue into the tile queue.
	params := PatternParams{
		StepDeg:    tun.StepDeg,
		SpanDeg:    tun.SpanDeg,
		Elevations: tun.Elevations,
		Dwell:      tun.Dwell,
		Knobs:      tun.Knobs,
	}
	tiles, err := s.registry.Generate(tun.Pattern, cue, params)
	if err != nil {
		s.failTask(taskCtx, task, ReasonConfigError, log, err)
		return nil
	}
	for i := range tiles {
		tiles[i].ID = uuid.NewString()
	}
	task.Tiles = tiles
	s.patch(func(sn *Snapshot) { sn.PlannedTiles = len(tiles) })
	log.Info("plan ready", zap.Int("tiles", len(tiles)))

	s.shadow.Advise(task)

	// 4. Belief map: maintained per task, consulted only under the belief
	// replan policy. Mass only ever decays.
	belief := NewBeliefMap(cue, tun.Belief)
	var selector *BeliefMap
	if tun.Replan == ReplanBelief {
		selector = belief
	}

	profile := s.adapter.Capabilities()
	done := make([]bool, len(task.Tiles))
	retried := make(map[int]bool)

	for {
		// 5. Preemption check between tiles.
		if c := s.pollPreempt(cue); c != nil {
			s.preemptTask(task, c, log)
			return c
		}

		// 6. Budget gate before every dispatch.
		if task.Decided() >= task.MaxTiles {
			s.failTask(taskCtx, task, ReasonNoDetection, log, nil)
			return nil
		}
		if !time.Now().Before(task.Deadline) {
			s.failTask(taskCtx, task, ReasonNoDetection, log, nil)
			return nil
		}

		idx := NextTileIndex(task.Tiles, done, selector)
		if idx < 0 {
			s.failTask(taskCtx, task, ReasonNoDetection, log, nil)
			return nil
		}

		// 7. Fit the tile to the sensor.
		tile, warns := GateTile(profile, task.Tiles[idx])
		if len(warns) > 0 {
			task.ClampWarnings += len(warns)
			s.patch(func(sn *Snapshot) { sn.Counters.ClampWarnings += len(warns) })
			for _, w := range warns {
				log.Warn("knob clamped to capability bounds",
					zap.String("tile_id", tile.ID),
					zap.String("knob", w.Knob),
					zap.Float64("requested", w.Requested),
					zap.Float64("applied", w.Applied))
			}
		}

		// 8. Settle, dispatch, and race the verdict against the tile clock.
		s.setExecuting(tile)
		out := s.executeTile(taskCtx, task, tile, tun)

		switch out.kind {
		case outcomePreempt:
			s.preemptTask(task, out.cue, log)
			return out.cue

		case outcomeShutdown:
			log.Info("task aborted by shutdown", zap.Int("decided_tiles", task.Decided()))
			return nil

		case outcomeTimeout:
			task.Timeouts++
			task.ConsecutiveTimeouts++
			task.Log = append(task.Log, TileRecord{
				Tile:         tile,
				Elapsed:      out.elapsed,
				TimedOut:     true,
				DispatchedAt: out.dispatchedAt,
			})
			s.patch(func(sn *Snapshot) {
				sn.Counters.Timeouts++
				sn.TaskTimeouts = task.Timeouts
			})
			log.Warn("tile verdict timed out",
				zap.String("tile_id", tile.ID),
				zap.Duration("elapsed", out.elapsed),
				zap.Int("consecutive", task.ConsecutiveTimeouts))

			if tun.RetryTimedOutTile && !retried[idx] {
				retried[idx] = true // one more chance, then the cursor moves on
			} else {
				done[idx] = true
			}
			if task.ConsecutiveTimeouts >= tun.MaxConsecutiveTimeouts {
				s.failTask(taskCtx, task, ReasonTimeout, log, nil)
				return nil
			}
			s.setReplan()

		case outcomeFatal:
			log.Error("adapter fatal fault", zap.String("tile_id", tile.ID), zap.Error(out.err))
			s.failTask(taskCtx, task, ReasonAdapterFatal, log, out.err)
			return nil

		case outcomeDecision:
			task.ConsecutiveTimeouts = 0
			done[idx] = true
			task.Log = append(task.Log, TileRecord{
				Tile:         tile,
				Decision:     &out.dec,
				Observation:  &out.obs,
				Elapsed:      out.elapsed,
				DispatchedAt: out.dispatchedAt,
			})
			rec := &task.Log[len(task.Log)-1]
			s.patch(func(sn *Snapshot) {
				sn.DecidedTiles = task.Decided()
				sn.LastDecision = rec.Decision
			})

			if out.dec.Confirmed {
				task.Winning = rec
				s.completeTask(taskCtx, task, log)
				return nil
			}

			belief.Observe(tile.AzimuthDeg)
			log.Debug("tile rejected by analyzer",
				zap.String("tile_id", tile.ID),
				zap.Float64("score", out.dec.Score))
			s.setReplan()
		}
	}
}

// outcomeKind classifies how a dispatched tile ended.
type outcomeKind int

const (
	outcomeDecision outcomeKind = iota
	outcomeTimeout
	outcomePreempt
	outcomeFatal
	outcomeShutdown
)

type tileOutcome struct {
	kind         outcomeKind
	obs          Observation
	dec          Decision
	err          error
	cue          *Cue
	elapsed      time.Duration
	dispatchedAt time.Time
}

type adapterReply struct {
	obs Observation
	dec Decision
	err error
}

// executeTile runs one tile: settle, dispatch, then block on the verdict.
// The adapter call races the per-tile deadline (settle + dwell + analyzer
// SLA), incoming preemption, and shutdown. A verdict that loses the race
// is received and discarded; it never reaches the task log.
func (s *Scheduler) executeTile(taskCtx context.Context, task *Task, tile Tile, tun Tunables) tileOutcome {
	start := time.Now()
	budget := tun.Settle + tile.Dwell + tun.AnalyzerSLA
	tileCtx, cancelTile := context.WithDeadline(taskCtx, start.Add(budget))
	defer cancelTile()

	// Settle: let the mount stop moving before the stare begins. The wait
	// stays preemptible so a fresh cue never queues behind it.
	if c, aborted := s.sleepPreemptible(taskCtx, tun.Settle, task.Cue); aborted {
		return tileOutcome{kind: outcomeShutdown}
	} else if c != nil {
		return tileOutcome{kind: outcomePreempt, cue: c}
	}

	s.setAwaiting()
	dispatchedAt := time.Now()
	replyCh := make(chan adapterReply, 1)
	go func() {
		obs, dec, err := s.adapter.ExecuteTile(tileCtx, tile)
		replyCh <- adapterReply{obs: obs, dec: dec, err: err}
	}()

	for {
		select {
		case r := <-replyCh:
			elapsed := time.Since(dispatchedAt)
			switch {
			case taskCtx.Err() != nil:
				return tileOutcome{kind: outcomeShutdown}
			case r.err == nil:
				return tileOutcome{kind: outcomeDecision, obs: r.obs, dec: r.dec, elapsed: elapsed, dispatchedAt: dispatchedAt}
			case errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled):
				// The adapter noticed the tile deadline before our timer fired.
				return tileOutcome{kind: outcomeTimeout, elapsed: elapsed, dispatchedAt: dispatchedAt}
			default:
				return tileOutcome{kind: outcomeFatal, err: r.err, dispatchedAt: dispatchedAt}
			}

		case <-tileCtx.Done():
			if taskCtx.Err() != nil {
				drainReply(replyCh, tun.CancelGrace)
				return tileOutcome{kind: outcomeShutdown}
			}
			// SLA miss. Cancel the dispatch, give the sensor a short grace
			// to stand down, and move on. Never wait out the full dwell.
			cancelTile()
			drainReply(replyCh, tun.CancelGrace)
			return tileOutcome{kind: outcomeTimeout, elapsed: time.Since(dispatchedAt), dispatchedAt: dispatchedAt}

		case c := <-s.cueCh:
			if !s.preempts(task.Cue, c) {
				s.dropCue(c, task.Cue)
				continue
			}
			cancelTile()
			drainReply(replyCh, tun.CancelGrace)
			return tileOutcome{kind: outcomePreempt, cue: &c, dispatchedAt: dispatchedAt}
		}
	}
}

// drainReply collects an in-flight reply so the dispatch goroutine can
// exit, bounded by the stand-down grace. The reply, if any, is discarded.
func drainReply(ch <-chan adapterReply, grace time.Duration) {
	if grace <= 0 {
		return
	}
	select {
	case <-ch:
	case <-time.After(grace):
	}
}

// sleepPreemptible waits for d unless a preempting cue or shutdown arrives
// first. Non-preempting cues are dropped without disturbing the wait.
func (s *Scheduler) sleepPreemptible(ctx context.Context, d time.Duration, current Cue) (*Cue, bool) {
	if d <= 0 {
		return nil, false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, true
		case c := <-s.cueCh:
			if s.preempts(current, c) {
				return &c, false
			}
			s.dropCue(c, current)
		}
	}
}

// pollPreempt drains queued cues without blocking and returns the first
// one that preempts the current task.
func (s *Scheduler) pollPreempt(current Cue) *Cue {
	for {
		select {
		case c := <-s.cueCh:
			if s.preempts(current, c) {
				return &c
			}
			s.dropCue(c, current)
		default:
			return nil
		}
	}
}

// preempts applies the preemption policy to an incoming cue.
func (s *Scheduler) preempts(current, incoming Cue) bool {
	switch s.tunSnapshot().Preemption {
	case PreemptPriority:
		return incoming.Priority > current.Priority
	default: // newest wins
		return true
	}
}

func (s *Scheduler) tunSnapshot() Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tun
}

func (s *Scheduler) dropCue(c Cue, current Cue) {
	s.patch(func(sn *Snapshot) { sn.Counters.CuesDropped++ })
	s.logger.Warn("cue dropped while task active",
		zap.String("cue_id", c.ID),
		zap.Int("cue_priority", c.Priority),
		zap.String("active_cue_id", current.ID),
		zap.Int("active_priority", current.Priority))
}

// completeTask finalizes a confirmed task: one result, one sighting.
func (s *Scheduler) completeTask(ctx context.Context, task *Task, log *zap.Logger) {
	now := time.Now()
	task.State = StateDone
	task.Reason = ReasonNone
	task.EndedAt = now

	res := newResult(task, true, now)

	// The sighting goes out before any bookkeeping: downstream consumers
	// wait on it, history does not.
	est := s.ranger.Estimate(task.Cue, *task.Winning.Decision)
	sighting := BuildSighting(task, *task.Winning, est, now)

	if s.publisher == nil {
		log.Warn("no sighting publisher wired, confirmation not delivered",
			zap.String("object_id", sighting.ObjectID))
	} else if err := s.publisher.PublishSighting(ctx, sighting); err != nil {
		log.Error("failed to publish sighting", zap.Error(err))
	} else {
		s.patch(func(sn *Snapshot) { sn.Counters.Sightings++ })
	}

	s.storeResult(ctx, &res, log)

	s.patch(func(sn *Snapshot) {
		sn.State = StateDone
		sn.Counters.TasksDone++
		sn.DecidedTiles = task.Decided()
		sn.LastReason = ReasonNone
		sn.LastArtifactPath = res.ArtifactPath
		sn.Deadline = time.Time{}
	})

	log.Info("search task confirmed",
		zap.Float64("bearing_deg", sighting.BearingDegTrue),
		zap.Duration("time_to_first_true", res.TimeToFirstTrue),
		zap.Int("executed_tiles", res.ExecutedTiles),
		zap.String("artifact", res.ArtifactPath))
}

// failTask finalizes a task that ran out of budget or hit a fault.
// No sighting is published on any failure path.
func (s *Scheduler) failTask(ctx context.Context, task *Task, reason FailReason, log *zap.Logger, cause error) {
	now := time.Now()
	task.State = StateFailed
	task.Reason = reason
	task.EndedAt = now

	res := newResult(task, false, now)
	s.storeResult(ctx, &res, log)

	s.patch(func(sn *Snapshot) {
		sn.State = StateFailed
		sn.Counters.TasksFailed++
		sn.DecidedTiles = task.Decided()
		sn.LastReason = reason
		sn.Deadline = time.Time{}
	})

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Int("executed_tiles", res.ExecutedTiles),
		zap.Int("timeouts", res.Timeouts),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	log.Warn("search task failed", fields...)
}

// preemptTask discards the running task in favor of a new cue. The
// preempted task produces no result and publishes nothing.
func (s *Scheduler) preemptTask(task *Task, incoming *Cue, log *zap.Logger) {
	s.patch(func(sn *Snapshot) {
		sn.Counters.TasksPreempted++
	})
	log.Info("task preempted",
		zap.String("incoming_cue_id", incoming.ID),
		zap.Int("incoming_priority", incoming.Priority),
		zap.Int("decided_tiles", task.Decided()))
}

// storeResult persists a terminal result; failures are logged only.
func (s *Scheduler) storeResult(ctx context.Context, res *Result, log *zap.Logger) {
	s.mu.Lock()
	s.lastResult = res
	s.mu.Unlock()

	if s.history == nil {
		return
	}
	if err := s.history.SaveResult(ctx, *res); err != nil {
		log.Error("failed to persist task result", zap.Error(err))
	}
}

// Snapshot bookkeeping. All transitions funnel through patch so readers
// always see a consistent copy.

func (s *Scheduler) patch(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.snap.UpdatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) beginTask(task *Task) {
	s.patch(func(sn *Snapshot) {
		sn.State = StatePlanning
		sn.TaskID = task.ID
		sn.CueID = task.Cue.ID
		sn.CueBearingDeg = task.Cue.BearingDeg
		sn.Pattern = task.Pattern
		sn.PlannedTiles = 0
		sn.DecidedTiles = 0
		sn.TaskTimeouts = 0
		sn.Deadline = task.Deadline
		sn.LastTile = nil
		sn.LastDecision = nil
		sn.Counters.TasksStarted++
	})
}

func (s *Scheduler) setExecuting(tile Tile) {
	s.patch(func(sn *Snapshot) {
		sn.State = StateExecutingTile
		t := tile
		sn.LastTile = &t
	})
}

func (s *Scheduler) setAwaiting() {
	s.patch(func(sn *Snapshot) { sn.State = StateAwaitingAnalysis })
}

func (s *Scheduler) setReplan() {
	s.patch(func(sn *Snapshot) { sn.State = StateReplan })
}

func (s *Scheduler) setIdle() {
	s.patch(func(sn *Snapshot) {
		sn.State = StateIdle
		sn.TaskID = ""
		sn.CueID = ""
		sn.Deadline = time.Time{}
	})
}
