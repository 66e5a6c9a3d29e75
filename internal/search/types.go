// Package search implements the cue-driven search planner.
//
// The planner turns a directional cue from a detection sensor into a
// bounded search task against one steerable sensor:
//   - A pattern expands the cue into an ordered queue of pointing tiles
//   - Capability gating fits each tile to what the sensor can actually do
//   - The scheduler dispatches tiles one at a time and waits for a verdict
//   - A confirmed verdict publishes exactly one sighting; exhausted budgets
//     end the task without output
//
// One task runs at a time per sensor. A new cue can preempt the running
// task at any point; the preempted task is cancelled and produces nothing.
package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"spotter/internal/geo"
)

// State represents the planner's position in the task lifecycle.
type State string

const (
	StateIdle             State = "idle"              // No active task
	StatePlanning         State = "planning"          // Expanding cue into tiles
	StateExecutingTile    State = "executing_tile"    // Settling/dispatching a tile
	StateAwaitingAnalysis State = "awaiting_analysis" // Blocked on the analyzer verdict
	StateReplan           State = "replan"            // Choosing the next tile
	StateDone             State = "done"              // Confirmed; sighting published
	StateFailed           State = "failed"            // Budget exhausted or error
)

// FailReason classifies why a task ended in StateFailed.
type FailReason string

const (
	ReasonNone         FailReason = ""
	ReasonNoDetection  FailReason = "no_detection"  // Budget exhausted without a confirmation
	ReasonConfigError  FailReason = "config_error"  // Bad pattern/params; nothing was dispatched
	ReasonTimeout      FailReason = "timeout"       // Analyzer SLA misses crossed the limit
	ReasonAdapterFatal FailReason = "adapter_fatal" // Unrecoverable sensor fault
)

// PreemptionPolicy decides whether an incoming cue displaces the running task.
type PreemptionPolicy string

const (
	PreemptNewest   PreemptionPolicy = "newest"   // Any new cue wins
	PreemptPriority PreemptionPolicy = "priority" // Only a strictly higher priority wins
)

// ReplanPolicy selects the next tile after a non-confirming verdict.
type ReplanPolicy string

const (
	ReplanSequential ReplanPolicy = "sequential" // Original queue order
	ReplanBelief     ReplanPolicy = "belief"     // Highest remaining belief mass first
)

// Sentinel errors surfaced by planning and validation.
var (
	ErrBadCue       = errors.New("invalid cue")
	ErrBadPattern   = errors.New("invalid search pattern")
	ErrAdapterFatal = errors.New("adapter fatal fault")
)

// Cue is a coarse directional hint from a detection sensor. Cues are
// immutable once constructed; each cue is consumed by exactly one task.
type Cue struct {
	ID         string            `json:"id"`
	BearingDeg float64           `json:"bearing_deg_true"` // Bow-relative, [0,360)
	SigmaDeg   float64           `json:"bearing_error_deg"`
	Source     string            `json:"source"` // Originating modality (acoustic, rf, ...)
	Confidence int               `json:"confidence"`
	Priority   int               `json:"priority"`
	Context    map[string]string `json:"context,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// DecodeCue parses a cue payload from the wire, fills defaults, and
// normalizes the bearing. The zero-value time and missing ID are replaced.
func DecodeCue(data []byte) (Cue, error) {
	var c Cue
	if err := json.Unmarshal(data, &c); err != nil {
		return Cue{}, fmt.Errorf("%w: %v", ErrBadCue, err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now().UTC()
	}
	c.BearingDeg = geo.Wrap360(c.BearingDeg)
	if err := c.Validate(); err != nil {
		return Cue{}, err
	}
	return c, nil
}

// Validate checks the cue's field invariants.
func (c Cue) Validate() error {
	if math.IsNaN(c.BearingDeg) || math.IsInf(c.BearingDeg, 0) {
		return fmt.Errorf("%w: bearing is not finite", ErrBadCue)
	}
	if c.SigmaDeg < 0 || math.IsNaN(c.SigmaDeg) {
		return fmt.Errorf("%w: bearing error %.2f out of range", ErrBadCue, c.SigmaDeg)
	}
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d outside [0,100]", ErrBadCue, c.Confidence)
	}
	return nil
}

// Bounds is the closed interval a bounded knob accepts.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CapabilityProfile declares what one sensor can do: its modality and the
// parameter knobs it accepts, with bounds for the bounded ones. Profiles
// are fixed for the lifetime of an adapter and read-only to the planner.
type CapabilityProfile struct {
	Modality string            `json:"modality"`
	Knobs    map[string]Bounds `json:"knobs"`
}

// Allows reports whether the sensor accepts the named knob at all.
func (p CapabilityProfile) Allows(knob string) bool {
	_, ok := p.Knobs[knob]
	return ok
}

// KnobBounds returns the bounds for a knob and whether it is allowed.
func (p CapabilityProfile) KnobBounds(knob string) (Bounds, bool) {
	b, ok := p.Knobs[knob]
	return b, ok
}

// Tile is one unit of search work: where to point, how long to stare, and
// the sensor parameters to apply. Azimuth is always wrapped to [0,360)
// before dispatch.
type Tile struct {
	ID           string             `json:"id"`
	AzimuthDeg   float64            `json:"azimuth_deg"`
	ElevationDeg float64            `json:"elevation_deg"`
	Dwell        time.Duration      `json:"dwell"`
	Params       map[string]float64 `json:"params,omitempty"`
}

// Artifact references evidence captured during a tile (a frame, a clip).
type Artifact struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// Observation is the raw product of executing a tile.
type Observation struct {
	Features map[string]float64 `json:"features,omitempty"`
	Artifact *Artifact          `json:"artifact,omitempty"`
}

// Decision is the analyzer's verdict for one dispatched tile. Every
// dispatched tile yields exactly one decision unless it times out or the
// adapter faults; those surface as errors, never as an absent decision.
type Decision struct {
	Confirmed bool              `json:"confirmed"`
	Score     float64           `json:"score"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// TileRecord is one entry in a task's execution log.
type TileRecord struct {
	Tile         Tile          `json:"tile"`
	Decision     *Decision     `json:"decision,omitempty"`
	Observation  *Observation  `json:"observation,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	DispatchedAt time.Time     `json:"dispatched_at"`
}

// Task is the unit of planner work: one cue, one tile queue, one outcome.
type Task struct {
	ID      string `json:"id"`
	Cue     Cue    `json:"cue"`
	Pattern string `json:"pattern"`
	State   State  `json:"state"`

	// Plan
	Tiles []Tile `json:"tiles"`

	// Budget
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	MaxTiles  int       `json:"max_tiles"`

	// Execution log
	Log []TileRecord `json:"log,omitempty"`

	// Outcome
	Winning *TileRecord `json:"winning,omitempty"`
	Reason  FailReason  `json:"reason,omitempty"`
	EndedAt time.Time   `json:"ended_at,omitempty"`

	// Counters
	Timeouts            int `json:"timeouts"`
	ConsecutiveTimeouts int `json:"consecutive_timeouts"`
	ClampWarnings       int `json:"clamp_warnings"`
}

// NewTask binds a cue to a fresh task in the planning state.
func NewTask(cue Cue, pattern string, budget time.Duration, maxTiles int, now time.Time) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Cue:       cue,
		Pattern:   pattern,
		State:     StatePlanning,
		StartedAt: now,
		Deadline:  now.Add(budget),
		MaxTiles:  maxTiles,
	}
}

// Decided counts tiles that received an analyzer verdict. Timed-out
// dispatches are logged but do not count against the tile ceiling.
func (t *Task) Decided() int {
	n := 0
	for i := range t.Log {
		if t.Log[i].Decision != nil {
			n++
		}
	}
	return n
}

// BudgetExhausted reports whether the task may not dispatch another tile.
func (t *Task) BudgetExhausted(now time.Time) bool {
	return t.Decided() >= t.MaxTiles || !now.Before(t.Deadline)
}

// Result is the terminal record of a task, produced exactly once.
type Result struct {
	TaskID  string     `json:"task_id"`
	CueID   string     `json:"cue_id"`
	Pattern string     `json:"pattern"`
	Found   bool       `json:"found"`
	Reason  FailReason `json:"reason,omitempty"`

	TimeToFirstTrue time.Duration `json:"time_to_first_true,omitempty"` // Zero unless Found

	Tiles        []TileRecord `json:"tiles,omitempty"`
	Winning      *TileRecord  `json:"winning,omitempty"`
	ArtifactPath string       `json:"artifact_path,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	ExecutedTiles int `json:"executed_tiles"`
	Timeouts      int `json:"timeouts"`
	ClampWarnings int `json:"clamp_warnings"`
}

// newResult snapshots a finished task into its immutable result.
func newResult(t *Task, found bool, now time.Time) Result {
	res := Result{
		TaskID:        t.ID,
		CueID:         t.Cue.ID,
		Pattern:       t.Pattern,
		Found:         found,
		Reason:        t.Reason,
		Tiles:         append([]TileRecord(nil), t.Log...),
		Winning:       t.Winning,
		StartedAt:     t.StartedAt,
		EndedAt:       now,
		ExecutedTiles: t.Decided(),
		Timeouts:      t.Timeouts,
		ClampWarnings: t.ClampWarnings,
	}
	if found && t.Winning != nil {
		res.TimeToFirstTrue = t.Winning.DispatchedAt.Add(t.Winning.Elapsed).Sub(t.StartedAt)
		if t.Winning.Observation != nil && t.Winning.Observation.Artifact != nil {
			res.ArtifactPath = t.Winning.Observation.Artifact.Path
		}
	}
	return res
}

// Sighting is the normalized detection record published for a confirmed
// task. Field names follow the relative-sighting schema consumed
// downstream; range defaults to a synthetic estimate until a real
// rangefinder is integrated.
type Sighting struct {
	ObjectID         string    `json:"object_id"`
	TaskID           string    `json:"task_id"`
	SourceCueID      string    `json:"source_cue_id"`
	TimeUTC          time.Time `json:"time_utc"`
	BearingDegTrue   float64   `json:"bearing_deg_true"`
	BearingErrorDeg  float64   `json:"bearing_error_deg"`
	DistanceM        float64   `json:"distance_m"`
	DistanceErrorM   float64   `json:"distance_error_m"`
	AltitudeM        float64   `json:"altitude_m"`
	AltitudeErrorM   float64   `json:"altitude_error_m"`
	Confidence       int       `json:"confidence"`
	RangeIsSynthetic bool      `json:"range_is_synthetic"`
	RangeMethod      string    `json:"range_method,omitempty"`
	ArtifactPath     string    `json:"artifact_path,omitempty"`
}

// PointingState is a sensor's self-reported pose, surfaced for status only.
type PointingState struct {
	AzimuthDeg   float64 `json:"azimuth_deg"`
	ElevationDeg float64 `json:"elevation_deg"`
	Busy         bool    `json:"busy"`
}
