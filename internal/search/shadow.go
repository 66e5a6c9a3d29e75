package search

import (
	"math"

	"go.uber.org/zap"
)

// ShadowAdvisor runs a candidate tile-budget policy alongside the real
// planner without ever steering it. Each plan gets a logged recommendation
// that analysts can later compare against outcomes; execution never reads
// the advice. This is the evaluation path for policies that are not yet
// trusted to control hardware.
type ShadowAdvisor struct {
	logger *zap.Logger
	policy string
}

// NewShadowAdvisor creates an advisor logging under the given policy name.
func NewShadowAdvisor(policy string, logger *zap.Logger) *ShadowAdvisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = "sigma_budget_v0"
	}
	return &ShadowAdvisor{logger: logger, policy: policy}
}

// Advise logs the shadow policy's recommendation for a freshly planned
// task. The heuristic scales the tile budget with cue uncertainty: a
// confident cue needs a narrow look, a vague one earns the whole queue.
func (a *ShadowAdvisor) Advise(task *Task) {
	if a == nil || task == nil {
		return
	}

	suggested := int(math.Ceil(task.Cue.SigmaDeg)) * 2
	if suggested < 3 {
		suggested = 3
	}
	if suggested > len(task.Tiles) {
		suggested = len(task.Tiles)
	}

	a.logger.Info("shadow policy recommendation",
		zap.String("policy", a.policy),
		zap.String("task_id", task.ID),
		zap.String("cue_id", task.Cue.ID),
		zap.Float64("cue_sigma_deg", task.Cue.SigmaDeg),
		zap.Int("suggested_tiles", suggested),
		zap.Int("planned_tiles", len(task.Tiles)),
		zap.Int("actual_budget", task.MaxTiles))
}
