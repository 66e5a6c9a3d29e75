// Package config holds the spotter daemon configuration: YAML file,
// environment overrides, validation, and hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all spotter configuration.
type Config struct {
	// Planner behavior
	Planner PlannerConfig `yaml:"planner"`

	// Sensor adapters
	Adapters AdaptersConfig `yaml:"adapters"`

	// External interfaces
	MQTT MQTTConfig `yaml:"mqtt"`
	HTTP HTTPConfig `yaml:"http"`

	// Task history persistence
	History HistoryConfig `yaml:"history"`

	// Scripted pattern plugins
	Patterns PatternsConfig `yaml:"patterns"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PlannerConfig carries the per-task search knobs. Times are millisecond
// integers, matching the field demo configs this replaces.
type PlannerConfig struct {
	Pattern       string             `yaml:"pattern"`
	StepAzDeg     float64            `yaml:"step_az_deg"`
	SpanAzDeg     float64            `yaml:"span_az_deg"`
	ElevationsDeg []float64          `yaml:"elevations_deg"`
	Knobs         map[string]float64 `yaml:"knobs"`

	SettleMs      int `yaml:"settle_ms"`
	DwellMs       int `yaml:"dwell_ms"`
	AnalyzerSLAMs int `yaml:"analyzer_sla_ms"`
	TimeBudgetMs  int `yaml:"time_budget_ms"`
	CancelGraceMs int `yaml:"cancel_grace_ms"`

	// Zero tile or time budgets pass validation deliberately: the planner
	// fails the affected task as a configuration error instead of refusing
	// to start.
	MaxTiles               int  `yaml:"max_tiles"`
	MaxConsecutiveTimeouts int  `yaml:"max_consecutive_timeouts"`
	RetryTimedOutTile      bool `yaml:"retry_timed_out_tile"`

	PreemptionPolicy string       `yaml:"preemption_policy"` // newest, priority
	ReplanPolicy     string       `yaml:"replan_policy"`     // sequential, belief
	Belief           BeliefConfig `yaml:"belief"`
}

// BeliefConfig tunes the bearing-bin belief map used by belief replanning.
type BeliefConfig struct {
	BinDeg        float64 `yaml:"bin_deg"`
	SigmaFloorDeg float64 `yaml:"sigma_floor_deg"`
	DecayFactor   float64 `yaml:"decay_factor"`
}

// AdaptersConfig selects and shapes the sensor adapters.
type AdaptersConfig struct {
	Active string              `yaml:"active"` // vision, radar
	Vision VisionAdapterConfig `yaml:"vision"`
	Radar  RadarAdapterConfig  `yaml:"radar"`
}

// VisionAdapterConfig shapes the simulated camera.
type VisionAdapterConfig struct {
	Behavior         string  `yaml:"behavior"` // deny, confirm_after, bearing, hang, fatal
	ConfirmAfter     int     `yaml:"confirm_after"`
	TargetBearingDeg float64 `yaml:"target_bearing_deg"`
	ToleranceDeg     float64 `yaml:"tolerance_deg"`
	ArtifactDir      string  `yaml:"artifact_dir"`
}

// RadarAdapterConfig shapes the simulated radar.
type RadarAdapterConfig struct {
	Behavior         string  `yaml:"behavior"`
	ConfirmAfter     int     `yaml:"confirm_after"`
	TargetBearingDeg float64 `yaml:"target_bearing_deg"`
	ToleranceDeg     float64 `yaml:"tolerance_deg"`
}

// MQTTConfig configures the broker bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// HTTPConfig configures the status/simulate API.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HistoryConfig configures task result persistence.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PatternsConfig configures scripted pattern loading.
type PatternsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the field demo defaults.
func Default() *Config {
	return &Config{
		Planner: PlannerConfig{
			Pattern:       "horizon_ladder",
			StepAzDeg:     2.0,
			SpanAzDeg:     10.0,
			ElevationsDeg: []float64{0.0, 1.0, 2.5},
			Knobs:         map[string]float64{"zoom": 10},

			SettleMs:      50,
			DwellMs:       150,
			AnalyzerSLAMs: 300,
			TimeBudgetMs:  4000,
			CancelGraceMs: 250,

			MaxTiles:               12,
			MaxConsecutiveTimeouts: 1,
			RetryTimedOutTile:      false,

			PreemptionPolicy: "newest",
			ReplanPolicy:     "sequential",
			Belief: BeliefConfig{
				BinDeg:        2.0,
				SigmaFloorDeg: 5.0,
				DecayFactor:   0.35,
			},
		},

		Adapters: AdaptersConfig{
			Active: "vision",
			Vision: VisionAdapterConfig{
				Behavior:     "confirm_after",
				ConfirmAfter: 3,
				ToleranceDeg: 1.5,
				ArtifactDir:  "artifacts",
			},
			Radar: RadarAdapterConfig{
				Behavior:     "confirm_after",
				ConfirmAfter: 2,
				ToleranceDeg: 3,
			},
		},

		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "tcp://localhost:1883",
			ClientID:    "spotterd",
			TopicPrefix: "thebox",
			QoS:         0,
		},

		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},

		History: HistoryConfig{
			Enabled: true,
			Path:    "data/spotter.db",
		},

		Patterns: PatternsConfig{
			Dir: "patterns.d",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, layered over the defaults.
// A missing file yields the defaults. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies SPOTTER_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPOTTER_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("SPOTTER_MQTT_BROKER"); v != "" {
		c.MQTT.BrokerURL = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("SPOTTER_MQTT_PREFIX"); v != "" {
		c.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("SPOTTER_DB"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("SPOTTER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SPOTTER_ADAPTER"); v != "" {
		c.Adapters.Active = v
	}
	if v := os.Getenv("SPOTTER_PATTERNS_DIR"); v != "" {
		c.Patterns.Dir = v
	}
}

// Duration getters for the millisecond fields.

func (p PlannerConfig) Settle() time.Duration      { return time.Duration(p.SettleMs) * time.Millisecond }
func (p PlannerConfig) Dwell() time.Duration       { return time.Duration(p.DwellMs) * time.Millisecond }
func (p PlannerConfig) AnalyzerSLA() time.Duration { return time.Duration(p.AnalyzerSLAMs) * time.Millisecond }
func (p PlannerConfig) TimeBudget() time.Duration  { return time.Duration(p.TimeBudgetMs) * time.Millisecond }
func (p PlannerConfig) CancelGrace() time.Duration { return time.Duration(p.CancelGraceMs) * time.Millisecond }

var (
	validPolicies  = []string{"", "newest", "priority"}
	validReplans   = []string{"", "sequential", "belief"}
	validAdapters  = []string{"vision", "radar"}
	validBehaviors = []string{"", "deny", "confirm_after", "bearing", "hang", "fatal"}
	validLogLevels = []string{"", "debug", "info", "warn", "error"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate rejects configurations the daemon cannot run with. Pattern
// names are not checked here: scripted patterns register at startup, so
// an unknown name is only detectable per task.
func (c *Config) Validate() error {
	p := c.Planner
	if p.StepAzDeg <= 0 {
		return fmt.Errorf("planner.step_az_deg must be > 0, got %.2f", p.StepAzDeg)
	}
	if p.SpanAzDeg < 0 {
		return fmt.Errorf("planner.span_az_deg must be >= 0, got %.2f", p.SpanAzDeg)
	}
	if len(p.ElevationsDeg) == 0 {
		return fmt.Errorf("planner.elevations_deg must not be empty")
	}
	if p.DwellMs <= 0 {
		return fmt.Errorf("planner.dwell_ms must be > 0, got %d", p.DwellMs)
	}
	if p.SettleMs < 0 || p.AnalyzerSLAMs < 0 || p.TimeBudgetMs < 0 || p.CancelGraceMs < 0 {
		return fmt.Errorf("planner time fields must not be negative")
	}
	if p.MaxTiles < 0 {
		return fmt.Errorf("planner.max_tiles must not be negative, got %d", p.MaxTiles)
	}
	if p.MaxConsecutiveTimeouts < 0 {
		return fmt.Errorf("planner.max_consecutive_timeouts must not be negative, got %d", p.MaxConsecutiveTimeouts)
	}
	if !oneOf(p.PreemptionPolicy, validPolicies) {
		return fmt.Errorf("planner.preemption_policy %q invalid (newest, priority)", p.PreemptionPolicy)
	}
	if !oneOf(p.ReplanPolicy, validReplans) {
		return fmt.Errorf("planner.replan_policy %q invalid (sequential, belief)", p.ReplanPolicy)
	}
	if b := p.Belief; b.BinDeg <= 0 || b.SigmaFloorDeg < 0 || b.DecayFactor <= 0 || b.DecayFactor > 1 {
		return fmt.Errorf("planner.belief invalid: bin %.2f, floor %.2f, decay %.2f", b.BinDeg, b.SigmaFloorDeg, b.DecayFactor)
	}

	if !oneOf(c.Adapters.Active, validAdapters) {
		return fmt.Errorf("adapters.active %q invalid (vision, radar)", c.Adapters.Active)
	}
	if !oneOf(c.Adapters.Vision.Behavior, validBehaviors) {
		return fmt.Errorf("adapters.vision.behavior %q invalid", c.Adapters.Vision.Behavior)
	}
	if !oneOf(c.Adapters.Radar.Behavior, validBehaviors) {
		return fmt.Errorf("adapters.radar.behavior %q invalid", c.Adapters.Radar.Behavior)
	}

	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
			return fmt.Errorf("mqtt.broker_url required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr required when http is enabled")
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		return fmt.Errorf("history.path required when history is enabled")
	}
	if !oneOf(c.Logging.Level, validLogLevels) {
		return fmt.Errorf("logging.level %q invalid (debug, info, warn, error)", c.Logging.Level)
	}
	return nil
}
