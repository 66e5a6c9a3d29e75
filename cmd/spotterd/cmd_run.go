package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"spotter/internal/adapter"
	"spotter/internal/bus"
	"spotter/internal/config"
	"spotter/internal/history"
	"spotter/internal/httpapi"
	"spotter/internal/search"
)

// runCmd starts the daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the spotter daemon",
	Long: `Starts the planner loop and its interfaces:
  - in-process bus wiring cues into the scheduler and sightings out
  - HTTP API for status, history and simulated cues
  - optional MQTT bridge to detector hardware and downstream consumers
  - config hot reload, applied at the next task boundary`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyLogLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sensor, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	registry := search.NewPatternRegistry()
	if dir := cfg.Patterns.Dir; dir != "" {
		n, err := search.NewScriptLoader(logger).LoadDir(registry, dir)
		if err != nil {
			logger.Warn("scripted pattern load failed", zap.String("dir", dir), zap.Error(err))
		} else if n > 0 {
			logger.Info("scripted patterns registered", zap.Int("count", n), zap.String("dir", dir))
		}
	}

	b := bus.New(logger)
	defer b.Close()

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.New(cfg.History.Path, logger)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer store.Close()
	}

	// Sightings leave through the bus; the MQTT bridge and any in-process
	// subscriber see the same payload.
	publisher := search.PublisherFunc(func(ctx context.Context, s search.Sighting) error {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode sighting: %w", err)
		}
		b.Publish(bus.TopicSighting, data)
		return nil
	})

	schedCfg := search.SchedulerConfig{
		Adapter:   sensor,
		Registry:  registry,
		Publisher: publisher,
		Shadow:    search.NewShadowAdvisor("", logger),
		Logger:    logger,
		Tunables:  plannerTunables(cfg),
	}
	if store != nil {
		schedCfg.History = store
	}
	sched, err := search.NewScheduler(schedCfg)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, logger, func(next *config.Config) {
		sched.Reconfigure(plannerTunables(next))
	})
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return sched.Run(egCtx)
	})

	// Cue pump: decode bus cues and hand them to the scheduler. Rejected
	// payloads are logged and dropped; they never stall the pump.
	cueCh := b.Subscribe(bus.TopicCue, 16)
	eg.Go(func() error {
		defer b.Unsubscribe(bus.TopicCue, cueCh)
		for {
			select {
			case <-egCtx.Done():
				return nil
			case msg, ok := <-cueCh:
				if !ok {
					return nil
				}
				cue, err := search.DecodeCue(msg.Payload)
				if err != nil {
					logger.Warn("cue rejected", zap.Error(err))
					continue
				}
				if err := sched.Submit(cue); err != nil {
					logger.Warn("cue not queued", zap.String("cue_id", cue.ID), zap.Error(err))
				}
			}
		}
	})

	if cfg.HTTP.Enabled {
		gin.SetMode(gin.ReleaseMode)
		var archive httpapi.Archive
		if store != nil {
			archive = store
		}
		api := httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr}, sched, archive, logger)
		eg.Go(func() error {
			return api.Run(egCtx)
		})
	}

	if cfg.MQTT.Enabled {
		bridge := bus.NewBridge(bus.MQTTConfig{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, b, logger)
		eg.Go(func() error {
			return bridge.Run(egCtx)
		})
	}

	logger.Info("spotter daemon up",
		zap.String("adapter", cfg.Adapters.Active),
		zap.String("pattern", cfg.Planner.Pattern),
		zap.Bool("http", cfg.HTTP.Enabled),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Bool("history", store != nil))

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("spotter daemon stopped")
	return nil
}

func buildAdapter(cfg *config.Config) (search.Adapter, error) {
	switch cfg.Adapters.Active {
	case "radar":
		rc := cfg.Adapters.Radar
		return adapter.NewRadarSim(adapter.RadarConfig{
			Behavior:         adapter.Behavior(rc.Behavior),
			ConfirmAfter:     rc.ConfirmAfter,
			TargetBearingDeg: rc.TargetBearingDeg,
			ToleranceDeg:     rc.ToleranceDeg,
		}, logger), nil
	case "vision", "":
		vc := cfg.Adapters.Vision
		return adapter.NewVisionSim(adapter.VisionConfig{
			Behavior:         adapter.Behavior(vc.Behavior),
			ConfirmAfter:     vc.ConfirmAfter,
			TargetBearingDeg: vc.TargetBearingDeg,
			ToleranceDeg:     vc.ToleranceDeg,
			ArtifactDir:      vc.ArtifactDir,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapters.Active)
	}
}

// plannerTunables maps the YAML planner section onto the scheduler's
// runtime knobs. Used at startup and again on every hot reload.
func plannerTunables(cfg *config.Config) search.Tunables {
	p := cfg.Planner
	return search.Tunables{
		Pattern:                p.Pattern,
		StepDeg:                p.StepAzDeg,
		SpanDeg:                p.SpanAzDeg,
		Elevations:             p.ElevationsDeg,
		Knobs:                  p.Knobs,
		Settle:                 p.Settle(),
		Dwell:                  p.Dwell(),
		AnalyzerSLA:            p.AnalyzerSLA(),
		TimeBudget:             p.TimeBudget(),
		CancelGrace:            p.CancelGrace(),
		MaxTiles:               p.MaxTiles,
		MaxConsecutiveTimeouts: p.MaxConsecutiveTimeouts,
		RetryTimedOutTile:      p.RetryTimedOutTile,
		Preemption:             search.PreemptionPolicy(p.PreemptionPolicy),
		Replan:                 search.ReplanPolicy(p.ReplanPolicy),
		Belief: search.BeliefParams{
			BinWidthDeg:   p.Belief.BinDeg,
			SigmaFloorDeg: p.Belief.SigmaFloorDeg,
			Decay:         p.Belief.DecayFactor,
		},
	}
}

func applyLogLevel(level string) {
	if verbose || level == "" {
		return
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		logger.Warn("unknown log level", zap.String("level", level))
		return
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	if l, err := zcfg.Build(); err == nil {
		_ = logger.Sync()
		logger = l
	}
}
