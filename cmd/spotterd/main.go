package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "spotterd",
	Short: "spotter - cue-driven search planner for steerable sensors",
	Long: `spotter points one steerable sensor at coarse directional cues.

A detection sensor (acoustic array, RF scanner) reports "something around
bearing X"; spotter expands that cue into a queue of pointing tiles, steps
the sensor through them one at a time, waits for an analyzer verdict per
tile, and publishes exactly one confirmed sighting when a verdict comes
back true. A fresh cue can preempt the running search at any moment.

Run 'spotterd run' to start the daemon.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The watch TUI owns the terminal; logging would tear the frame.
		if cmd.Name() == "watch" {
			logger = zap.NewNop()
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "spotter.yaml", "Path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
