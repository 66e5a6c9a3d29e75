package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"spotter/cmd/spotterd/ui"
)

var (
	watchAddr     string
	watchInterval time.Duration
)

// watchCmd opens the live TUI against a running daemon.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a running daemon's search task live",
	Long: `Opens a full-screen view that polls the daemon's status endpoint and
renders the current task: state, tile progress, pointing, verdicts and
lifetime counters. Quit with q.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "http://127.0.0.1:8787", "daemon HTTP address")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 500*time.Millisecond, "poll interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(
		ui.NewWatchModel(watchAddr, watchInterval),
		tea.WithAltScreen(),
	)

	_, err := p.Run()
	return err
}
