package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"spotter/internal/httpapi"
)

var statusAddr string

// statusCmd prints a one-shot snapshot of the running daemon.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's current task state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8787", "daemon HTTP address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
		statusAddr+"/api/v1/status", nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var st httpapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Println("Spotter Planner Status")
	fmt.Println("======================")
	fmt.Printf("State:   %s\n", st.State)
	if st.TaskID != "" {
		fmt.Printf("Task:    %s\n", st.TaskID)
		fmt.Printf("Cue:     %s (bearing %.1f°)\n", st.CueID, st.CueBearingDeg)
		fmt.Printf("Pattern: %s\n", st.Pattern)
		fmt.Printf("Tiles:   %d decided of %d planned, %d timeouts\n",
			st.DecidedTiles, st.PlannedTiles, st.TaskTimeouts)
		fmt.Printf("Budget:  %s remaining\n", time.Duration(st.BudgetRemainingMs)*time.Millisecond)
	} else {
		fmt.Println("Task:    none")
	}
	fmt.Println()

	if st.Pointing.Busy {
		fmt.Printf("✓ Sensor slewing to az=%.1f° el=%.1f°\n", st.Pointing.AzimuthDeg, st.Pointing.ElevationDeg)
	} else {
		fmt.Printf("✓ Sensor idle at az=%.1f° el=%.1f°\n", st.Pointing.AzimuthDeg, st.Pointing.ElevationDeg)
	}

	if st.LastTile != nil {
		fmt.Printf("✓ Last tile %s: az=%.1f° el=%.1f° dwell=%dms\n",
			st.LastTile.ID, st.LastTile.AzimuthDeg, st.LastTile.ElevationDeg, st.LastTile.DwellMs)
	}
	if st.LastDecision != nil {
		if st.LastDecision.Confirmed {
			fmt.Printf("✓ Last verdict: confirmed (score %.2f)\n", st.LastDecision.Score)
		} else {
			fmt.Printf("✗ Last verdict: denied (score %.2f)\n", st.LastDecision.Score)
		}
	}
	if st.LastArtifactPath != "" {
		fmt.Printf("  Artifact: %s\n", st.LastArtifactPath)
	}
	if st.LastReason != "" {
		fmt.Printf("  Last task ended: %s\n", st.LastReason)
	}
	fmt.Println()

	fmt.Printf("Lifetime: %d started, %d done, %d failed, %d preempted; %d sightings, %d timeouts\n",
		st.Counters.TasksStarted, st.Counters.TasksDone, st.Counters.TasksFailed,
		st.Counters.TasksPreempted, st.Counters.Sightings, st.Counters.Timeouts)

	return nil
}
