package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	simBearing    float64
	simError      float64
	simPriority   int
	simConfidence int
	simSource     string
	simAddr       string
)

// simulateCmd injects a cue through the running daemon's HTTP API, the
// same path a drill operator uses.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Inject a synthetic cue into a running daemon",
	Long: `Posts a directional cue to the daemon's simulate endpoint. The cue
rides the same validation and queueing as cues arriving over MQTT, so
this exercises the full plan-execute-replan path against whatever
adapter the daemon is running.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Float64Var(&simBearing, "bearing", 0, "cue bearing in degrees true (required)")
	simulateCmd.Flags().Float64Var(&simError, "error", 10, "bearing uncertainty in degrees")
	simulateCmd.Flags().IntVar(&simPriority, "priority", 5, "cue priority, higher preempts under the priority policy")
	simulateCmd.Flags().IntVar(&simConfidence, "confidence", 60, "cue confidence 0-100")
	simulateCmd.Flags().StringVar(&simSource, "source", "manual", "cue source label")
	simulateCmd.Flags().StringVar(&simAddr, "addr", "http://127.0.0.1:8787", "daemon HTTP address")
	_ = simulateCmd.MarkFlagRequired("bearing")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]any{
		"bearing_deg_true":  simBearing,
		"bearing_error_deg": simError,
		"priority":          simPriority,
		"confidence":        simConfidence,
		"source":            simSource,
	})
	if err != nil {
		return fmt.Errorf("encode cue: %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		simAddr+"/api/v1/simulate", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", simAddr, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("daemon rejected cue: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var ack struct {
		CueID      string  `json:"cue_id"`
		BearingDeg float64 `json:"bearing_deg_true"`
		Priority   int     `json:"priority"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}

	fmt.Printf("cue accepted: id=%s bearing=%.1f° priority=%d\n", ack.CueID, ack.BearingDeg, ack.Priority)
	return nil
}
