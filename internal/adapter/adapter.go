// Package adapter holds the sensor-side implementations of the planner's
// adapter contract. Real hardware adapters live out of tree next to their
// vendor SDKs; the simulated vision and radar adapters here implement the
// same contract against scripted verdicts, for bench tests and field
// drills without live sensors.
package adapter

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"spotter/internal/geo"
)

// Behavior scripts how a simulated adapter answers dispatches.
type Behavior string

const (
	BehaviorDeny         Behavior = "deny"          // Never confirm
	BehaviorConfirmAfter Behavior = "confirm_after" // Confirm on the Nth dispatch
	BehaviorBearing      Behavior = "bearing"       // Confirm when pointed near a target bearing
	BehaviorHang         Behavior = "hang"          // Block until cancelled
	BehaviorFatal        Behavior = "fatal"         // Report an unrecoverable fault
)

// Simulated analyzer scores. Flat constants keep the sims deterministic.
const (
	denyScore    = 0.15
	confirmScore = 0.92
)

// confirms applies a scripted behavior to the nth dispatch of an adapter's
// lifetime, pointed at azDeg.
func (b Behavior) confirms(n, confirmAfter int, azDeg, targetDeg, tolDeg float64) bool {
	switch b {
	case BehaviorConfirmAfter:
		return confirmAfter > 0 && n >= confirmAfter
	case BehaviorBearing:
		if tolDeg <= 0 {
			tolDeg = 1.5
		}
		return math.Abs(geo.Diff(azDeg, targetDeg)) <= tolDeg
	default:
		return false
	}
}

// writeFrameStub drops a minimal JPEG so downstream viewers and the history
// store reference a path that actually exists.
func writeFrameStub(dir, meta string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("frame_%d.jpg", time.Now().UnixNano()))

	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xd8, 0xff, 0xe0}) // SOI + APP0 marker
	buf.WriteString(meta)
	buf.Write([]byte{0xff, 0xd9}) // EOI
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
