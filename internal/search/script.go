package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// Scripted patterns let operators drop custom tile generators into a
// directory without rebuilding the daemon. Scripts are plain Go files
// interpreted at load time, restricted to a small stdlib whitelist so a
// pattern cannot touch the filesystem, network, or processes.
//
// A script must define:
//
//	func Tiles(bearingDeg, sigmaDeg, stepDeg, spanDeg float64, elevations []float64) [][3]float64
//
// returning (azimuth_deg, elevation_deg, dwell_ms) triples in dispatch
// order. A non-positive dwell falls back to the configured dwell.

// tilesFunc is the symbol every pattern script must export.
type tilesFunc func(bearingDeg, sigmaDeg, stepDeg, spanDeg float64, elevations []float64) [][3]float64

// ScriptLoader interprets pattern scripts and registers them.
type ScriptLoader struct {
	logger  *zap.Logger
	allowed map[string]bool
}

// NewScriptLoader returns a loader with the default import whitelist.
func NewScriptLoader(logger *zap.Logger) *ScriptLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptLoader{
		logger: logger,
		allowed: map[string]bool{
			"math": true,
			"sort": true,

			// Blocked on purpose: os, os/exec, net, net/http, io,
			// syscall, unsafe. A pattern computes geometry, nothing else.
		},
	}
}

// LoadDir compiles every *.go file under dir and registers each as a
// pattern named after its base name (ladder_fine.go -> ladder_fine).
// A broken script is skipped with a warning; the daemon still starts.
func (l *ScriptLoader) LoadDir(reg *PatternRegistry, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return 0, fmt.Errorf("failed to scan pattern dir: %w", err)
	}

	loaded := 0
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".go")
		fn, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn("skipping pattern script",
				zap.String("script", path),
				zap.Error(err))
			continue
		}
		reg.Register(name, fn)
		l.logger.Info("registered scripted pattern",
			zap.String("pattern", name),
			zap.String("script", path))
		loaded++
	}
	return loaded, nil
}

// loadFile interprets one script and wraps its Tiles symbol as a PatternFunc.
func (l *ScriptLoader) loadFile(path string) (PatternFunc, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	code := string(src)

	if err := l.validateImports(code); err != nil {
		return nil, fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapScript(code)); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	v, err := i.Eval("main.Tiles")
	if err != nil {
		return nil, fmt.Errorf("Tiles function not found: %w", err)
	}
	fn, ok := v.Interface().(func(float64, float64, float64, float64, []float64) [][3]float64)
	if !ok {
		return nil, fmt.Errorf("Tiles has wrong signature (want func(float64, float64, float64, float64, []float64) [][3]float64)")
	}

	return scriptPattern(tilesFunc(fn)), nil
}

// scriptPattern adapts a script's triple output to the planner tile type.
func scriptPattern(fn tilesFunc) PatternFunc {
	return func(cue Cue, p PatternParams) ([]Tile, error) {
		triples := fn(cue.BearingDeg, cue.SigmaDeg, p.StepDeg, p.SpanDeg, p.Elevations)
		if len(triples) == 0 {
			return nil, fmt.Errorf("%w: script produced no tiles", ErrBadPattern)
		}
		tiles := make([]Tile, 0, len(triples))
		for _, tr := range triples {
			tile := newTile(tr[0], tr[1], p)
			if tr[2] > 0 {
				tile.Dwell = time.Duration(tr[2]) * time.Millisecond
			}
			tiles = append(tiles, tile)
		}
		return tiles, nil
	}
}

// validateImports rejects scripts importing anything off the whitelist.
func (l *ScriptLoader) validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import (") {
			inBlock = true
			continue
		}
		if inBlock && strings.HasPrefix(trimmed, ")") {
			inBlock = false
			continue
		}

		if inBlock {
			if pkg := strings.Trim(trimmed, `"`); pkg != "" {
				imports = append(imports, pkg)
			}
		} else if strings.HasPrefix(trimmed, "import ") {
			pkg := strings.TrimPrefix(trimmed, "import ")
			imports = append(imports, strings.Trim(pkg, `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !l.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// wrapScript puts bare function definitions into a main package.
func wrapScript(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
