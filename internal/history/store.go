// Package history persists finished search tasks to SQLite so operators
// can review what the planner did after the fact. One row per task, one
// row per dispatched tile. The store is bookkeeping only: sightings are
// published before anything lands here, and a write failure never blocks
// or fails the task that produced it.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"spotter/internal/search"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_tasks (
	task_id TEXT PRIMARY KEY,
	cue_id TEXT NOT NULL,
	pattern TEXT NOT NULL,
	found BOOLEAN NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL,
	executed_tiles INTEGER NOT NULL DEFAULT 0,
	timeouts INTEGER NOT NULL DEFAULT 0,
	clamp_warnings INTEGER NOT NULL DEFAULT 0,
	time_to_first_true_ms INTEGER NOT NULL DEFAULT 0,
	artifact_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_search_tasks_cue ON search_tasks(cue_id);
CREATE INDEX IF NOT EXISTS idx_search_tasks_ended ON search_tasks(ended_at);

CREATE TABLE IF NOT EXISTS task_tiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	tile_id TEXT NOT NULL,
	azimuth_deg REAL NOT NULL,
	elevation_deg REAL NOT NULL,
	dwell_ms INTEGER NOT NULL,
	decided BOOLEAN NOT NULL,
	confirmed BOOLEAN NOT NULL,
	score REAL NOT NULL DEFAULT 0,
	timed_out BOOLEAN NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	dispatched_at DATETIME NOT NULL,
	UNIQUE(task_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_task_tiles_task ON task_tiles(task_id);
`

// Store is the SQLite-backed task archive.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	logger *zap.Logger
}

var _ search.ResultSink = (*Store)(nil)

// New opens (or creates) the archive database at path and ensures the
// schema exists.
func New(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Single connection: SQLite serializes writers anyway, and one handle
	// avoids SQLITE_BUSY churn between saves and API reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(schema)
	return err
}

// SaveResult archives one finished task and its tile log in a single
// transaction.
func (s *Store) SaveResult(ctx context.Context, res search.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO search_tasks
		 (task_id, cue_id, pattern, found, reason, started_at, ended_at,
		  executed_tiles, timeouts, clamp_warnings, time_to_first_true_ms, artifact_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TaskID, res.CueID, res.Pattern, res.Found, string(res.Reason),
		res.StartedAt.UTC(), res.EndedAt.UTC(),
		res.ExecutedTiles, res.Timeouts, res.ClampWarnings,
		res.TimeToFirstTrue.Milliseconds(), res.ArtifactPath,
	); err != nil {
		return fmt.Errorf("insert task %s: %w", res.TaskID, err)
	}

	// Tile rows are replaced wholesale so a retried save cannot leave a
	// stale log behind the task row.
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_tiles WHERE task_id = ?", res.TaskID); err != nil {
		return fmt.Errorf("clear tiles for %s: %w", res.TaskID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO task_tiles
		 (task_id, seq, tile_id, azimuth_deg, elevation_deg, dwell_ms,
		  decided, confirmed, score, timed_out, elapsed_ms, dispatched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare tile insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range res.Tiles {
		decided := rec.Decision != nil
		confirmed := decided && rec.Decision.Confirmed
		score := 0.0
		if decided {
			score = rec.Decision.Score
		}
		if _, err := stmt.ExecContext(ctx,
			res.TaskID, i, rec.Tile.ID, rec.Tile.AzimuthDeg, rec.Tile.ElevationDeg,
			rec.Tile.Dwell.Milliseconds(), decided, confirmed, score,
			rec.TimedOut, rec.Elapsed.Milliseconds(), rec.DispatchedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert tile %d of %s: %w", i, res.TaskID, err)
		}
	}

	return tx.Commit()
}

// TaskSummary is one row of the task archive, shaped for the history API.
type TaskSummary struct {
	TaskID            string    `json:"task_id"`
	CueID             string    `json:"cue_id"`
	Pattern           string    `json:"pattern"`
	Found             bool      `json:"found"`
	Reason            string    `json:"reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	ExecutedTiles     int       `json:"executed_tiles"`
	Timeouts          int       `json:"timeouts"`
	ClampWarnings     int       `json:"clamp_warnings"`
	TimeToFirstTrueMs int64     `json:"time_to_first_true_ms,omitempty"`
	ArtifactPath      string    `json:"artifact_path,omitempty"`
}

// Recent returns the most recently finished tasks, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]TaskSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, cue_id, pattern, found, reason, started_at, ended_at,
		        executed_tiles, timeouts, clamp_warnings, time_to_first_true_ms, artifact_path
		 FROM search_tasks
		 ORDER BY ended_at DESC, created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	out := make([]TaskSummary, 0, limit)
	for rows.Next() {
		var t TaskSummary
		if err := rows.Scan(
			&t.TaskID, &t.CueID, &t.Pattern, &t.Found, &t.Reason,
			&t.StartedAt, &t.EndedAt,
			&t.ExecutedTiles, &t.Timeouts, &t.ClampWarnings,
			&t.TimeToFirstTrueMs, &t.ArtifactPath,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TileRow is one dispatched tile as archived.
type TileRow struct {
	Seq          int       `json:"seq"`
	TileID       string    `json:"tile_id"`
	AzimuthDeg   float64   `json:"azimuth_deg"`
	ElevationDeg float64   `json:"elevation_deg"`
	DwellMs      int64     `json:"dwell_ms"`
	Decided      bool      `json:"decided"`
	Confirmed    bool      `json:"confirmed"`
	Score        float64   `json:"score"`
	TimedOut     bool      `json:"timed_out"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Tiles returns the archived tile log for one task in dispatch order.
func (s *Store) Tiles(ctx context.Context, taskID string) ([]TileRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, tile_id, azimuth_deg, elevation_deg, dwell_ms,
		        decided, confirmed, score, timed_out, elapsed_ms, dispatched_at
		 FROM task_tiles
		 WHERE task_id = ?
		 ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query tiles for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TileRow
	for rows.Next() {
		var r TileRow
		if err := rows.Scan(
			&r.Seq, &r.TileID, &r.AzimuthDeg, &r.ElevationDeg, &r.DwellMs,
			&r.Decided, &r.Confirmed, &r.Score, &r.TimedOut, &r.ElapsedMs,
			&r.DispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan tile row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
