package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"spotter/internal/search"
)

// TileView is a tile as rendered on the status surface.
type TileView struct {
	ID           string  `json:"id"`
	AzimuthDeg   float64 `json:"azimuth_deg"`
	ElevationDeg float64 `json:"elevation_deg"`
	DwellMs      int64   `json:"dwell_ms"`
}

// StatusResponse is the wire shape of GET /api/v1/status. Durations are
// flattened to milliseconds so the payload reads cleanly from curl and
// the watch TUI.
type StatusResponse struct {
	State             string               `json:"state"`
	TaskID            string               `json:"task_id,omitempty"`
	CueID             string               `json:"cue_id,omitempty"`
	CueBearingDeg     float64              `json:"cue_bearing_deg"`
	Pattern           string               `json:"pattern,omitempty"`
	PlannedTiles      int                  `json:"planned_tiles"`
	DecidedTiles      int                  `json:"decided_tiles"`
	TaskTimeouts      int                  `json:"task_timeouts"`
	BudgetRemainingMs int64                `json:"budget_remaining_ms"`
	LastTile          *TileView            `json:"last_tile,omitempty"`
	LastDecision      *search.Decision     `json:"last_decision,omitempty"`
	LastReason        string               `json:"last_reason,omitempty"`
	LastArtifactPath  string               `json:"last_artifact_path,omitempty"`
	Pointing          search.PointingState `json:"pointing"`
	Counters          search.Counters      `json:"counters"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func statusFromSnapshot(sn search.Snapshot) StatusResponse {
	resp := StatusResponse{
		State:             string(sn.State),
		TaskID:            sn.TaskID,
		CueID:             sn.CueID,
		CueBearingDeg:     sn.CueBearingDeg,
		Pattern:           sn.Pattern,
		PlannedTiles:      sn.PlannedTiles,
		DecidedTiles:      sn.DecidedTiles,
		TaskTimeouts:      sn.TaskTimeouts,
		BudgetRemainingMs: sn.BudgetRemaining.Milliseconds(),
		LastDecision:      sn.LastDecision,
		LastReason:        string(sn.LastReason),
		LastArtifactPath:  sn.LastArtifactPath,
		Pointing:          sn.Pointing,
		Counters:          sn.Counters,
		UpdatedAt:         sn.UpdatedAt,
	}
	if sn.LastTile != nil {
		resp.LastTile = &TileView{
			ID:           sn.LastTile.ID,
			AzimuthDeg:   sn.LastTile.AzimuthDeg,
			ElevationDeg: sn.LastTile.ElevationDeg,
			DwellMs:      sn.LastTile.Dwell.Milliseconds(),
		}
	}
	return resp
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusFromSnapshot(s.planner.Status()))
}

// simulate injects a cue exactly as if it had arrived from a detector,
// through the same wire decoder as the bus path.
func (s *Server) simulate(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "read body: " + err.Error()})
		return
	}

	cue, err := search.DecodeCue(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	if err := s.planner.Submit(cue); err != nil {
		if errors.Is(err, search.ErrBadCue) {
			c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"cue_id":           cue.ID,
		"bearing_deg_true": cue.BearingDeg,
		"priority":         cue.Priority,
	})
}

func (s *Server) history(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "history store disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "limit must be a non-negative integer"})
		return
	}

	tasks, err := s.archive.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) historyTiles(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "history store disabled"})
		return
	}

	taskID := c.Param("id")
	rows, err := s.archive.Tiles(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "tiles": rows})
}
