package ui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"spotter/internal/httpapi"
)

type statusMsg httpapi.StatusResponse

type statusErrMsg struct{ err error }

type pollMsg time.Time

// WatchModel polls the daemon's status endpoint and renders the task
// live. Polling failures keep the last good snapshot on screen with a
// staleness warning rather than blanking the view.
type WatchModel struct {
	addr     string
	interval time.Duration
	client   *http.Client

	spinner spinner.Model
	styles  Styles
	width   int
	height  int

	status  *httpapi.StatusResponse
	lastErr error
}

// NewWatchModel creates the watch view polling addr every interval.
func NewWatchModel(addr string, interval time.Duration) WatchModel {
	styles := DefaultStyles()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	return WatchModel{
		addr:     addr,
		interval: interval,
		client:   &http.Client{Timeout: 2 * time.Second},
		spinner:  sp,
		styles:   styles,
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.fetchStatus,
		m.schedulePoll(),
	)
}

func (m WatchModel) fetchStatus() tea.Msg {
	resp, err := m.client.Get(m.addr + "/api/v1/status")
	if err != nil {
		return statusErrMsg{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErrMsg{fmt.Errorf("status request failed: %s", resp.Status)}
	}
	var st httpapi.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return statusErrMsg{fmt.Errorf("decode status: %w", err)}
	}
	return statusMsg(st)
}

func (m WatchModel) schedulePoll() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case pollMsg:
		return m, tea.Batch(m.fetchStatus, m.schedulePoll())

	case statusMsg:
		st := httpapi.StatusResponse(msg)
		m.status = &st
		m.lastErr = nil

	case statusErrMsg:
		m.lastErr = msg.err

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m WatchModel) View() string {
	var sb strings.Builder

	sb.WriteString(m.styles.Header.Render(" Spotter Watch ") + "\n\n")

	if m.status == nil {
		if m.lastErr != nil {
			sb.WriteString(m.styles.Error.Render("✗ "+m.lastErr.Error()) + "\n")
			sb.WriteString(m.styles.Muted.Render("retrying "+m.addr) + "\n")
		} else {
			sb.WriteString(m.spinner.View() + " contacting daemon at " + m.addr + "\n")
		}
		sb.WriteString("\n" + m.styles.Footer.Render("q quit"))
		return sb.String()
	}

	st := m.status
	sb.WriteString(m.stateBadge(st.State))
	if st.TaskID != "" {
		sb.WriteString("  " + m.styles.Muted.Render("task "+st.TaskID))
	}
	sb.WriteString("\n\n")

	if st.TaskID != "" {
		sb.WriteString(m.row("Cue", fmt.Sprintf("%s  bearing %.1f°", st.CueID, st.CueBearingDeg)))
		sb.WriteString(m.row("Pattern", st.Pattern))
		sb.WriteString(m.row("Tiles", fmt.Sprintf("%d decided of %d planned, %d timeouts",
			st.DecidedTiles, st.PlannedTiles, st.TaskTimeouts)))
		sb.WriteString(m.row("Budget", (time.Duration(st.BudgetRemainingMs)*time.Millisecond).String()+" left"))
	} else {
		sb.WriteString(m.styles.Muted.Render("waiting for a cue") + "\n")
	}
	sb.WriteString("\n")

	pointing := fmt.Sprintf("az %.1f°  el %.1f°", st.Pointing.AzimuthDeg, st.Pointing.ElevationDeg)
	if st.Pointing.Busy {
		pointing += "  " + m.spinner.View() + " slewing"
	}
	sb.WriteString(m.row("Sensor", pointing))

	if st.LastTile != nil {
		sb.WriteString(m.row("Last tile", fmt.Sprintf("%s  az %.1f° el %.1f°  dwell %dms",
			st.LastTile.ID, st.LastTile.AzimuthDeg, st.LastTile.ElevationDeg, st.LastTile.DwellMs)))
	}
	if st.LastDecision != nil {
		verdict := m.styles.Muted.Render(fmt.Sprintf("denied  score %.2f", st.LastDecision.Score))
		if st.LastDecision.Confirmed {
			verdict = m.styles.Success.Render(fmt.Sprintf("confirmed  score %.2f", st.LastDecision.Score))
		}
		sb.WriteString(m.row("Verdict", verdict))
	}
	if st.LastArtifactPath != "" {
		sb.WriteString(m.row("Artifact", st.LastArtifactPath))
	}
	if st.LastReason != "" {
		sb.WriteString(m.row("Ended", st.LastReason))
	}
	sb.WriteString("\n")

	c := st.Counters
	sb.WriteString(m.styles.Muted.Render(fmt.Sprintf(
		"tasks %d started / %d done / %d failed / %d preempted   sightings %d   timeouts %d",
		c.TasksStarted, c.TasksDone, c.TasksFailed, c.TasksPreempted, c.Sightings, c.Timeouts)) + "\n")

	if m.lastErr != nil {
		sb.WriteString(m.styles.Warning.Render("stale: "+m.lastErr.Error()) + "\n")
	}

	sb.WriteString("\n" + m.styles.Footer.Render(fmt.Sprintf("q quit · polling %s every %s", m.addr, m.interval)))
	return sb.String()
}

func (m WatchModel) row(label, value string) string {
	return m.styles.Label.Render(fmt.Sprintf("%-10s", label)) + m.styles.Value.Render(value) + "\n"
}

// stateBadge colors the machine state the way operators read it: green
// when found, red when failed, yellow while planning, blue while looking.
func (m WatchModel) stateBadge(state string) string {
	badge := m.styles.Badge
	switch state {
	case "done":
		badge = badge.Background(ColorConfirm)
	case "failed":
		badge = badge.Background(ColorDeny)
	case "planning", "replan":
		badge = badge.Background(ColorCaution)
	case "executing_tile", "awaiting_analysis":
		badge = badge.Background(ColorActive)
	default:
		badge = badge.Background(m.styles.Theme.Muted)
	}
	return badge.Render(strings.ToUpper(state))
}
