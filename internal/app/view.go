package app

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"synthwatch-tui/internal/backend"
	"synthwatch-tui/internal/engine"
	"synthwatch-tui/internal/storage"

	"github.com/charmbracelet/lipgloss"
)

var (
	chromeBG        = lipgloss.Color("#05090C")
	panelBorder     = lipgloss.Color("#2D6A80")
	accentPrimary   = lipgloss.Color("#50E3C2")
	accentSecondary = lipgloss.Color("#F6AE2D")
	mutedText       = lipgloss.Color("#8CA1AE")
	warningText     = lipgloss.Color("#FF6B6B")
)

var (
	headerStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(accentPrimary)

	statusStyle = lipgloss.NewStyle().
			Foreground(accentSecondary).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(warningText).
			Bold(true)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(accentPrimary).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(panelBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	selectedLineStyle = lipgloss.NewStyle().
				Foreground(accentPrimary).
				Bold(true)

	frontierStyle = lipgloss.NewStyle().
			Foreground(accentSecondary)
)

func (m Model) View() string {
	if !m.ready {
		return "Booting synthwatch-tui..."
	}

	innerWidth := maxInt(40, m.width-2)
	innerHeight := maxInt(12, m.height-2)

	header := headerStyle.Render("Synth Job Watch")

	statusPrefix := "*"
	if m.selected != nil && !m.selected.Terminal() {
		statusPrefix = m.spinner.View()
	}
	statusBody := strings.TrimSpace(m.statusText)
	if statusBody == "" {
		statusBody = "Ready"
	}
	statusLine := statusStyle.Render(statusPrefix + " " + statusBody)
	if strings.TrimSpace(m.errorText) != "" {
		statusLine = errorStyle.Render(m.errorText)
	}

	jobsTitle := "Jobs"
	if m.showHistory {
		jobsTitle = "Saved Snapshots"
	}
	topRow := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPanel(jobsTitle, m.jobsView.View(), m.jobsW, m.jobsH, m.focusPane == paneJobs),
		renderPanel("Job Detail", m.detailView.View(), m.detailW, m.detailH, m.focusPane == paneDetail),
	)
	bottomRow := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPanel(m.eventsTitle(), m.eventsView.View(), m.eventsW, m.eventsH, m.focusPane == paneEvents),
		renderPanel("Candidates", m.candidatesView.View(), m.candidatesW, m.candidatesH, m.focusPane == paneCandidates),
	)

	parts := []string{header, statusLine, topRow, bottomRow}
	if m.showHelp {
		parts = append(parts, helpStyle.Render("enter watch job | h snapshots | r refresh | f follow events | tab/shift+tab cycle panes | up/down or wheel scroll | q quit"))
	}

	body := strings.Join(parts, "\n")
	body = fitTextHeight(body, innerHeight)
	return lipgloss.NewStyle().
		Background(chromeBG).
		Foreground(lipgloss.Color("#E8F0F2")).
		Width(innerWidth).
		Height(innerHeight).
		Padding(0, 1).
		Render(body)
}

func (m Model) eventsTitle() string {
	if m.eventLog.Len() == 0 {
		return "Events"
	}
	return fmt.Sprintf("Events (%d, seq ≤ %d)", m.eventLog.Len(), m.eventLog.Cursor())
}

func nextFocusPane(current focusPane) focusPane {
	switch current {
	case paneJobs:
		return paneDetail
	case paneDetail:
		return paneEvents
	case paneEvents:
		return paneCandidates
	default:
		return paneJobs
	}
}

func prevFocusPane(current focusPane) focusPane {
	switch current {
	case paneJobs:
		return paneCandidates
	case paneDetail:
		return paneJobs
	case paneEvents:
		return paneDetail
	default:
		return paneEvents
	}
}

func focusPaneLabel(pane focusPane) string {
	switch pane {
	case paneJobs:
		return "jobs"
	case paneDetail:
		return "detail"
	case paneEvents:
		return "events"
	case paneCandidates:
		return "candidates"
	default:
		return "unknown"
	}
}

func renderPanel(title, body string, width, height int, focused bool) string {
	borderColor := panelBorder
	if focused {
		borderColor = accentSecondary
	}
	style := panelStyle.Copy().
		BorderForeground(borderColor).
		Width(width).
		Height(height)

	titleLine := panelTitleStyle.Render(title)
	return style.Render(titleLine + "\n" + body)
}

func (m *Model) resizePanels() {
	if m.width <= 0 || m.height <= 0 {
		return
	}

	usableW := maxInt(40, m.width-6)
	innerH := maxInt(12, m.height-2)
	verticalOverhead := 5
	if m.showHelp {
		verticalOverhead = 7
	}
	panelRowsBudget := maxInt(10, innerH-verticalOverhead)

	topH := int(math.Round(float64(panelRowsBudget) * 0.55))
	topH = clampInt(topH, 6, maxInt(6, panelRowsBudget-4))
	bottomH := maxInt(4, panelRowsBudget-topH)

	jobsW := int(math.Round(float64(usableW) * 0.36))
	jobsW = clampInt(jobsW, 24, usableW-28)
	detailW := usableW - jobsW

	eventsW := int(math.Round(float64(usableW) * 0.6))
	eventsW = clampInt(eventsW, 28, usableW-24)
	candidatesW := usableW - eventsW

	jobsInnerW := maxInt(16, jobsW-6)
	jobsViewH := maxInt(1, topH-3)
	m.jobsView.Width = jobsInnerW
	m.jobsView.Height = jobsViewH
	m.jobsW = jobsInnerW + 4
	m.jobsH = jobsViewH + 1

	detailInnerW := maxInt(24, detailW-6)
	detailViewH := maxInt(1, topH-3)
	m.detailView.Width = detailInnerW
	m.detailView.Height = detailViewH
	m.detailW = detailInnerW + 4
	m.detailH = detailViewH + 1

	eventsInnerW := maxInt(24, eventsW-6)
	eventsViewH := maxInt(1, bottomH-3)
	m.eventsView.Width = eventsInnerW
	m.eventsView.Height = eventsViewH
	m.eventsW = eventsInnerW + 4
	m.eventsH = eventsViewH + 1

	candidatesInnerW := maxInt(16, candidatesW-6)
	candidatesViewH := maxInt(1, bottomH-3)
	m.candidatesView.Width = candidatesInnerW
	m.candidatesView.Height = candidatesViewH
	m.candidatesW = candidatesInnerW + 4
	m.candidatesH = candidatesViewH + 1
}

func (m *Model) refreshJobsView() {
	if m.showHistory {
		m.refreshHistoryList()
		return
	}

	if len(m.jobs) == 0 {
		m.jobsView.SetContent("No jobs found.\nPress r to refresh.")
		m.jobsView.SetYOffset(0)
		return
	}

	if m.jobsCursor >= len(m.jobs) {
		m.jobsCursor = len(m.jobs) - 1
	}
	if m.jobsCursor < 0 {
		m.jobsCursor = 0
	}

	width := maxInt(1, m.jobsView.Width)
	lines := make([]string, 0, len(m.jobs))
	for idx, job := range m.jobs {
		cursor := " "
		if idx == m.jobsCursor {
			cursor = "▶"
		}
		line := fmt.Sprintf("%s %s %s %s", cursor, shortJobID(job.ID), job.Kind, job.Status)
		line = truncateText(line, width)
		if idx == m.jobsCursor {
			line = selectedLineStyle.Render(line)
		}
		lines = append(lines, line)
	}
	m.jobsView.SetContent(strings.Join(lines, "\n"))
	m.ensureListCursorVisible(m.jobsCursor, len(lines))
}

func (m *Model) refreshHistoryList() {
	if len(m.historyItems) == 0 {
		m.jobsView.SetContent("No saved snapshots yet.\nTerminal jobs are saved under ./jobs")
		m.jobsView.SetYOffset(0)
		return
	}

	if m.historyCursor >= len(m.historyItems) {
		m.historyCursor = len(m.historyItems) - 1
	}
	if m.historyCursor < 0 {
		m.historyCursor = 0
	}

	width := maxInt(1, m.jobsView.Width)
	lines := make([]string, 0, len(m.historyItems))
	for idx, item := range m.historyItems {
		cursor := " "
		if idx == m.historyCursor {
			cursor = "▶"
		}
		line := fmt.Sprintf("%s %s %s %s", cursor, trimTime(item.SavedAt), shortJobID(item.JobID), item.Status)
		line = truncateText(line, width)
		if idx == m.historyCursor {
			line = selectedLineStyle.Render(line)
		}
		lines = append(lines, line)
	}
	m.jobsView.SetContent(strings.Join(lines, "\n"))
	m.ensureListCursorVisible(m.historyCursor, len(lines))
}

func (m *Model) ensureListCursorVisible(cursor, total int) {
	if total == 0 {
		m.jobsView.SetYOffset(0)
		return
	}
	visibleRows := maxInt(1, m.jobsView.Height)
	cursor = clampInt(cursor, 0, total-1)
	top := clampInt(m.jobsView.YOffset, 0, total-1)
	bottom := top + visibleRows - 1
	if cursor < top {
		m.jobsView.SetYOffset(cursor)
		return
	}
	if cursor > bottom {
		m.jobsView.SetYOffset(cursor - visibleRows + 1)
		return
	}
	m.jobsView.SetYOffset(top)
}

// refreshEventsView redraws the event pane. When the user has scrolled away
// from the bottom, the offset shifts by however many merged events landed
// above the anchored line so the window does not jump.
func (m *Model) refreshEventsView(result engine.MergeResult) {
	events := m.eventLog.Events()
	if len(events) == 0 {
		if m.selected != nil {
			m.eventsView.SetContent("Waiting for events...")
		}
		return
	}

	width := maxInt(8, m.eventsView.Width)
	lines := make([]string, 0, len(events))
	for _, event := range events {
		lines = append(lines, truncateText(formatEvent(event), width))
	}
	m.eventsView.SetContent(strings.Join(lines, "\n"))

	if m.eventsFollow {
		m.eventsView.GotoBottom()
		return
	}
	shift := result.AddedBelow(m.eventsAnchorSeq) - result.Trimmed
	if shift != 0 {
		m.eventsView.SetYOffset(clampInt(m.eventsView.YOffset+shift, 0, maxInt(0, len(lines)-1)))
	}
}

func (m *Model) refreshCandidatesView() {
	candidates := m.registry.Candidates()
	if len(candidates) == 0 {
		m.candidatesView.SetContent("No candidates yet.")
		return
	}

	width := maxInt(8, m.candidatesView.Width)
	lines := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		marker := " "
		if candidate.Frontier {
			marker = "◆"
		}
		reward := "  -  "
		if candidate.Reward != nil {
			reward = fmt.Sprintf("%.4f", *candidate.Reward)
		}
		label := candidate.ID
		if candidate.Baseline {
			label += " [base]"
		}
		line := fmt.Sprintf("%s %s  %s", marker, reward, label)
		line = truncateText(line, width)
		if candidate.Frontier {
			line = frontierStyle.Render(line)
		}
		lines = append(lines, line)
	}
	m.candidatesView.SetContent(strings.Join(lines, "\n"))
}

func (m Model) renderJobDetail() string {
	job := m.selected
	if job == nil {
		return "No job selected."
	}

	lines := []string{
		"Job:     " + job.ID,
		fmt.Sprintf("Kind:    %s (%s)", job.Kind, job.Source),
		"Status:  " + string(job.Status),
	}
	if job.CreatedAt != "" {
		lines = append(lines, "Created: "+trimTime(job.CreatedAt))
	}
	if job.StartedAt != "" {
		lines = append(lines, "Started: "+trimTime(job.StartedAt))
	}
	if job.FinishedAt != "" {
		lines = append(lines, "Ended:   "+trimTime(job.FinishedAt))
	}
	if job.BestReward != nil {
		lines = append(lines, fmt.Sprintf("Best reward: %.4f", *job.BestReward))
	}
	if job.BestArtifactID != "" {
		lines = append(lines, "Best artifact: "+job.BestArtifactID)
	}
	if job.Error != "" {
		lines = append(lines, "Error: "+job.Error)
	}
	if m.snapshotDir != "" {
		lines = append(lines, "Snapshot: "+filepathBase(m.snapshotDir))
	}

	if len(m.bestArtifact) > 0 {
		lines = append(lines, "", "Best artifact detail:")
		lines = append(lines, summarizeFields(m.bestArtifact, 8)...)
	}
	if len(m.evalSummary) > 0 {
		lines = append(lines, "", "Eval results:")
		lines = append(lines, summarizeFields(m.evalSummary, 10)...)
	}
	if len(m.gepaMetrics) > 0 {
		lines = append(lines, "", "GEPA metrics:")
		lines = append(lines, summarizeFields(m.gepaMetrics, 10)...)
	}
	if len(job.Metadata) > 0 {
		lines = append(lines, "", "Metadata:")
		lines = append(lines, summarizeFields(job.Metadata, 8)...)
	}
	return strings.Join(lines, "\n")
}

func renderBundle(bundle *storage.JobBundle) string {
	if bundle == nil {
		return "Snapshot is empty."
	}
	summary := bundle.Summary
	lines := []string{
		"Snapshot of job " + summary.JobID,
		"Saved:   " + trimTime(summary.SavedAt),
		"Status:  " + summary.Status,
		"Kind:    " + summary.Kind,
		fmt.Sprintf("Events:  %d  Candidates: %d", summary.EventCount, summary.CandidateCount),
	}
	if summary.BestReward != nil {
		lines = append(lines, fmt.Sprintf("Best reward: %.4f", *summary.BestReward))
	}
	if len(bundle.Job) > 0 {
		lines = append(lines, "", "Job document:")
		lines = append(lines, summarizeFields(bundle.Job, 12)...)
	}
	return strings.Join(lines, "\n")
}

func formatEvent(event backend.Event) string {
	stamp := trimTime(event.Timestamp)
	if stamp == "" {
		stamp = fmt.Sprintf("#%d", event.Seq)
	}
	parts := []string{stamp, event.Type}
	if pct, ok := extractProgress(event.Data); ok {
		parts = append(parts, fmt.Sprintf("%.1f%%", pct*100.0))
	}
	if msg := strings.TrimSpace(event.Message); msg != "" {
		parts = append(parts, msg)
	}
	return strings.Join(parts, " | ")
}

func extractProgress(payload map[string]any) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	if value, ok := asFloat(payload["percent_complete"]); ok {
		return value, true
	}
	if value, ok := asFloat(payload["progress"]); ok {
		return value, true
	}
	if completed, ok := asFloat(payload["completed"]); ok {
		if total, ok := asFloat(payload["total"]); ok && total > 0 {
			return completed / total, true
		}
	}
	return 0, false
}

func summarizeFields(fields map[string]any, maxFields int) []string {
	if len(fields) == 0 {
		return []string{"  (empty)"}
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if maxFields <= 0 {
		maxFields = len(keys)
	}
	limit := minInt(maxFields, len(keys))

	lines := make([]string, 0, limit+1)
	for idx := 0; idx < limit; idx++ {
		key := keys[idx]
		lines = append(lines, fmt.Sprintf("  %s: %s", key, previewValue(fields[key])))
	}
	if len(keys) > limit {
		lines = append(lines, fmt.Sprintf("  ... %d more fields", len(keys)-limit))
	}
	return lines
}

func previewValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(truncateText(strings.TrimSpace(v), 72))
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return fmt.Sprintf("%v", v)
	case map[string]any:
		return fmt.Sprintf("{%d keys}", len(v))
	case []any:
		return previewSlice(v)
	default:
		blob, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<%T>", value)
		}
		return truncateText(string(blob), 72)
	}
}

func previewSlice(items []any) string {
	if len(items) == 0 {
		return "[0 items]"
	}
	sample := make([]string, 0, minInt(len(items), 2))
	for idx := 0; idx < len(items) && idx < 2; idx++ {
		sample = append(sample, previewInlineValue(items[idx]))
	}
	body := strings.Join(sample, ", ")
	if len(items) > 2 {
		body += ", ..."
	}
	return fmt.Sprintf("[%d items: %s]", len(items), body)
}

func previewInlineValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(truncateText(strings.TrimSpace(v), 24))
	case map[string]any:
		return fmt.Sprintf("{%d keys}", len(v))
	case []any:
		return fmt.Sprintf("[%d items]", len(v))
	default:
		return truncateText(fmt.Sprintf("%v", v), 24)
	}
}

func truncateText(raw string, maxLen int) string {
	if maxLen < 4 {
		maxLen = 4
	}
	if len(raw) <= maxLen {
		return raw
	}
	return raw[:maxLen-3] + "..."
}

func fitTextHeight(text string, height int) string {
	if height <= 0 {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func shortJobID(jobID string) string {
	id := strings.TrimSpace(jobID)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func trimTime(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return parsed.Local().Format("2006-01-02 15:04:05")
	}
	return raw
}

func filepathBase(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	parts := strings.Split(strings.ReplaceAll(path, "\\", "/"), "/")
	return parts[len(parts)-1]
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
