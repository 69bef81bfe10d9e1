package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"synthwatch-tui/internal/backend"
	"synthwatch-tui/internal/config"
	"synthwatch-tui/internal/engine"
	"synthwatch-tui/internal/storage"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	jitterbug "github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

type jobsLoadedMsg struct {
	jobs []backend.Job
	err  error
}

type jobResolvedMsg struct {
	jobID string
	job   backend.Job
	raw   map[string]any
	err   error
}

type jobDetailMsg struct {
	token int64
	job   backend.Job
	raw   map[string]any
	err   error
}

type eventPageMsg struct {
	token int64
	page  backend.EventPage
	err   error
}

type streamEventsMsg struct {
	epoch  int64
	events []backend.Event
	ok     bool
}

type streamErrMsg struct {
	epoch int64
	err   error
	ok    bool
}

type pollTickMsg struct {
	token int64
	at    time.Time
	ok    bool
}

type refreshTickMsg struct {
	token int64
}

type dependentFetchTickMsg struct {
	token int64
}

type artifactMsg struct {
	token    int64
	artifact map[string]any
	err      error
}

type evalSummaryMsg struct {
	token   int64
	summary map[string]any
	err     error
}

type metricsMsg struct {
	token   int64
	metrics map[string]any
	err     error
}

type snapshotSavedMsg struct {
	summary storage.JobSummary
	err     error
}

type historyLoadedMsg struct {
	items []storage.JobSummary
	err   error
}

type bundleLoadedMsg struct {
	bundle *storage.JobBundle
	err    error
}

type focusPane int

const (
	paneJobs focusPane = iota
	paneDetail
	paneEvents
	paneCandidates
)

const (
	// backfillRounds caps the burst of immediate catch-up polls after a job
	// is selected; once a round returns no progress the burst stops early.
	backfillRounds = 10
	eventPageLimit = 200

	// dependentFetchDelay gives the backend a moment to finish writing
	// artifact and results rows referenced by a just-updated job record.
	dependentFetchDelay = 750 * time.Millisecond
)

type Model struct {
	client *backend.Client
	store  *storage.Store
	cfg    *config.Config
	logger *zap.Logger

	ready  bool
	width  int
	height int

	jobsView       viewport.Model
	detailView     viewport.Model
	eventsView     viewport.Model
	candidatesView viewport.Model
	spinner        spinner.Model

	focusPane   focusPane
	showHelp    bool
	showHistory bool

	statusText string
	errorText  string

	jobs          []backend.Job
	jobsCursor    int
	pendingJobID  string
	historyItems  []storage.JobSummary
	historyCursor int

	selected    *backend.Job
	selectedRaw map[string]any
	tokens      engine.Tokens
	eventLog    *engine.EventLog
	registry    *engine.CandidateRegistry

	bestArtifact    map[string]any
	evalSummary     map[string]any
	gepaMetrics     map[string]any
	metricsMissing  bool
	pendingSnapshot bool
	snapshotSaved   bool
	snapshotDir     string
	loadedBundle    *storage.JobBundle

	backfillLeft    int
	eventsFollow    bool
	eventsAnchorSeq int64

	streamCancel  context.CancelFunc
	streamChan    <-chan backend.Event
	streamErrChan <-chan error

	pollerCancel context.CancelFunc
	pollerTicks  <-chan time.Time

	jobsW, jobsH             int
	detailW, detailH         int
	eventsW, eventsH         int
	candidatesW, candidatesH int
}

func NewModel(client *backend.Client, store *storage.Store, cfg *config.Config, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	jobsView := viewport.New(40, 16)
	jobsView.SetContent("Loading jobs...")

	detailView := viewport.New(60, 16)
	detailView.SetContent("No job selected. Pick one from the Jobs pane and press Enter.")

	eventsView := viewport.New(60, 14)
	eventsView.SetContent("Event log is idle.")

	candidatesView := viewport.New(40, 14)
	candidatesView.SetContent("No candidates yet.")

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(accentSecondary)

	return Model{
		client:         client,
		store:          store,
		cfg:            cfg,
		logger:         logger,
		jobsView:       jobsView,
		detailView:     detailView,
		eventsView:     eventsView,
		candidatesView: candidatesView,
		spinner:        spin,
		focusPane:      paneJobs,
		showHelp:       true,
		statusText:     "Loading jobs from backend...",
		pendingJobID:   strings.TrimSpace(cfg.JobID),
		eventLog:       engine.NewEventLog(cfg.EventHistory),
		registry:       engine.NewCandidateRegistry(),
		eventsFollow:   true,
		jobsW:          44,
		jobsH:          18,
		detailW:        64,
		detailH:        18,
		eventsW:        64,
		eventsH:        14,
		candidatesW:    44,
		candidatesH:    14,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		loadJobsCmd(m.client, m.cfg.JobListLimit),
		loadHistoryCmd(m.store),
	)
}

func loadJobsCmd(client *backend.Client, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		jobs, err := client.ListJobs(ctx, limit)
		return jobsLoadedMsg{jobs: jobs, err: err}
	}
}

func loadHistoryCmd(store *storage.Store) tea.Cmd {
	return func() tea.Msg {
		items, err := store.List(50)
		return historyLoadedMsg{items: items, err: err}
	}
}

// resolveJobCmd probes the subsystem detail endpoints in turn when a job id
// arrives from the environment without being in the list response.
func resolveJobCmd(client *backend.Client, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		var lastErr error
		for _, source := range []backend.JobSource{
			backend.SourcePromptLearning,
			backend.SourceLearning,
			backend.SourceEval,
		} {
			job, raw, err := client.FetchJob(ctx, source, jobID)
			if err == nil {
				return jobResolvedMsg{jobID: jobID, job: job, raw: raw}
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		return jobResolvedMsg{jobID: jobID, err: lastErr}
	}
}

func fetchJobDetailCmd(client *backend.Client, token int64, job backend.Job) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		fresh, raw, err := client.FetchJob(ctx, job.Source, job.ID)
		return jobDetailMsg{token: token, job: fresh, raw: raw, err: err}
	}
}

func fetchEventsCmd(client *backend.Client, token int64, job backend.Job, sinceSeq int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		page, err := client.FetchEvents(ctx, job, sinceSeq, eventPageLimit)
		return eventPageMsg{token: token, page: page, err: err}
	}
}

func fetchArtifactCmd(client *backend.Client, token int64, job backend.Job, artifactID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		artifact, err := client.FetchBestArtifact(ctx, job, artifactID)
		return artifactMsg{token: token, artifact: artifact, err: err}
	}
}

func fetchEvalSummaryCmd(client *backend.Client, token int64, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		summary, err := client.FetchEvalSummary(ctx, jobID)
		return evalSummaryMsg{token: token, summary: summary, err: err}
	}
}

func fetchMetricsCmd(client *backend.Client, token int64, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		metrics, err := client.FetchMetrics(ctx, jobID)
		return metricsMsg{token: token, metrics: metrics, err: err}
	}
}

func saveSnapshotCmd(store *storage.Store, job backend.Job, raw map[string]any, events []backend.Event, candidates []engine.Candidate) tea.Cmd {
	return func() tea.Msg {
		summary, err := store.SaveJob(job, raw, events, candidates)
		return snapshotSavedMsg{summary: summary, err: err}
	}
}

func loadBundleCmd(store *storage.Store, directory string) tea.Cmd {
	return func() tea.Msg {
		bundle, err := store.LoadBundle(directory)
		return bundleLoadedMsg{bundle: bundle, err: err}
	}
}

func refreshTickCmd(token int64, interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return refreshTickMsg{token: token}
	})
}

func dependentFetchTickCmd(token int64) tea.Cmd {
	return tea.Tick(dependentFetchDelay, func(time.Time) tea.Msg {
		return dependentFetchTickMsg{token: token}
	})
}

func waitForStreamEventsCmd(epoch int64, ch <-chan backend.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return streamEventsMsg{epoch: epoch, ok: false}
		}

		events := make([]backend.Event, 0, 64)
		events = append(events, event)
		for len(events) < 64 {
			select {
			case next, ok := <-ch:
				if !ok {
					return streamEventsMsg{epoch: epoch, events: events, ok: true}
				}
				events = append(events, next)
			default:
				return streamEventsMsg{epoch: epoch, events: events, ok: true}
			}
		}
		return streamEventsMsg{epoch: epoch, events: events, ok: true}
	}
}

func waitForStreamErrCmd(epoch int64, ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-ch
		return streamErrMsg{epoch: epoch, err: err, ok: ok}
	}
}

func waitForPollTickCmd(token int64, ch <-chan time.Time) tea.Cmd {
	return func() tea.Msg {
		at, ok := <-ch
		return pollTickMsg{token: token, at: at, ok: ok}
	}
}

// startStream opens a fresh SSE connection for the selected job. Each call
// bumps the event epoch so messages from the previous connection no longer
// match and fall on the floor.
func (m *Model) startStream(job backend.Job, fromSeq int64) tea.Cmd {
	if fromSeq < 0 {
		fromSeq = 0
	}
	if m.streamCancel != nil {
		m.streamCancel()
	}
	epoch := m.tokens.NextEpoch()

	ctx, cancel := context.WithCancel(context.Background())
	m.streamCancel = cancel
	events := make(chan backend.Event, 128)
	streamErr := make(chan error, 1)
	m.streamChan = events
	m.streamErrChan = streamErr

	client := m.client
	go func() {
		err := client.StreamEvents(ctx, job, fromSeq, events)
		streamErr <- err
		close(streamErr)
	}()

	m.logger.Debug("stream started", zap.String("job_id", job.ID), zap.Int64("from_seq", fromSeq))
	return tea.Batch(
		waitForStreamEventsCmd(epoch, m.streamChan),
		waitForStreamErrCmd(epoch, m.streamErrChan),
	)
}

// startPoller runs a jittered ticker for the steady-state pull loop. Ticks
// are forwarded over a channel so the poll itself stays inside Update.
func (m *Model) startPoller() tea.Cmd {
	if m.pollerCancel != nil {
		m.pollerCancel()
	}
	token := m.tokens.Selection()

	ctx, cancel := context.WithCancel(context.Background())
	m.pollerCancel = cancel
	ticks := make(chan time.Time, 1)
	interval := m.cfg.EventInterval

	go func() {
		ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
		defer ticker.Stop()
		defer close(ticks)
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C:
				select {
				case ticks <- at:
				default:
				}
			}
		}
	}()

	m.pollerTicks = ticks
	return waitForPollTickCmd(token, ticks)
}

func (m *Model) stopBackground() {
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	if m.pollerCancel != nil {
		m.pollerCancel()
		m.pollerCancel = nil
	}
	m.streamChan = nil
	m.streamErrChan = nil
	m.pollerTicks = nil
}

// selectJob switches every pane to a new job: bump the tokens, wipe all
// derived state, then kick off the detail fetch, the stream, the poller and
// the backfill burst.
func (m *Model) selectJob(job backend.Job) tea.Cmd {
	token := m.tokens.NextSelection()

	m.stopBackground()
	m.selected = &job
	m.selectedRaw = nil
	m.eventLog.Reset()
	m.registry.Reset()
	m.bestArtifact = nil
	m.evalSummary = nil
	m.gepaMetrics = nil
	m.metricsMissing = false
	m.pendingSnapshot = false
	m.snapshotSaved = false
	m.snapshotDir = ""
	m.loadedBundle = nil
	m.backfillLeft = backfillRounds
	m.eventsFollow = true
	m.eventsAnchorSeq = 0
	m.errorText = ""
	m.statusText = "Watching job " + shortJobID(job.ID)

	m.detailView.SetContent(m.renderJobDetail())
	m.eventsView.SetContent("Waiting for events...")
	m.candidatesView.SetContent("No candidates yet.")

	cmds := []tea.Cmd{
		m.spinner.Tick,
		fetchJobDetailCmd(m.client, token, job),
		fetchEventsCmd(m.client, token, job, 0),
		m.startStream(job, 0),
		m.startPoller(),
		refreshTickCmd(token, m.cfg.RefreshInterval),
	}
	return tea.Batch(cmds...)
}

func (m *Model) needsDependentFetch(job backend.Job) bool {
	if job.BestArtifactID != "" && m.bestArtifact == nil {
		return true
	}
	if job.Kind == backend.KindEval && job.Terminal() && m.evalSummary == nil {
		return true
	}
	if job.Kind == backend.KindPromptEvolution && m.gepaMetrics == nil && !m.metricsMissing {
		return true
	}
	return false
}

func (m *Model) dependentFetches(token int64, job backend.Job) []tea.Cmd {
	cmds := []tea.Cmd{}
	if job.BestArtifactID != "" && m.bestArtifact == nil {
		cmds = append(cmds, fetchArtifactCmd(m.client, token, job, job.BestArtifactID))
	}
	if job.Kind == backend.KindEval && job.Terminal() && m.evalSummary == nil {
		cmds = append(cmds, fetchEvalSummaryCmd(m.client, token, job.ID))
	}
	if job.Kind == backend.KindPromptEvolution && m.gepaMetrics == nil && !m.metricsMissing {
		cmds = append(cmds, fetchMetricsCmd(m.client, token, job.ID))
	}
	return cmds
}

// absorbEvents merges a batch from either channel into the shared log and
// folds the newly seen events into the candidate registry.
// clearTransientError drops the rolling error banner once a fetch succeeds,
// so a recovered poll or stream stops masking the status line. The failure
// banner of a dead job stays up; nothing recoverable follows it.
func (m *Model) clearTransientError() {
	if m.selected != nil && m.selected.Status == backend.StatusFailed {
		return
	}
	m.errorText = ""
}

func (m *Model) absorbEvents(events []backend.Event, nextSeq *float64) engine.MergeResult {
	result := m.eventLog.MergePage(events, nextSeq)
	if len(result.Added) > 0 {
		m.registry.Apply(result.Added)
		m.refreshCandidatesView()
	}
	m.refreshEventsView(result)
	return result
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resizePanels()
		m.refreshJobsView()
		m.refreshEventsView(engine.MergeResult{})
		m.refreshCandidatesView()
		return m, nil

	case spinner.TickMsg:
		if m.selected == nil || m.selected.Terminal() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case jobsLoadedMsg:
		if msg.err != nil {
			m.errorText = "Failed to list jobs: " + msg.err.Error()
			return m, nil
		}
		m.jobs = msg.jobs
		if m.jobsCursor >= len(m.jobs) {
			m.jobsCursor = maxInt(0, len(m.jobs)-1)
		}
		m.refreshJobsView()
		m.statusText = fmt.Sprintf("Loaded %d jobs", len(m.jobs))

		if m.pendingJobID != "" {
			wanted := m.pendingJobID
			for idx, job := range m.jobs {
				if job.ID == wanted {
					m.pendingJobID = ""
					m.jobsCursor = idx
					return m, m.selectJob(job)
				}
			}
			return m, resolveJobCmd(m.client, wanted)
		}
		return m, nil

	case jobResolvedMsg:
		if m.pendingJobID == "" || msg.jobID != m.pendingJobID {
			return m, nil
		}
		m.pendingJobID = ""
		if msg.err != nil {
			m.errorText = fmt.Sprintf("Job %s not found on any subsystem: %s", shortJobID(msg.jobID), msg.err.Error())
			return m, nil
		}
		cmd := m.selectJob(msg.job)
		m.selectedRaw = msg.raw
		return m, cmd

	case refreshTickMsg:
		if !m.tokens.SelectionCurrent(msg.token) || m.selected == nil {
			return m, nil
		}
		if m.selected.Terminal() {
			return m, nil
		}
		return m, tea.Batch(
			refreshTickCmd(msg.token, m.cfg.RefreshInterval),
			fetchJobDetailCmd(m.client, msg.token, *m.selected),
		)

	case jobDetailMsg:
		if !m.tokens.SelectionCurrent(msg.token) {
			return m, nil
		}
		if msg.err != nil {
			if errors.Is(msg.err, context.Canceled) {
				return m, nil
			}
			m.errorText = "Job fetch failed: " + msg.err.Error()
			return m, nil
		}
		m.clearTransientError()
		wasTerminal := m.selected != nil && m.selected.Terminal()
		job := msg.job
		m.selected = &job
		m.selectedRaw = msg.raw
		m.detailView.SetContent(m.renderJobDetail())

		cmds := []tea.Cmd{}
		if m.needsDependentFetch(job) {
			cmds = append(cmds, dependentFetchTickCmd(msg.token))
		}
		if job.Terminal() && !wasTerminal {
			m.statusText = fmt.Sprintf("Job %s %s", shortJobID(job.ID), job.Status)
			if job.Status == backend.StatusFailed && job.Error != "" {
				m.errorText = "Job failed: " + job.Error
			}
			// One last pull picks up anything the stream missed, then the
			// snapshot is written when that page lands.
			m.pendingSnapshot = !m.snapshotSaved
			cmds = append(cmds, fetchEventsCmd(m.client, msg.token, job, m.eventLog.Cursor()))
			m.stopBackground()
		}
		if len(cmds) == 0 {
			return m, nil
		}
		return m, tea.Batch(cmds...)

	case dependentFetchTickMsg:
		if !m.tokens.SelectionCurrent(msg.token) || m.selected == nil {
			return m, nil
		}
		cmds := m.dependentFetches(msg.token, *m.selected)
		if len(cmds) == 0 {
			return m, nil
		}
		return m, tea.Batch(cmds...)

	case eventPageMsg:
		if !m.tokens.SelectionCurrent(msg.token) {
			return m, nil
		}
		if msg.err != nil {
			if errors.Is(msg.err, context.Canceled) || errors.Is(msg.err, context.DeadlineExceeded) {
				return m, nil
			}
			m.errorText = "Event poll failed: " + msg.err.Error()
			m.backfillLeft = 0
			return m, m.maybeSnapshot()
		}

		m.clearTransientError()
		result := m.absorbEvents(msg.page.Events, msg.page.NextSeq)

		cmds := []tea.Cmd{}
		if snapshot := m.maybeSnapshot(); snapshot != nil {
			cmds = append(cmds, snapshot)
		}
		if m.backfillLeft > 0 && m.selected != nil {
			if result.CursorMoved {
				m.backfillLeft--
				cmds = append(cmds, fetchEventsCmd(m.client, msg.token, *m.selected, m.eventLog.Cursor()))
			} else {
				m.backfillLeft = 0
			}
		}
		if len(cmds) == 0 {
			return m, nil
		}
		return m, tea.Batch(cmds...)

	case pollTickMsg:
		if !m.tokens.SelectionCurrent(msg.token) || !msg.ok {
			return m, nil
		}
		cmds := []tea.Cmd{waitForPollTickCmd(msg.token, m.pollerTicks)}
		if m.selected != nil && !m.selected.Terminal() && m.backfillLeft == 0 {
			cmds = append(cmds, fetchEventsCmd(m.client, msg.token, *m.selected, m.eventLog.Cursor()))
		}
		return m, tea.Batch(cmds...)

	case streamEventsMsg:
		if !m.tokens.EpochCurrent(msg.epoch) {
			return m, nil
		}
		if !msg.ok {
			m.streamChan = nil
			if m.selected != nil && !m.selected.Terminal() {
				m.logger.Debug("stream closed, reconnecting", zap.String("job_id", m.selected.ID))
				return m, m.startStream(*m.selected, m.eventLog.Cursor())
			}
			return m, nil
		}
		m.clearTransientError()
		m.absorbEvents(msg.events, nil)
		if m.streamChan == nil {
			return m, nil
		}
		return m, waitForStreamEventsCmd(msg.epoch, m.streamChan)

	case streamErrMsg:
		if !m.tokens.EpochCurrent(msg.epoch) {
			return m, nil
		}
		m.streamErrChan = nil
		if !msg.ok || msg.err == nil || errors.Is(msg.err, context.Canceled) {
			return m, nil
		}
		m.errorText = "Event stream error: " + msg.err.Error()
		m.logger.Debug("stream error", zap.Error(msg.err))
		if m.selected != nil && !m.selected.Terminal() {
			return m, m.startStream(*m.selected, m.eventLog.Cursor())
		}
		return m, nil

	case artifactMsg:
		if !m.tokens.SelectionCurrent(msg.token) {
			return m, nil
		}
		if msg.err != nil {
			m.errorText = "Artifact fetch failed: " + msg.err.Error()
			return m, nil
		}
		m.bestArtifact = msg.artifact
		m.detailView.SetContent(m.renderJobDetail())
		return m, nil

	case evalSummaryMsg:
		if !m.tokens.SelectionCurrent(msg.token) {
			return m, nil
		}
		if msg.err != nil {
			m.errorText = "Eval results fetch failed: " + msg.err.Error()
			return m, nil
		}
		m.evalSummary = msg.summary
		m.detailView.SetContent(m.renderJobDetail())
		return m, nil

	case metricsMsg:
		if !m.tokens.SelectionCurrent(msg.token) {
			return m, nil
		}
		if msg.err != nil {
			var apiErr *backend.APIError
			if errors.As(msg.err, &apiErr) && apiErr.NotFound() {
				m.metricsMissing = true
				m.statusText = "No GEPA metrics found for this job"
				return m, nil
			}
			m.errorText = "Metrics fetch failed: " + msg.err.Error()
			return m, nil
		}
		m.gepaMetrics = msg.metrics
		m.detailView.SetContent(m.renderJobDetail())
		return m, nil

	case snapshotSavedMsg:
		if msg.err != nil {
			m.errorText = "Could not save job snapshot: " + msg.err.Error()
			return m, nil
		}
		m.snapshotDir = msg.summary.Directory
		m.statusText = "Saved job snapshot: " + filepathBase(msg.summary.Directory)
		return m, loadHistoryCmd(m.store)

	case historyLoadedMsg:
		if msg.err != nil {
			m.errorText = "Failed to load snapshot history: " + msg.err.Error()
			return m, nil
		}
		m.historyItems = msg.items
		if m.historyCursor >= len(m.historyItems) {
			m.historyCursor = maxInt(0, len(m.historyItems)-1)
		}
		if m.showHistory {
			m.refreshJobsView()
		}
		return m, nil

	case bundleLoadedMsg:
		if msg.err != nil {
			m.errorText = "Could not load snapshot: " + msg.err.Error()
			return m, nil
		}
		m.loadedBundle = msg.bundle
		m.detailView.SetContent(renderBundle(msg.bundle))
		m.statusText = "Loaded snapshot " + filepathBase(msg.bundle.Summary.Directory)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		switch m.focusPane {
		case paneDetail:
			var cmd tea.Cmd
			m.detailView, cmd = m.detailView.Update(msg)
			return m, cmd
		case paneEvents:
			var cmd tea.Cmd
			m.eventsView, cmd = m.eventsView.Update(msg)
			m.noteEventsScroll()
			return m, cmd
		case paneCandidates:
			var cmd tea.Cmd
			m.candidatesView, cmd = m.candidatesView.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

// maybeSnapshot writes the terminal-state bundle once the final event page
// has been merged.
func (m *Model) maybeSnapshot() tea.Cmd {
	if !m.pendingSnapshot || m.snapshotSaved || m.selected == nil {
		return nil
	}
	m.pendingSnapshot = false
	m.snapshotSaved = true
	return saveSnapshotCmd(m.store, *m.selected, m.selectedRaw, m.eventLog.Events(), m.registry.Candidates())
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.stopBackground()
		return m, tea.Quit
	case "tab":
		m.focusPane = nextFocusPane(m.focusPane)
		m.statusText = "Focus: " + focusPaneLabel(m.focusPane)
		return m, nil
	case "shift+tab", "backtab":
		m.focusPane = prevFocusPane(m.focusPane)
		m.statusText = "Focus: " + focusPaneLabel(m.focusPane)
		return m, nil
	case "?":
		m.showHelp = !m.showHelp
		return m, nil
	case "r":
		cmds := []tea.Cmd{loadJobsCmd(m.client, m.cfg.JobListLimit)}
		if m.selected != nil {
			cmds = append(cmds, fetchJobDetailCmd(m.client, m.tokens.Selection(), *m.selected))
		}
		m.statusText = "Refreshing..."
		return m, tea.Batch(cmds...)
	case "h":
		m.showHistory = !m.showHistory
		m.refreshJobsView()
		if m.showHistory {
			m.statusText = "Showing saved snapshots. Enter loads one into the detail pane."
			return m, loadHistoryCmd(m.store)
		}
		m.statusText = "Showing live jobs."
		return m, nil
	case "f":
		if m.focusPane == paneEvents {
			m.eventsFollow = true
			m.eventsView.GotoBottom()
			m.statusText = "Following event log"
			return m, nil
		}
	case "enter":
		if m.focusPane != paneJobs {
			return m, nil
		}
		if m.showHistory {
			if len(m.historyItems) == 0 {
				return m, nil
			}
			item := m.historyItems[clampInt(m.historyCursor, 0, len(m.historyItems)-1)]
			return m, loadBundleCmd(m.store, item.Directory)
		}
		if len(m.jobs) == 0 {
			return m, nil
		}
		job := m.jobs[clampInt(m.jobsCursor, 0, len(m.jobs)-1)]
		return m, m.selectJob(job)
	case "up", "k":
		if m.focusPane == paneJobs {
			if m.showHistory {
				m.historyCursor = clampInt(m.historyCursor-1, 0, maxInt(0, len(m.historyItems)-1))
			} else {
				m.jobsCursor = clampInt(m.jobsCursor-1, 0, maxInt(0, len(m.jobs)-1))
			}
			m.refreshJobsView()
			return m, nil
		}
	case "down", "j":
		if m.focusPane == paneJobs {
			if m.showHistory {
				m.historyCursor = clampInt(m.historyCursor+1, 0, maxInt(0, len(m.historyItems)-1))
			} else {
				m.jobsCursor = clampInt(m.jobsCursor+1, 0, maxInt(0, len(m.jobs)-1))
			}
			m.refreshJobsView()
			return m, nil
		}
	}

	switch m.focusPane {
	case paneDetail:
		var cmd tea.Cmd
		m.detailView, cmd = m.detailView.Update(msg)
		return m, cmd
	case paneEvents:
		var cmd tea.Cmd
		m.eventsView, cmd = m.eventsView.Update(msg)
		m.noteEventsScroll()
		return m, cmd
	case paneCandidates:
		var cmd tea.Cmd
		m.candidatesView, cmd = m.candidatesView.Update(msg)
		return m, cmd
	}
	return m, nil
}

// noteEventsScroll records whether the user is pinned to the bottom and, if
// not, which sequence number sits at the top of the window so later merges
// can keep it in place.
func (m *Model) noteEventsScroll() {
	m.eventsFollow = m.eventsView.AtBottom()
	events := m.eventLog.Events()
	if m.eventsFollow || len(events) == 0 {
		m.eventsAnchorSeq = 0
		return
	}
	idx := clampInt(m.eventsView.YOffset, 0, len(events)-1)
	m.eventsAnchorSeq = events[idx].Seq
}
