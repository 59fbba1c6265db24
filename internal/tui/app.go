// Package tui is the live dashboard behind `sentinel-cli tui`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/supervisor"
)

const (
	defaultRefreshInterval = 1500 * time.Millisecond
	defaultRebuildTimeout  = 10 * time.Second
	reconnectDelay         = 2 * time.Second
	maxEventLines          = 25
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	hintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	selectedStyle  = lipgloss.NewStyle().Bold(true)
	stateRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stateSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	stateFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	stateAborted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	stateIdle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

// Client is the subset of client.HTTPClient the dashboard uses.
type Client interface {
	ListProjects(ctx context.Context) ([]supervisor.ProjectStatus, error)
	Rebuild(ctx context.Context, project string) (string, error)
	StreamEvents(ctx context.Context, since int64, project string, onEvent func(job.Event) bool) error
}

type Options struct {
	Client          Client
	ServerURL       string
	RefreshInterval time.Duration
	RebuildTimeout  time.Duration
}

func Run(ctx context.Context, opts Options) error {
	m, err := newModel(opts)
	if err != nil {
		return err
	}
	msgs := make(chan tea.Msg, 64)
	m.msgs = msgs

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go streamEvents(streamCtx, opts.Client, msgs)

	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	_, err = p.Run()
	if err == nil || errors.Is(err, tea.ErrInterrupted) {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, tea.ErrProgramKilled)) {
		return nil
	}
	return err
}

type refreshTickMsg struct{}

type projectsLoadedMsg struct {
	items []supervisor.ProjectStatus
	err   error
}

type rebuildResultMsg struct {
	project string
	err     error
}

type eventMsg struct {
	ev job.Event
}

type streamErrMsg struct {
	err error
}

// streamEvents tails the daemon's event stream into msgs, reconnecting from
// the last seen sequence number after a failure.
func streamEvents(ctx context.Context, c Client, msgs chan<- tea.Msg) {
	var lastSeq int64
	send := func(msg tea.Msg) bool {
		select {
		case msgs <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		err := c.StreamEvents(ctx, lastSeq, "", func(ev job.Event) bool {
			lastSeq = ev.Seq
			return send(eventMsg{ev: ev})
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("event stream closed")
		}
		if !send(streamErrMsg{err: err}) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

type model struct {
	client          Client
	serverURL       string
	refreshInterval time.Duration
	rebuildTimeout  time.Duration
	msgs            <-chan tea.Msg

	items       []supervisor.ProjectStatus
	selectedIdx int
	selected    string

	width  int
	height int

	loading    bool
	rebuilding bool
	status     string
	lastErr    string
	eventLines []string
}

func newModel(opts Options) (model, error) {
	if opts.Client == nil {
		return model{}, fmt.Errorf("tui client is required")
	}
	refresh := opts.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	rebuildTimeout := opts.RebuildTimeout
	if rebuildTimeout <= 0 {
		rebuildTimeout = defaultRebuildTimeout
	}
	return model{
		client:          opts.Client,
		serverURL:       strings.TrimSpace(opts.ServerURL),
		refreshInterval: refresh,
		rebuildTimeout:  rebuildTimeout,
		loading:         true,
		status:          "loading functions...",
	}, nil
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchProjectsCmd(), m.tickCmd(), m.waitForMsg())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case refreshTickMsg:
		m.loading = true
		return m, tea.Batch(m.fetchProjectsCmd(), m.tickCmd())
	case projectsLoadedMsg:
		m.loading = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.status = "refresh failed"
			return m, nil
		}
		m.lastErr = ""
		m.applyProjects(typed.items)
		if !m.rebuilding {
			m.status = fmt.Sprintf("%d functions", len(m.items))
		}
		return m, nil
	case rebuildResultMsg:
		m.rebuilding = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.status = "rebuild failed"
			m.addEvent("rebuild failed: " + typed.err.Error())
			return m, nil
		}
		m.lastErr = ""
		m.status = "rebuild queued for " + m.label(typed.project)
		return m, m.fetchProjectsCmd()
	case eventMsg:
		m.addEvent(m.describe(typed.ev))
		return m, m.waitForMsg()
	case streamErrMsg:
		m.addEvent("event stream: " + typed.err.Error())
		return m, m.waitForMsg()
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "k", "up":
			m.moveSelection(-1)
		case "j", "down":
			m.moveSelection(1)
		case "r":
			m.loading = true
			return m, m.fetchProjectsCmd()
		case "enter", "b":
			if m.rebuilding || m.selected == "" {
				return m, nil
			}
			m.rebuilding = true
			m.status = "rebuilding " + m.label(m.selected) + "..."
			return m, m.rebuildCmd(m.selected)
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	title := "sentinel - functions"
	if m.serverURL != "" {
		title += " @ " + m.serverURL
	}
	b.WriteString(titleStyle.Render(trimToWidth(title, m.width)))
	b.WriteByte('\n')
	b.WriteString(hintStyle.Render(trimToWidth("Keys: j/k move  enter rebuild  r refresh  q quit", m.width)))
	b.WriteByte('\n')
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	if len(m.items) == 0 {
		if m.loading {
			b.WriteString("Loading...\n")
		} else {
			b.WriteString("No functions are being watched.\n")
		}
	}
	for i, st := range m.items {
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		watch := "watching"
		if !st.Watching {
			watch = "stopped"
		}
		state, detail := "IDLE", ""
		if st.LastJob != nil {
			state = string(st.LastJob.State)
			detail = shortID(st.LastJob.ID)
			if st.LastJob.Error != "" {
				detail += "  " + st.LastJob.Error
			}
		}
		line := fmt.Sprintf("%s%-28s  %-8s  ", prefix, st.Name, watch)
		if i == m.selectedIdx {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString(stateStyle(state).Render(fmt.Sprintf("%-9s", state)))
		b.WriteString("  " + detail)
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(titleStyle.Render(fmt.Sprintf("Events (latest %d)", maxEventLines)))
	b.WriteByte('\n')
	if len(m.eventLines) == 0 {
		b.WriteString(hintStyle.Render("(no events yet)"))
		b.WriteByte('\n')
	}
	for _, line := range m.eventLines {
		b.WriteString(trimToWidth(line, m.width))
		b.WriteByte('\n')
	}
	return b.String()
}

func (m *model) applyProjects(items []supervisor.ProjectStatus) {
	m.items = append([]supervisor.ProjectStatus(nil), items...)
	if len(m.items) == 0 {
		m.selectedIdx = 0
		m.selected = ""
		return
	}
	for i := range m.items {
		if m.items[i].Project == m.selected {
			m.selectedIdx = i
			return
		}
	}
	m.selectedIdx = 0
	m.selected = m.items[0].Project
}

func (m *model) moveSelection(delta int) {
	if len(m.items) == 0 {
		return
	}
	next := min(max(m.selectedIdx+delta, 0), len(m.items)-1)
	m.selectedIdx = next
	m.selected = m.items[next].Project
}

func (m model) statusLine() string {
	status := m.status
	if m.lastErr != "" {
		return status + " | " + errorStyle.Render("error: "+m.lastErr)
	}
	return status
}

func (m *model) addEvent(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	m.eventLines = append(m.eventLines, time.Now().Local().Format("15:04:05")+"  "+trimmed)
	if len(m.eventLines) > maxEventLines {
		m.eventLines = m.eventLines[len(m.eventLines)-maxEventLines:]
	}
}

func (m model) describe(ev job.Event) string {
	line := fmt.Sprintf("%s job %s %s", m.label(ev.Project), shortID(ev.JobID), strings.ToLower(string(ev.State)))
	if ev.ExitCode != nil && ev.Terminal() {
		line += fmt.Sprintf(" (exit %d)", *ev.ExitCode)
	}
	if ev.Stage == job.StageBeforeBuild && ev.State == job.StateFailed {
		line += " in before_build"
	}
	return line
}

// label prefers the function name the daemon reported for dir.
func (m model) label(dir string) string {
	for _, st := range m.items {
		if st.Project == dir && st.Name != "" {
			return st.Name
		}
	}
	return filepath.Base(dir)
}

func (m model) fetchProjectsCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.refreshInterval)
		defer cancel()
		items, err := m.client.ListProjects(ctx)
		return projectsLoadedMsg{items: items, err: err}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (m model) rebuildCmd(project string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.rebuildTimeout)
		defer cancel()
		dir, err := m.client.Rebuild(ctx, project)
		if dir == "" {
			dir = project
		}
		return rebuildResultMsg{project: dir, err: err}
	}
}

func (m model) waitForMsg() tea.Cmd {
	if m.msgs == nil {
		return nil
	}
	ch := m.msgs
	return func() tea.Msg {
		return <-ch
	}
}

func stateStyle(state string) lipgloss.Style {
	switch job.State(state) {
	case job.StateRunning:
		return stateRunning
	case job.StateSucceeded:
		return stateSucceeded
	case job.StateFailed:
		return stateFailed
	case job.StateAborted:
		return stateAborted
	default:
		return stateIdle
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func trimToWidth(in string, width int) string {
	if width <= 0 || len(in) <= width {
		return in
	}
	if width <= 3 {
		return in[:width]
	}
	return in[:width-3] + "..."
}
