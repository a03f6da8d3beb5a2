// Package ui renders pipeline progress in the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"kiln/internal/pipeline"
)

type progressModel struct {
	title   string
	events  <-chan pipeline.Event
	spinner spinner.Model
	prog    progress.Model
	rows    []stageRow
	index   map[pipeline.Stage]int
	width   int
	done    bool
	failed  bool
}

type stageRow struct {
	stage   pipeline.Stage
	status  pipeline.Status
	detail  string
	elapsed time.Duration
}

type eventMsg pipeline.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that shows one row per
// stage. Rows appear as stages are queued; the model quits when events
// is closed.
func NewProgressModel(title string, events <-chan pipeline.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		index:   make(map[pipeline.Stage]int, len(pipeline.Stages)),
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(pipeline.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	switch {
	case m.done && m.failed:
		header = "failed: " + header
	case m.done:
		header = "done: " + header
	default:
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	detailWidth := m.width - 12 - 10 - 12
	if detailWidth < 20 {
		detailWidth = 20
	}
	for _, row := range m.rows {
		label := statusLabel(row.stage, row.status)
		elapsed := ""
		if row.elapsed > 0 {
			elapsed = row.elapsed.Round(time.Microsecond).String()
		}
		fmt.Fprintf(&b, "  %s %-9s %10s  %s\n",
			styleStatus(row.status).Render(fmt.Sprintf("%10s", label)),
			row.stage, elapsed, truncate(row.detail, detailWidth))
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev pipeline.Event) tea.Cmd {
	idx, ok := m.index[ev.Stage]
	if !ok {
		idx = len(m.rows)
		m.index[ev.Stage] = idx
		m.rows = append(m.rows, stageRow{stage: ev.Stage})
	}
	row := &m.rows[idx]
	row.status = ev.Status
	row.elapsed = ev.Elapsed
	switch {
	case ev.Err != nil:
		row.detail = ev.Err.Error()
		m.failed = true
	case ev.Detail != "":
		row.detail = ev.Detail
	}

	total := 0.0
	for _, r := range m.rows {
		total += progressFromStatus(r.status)
	}
	return m.prog.SetPercent(total / float64(len(m.rows)))
}

func progressFromStatus(status pipeline.Status) float64 {
	switch status {
	case pipeline.StatusDone, pipeline.StatusError, pipeline.StatusSkipped:
		return 1.0
	case pipeline.StatusWorking:
		return 0.5
	}
	return 0.0
}

func statusLabel(stage pipeline.Stage, status pipeline.Status) string {
	if status == pipeline.StatusWorking {
		return stageLabel(stage)
	}
	return string(status)
}

func stageLabel(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageLoad:
		return "loading"
	case pipeline.StageVerify:
		return "verifying"
	case pipeline.StageLower:
		return "lowering"
	case pipeline.StageLink:
		return "linking"
	case pipeline.StageCompile:
		return "compiling"
	case pipeline.StageRun:
		return "running"
	case pipeline.StageEmit:
		return "emitting"
	}
	return string(stage)
}

func styleStatus(status pipeline.Status) lipgloss.Style {
	switch status {
	case pipeline.StatusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case pipeline.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case pipeline.StatusWorking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
