package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// BuildCompleteMsg indicates the build, including teardown, is over.
type BuildCompleteMsg struct {
	Summary BuildSummary
}

type stageState struct {
	name     string
	status   string // pending, running, completed, failed
	duration time.Duration
	err      error
	detail   string
}

// ProgressModel is the Bubble Tea model for an interactive build.
type ProgressModel struct {
	ImagePath string
	Source    string

	// Cancel, when set, is called once on q or ctrl+c. The model keeps
	// running until BuildCompleteMsg arrives so teardown stays visible.
	Cancel func()

	fetchBar     progress.Model
	spinner      spinner.Model
	fetch        ProgressEvent
	fetching     bool
	fetchDone    bool
	stages       []*stageState
	warnings     []ProgressEvent
	interrupting bool

	styles    *Styles
	startTime time.Time
	done      bool
	result    *BuildSummary
}

// NewProgressModel creates a model listing stageNames as pending.
func NewProgressModel(imagePath, source string, stageNames []string) *ProgressModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(ColorInfo)

	m := &ProgressModel{
		ImagePath: imagePath,
		Source:    source,
		fetchBar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		spinner:   spin,
		styles:    DefaultStyles(),
		startTime: time.Now(),
	}
	for _, name := range stageNames {
		m.stages = append(m.stages, &stageState{name: name, status: "pending"})
	}
	return m
}

// Init initializes the model
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.interrupting && m.Cancel != nil {
				m.interrupting = true
				m.Cancel()
			}
		}

	case tea.WindowSizeMsg:
		if w := msg.Width - 20; w > 10 {
			m.fetchBar.Width = w
		}

	case ProgressEvent:
		m.apply(msg)

	case BuildCompleteMsg:
		m.done = true
		m.result = &msg.Summary
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.fetchBar.Update(msg)
		m.fetchBar = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *ProgressModel) apply(ev ProgressEvent) {
	switch ev.Type {
	case EventFetchStart:
		m.fetching = true
	case EventFetchProgress:
		m.fetch = ev
	case EventFetchComplete:
		m.fetch = ev
		m.fetching = false
		m.fetchDone = true
	case EventStageStart:
		m.stage(ev.Stage).status = "running"
	case EventStageComplete:
		s := m.stage(ev.Stage)
		s.status, s.duration = "completed", ev.Elapsed
	case EventStageFailed:
		s := m.stage(ev.Stage)
		s.status, s.duration, s.err = "failed", ev.Elapsed, ev.Error
	case EventUnpackProgress:
		m.stage(ev.Stage).detail = fmt.Sprintf("%s: %d files, %s", ev.Message, ev.Files, FormatBytes(ev.Current))
	case EventTeardownWarning:
		m.warnings = append(m.warnings, ev)
	}
}

func (m *ProgressModel) stage(name string) *stageState {
	for _, s := range m.stages {
		if s.name == name {
			return s
		}
	}
	s := &stageState{name: name, status: "pending"}
	m.stages = append(m.stages, s)
	return s
}

// View renders the model
func (m *ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("FreeDOS image build") + "\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", m.styles.Muted.Render("Image: "), m.ImagePath))
	b.WriteString(fmt.Sprintf("  %s %s\n\n", m.styles.Muted.Render("Source:"), m.Source))

	switch {
	case m.fetching:
		b.WriteString(fmt.Sprintf("  %s %-20s ", m.spinner.View(), "fetch"))
		if m.fetch.Total > 0 {
			b.WriteString(m.fetchBar.ViewAs(m.fetch.Percent))
			b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" %s/%s %s",
				FormatBytes(m.fetch.Current), FormatBytes(m.fetch.Total), m.fetch.SpeedStr)))
		} else if m.fetch.Current > 0 {
			b.WriteString(m.styles.Muted.Render(FormatBytes(m.fetch.Current)))
		}
		b.WriteString("\n")
	case m.fetchDone:
		b.WriteString(fmt.Sprintf("  %s %s %s\n", m.styles.Success.Render(SymbolSuccess),
			m.styles.Success.Render(fmt.Sprintf("%-20s", "fetch")),
			m.styles.Muted.Render("("+m.fetch.Message+")")))
	}

	for _, s := range m.stages {
		b.WriteString(m.renderStage(s))
	}

	if len(m.warnings) > 0 {
		b.WriteString("\n" + m.styles.Warning.Render(SymbolWarning+" Cleanup warnings (non-fatal)") + "\n")
		for _, w := range m.warnings {
			b.WriteString(fmt.Sprintf("    %s: %v\n", w.Stage, w.Error))
		}
	}

	b.WriteString(fmt.Sprintf("\n  %s %s\n", m.styles.Muted.Render("Elapsed:"), FormatDuration(time.Since(m.startTime))))

	if m.done && m.result != nil {
		b.WriteString("\n")
		if m.result.Error != nil {
			b.WriteString(m.styles.Error.Render(fmt.Sprintf("  %s Build failed at %s: %v", SymbolError, m.result.FailedStage, m.result.Error)) + "\n")
		} else {
			b.WriteString(m.styles.Success.Render(fmt.Sprintf("  %s Image built: %s", SymbolSuccess, m.result.ImagePath)) + "\n")
		}
	}

	switch {
	case m.interrupting && !m.done:
		b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Warning.Render("Interrupted, tearing down...")))
	case !m.done:
		b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to cancel")))
	}
	return b.String()
}

func (m *ProgressModel) renderStage(s *stageState) string {
	var icon, name string
	label := fmt.Sprintf("%-20s", s.name)
	switch s.status {
	case "running":
		icon, name = m.spinner.View(), m.styles.Info.Render(label)
	case "completed":
		icon, name = m.styles.Success.Render(SymbolSuccess), m.styles.Success.Render(label)
	case "failed":
		icon, name = m.styles.Error.Render(SymbolError), m.styles.Error.Render(label)
	default:
		icon, name = m.styles.Muted.Render(SymbolPending), m.styles.Muted.Render(label)
	}

	line := fmt.Sprintf("  %s %s", icon, name)
	switch s.status {
	case "running":
		if s.detail != "" {
			line += " " + m.styles.Muted.Render(s.detail)
		}
	case "completed":
		line += " " + m.styles.Muted.Render("("+FormatDuration(s.duration)+")")
	case "failed":
		line += " " + m.styles.Error.Render(fmt.Sprint(s.err))
	}
	return line + "\n"
}

// Done returns whether the model is done
func (m *ProgressModel) Done() bool {
	return m.done
}

// Result returns the final result, or nil before BuildCompleteMsg.
func (m *ProgressModel) Result() *BuildSummary {
	return m.result
}

// CreateTeaCallback creates a callback that forwards progress events to a
// Bubble Tea program.
func CreateTeaCallback(p *tea.Program) ProgressCallback {
	return func(event ProgressEvent) {
		p.Send(event)
	}
}

// SendBuildComplete sends the final message to a Bubble Tea program.
func SendBuildComplete(p *tea.Program, s BuildSummary) {
	p.Send(BuildCompleteMsg{Summary: s})
}
