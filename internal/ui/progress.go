package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"movec/internal/pipeline"
)

type progressModel struct {
	title      string
	events     <-chan pipeline.Event
	spinner    spinner.Model
	prog       progress.Model
	items      []item
	index      map[string]int
	stages     map[pipeline.Stage]int
	fnStages   int
	unitStages int
	stageLabel string
	width      int
	done       bool
}

type item struct {
	name   string
	unit   bool // a module; functions come first
	status string
	stage  pipeline.Stage
	seen   bool
}

type eventMsg pipeline.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders compilation
// progress. functions and modules are the qualified names the events will
// carry; passes is the pass list the pipeline runs. Codegen and verify rows
// are added for modules.
func NewProgressModel(title string, functions, modules []string, passes []pipeline.Pass, events <-chan pipeline.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	stages := map[pipeline.Stage]int{pipeline.StageLower: 0}
	for i, p := range passes {
		stages[p.Stage()] = i + 1
	}
	stages[pipeline.StageCodegen] = 0
	stages[pipeline.StageVerify] = 1

	items := make([]item, 0, len(functions)+len(modules))
	index := make(map[string]int, len(functions)+len(modules))
	for _, name := range functions {
		index[name] = len(items)
		items = append(items, item{name: name, status: "queued"})
	}
	for _, name := range modules {
		index[name] = len(items)
		items = append(items, item{name: name, unit: true, status: "queued"})
	}
	return &progressModel{
		title:      title,
		events:     events,
		spinner:    sp,
		prog:       prog,
		items:      items,
		index:      index,
		stages:     stages,
		fnStages:   len(passes) + 1,
		unitStages: 2,
		width:      80,
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
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	if m.stageLabel != "" {
		header = fmt.Sprintf("%s (%s)", header, m.stageLabel)
	}
	if m.done {
		header = fmt.Sprintf("done: %s", header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 18
	nameWidth := max(m.width-statusWidth-4, 20)
	for _, it := range m.items {
		if it.unit && !it.seen && !m.done {
			continue
		}
		status := it.status
		if it.unit && !it.seen {
			status = "skipped"
		}
		styled := styleStatus(status).Render(fmt.Sprintf("%18s", status))
		fmt.Fprintf(&b, "  %s %s\n", styled, truncate(it.name, nameWidth))
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
	label := statusLabel(ev.Stage, ev.Status)
	if ev.Function == "" {
		if label != "" {
			m.stageLabel = label
		}
		return nil
	}
	idx, ok := m.index[ev.Function]
	if !ok {
		return nil
	}
	if label != "" {
		m.items[idx].status = label
		m.items[idx].stage = ev.Stage
		m.items[idx].seen = true
	}
	return m.prog.SetPercent(m.percent())
}

// percent averages the position of every item within the stages it goes
// through. An item counts a stage once it leaves it.
func (m *progressModel) percent() float64 {
	if len(m.items) == 0 {
		return 0
	}
	total := 0.0
	for _, it := range m.items {
		if !it.seen {
			continue
		}
		n := m.fnStages
		if it.unit {
			n = m.unitStages
		}
		pos := float64(m.stages[it.stage])
		if terminal(it.status) {
			pos++
		}
		total += min(pos/float64(n), 1)
	}
	return total / float64(len(m.items))
}

func terminal(status string) bool {
	switch status {
	case "done", "tainted", "error":
		return true
	}
	return false
}

func statusLabel(stage pipeline.Stage, status pipeline.Status) string {
	switch status {
	case pipeline.StatusQueued:
		return "queued"
	case pipeline.StatusDone:
		return "done"
	case pipeline.StatusTainted:
		return "tainted"
	case pipeline.StatusError:
		return "error"
	case pipeline.StatusWorking:
		return string(stage)
	default:
		return ""
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "error":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "tainted", "skipped":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "queued":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
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
