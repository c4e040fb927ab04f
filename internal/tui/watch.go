package tui

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/report"
	"github.com/felixgeelhaar/foundry/internal/task"
)

// Source reads a job's current state
type Source interface {
	GetSummary(ctx context.Context, jobID string) (report.Summary, error)
}

// CancelFunc asks a job to stop
type CancelFunc func(ctx context.Context, jobID string) (job.Job, error)

// WatchModel polls one job and renders its phase, progress and spend until the
// job finishes or the user quits
type WatchModel struct {
	ctx      context.Context
	jobID    string
	source   Source
	cancel   CancelFunc
	interval time.Duration

	summary         *report.Summary
	lastError       string
	cancelRequested bool
	startTime       time.Time

	spinner  spinner.Model
	bar      progress.Model
	width    int
	quitting bool
	styles   Styles
}

// SummaryMsg carries a freshly read job summary
type SummaryMsg struct {
	Summary report.Summary
}

// FetchErrorMsg reports a failed read
type FetchErrorMsg struct {
	Err error
}

// CancelResultMsg reports the outcome of a cancel request
type CancelResultMsg struct {
	Job job.Job
	Err error
}

type pollMsg time.Time

// NewWatchModel creates a watcher for jobID. cancel may be nil to disable the cancel key.
func NewWatchModel(ctx context.Context, jobID string, source Source, cancel CancelFunc, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return WatchModel{
		ctx:       ctx,
		jobID:     jobID,
		source:    source,
		cancel:    cancel,
		interval:  interval,
		startTime: time.Now(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		styles:    DefaultStyles(),
	}
}

// Summary returns the last summary read, if any
func (m WatchModel) Summary() (report.Summary, bool) {
	if m.summary == nil {
		return report.Summary{}, false
	}
	return *m.summary, true
}

// Init starts the spinner and the first read
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

// Update handles key presses, reads and timer ticks
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-8, 10), 60)
		return m, nil

	case SummaryMsg:
		s := msg.Summary
		m.summary = &s
		m.lastError = ""
		if s.Job.Status.IsTerminal() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.poll()

	case FetchErrorMsg:
		m.lastError = msg.Err.Error()
		if stderrors.Is(msg.Err, errors.ErrJobNotFound) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.poll()

	case CancelResultMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			m.cancelRequested = false
			return m, nil
		}
		if m.summary != nil {
			m.summary.Job = msg.Job
		}
		return m, nil

	case pollMsg:
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m WatchModel) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Quit

	case "x":
		if m.cancel == nil || m.cancelRequested {
			return m, nil
		}
		m.cancelRequested = true
		ctx, cancel, id := m.ctx, m.cancel, m.jobID
		return m, func() tea.Msg {
			j, err := cancel(ctx, id)
			return CancelResultMsg{Job: j, Err: err}
		}
	}
	return m, nil
}

func (m WatchModel) fetch() tea.Cmd {
	ctx, source, id := m.ctx, m.source, m.jobID
	return func() tea.Msg {
		s, err := source.GetSummary(ctx, id)
		if err != nil {
			return FetchErrorMsg{Err: err}
		}
		return SummaryMsg{Summary: s}
	}
}

func (m WatchModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

// View renders the watcher
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("foundry · job " + m.jobID))
	b.WriteString("\n")

	if m.summary == nil {
		if m.lastError != "" {
			b.WriteString(m.styles.Error.Render("✗ " + m.lastError))
		} else {
			b.WriteString(m.spinner.View() + m.styles.Muted.Render("loading"))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.styles.Border.Render(m.renderJob()))
	b.WriteString("\n")

	if m.lastError != "" {
		b.WriteString(m.styles.Error.Render("✗ " + m.lastError))
		b.WriteString("\n")
	}
	if !m.quitting {
		b.WriteString(m.renderHelpLine())
		b.WriteString("\n")
	}
	return b.String()
}

func (m WatchModel) renderJob() string {
	j := m.summary.Job
	var b strings.Builder

	icon, style := m.statusIcon(j.Status)
	status := string(j.Status)
	if j.Reason != "" && j.Reason != job.ReasonCompleted {
		status += " (" + string(j.Reason) + ")"
	}
	if !j.Status.IsTerminal() {
		icon = m.spinner.View()
	}
	b.WriteString(style.Render(icon + " " + status))
	b.WriteString("\n\n")

	b.WriteString(m.bar.ViewAs(float64(j.Progress) / 100))
	b.WriteString("\n\n")

	rows := [][2]string{
		{"Phase", string(j.CurrentPhase)},
		{"Tasks", m.taskCounts()},
		{"Spent", m.spend()},
		{"Elapsed", formatDuration(m.elapsed(j))},
	}
	if j.CancelRequested && !j.Status.IsTerminal() {
		rows = append(rows, [2]string{"Cancel", "requested"})
	}
	if j.Error != "" {
		rows = append(rows, [2]string{"Error", m.styles.Error.Render(j.Error)})
	}
	for _, r := range rows {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("%-8s ", r[0])))
		b.WriteString(r[1])
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m WatchModel) renderHelpLine() string {
	keys := []string{m.styles.Key.Render("q") + " quit"}
	if m.cancel != nil {
		if m.cancelRequested {
			keys = append(keys, m.styles.Muted.Render("cancel requested"))
		} else {
			keys = append(keys, m.styles.Key.Render("x")+" cancel job")
		}
	}
	return m.styles.Help.Render(strings.Join(keys, " · "))
}

func (m WatchModel) taskCounts() string {
	var parts []string
	for _, st := range []task.Status{task.StatusCompleted, task.StatusInProgress, task.StatusRegistered, task.StatusFailed, task.StatusSkipped} {
		if n := m.summary.Tasks[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		return m.styles.Muted.Render("none")
	}
	return strings.Join(parts, ", ")
}

func (m WatchModel) spend() string {
	r := m.summary.Budget
	if r.Ceiling <= 0 {
		return r.Total.Cost.String()
	}
	return fmt.Sprintf("%s of %s (%.2f%%)", r.Total.Cost, r.Ceiling, r.PercentUsed)
}

func (m WatchModel) elapsed(j job.Job) time.Duration {
	start := m.startTime
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(start)
}

func (m WatchModel) statusIcon(s job.Status) (string, lipgloss.Style) {
	switch s {
	case job.StatusCompleted:
		return "✓", m.styles.Success
	case job.StatusFailed:
		return "✗", m.styles.Error
	case job.StatusCancelled, job.StatusQuotaExhausted:
		return "■", m.styles.Warning
	default:
		return "⟳", m.styles.Status
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
