package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

var (
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// statusStyle colours job and task statuses by outcome
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(job.StatusCompleted):
		return okStyle
	case string(job.StatusFailed):
		return errStyle
	case string(job.StatusQuotaExhausted), string(job.StatusCancelled), string(task.StatusSkipped):
		return warnStyle
	case string(job.StatusRunning), string(task.StatusInProgress):
		return activeStyle
	default:
		return mutedStyle
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

func printJob(w io.Writer, j job.Job) {
	field(w, "Job", j.ID)
	field(w, "Status", statusStyle(string(j.Status)).Render(string(j.Status)))
	if j.Reason != "" {
		field(w, "Reason", string(j.Reason))
	}
	if j.CurrentPhase != "" {
		field(w, "Phase", string(j.CurrentPhase))
	}
	field(w, "Progress", strconv.Itoa(j.Progress)+"%")
	if j.Error != "" {
		field(w, "Error", errStyle.Render(j.Error))
	}
	if j.CancelRequested && !j.Status.IsTerminal() {
		field(w, "Cancel", "requested")
	}
	field(w, "Workspace", j.WorkspacePath)
	field(w, "Created", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		field(w, "Started", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		field(w, "Finished", j.CompletedAt.Format(time.RFC3339))
	}
	field(w, "Vision", truncate(j.Vision, 72))
}

func printJobs(w io.Writer, jobs []job.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no jobs"))
		return
	}
	t := newTable("ID", "STATUS", "PHASE", "PROGRESS", "CREATED", "VISION")
	for _, j := range jobs {
		t.Row(
			j.ID,
			statusStyle(string(j.Status)).Render(string(j.Status)),
			string(j.CurrentPhase),
			strconv.Itoa(j.Progress)+"%",
			j.CreatedAt.Format(time.DateTime),
			truncate(j.Vision, 40),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func printTasks(w io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no tasks"))
		return
	}
	t := newTable("TASK", "PHASE", "TYPE", "STATUS", "DEPENDS ON", "OUTCOME")
	for _, tk := range tasks {
		outcome := tk.Outcome
		if outcome == "" {
			outcome = tk.Reason
		}
		t.Row(
			tk.ID,
			string(tk.Phase),
			tk.Type,
			statusStyle(string(tk.Status)).Render(string(tk.Status)),
			strings.Join(tk.DependsOn, ", "),
			truncate(outcome, 40),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func printBudget(w io.Writer, r budget.Report) {
	if r.JobID != "" {
		field(w, "Job", r.JobID)
	}
	spent := r.Total.Cost.String()
	if r.Ceiling > 0 {
		style := okStyle
		switch {
		case r.PercentUsed >= 100:
			style = errStyle
		case r.PercentUsed >= 75:
			style = warnStyle
		}
		spent = fmt.Sprintf("%s of %s (%s)", r.Total.Cost, r.Ceiling, style.Render(fmt.Sprintf("%.2f%%", r.PercentUsed)))
	}
	field(w, "Spent", spent)
	field(w, "Calls", strconv.FormatInt(r.Total.Calls, 10))
	field(w, "Tokens", strconv.FormatInt(r.Total.Tokens, 10))
	field(w, "Last hour", r.HourlySpend.String())

	for _, group := range []struct {
		name  string
		lines map[string]budget.Line
	}{
		{"AGENT", r.ByAgent},
		{"PHASE", r.ByPhase},
		{"MODEL", r.ByModel},
	} {
		if len(group.lines) == 0 {
			continue
		}
		fmt.Fprintln(w)
		t := newTable(group.name, "COST", "CALLS", "TOKENS")
		for _, k := range sortedKeys(group.lines) {
			l := group.lines[k]
			t.Row(k, l.Cost.String(), strconv.FormatInt(l.Calls, 10), strconv.FormatInt(l.Tokens, 10))
		}
		fmt.Fprintln(w, t.Render())
	}
}

func printHistory(w io.Writer, history []workflow.Transition) {
	if len(history) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no transitions"))
		return
	}
	t := newTable("AT", "FROM", "TO", "NOTE")
	for _, tr := range history {
		note := tr.Reason
		if tr.Recovery {
			note = strings.TrimSpace("recovery " + note)
		}
		to := string(tr.To)
		switch tr.To {
		case workflow.PhaseCompleted:
			to = okStyle.Render(to)
		case workflow.PhaseFailed:
			to = errStyle.Render(to)
		}
		t.Row(tr.At.Format(time.DateTime), string(tr.From), to, note)
	}
	fmt.Fprintln(w, t.Render())
}

func sortedKeys(m map[string]budget.Line) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
