package ui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"cadgraph/internal/ledger"
)

// pollInterval is how often the dashboard refetches job rows.
const pollInterval = 500 * time.Millisecond

type tickMsg time.Time

type rowsMsg struct {
	rows []ledger.JobRecord
	err  error
}

// JobsFetch returns the current job rows, newest first.
type JobsFetch func(limit int) ([]ledger.JobRecord, error)

// JobsPageModel is the live jobs dashboard: a polled table of job runs with
// a progress bar per non-terminal job.
type JobsPageModel struct {
	fetch  JobsFetch
	limit  int
	rows   []ledger.JobRecord
	err    error
	bar    progress.Model
	styles Styles
	width  int
}

// NewJobsPage builds the dashboard around a row source.
func NewJobsPage(fetch JobsFetch, limit int) JobsPageModel {
	return JobsPageModel{
		fetch:  fetch,
		limit:  limit,
		bar:    progress.New(progress.WithDefaultGradient()),
		styles: DefaultStyles(),
		width:  80,
	}
}

func (m JobsPageModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m JobsPageModel) fetchCmd() tea.Cmd {
	fetch, limit := m.fetch, m.limit
	return func() tea.Msg {
		rows, err := fetch(limit)
		return rowsMsg{rows: rows, err: err}
	}
}

func (m JobsPageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width / 3
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tick())
	case rowsMsg:
		m.rows = msg.rows
		m.err = msg.err
	}
	return m, nil
}

func (m JobsPageModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("cadgraph jobs"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(m.styles.Error.Render("ledger error: " + m.err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if len(m.rows) == 0 {
		b.WriteString(m.styles.Muted.Render("no job runs recorded yet"))
		b.WriteString("\n\n")
		b.WriteString(m.styles.Muted.Render("q to quit"))
		return b.String()
	}

	b.WriteString(m.styles.Header.Render(m.styles.Row("JOB", "STATUS", "STAGE", "FILE")))
	b.WriteString("\n")
	for _, row := range m.rows {
		status := m.styles.StatusStyle(row.Status).Render(fmt.Sprintf("%-10s", row.Status))
		stage := row.Stage
		if len(stage) > 30 {
			stage = stage[:30]
		}
		b.WriteString(m.styles.Row(row.JobID, status, fmt.Sprintf("%-30s", stage), filepath.Base(row.File)))
		b.WriteString("\n")
		if row.Status == "pending" || row.Status == "processing" {
			b.WriteString("  " + m.bar.ViewAs(row.Progress) + " " + Percent(row.Progress))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("q to quit"))
	return b.String()
}
