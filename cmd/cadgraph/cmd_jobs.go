package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"cadgraph/cmd/cadgraph/ui"
	"cadgraph/internal/ledger"
)

var (
	jobsLimit  int
	jobsMaxAge time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage enrichment jobs",
	Long: `Enrichment jobs run inside the process that hosts them (ingest or
watch). These subcommands observe them through the local ledger, which
the hosting process keeps current while it runs.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent job runs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job's state",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Request cancellation of a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete result files older than the eviction age",
	RunE:  runJobsCleanup,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of job runs",
	RunE:  runJobsWatch,
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum rows to show")
	jobsWatchCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum rows to show")
	jobsCleanupCmd.Flags().DurationVar(&jobsMaxAge, "max-age", 0, "Delete results older than this (default from config)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	rows, err := led.RecentJobs(jobsLimit)
	if err != nil {
		return err
	}
	styles := ui.DefaultStyles()
	if len(rows) == 0 {
		fmt.Println(styles.Muted.Render("no job runs recorded"))
		return nil
	}

	fmt.Println(styles.Header.Render(styles.Row("JOB", "STATUS", "PROGRESS", "STAGE", "FILE")))
	for _, row := range rows {
		status := styles.StatusStyle(row.Status).Render(fmt.Sprintf("%-10s", row.Status))
		fmt.Println(styles.Row(
			row.JobID,
			status,
			ui.Percent(row.Progress),
			fmt.Sprintf("%-25s", truncate(row.Stage, 25)),
			filepath.Base(row.File),
		))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	rec, ok, err := led.JobRun(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s not found", args[0])
	}

	styles := ui.DefaultStyles()
	var b strings.Builder
	b.WriteString(styles.Title.Render(rec.JobID))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("file      %s\n", rec.File))
	b.WriteString("status    " + styles.StatusStyle(rec.Status).Render(rec.Status) + "\n")
	b.WriteString(fmt.Sprintf("progress  %s\n", ui.Percent(rec.Progress)))
	b.WriteString(fmt.Sprintf("stage     %s\n", rec.Stage))
	b.WriteString(fmt.Sprintf("created   %s\n", rec.CreatedAt.Local().Format(time.RFC3339)))
	if !rec.CompletedAt.IsZero() {
		b.WriteString(fmt.Sprintf("finished  %s\n", rec.CompletedAt.Local().Format(time.RFC3339)))
	}
	if rec.Error != "" {
		b.WriteString("error     " + styles.Error.Render(rec.Error) + "\n")
	}
	if rec.ResultPath != "" {
		b.WriteString(fmt.Sprintf("result    %s\n", rec.ResultPath))
	}
	fmt.Print(b.String())
	return nil
}

// runJobsCancel drops a marker file for the job-hosting process to pick up.
// Cancellation lands only while the job is still pending there.
func runJobsCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := os.MkdirAll(cfg.Jobs.ResultsDir, 0755); err != nil {
		return err
	}
	marker := filepath.Join(cfg.Jobs.ResultsDir, cancelMarkerPrefix+id)
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0644); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", id)
	return nil
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	maxAge := jobsMaxAge
	if maxAge <= 0 {
		maxAge = cfg.GetJobMaxAge()
	}
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(cfg.Jobs.ResultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("nothing to clean up")
			return nil
		}
		return err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_result.json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(cfg.Jobs.ResultsDir, entry.Name())); err == nil {
			removed++
		}
	}
	fmt.Printf("removed %d result files older than %s\n", removed, maxAge)
	return nil
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	page := ui.NewJobsPage(led.RecentJobs, jobsLimit)
	_, err = tea.NewProgram(page).Run()
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
