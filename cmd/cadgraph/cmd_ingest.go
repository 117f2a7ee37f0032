package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cadgraph/cmd/cadgraph/ui"
	"cadgraph/internal/ingest"
)

var ingestWait bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest one or more CAD drawings into the graph",
	Long: `Runs each file through the full pipeline: validate, stage, parse,
normalize, project, and write to the graph store.

Each file replaces the graph contents for its drawing; re-ingesting the
same file converges to the same graph. When enrichment is enabled, an
async OCR job is submitted per drawing after its ingest completes.

Examples:
  cadgraph ingest plans/floor1.dwg
  cadgraph ingest plans/*.dxf --wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWait, "wait", false, "Wait for enrichment jobs to finish before exiting")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, true)
	if err != nil {
		return err
	}
	stopJobs := rt.start(ctx)
	defer rt.close(context.Background())
	defer stopJobs()

	styles := ui.DefaultStyles()

	type outcome struct {
		path   string
		report *ingest.Report
		err    error
	}
	results := make([]outcome, len(args))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Jobs.MaxWorkers)
	for i, path := range args {
		i, path := i, path
		g.Go(func() error {
			report, err := rt.orchestrator.Ingest(gctx, path)
			results[i] = outcome{path: path, report: report, err: err}
			// Failures are per-file; keep going on the rest.
			return nil
		})
	}
	g.Wait()

	failed := 0
	var jobIDs []string
	for _, res := range results {
		if res.err != nil {
			failed++
			fmt.Println(styles.Error.Render(fmt.Sprintf("✗ %s: %v", filepath.Base(res.path), res.err)))
			continue
		}
		printReport(styles, res.report)
		if res.report.JobID != "" {
			jobIDs = append(jobIDs, res.report.JobID)
		}
	}

	if len(jobIDs) > 0 {
		fmt.Println(styles.Muted.Render(fmt.Sprintf("enrichment jobs submitted: %s", strings.Join(jobIDs, ", "))))
		if ingestWait {
			fmt.Println(styles.Muted.Render("waiting for enrichment jobs..."))
			if err := rt.waitForJobs(ctx, jobIDs); err != nil {
				return err
			}
			for _, id := range jobIDs {
				if job, ok := rt.jobs.Status(id); ok {
					status := styles.StatusStyle(string(job.Status)).Render(string(job.Status))
					fmt.Printf("%s %s\n", id, status)
				}
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func printReport(styles ui.Styles, report *ingest.Report) {
	var b strings.Builder
	b.WriteString(styles.Success.Render("✓ " + filepath.Base(report.FilePath)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("entities   %d\n", report.EntitiesExtracted))
	b.WriteString(fmt.Sprintf("nodes      %d\n", report.NodesCreated))
	b.WriteString(fmt.Sprintf("rels       %d\n", report.RelationshipsCreated))
	if report.Stats.Streamed {
		b.WriteString(fmt.Sprintf("streamed   yes (chunks of %d)\n", report.Stats.ChunkSize))
	}
	if dropped := report.Stats.Normalization.Dropped; dropped > 0 {
		b.WriteString(styles.Warning.Render(fmt.Sprintf("dropped    %d malformed entities", dropped)))
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("duration   %s", report.Duration.Round(time.Millisecond)))
	fmt.Println(styles.ReportBox.Render(b.String()))
}
