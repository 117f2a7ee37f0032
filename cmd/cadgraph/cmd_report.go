package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"cadgraph/internal/enrich"
	"cadgraph/internal/jobs"
)

var reportCmd = &cobra.Command{
	Use:   "report [job-id]",
	Short: "Render an enrichment job's result file",
	Long: `Reads the durable result file a finished enrichment job wrote and
renders it as a readable report.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

// resultFile mirrors the persisted job state with the enrichment result
// decoded into its concrete type.
type resultFile struct {
	jobs.JobState
	Result enrich.Result `json:"result"`
}

func runReport(cmd *cobra.Command, args []string) error {
	id := args[0]
	path := filepath.Join(cfg.Jobs.ResultsDir, id+"_result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no result file for %s (job still running, cancelled, or cleaned up?)", id)
		}
		return err
	}

	var rf resultFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse result file %s: %w", path, err)
	}

	md := buildReportMarkdown(rf)
	out, err := glamour.Render(md, "dark")
	if err != nil {
		// Fall back to the raw markdown on terminals glamour can't probe.
		fmt.Println(md)
		return nil
	}
	fmt.Print(out)
	return nil
}

func buildReportMarkdown(rf resultFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Enrichment report: %s\n\n", rf.ID)
	fmt.Fprintf(&b, "**File:** %s\n\n", rf.FilePath)
	fmt.Fprintf(&b, "**Status:** %s\n\n", rf.Status)
	if rf.StartedAt != nil && rf.CompletedAt != nil {
		fmt.Fprintf(&b, "**Duration:** %s\n\n", rf.CompletedAt.Sub(*rf.StartedAt).Round(time.Millisecond))
	}
	if rf.Error != "" {
		fmt.Fprintf(&b, "**Error:** %s\n\n", rf.Error)
		return b.String()
	}

	res := rf.Result
	b.WriteString("## Extraction\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Regions read | %d |\n", res.Regions)
	fmt.Fprintf(&b, "| Words recognized | %d |\n", res.Words)
	fmt.Fprintf(&b, "| Validations | %d |\n", res.Validations)
	fmt.Fprintf(&b, "| Discoveries | %d |\n", res.Discoveries)
	fmt.Fprintf(&b, "| Graph nodes added | %d |\n", res.NodesAdded)
	fmt.Fprintf(&b, "| Graph relationships added | %d |\n\n", res.RelationshipsAdded)

	q := res.Quality
	b.WriteString("## Quality\n\n")
	fmt.Fprintf(&b, "- Average OCR confidence: %.0f%%\n", q.AverageConfidence*100)
	fmt.Fprintf(&b, "- Validation rate: %.0f%%\n", q.ValidationRate*100)
	fmt.Fprintf(&b, "- Quality score: **%.2f**\n", q.QualityScore)
	return b.String()
}
