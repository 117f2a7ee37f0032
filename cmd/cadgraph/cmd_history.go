package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cadgraph/cmd/cadgraph/ui"
	"cadgraph/internal/ledger"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent ingests from the local ledger",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum rows to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	rows, err := led.RecentIngests(historyLimit)
	if err != nil {
		return err
	}
	styles := ui.DefaultStyles()
	if len(rows) == 0 {
		fmt.Println(styles.Muted.Render("no ingests recorded"))
		return nil
	}

	fmt.Println(styles.Header.Render(styles.Row("WHEN", "STATUS", "FILE", "ENTITIES", "NODES", "RELS", "WARN", "TIME")))
	for _, row := range rows {
		status := styles.StatusStyle(row.Status).Render(fmt.Sprintf("%-9s", row.Status))
		line := styles.Row(
			row.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			status,
			fmt.Sprintf("%-24s", truncate(filepath.Base(row.File), 24)),
			fmt.Sprintf("%8d", row.Entities),
			fmt.Sprintf("%6d", row.Nodes),
			fmt.Sprintf("%6d", row.Relationships),
			fmt.Sprintf("%4d", row.Warnings),
			(time.Duration(row.DurationMS) * time.Millisecond).String(),
		)
		fmt.Println(line)
		if row.Error != "" {
			fmt.Println(styles.Content.Render(styles.Error.Render(truncate(row.Error, 100))))
		}
	}
	return nil
}
