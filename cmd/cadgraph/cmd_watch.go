package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"cadgraph/cmd/cadgraph/ui"
	"cadgraph/internal/ingest"
	"cadgraph/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a hot folder and ingest drawings as they arrive",
	Long: `Watches a directory for new or changed CAD files. A file is ingested
once it stops changing for the debounce window, which avoids reading
drawings mid-copy. Runs until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir := cfg.Watch.Dir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return fmt.Errorf("no watch directory configured (set watch.dir or pass one as an argument)")
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
	handler := func(ctx context.Context, path string) {
		report, err := rt.orchestrator.Ingest(ctx, path)
		if err != nil {
			fmt.Println(styles.Error.Render(fmt.Sprintf("✗ %s: %v", filepath.Base(path), err)))
			return
		}
		printReport(styles, report)
	}

	w, err := watch.New(dir, ingest.AllowedExtensions, cfg.GetWatchDebounce(), handler)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	fmt.Println(styles.Title.Render("watching " + dir))
	fmt.Println(styles.Muted.Render("drop .dwg, .dxf, or .json files here; ctrl+c to stop"))

	<-ctx.Done()
	w.Stop()

	stats := w.Stats()
	fmt.Printf("\nfiles seen: %d, ingests: %d, errors: %d\n",
		stats.FilesSeen, stats.IngestsTriggered, stats.Errors)
	return nil
}
