package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cadgraph/internal/config"
	"cadgraph/internal/enrich"
	"cadgraph/internal/graph"
	"cadgraph/internal/ingest"
	"cadgraph/internal/jobs"
	"cadgraph/internal/ledger"
	"cadgraph/internal/logging"
)

// cancelMarkerPrefix names the files `cadgraph jobs cancel` drops into the
// results directory. The job-hosting process polls for them, since the
// manager's registry lives in that process only.
const cancelMarkerPrefix = "cancel_"

// mirrorInterval paces the ledger mirror and cancel-marker sweeps while a
// job-hosting command runs.
const mirrorInterval = 500 * time.Millisecond

// pipelineRuntime bundles the long-lived pieces a command needs: the shared
// session manager, the ingest ledger, the orchestrator, and (for commands
// that host enrichment work) the job manager.
type pipelineRuntime struct {
	cfg          *config.Config
	sessions     *graph.SessionManager
	ledger       *ledger.Ledger
	orchestrator *ingest.Orchestrator
	jobs         *jobs.Manager
}

// newRuntime wires the pipeline. withJobs also builds the enrichment job
// manager when enrichment is configured; commands that only read history
// pass false and skip the OCR engine setup entirely.
func newRuntime(cfg *config.Config, withJobs bool) (*pipelineRuntime, error) {
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	sessions := graph.NewSessionManager(cfg)
	orch := ingest.NewOrchestrator(cfg, sessions)
	orch.SetLedger(led)

	rt := &pipelineRuntime{
		cfg:          cfg,
		sessions:     sessions,
		ledger:       led,
		orchestrator: orch,
	}

	if withJobs && cfg.IsEnrichmentEnabled() {
		engine, err := enrich.NewGenAIEngine(cfg.Enrich.GeminiAPIKey, cfg.Enrich.Model)
		if err != nil {
			led.Close()
			return nil, fmt.Errorf("configure OCR engine: %w", err)
		}
		pipeline := enrich.NewPipeline(cfg, sessions, nil, engine)

		mgr := jobs.NewManager(cfg.Jobs.MaxWorkers, cfg.GetJobPollInterval(), cfg.Jobs.ResultsDir, pipeline)
		mgr.SetTerminalHook(func(job jobs.JobState) {
			if err := led.RecordJob(jobRecordFrom(job, mgr.ResultPath(job.ID))); err != nil {
				logging.JobsWarn("terminal job %s not recorded in ledger: %v", job.ID, err)
			}
		})
		rt.jobs = mgr
		orch.SetJobManager(mgr)
	}
	return rt, nil
}

// start launches the job workers and the background loops that keep the
// ledger's view of jobs current and honor cross-process cancel requests.
// The returned stop function drains everything; call it before close.
func (rt *pipelineRuntime) start(ctx context.Context) func() {
	if rt.jobs == nil {
		return func() {}
	}
	rt.jobs.Start()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(mirrorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				rt.mirrorJobs()
				return
			case <-ticker.C:
				rt.sweepCancelMarkers()
				rt.mirrorJobs()
			}
		}
	}()

	return func() {
		cancel()
		<-done
		rt.jobs.Stop()
		rt.mirrorJobs()
	}
}

// close releases the runtime's resources. Job workers must be stopped first.
func (rt *pipelineRuntime) close(ctx context.Context) {
	if err := rt.sessions.Close(ctx); err != nil {
		logging.SessionWarn("error closing graph store: %v", err)
	}
	if err := rt.ledger.Close(); err != nil {
		logging.Get(logging.CategoryLedger).Warn("error closing ledger: %v", err)
	}
}

// mirrorJobs copies the manager's registry into the ledger so `cadgraph
// jobs list` and `jobs watch` in other processes see live progress.
func (rt *pipelineRuntime) mirrorJobs() {
	for _, job := range rt.jobs.List() {
		if err := rt.ledger.RecordJob(jobRecordFrom(job, rt.jobs.ResultPath(job.ID))); err != nil {
			logging.JobsWarn("job %s not mirrored to ledger: %v", job.ID, err)
		}
	}
}

// sweepCancelMarkers picks up cancel_<id> files dropped by `cadgraph jobs
// cancel` and forwards them to the manager. Markers are consumed either way;
// a job already past pending simply runs to completion.
func (rt *pipelineRuntime) sweepCancelMarkers() {
	entries, err := os.ReadDir(rt.cfg.Jobs.ResultsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, cancelMarkerPrefix) {
			continue
		}
		id := strings.TrimPrefix(name, cancelMarkerPrefix)
		if rt.jobs.Cancel(id) {
			logging.Jobs("cancel request honored for %s", id)
		} else {
			logging.JobsDebug("cancel request for %s arrived too late", id)
		}
		os.Remove(filepath.Join(rt.cfg.Jobs.ResultsDir, name))
	}
}

// waitForJobs blocks until the given jobs reach a terminal state or the
// context ends. Used by `ingest --wait`.
func (rt *pipelineRuntime) waitForJobs(ctx context.Context, ids []string) error {
	for {
		pending := 0
		for _, id := range ids {
			if job, ok := rt.jobs.Status(id); ok && !job.Status.Terminal() {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mirrorInterval):
		}
	}
}

// jobRecordFrom converts a manager job snapshot into a ledger row.
func jobRecordFrom(job jobs.JobState, resultPath string) ledger.JobRecord {
	rec := ledger.JobRecord{
		JobID:     job.ID,
		File:      job.FilePath,
		Status:    string(job.Status),
		Progress:  job.Progress,
		Stage:     job.Stage,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	if job.Status.Terminal() {
		rec.ResultPath = resultPath
	}
	if job.CompletedAt != nil {
		rec.CompletedAt = *job.CompletedAt
	}
	return rec
}
