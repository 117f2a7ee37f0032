// Package ingest drives one drawing through the whole pipeline: validate,
// stage, parse, stream, project, write. It owns the streaming-versus-whole-
// file decision and hands completed ingests to the job manager and ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadgraph/internal/cadparse"
	"cadgraph/internal/config"
	"cadgraph/internal/entity"
	"cadgraph/internal/graph"
	"cadgraph/internal/jobs"
	"cadgraph/internal/ledger"
	"cadgraph/internal/logging"
	"cadgraph/internal/projector"
	"cadgraph/internal/stream"
)

// AllowedExtensions are the upload types the pipeline accepts. JSON covers
// artifacts converted out of band.
var AllowedExtensions = []string{".dwg", ".dxf", ".json"}

// Stats is the per-ingest statistics block of the report.
type Stats struct {
	Normalization entity.Stats
	Projection    projector.Stats
	EntityCount   int
	Streamed      bool
	ChunkSize     int
}

// Report is the outcome of one successful ingest.
type Report struct {
	FilePath             string
	EntitiesExtracted    int
	NodesCreated         int
	RelationshipsCreated int
	JobID                string
	Stats                Stats
	Duration             time.Duration
}

// errStreamingExpired aborts the streaming pass internally; it never
// escapes Ingest.
var errStreamingExpired = errors.New("streaming wall clock expired")

// Orchestrator runs ingests. One Orchestrator serves the process; each
// Ingest call gets its own Projector and Batcher, and the write phases of
// concurrent calls take turns on the shared store.
type Orchestrator struct {
	cfg      *config.Config
	sessions *graph.SessionManager
	mem      graph.MemoryMonitor

	// writeMu serializes the clear-to-final-write window. Each ingest's
	// batcher clears the shared store before writing, so interleaved write
	// phases would wipe each other mid-ingest; parsing and counting run
	// outside the lock and stay parallel.
	writeMu sync.Mutex

	// Optional collaborators; nil disables the corresponding step.
	jobs   *jobs.Manager
	ledger *ledger.Ledger

	// now is swapped in tests that exercise the streaming guard.
	now func() time.Time
}

// NewOrchestrator wires the ingest pipeline to the shared session manager.
func NewOrchestrator(cfg *config.Config, sessions *graph.SessionManager) *Orchestrator {
	return &Orchestrator{cfg: cfg, sessions: sessions, now: time.Now}
}

// SetJobManager enables post-ingest enrichment submission.
func (o *Orchestrator) SetJobManager(m *jobs.Manager) { o.jobs = m }

// SetLedger enables ingest history recording.
func (o *Orchestrator) SetLedger(l *ledger.Ledger) { o.ledger = l }

// SetMemoryMonitor overrides the memory monitor handed to each batcher.
func (o *Orchestrator) SetMemoryMonitor(mem graph.MemoryMonitor) { o.mem = mem }

// Ingest runs one file through the pipeline. On failure the staged copy is
// deleted and a typed error is returned; the graph is either untouched or
// empty, never half-written past the clear.
func (o *Orchestrator) Ingest(ctx context.Context, filePath string) (*Report, error) {
	start := o.now()
	timer := logging.StartTimer(logging.CategoryIngest, "Ingest "+filepath.Base(filePath))
	defer timer.StopWithInfo()

	if err := o.validate(filePath); err != nil {
		return nil, err
	}

	staged, err := o.stage(filePath)
	if err != nil {
		return nil, err
	}

	report, artifact, err := o.run(ctx, filePath, staged)
	duration := o.now().Sub(start)
	if err != nil {
		if rmErr := os.Remove(staged); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.IngestWarn("staged upload %s not removed: %v", staged, rmErr)
		}
		if artifact != "" && artifact != staged {
			os.Remove(artifact)
		}
		o.record(filePath, report, err, duration)
		return nil, err
	}
	report.Duration = duration

	// The staged copy and its artifact stay in the staging dir on success:
	// the enrichment job reads the artifact asynchronously, possibly long
	// after this call returns.
	if o.jobs != nil && o.cfg.IsEnrichmentEnabled() {
		id, jerr := o.jobs.Submit(report.FilePath, jobs.Options{ArtifactPath: artifact})
		if jerr != nil {
			// Enrichment is best effort; the ingest itself succeeded.
			logging.IngestWarn("enrichment job not submitted for %s: %v", filePath, jerr)
		} else {
			report.JobID = id
		}
	}

	o.record(filePath, report, nil, duration)
	logging.Ingest("ingested %s: %d entities -> %d nodes, %d relationships in %s",
		filepath.Base(filePath), report.EntitiesExtracted, report.NodesCreated, report.RelationshipsCreated, duration.Round(time.Millisecond))
	return report, nil
}

// validate applies the pre-staging checks: extension, emptiness, size cap.
func (o *Orchestrator) validate(filePath string) error {
	ext := strings.ToLower(filepath.Ext(filePath))
	allowed := false
	for _, a := range AllowedExtensions {
		if ext == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InputError{Path: filePath, Reason: fmt.Sprintf("unsupported extension %q (want %s)", ext, strings.Join(AllowedExtensions, ", "))}
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return &InputError{Path: filePath, Reason: err.Error()}
	}
	if info.Size() == 0 {
		return &InputError{Path: filePath, Reason: "file is empty"}
	}
	if max := o.cfg.MaxFileSizeBytes(); info.Size() > max {
		return &InputError{Path: filePath, Reason: fmt.Sprintf("file is %d bytes, cap is %d", info.Size(), max)}
	}
	return nil
}

// stage copies the upload into the staging directory under a uuid-prefixed
// name so concurrent ingests of identically named files never collide.
func (o *Orchestrator) stage(filePath string) (string, error) {
	dir := o.cfg.Pipeline.StagingDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	staged := filepath.Join(dir, uuid.NewString()+"_"+filepath.Base(filePath))
	src, err := os.Open(filePath)
	if err != nil {
		return "", &InputError{Path: filePath, Reason: err.Error()}
	}
	defer src.Close()

	dst, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(staged)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	logging.IngestDebug("staged %s", staged)
	return staged, nil
}

// run executes parse-through-write for one staged upload. sourcePath is the
// caller's original path, kept for the report and the building name. The
// returned artifact path outlives the call; enrichment reads it later.
func (o *Orchestrator) run(ctx context.Context, sourcePath, staged string) (*Report, string, error) {
	parserCtx, cancel := context.WithTimeout(ctx, o.cfg.GetParserTimeout())
	artifact, err := cadparse.ForFile(staged, o.cfg.Parser.Command).Convert(parserCtx, staged)
	cancel()
	if err != nil {
		return nil, "", err
	}

	count, err := stream.CountEntities(ctx, artifact)
	if err != nil {
		return nil, artifact, err
	}

	source := filepath.Base(sourcePath)
	if o.cfg.UseStreaming(count) {
		chunkSize := o.cfg.ChunkSizeFor(count)
		logging.Ingest("%s: %d entities, streaming with chunk size %d", source, count, chunkSize)
		report, err := o.ingestStreaming(ctx, artifact, source, count, chunkSize)
		if !errors.Is(err, errStreamingExpired) {
			if report != nil {
				report.FilePath = sourcePath
			}
			return report, artifact, err
		}
		logging.IngestWarn("%s: streaming pass exceeded %s, falling back to whole-file processing",
			source, o.cfg.GetStreamingTimeout())
	} else {
		logging.Ingest("%s: %d entities, whole-file processing", source, count)
	}

	report, err := o.ingestWholeFile(ctx, artifact, source, count)
	if report != nil {
		report.FilePath = sourcePath
	}
	return report, artifact, err
}

// ingestStreaming writes chunk by chunk. The wall-clock guard is checked
// between chunks; expiry surfaces errStreamingExpired so run can fall back.
func (o *Orchestrator) ingestStreaming(ctx context.Context, artifact, source string, count, chunkSize int) (*Report, error) {
	// Chunk decoding rides inside the write lock here: streaming interleaves
	// reads with writes, so the whole pass is one clear-to-write window.
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	streamer := stream.New(artifact)
	defer streamer.Close()

	proj := projector.New()
	batcher := graph.NewBatcher(o.sessions, o.cfg.Batch, o.mem)
	if err := batcher.Write(ctx, proj.Bootstrap(source)); err != nil {
		return nil, err
	}

	deadline := o.now().Add(o.cfg.GetStreamingTimeout())
	for {
		if o.now().After(deadline) {
			return nil, errStreamingExpired
		}
		chunk, err := streamer.NextChunk(ctx, chunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := batcher.Write(ctx, proj.Project(chunk)); err != nil {
			return nil, err
		}
	}

	return o.buildReport(proj, streamer, count, true, chunkSize), nil
}

// ingestWholeFile materializes the artifact and writes it as one payload.
// This is also the fallback target when the streaming guard expires; its
// fresh batcher re-clears, so nothing from the abandoned pass survives.
func (o *Orchestrator) ingestWholeFile(ctx context.Context, artifact, source string, count int) (*Report, error) {
	streamer := stream.New(artifact)
	defer streamer.Close()

	chunkSize := o.cfg.Pipeline.StreamingChunkSize
	if chunkSize <= 0 {
		chunkSize = 3000
	}
	var all []entity.Entity
	for {
		chunk, err := streamer.NextChunk(ctx, chunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}

	proj := projector.New()
	payload := proj.Bootstrap(source)
	payload.Append(proj.Project(all))

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	batcher := graph.NewBatcher(o.sessions, o.cfg.Batch, o.mem)
	if err := batcher.Write(ctx, payload); err != nil {
		return nil, err
	}
	return o.buildReport(proj, streamer, count, false, 0), nil
}

func (o *Orchestrator) buildReport(proj *projector.Projector, streamer *stream.Streamer, count int, streamed bool, chunkSize int) *Report {
	pstats := proj.Stats()
	nstats := streamer.Stats()
	return &Report{
		EntitiesExtracted:    nstats.Normalized,
		NodesCreated:         pstats.Nodes,
		RelationshipsCreated: pstats.Relationships,
		Stats: Stats{
			Normalization: nstats,
			Projection:    pstats,
			EntityCount:   count,
			Streamed:      streamed,
			ChunkSize:     chunkSize,
		},
	}
}

// record writes the ingest outcome to the ledger when one is attached.
func (o *Orchestrator) record(filePath string, report *Report, ingestErr error, duration time.Duration) {
	if o.ledger == nil {
		return
	}
	rec := ledger.IngestRecord{
		ID:         uuid.NewString(),
		File:       filePath,
		Status:     "completed",
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if ingestErr != nil {
		rec.Status = "failed"
		rec.Error = ingestErr.Error()
	}
	if report != nil {
		rec.Entities = report.EntitiesExtracted
		rec.Nodes = report.NodesCreated
		rec.Relationships = report.RelationshipsCreated
		rec.Warnings = report.Stats.Normalization.Dropped + report.Stats.Projection.Discarded
	}
	if err := o.ledger.RecordIngest(rec); err != nil {
		logging.IngestWarn("ingest not recorded in ledger: %v", err)
	}
}
