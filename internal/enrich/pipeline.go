package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cadgraph/internal/config"
	"cadgraph/internal/entity"
	"cadgraph/internal/graph"
	"cadgraph/internal/jobs"
	"cadgraph/internal/logging"
	"cadgraph/internal/stream"
)

// Result is the enrichment job outcome, persisted as the job's result.
type Result struct {
	FilePath           string         `json:"file_path"`
	Regions            int            `json:"regions"`
	Words              int            `json:"words"`
	Validations        int            `json:"validations"`
	Discoveries        int            `json:"discoveries"`
	NodesAdded         int            `json:"nodes_added"`
	RelationshipsAdded int            `json:"relationships_added"`
	Quality            QualityMetrics `json:"quality"`
}

// JobMetrics surfaces the enrichment counters on the job status record.
func (r Result) JobMetrics() map[string]interface{} {
	return map[string]interface{}{
		"regions":            r.Regions,
		"words":              r.Words,
		"validations":        r.Validations,
		"discoveries":        r.Discoveries,
		"nodes_added":        r.NodesAdded,
		"average_confidence": r.Quality.AverageConfidence,
		"validation_rate":    r.Quality.ValidationRate,
		"quality_score":      r.Quality.QualityScore,
	}
}

// Pipeline is the enrichment job runner: extract regions from the ingested
// artifact, render and OCR each one, cross-validate against the CAD text,
// and append the findings to the graph. It satisfies jobs.Runner.
//
// The writes go through WriteNodes/WriteRelationships, never Write: the
// enrichment pass appends to the ingested graph and must not trigger the
// batcher's pre-ingest clear.
type Pipeline struct {
	sessions *graph.SessionManager
	batchCfg config.BatchConfig
	mem      graph.MemoryMonitor

	renderer      Renderer
	engine        Engine
	minConfidence float64
	chunkSize     int
}

// NewPipeline wires the enrichment runner. A nil renderer defaults to the
// raster renderer at the configured size; the engine must be provided.
func NewPipeline(cfg *config.Config, sessions *graph.SessionManager, renderer Renderer, engine Engine) *Pipeline {
	if renderer == nil {
		renderer = NewRasterRenderer(cfg.Enrich.RenderSize)
	}
	return &Pipeline{
		sessions:      sessions,
		batchCfg:      cfg.Batch,
		renderer:      renderer,
		engine:        engine,
		minConfidence: cfg.Enrich.MinConfidence,
		chunkSize:     cfg.Pipeline.StreamingChunkSize,
	}
}

// SetMemoryMonitor overrides the memory monitor used for write batching.
func (p *Pipeline) SetMemoryMonitor(mem graph.MemoryMonitor) {
	p.mem = mem
}

// Run executes the five enrichment stages for one job.
func (p *Pipeline) Run(ctx context.Context, job jobs.JobState, report func(stage string, progress float64)) (interface{}, error) {
	if p.engine == nil {
		return nil, errors.New("no OCR engine configured")
	}

	// DWG/DXF uploads cannot be re-parsed here; the job reads the JSON
	// artifact the ingest's converter produced.
	source := job.Options.ArtifactPath
	if source == "" {
		source = job.FilePath
	}

	report("extracting cad text", 0.1)
	entities, err := p.loadEntities(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load entities for enrichment: %w", err)
	}

	report("partitioning regions", 0.3)
	regions := filterRegions(ExtractRegions(entities), job.Options.RegionTypes)
	result := Result{FilePath: job.FilePath, Regions: len(regions)}
	if len(regions) == 0 {
		logging.Enrich("no OCR regions in %s, nothing to enrich", job.FilePath)
		report("no regions found", 0.99)
		return result, nil
	}

	floor := p.minConfidence
	if job.Options.MinConfidence > 0 {
		floor = job.Options.MinConfidence
	}

	readings := make([]RegionReading, 0, len(regions))
	failures := 0
	for i, region := range regions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reading, err := p.readRegion(ctx, region, entities, floor)
		if err != nil {
			failures++
			logging.EnrichWarn("region %s skipped: %v", region.ID, err)
		} else {
			readings = append(readings, reading)
		}
		report(fmt.Sprintf("ocr region %d/%d", i+1, len(regions)), 0.3+0.4*float64(i+1)/float64(len(regions)))
	}
	if failures == len(regions) {
		return nil, fmt.Errorf("all %d regions failed OCR", len(regions))
	}

	report("cross-validating", 0.85)
	validations, discoveries := CrossValidate(readings)
	result.Validations = len(validations)
	result.Discoveries = len(discoveries)

	report("scoring quality", 0.9)
	result.Quality = ScoreQuality(readings, validations, discoveries)
	result.Words = result.Quality.WordCount

	report("writing enrichment graph", 0.95)
	payload := BuildOCRPayload(readings, validations, discoveries)
	result.NodesAdded = len(payload.Nodes)
	result.RelationshipsAdded = len(payload.Relationships)

	batcher := graph.NewBatcher(p.sessions, p.batchCfg, p.mem)
	if err := batcher.WriteNodes(ctx, payload.Nodes); err != nil {
		return nil, fmt.Errorf("write OCR nodes: %w", err)
	}
	if err := batcher.WriteRelationships(ctx, payload.Relationships); err != nil {
		return nil, fmt.Errorf("write OCR relationships: %w", err)
	}

	logging.Enrich("enriched %s: %d regions, %d words, %d validations, %d discoveries, quality %.3f",
		job.FilePath, result.Regions, result.Words, result.Validations, result.Discoveries, result.Quality.QualityScore)
	return result, nil
}

// readRegion renders one region and runs OCR, dropping words below the
// confidence floor.
func (p *Pipeline) readRegion(ctx context.Context, region Region, entities []entity.Entity, floor float64) (RegionReading, error) {
	rendered, err := p.renderer.Render(region, entities)
	if err != nil {
		return RegionReading{}, err
	}
	ocr, err := p.engine.Recognize(ctx, rendered.Image, ContextFor(region))
	if err != nil {
		return RegionReading{}, err
	}

	kept := ocr.Words[:0]
	for _, word := range ocr.Words {
		if word.Confidence >= floor {
			kept = append(kept, word)
		}
	}
	ocr.Words = kept
	return RegionReading{Region: region, Result: ocr}, nil
}

// loadEntities materializes the artifact for region extraction and
// rendering. Enrichment needs the whole drawing in memory to rasterize
// arbitrary regions, so chunked reads only bound the decoder.
func (p *Pipeline) loadEntities(ctx context.Context, path string) ([]entity.Entity, error) {
	chunkSize := p.chunkSize
	if chunkSize <= 0 {
		chunkSize = 3000
	}
	streamer := stream.New(path)
	defer streamer.Close()

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
	return all, nil
}

// filterRegions keeps only the requested region types; an empty filter keeps
// everything.
func filterRegions(regions []Region, types []string) []Region {
	if len(types) == 0 {
		return regions
	}
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	var kept []Region
	for _, r := range regions {
		if allowed[r.Type] {
			kept = append(kept, r)
		}
	}
	return kept
}
