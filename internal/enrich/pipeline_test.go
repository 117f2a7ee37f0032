package enrich

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cadgraph/internal/config"
	"cadgraph/internal/graph"
	"cadgraph/internal/jobs"
)

// recordingStore stands in for the bolt driver: it records every statement
// so the test can assert what the enrichment pass wrote.
type recordingStore struct {
	mu      sync.Mutex
	queries []string
	nodes   int
	rels    int
}

func (s *recordingStore) Session(ctx context.Context) (graph.Session, error) {
	return &recordingSession{store: s}, nil
}
func (s *recordingStore) VerifyConnectivity(ctx context.Context) error { return nil }
func (s *recordingStore) Close(ctx context.Context) error              { return nil }

type recordingSession struct{ store *recordingStore }

func (s *recordingSession) ExecuteWrite(ctx context.Context, work func(graph.Tx) (interface{}, error)) (interface{}, error) {
	return work(&recordingTx{store: s.store})
}
func (s *recordingSession) Close(ctx context.Context) error { return nil }

type recordingTx struct{ store *recordingStore }

func (t *recordingTx) Run(ctx context.Context, query string, params map[string]interface{}) (graph.Summary, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.queries = append(t.store.queries, query)
	sum := graph.Summary{}
	if nodes, ok := params["nodes"].([]map[string]interface{}); ok {
		t.store.nodes += len(nodes)
		sum.NodesCreated = len(nodes)
	}
	if rels, ok := params["rels"].([]map[string]interface{}); ok {
		t.store.rels += len(rels)
		sum.RelationshipsCreated = len(rels)
	}
	return sum, nil
}

// echoEngine reads back the region's CAD text at high confidence and adds
// one invented word per room label region.
type echoEngine struct{}

func (echoEngine) Name() string { return "echo" }

func (echoEngine) Recognize(ctx context.Context, img image.Image, cadCtx CADContext) (OCRResult, error) {
	var words []Word
	for _, text := range cadCtx.NearbyText {
		words = append(words, Word{Text: text, Confidence: 0.9})
	}
	if cadCtx.RegionType == RegionRoomLabel {
		words = append(words, Word{Text: "DEPOSITO", Confidence: 0.8})
	}
	return OCRResult{Engine: "echo", FullText: "", Words: words, ConfidenceScore: 0.9}, nil
}

func writeArtifact(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drawing.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const testDrawing = `[
  {"type":"LINE","layer":"0","start":[0,0],"end":[100,0]},
  {"type":"LINE","layer":"0","start":[100,0],"end":[100,100]},
  {"type":"TEXT","layer":"ANNOT","text":"SALA","insert":[50,80],"height":2.5},
  {"type":"TEXT","layer":"ANNOT","text":"ARQ01-PB","insert":[95,5],"height":2.5}
]`

func newTestPipeline(t *testing.T, engine Engine) (*Pipeline, *recordingStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Enrich.RenderSize = 128
	store := &recordingStore{}
	sessions := graph.NewSessionManagerWithFactory(cfg, func(*config.Config) (graph.Store, error) {
		return store, nil
	})
	p := NewPipeline(cfg, sessions, nil, engine)
	p.SetMemoryMonitor(graph.FixedMemory{Used: 50, Available: 2048})
	return p, store
}

func TestPipelineEndToEnd(t *testing.T) {
	p, store := newTestPipeline(t, echoEngine{})
	path := writeArtifact(t, testDrawing)

	var stages []string
	lastProgress := 0.0
	report := func(stage string, progress float64) {
		stages = append(stages, stage)
		if progress < lastProgress {
			t.Errorf("progress regressed at %q: %v -> %v", stage, lastProgress, progress)
		}
		lastProgress = progress
	}

	out, err := p.Run(context.Background(), jobs.JobState{ID: "job_000001", FilePath: path}, report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result, ok := out.(Result)
	if !ok {
		t.Fatalf("result type %T", out)
	}

	if result.Regions != 2 {
		t.Errorf("regions = %d, want 2", result.Regions)
	}
	if result.Words != 3 {
		t.Errorf("words = %d, want 3", result.Words)
	}
	if result.Validations != 2 || result.Discoveries != 1 {
		t.Errorf("validations/discoveries = %d/%d, want 2/1", result.Validations, result.Discoveries)
	}
	if result.NodesAdded != 5 || result.RelationshipsAdded != 8 {
		t.Errorf("graph additions = %d nodes %d rels, want 5/8", result.NodesAdded, result.RelationshipsAdded)
	}
	if result.Quality.QualityScore <= 0 {
		t.Errorf("quality score = %v, want > 0", result.Quality.QualityScore)
	}

	if store.nodes != 5 || store.rels != 8 {
		t.Errorf("store received %d nodes %d rels, want 5/8", store.nodes, store.rels)
	}
	for _, q := range store.queries {
		if strings.Contains(q, "DETACH DELETE") {
			t.Fatalf("enrichment issued a clear query: %q", q)
		}
	}

	// Node flushes precede relationship flushes.
	firstRel := -1
	lastNode := -1
	for i, q := range store.queries {
		if strings.Contains(q, "$nodes") {
			lastNode = i
		}
		if firstRel == -1 && strings.Contains(q, "$rels") {
			firstRel = i
		}
	}
	if firstRel != -1 && lastNode > firstRel {
		t.Error("relationship flush before the last node flush")
	}

	if stages[len(stages)-1] != "writing enrichment graph" {
		t.Errorf("final stage = %q", stages[len(stages)-1])
	}
}

func TestPipelineNoRegionsCompletesEmpty(t *testing.T) {
	p, store := newTestPipeline(t, echoEngine{})
	path := writeArtifact(t, `[{"type":"LINE","layer":"0","start":[0,0],"end":[10,10]}]`)

	out, err := p.Run(context.Background(), jobs.JobState{ID: "job_000002", FilePath: path}, func(string, float64) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := out.(Result)
	if result.Regions != 0 || result.NodesAdded != 0 {
		t.Errorf("empty drawing produced %+v", result)
	}
	if len(store.queries) != 0 {
		t.Errorf("empty drawing issued %d queries", len(store.queries))
	}
}

func TestPipelineRegionTypeFilter(t *testing.T) {
	p, _ := newTestPipeline(t, echoEngine{})
	path := writeArtifact(t, testDrawing)

	out, err := p.Run(context.Background(), jobs.JobState{
		ID:       "job_000003",
		FilePath: path,
		Options:  jobs.Options{RegionTypes: []string{RegionTitleBlock}},
	}, func(string, float64) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := out.(Result)
	if result.Regions != 1 {
		t.Errorf("filtered regions = %d, want 1", result.Regions)
	}
	if result.Discoveries != 0 {
		t.Errorf("title block run found %d discoveries, want 0", result.Discoveries)
	}
}

func TestPipelineConfidenceFloor(t *testing.T) {
	p, _ := newTestPipeline(t, echoEngine{})
	path := writeArtifact(t, testDrawing)

	// 0.85 drops the 0.8 invented word but keeps the 0.9 echoes.
	out, err := p.Run(context.Background(), jobs.JobState{
		ID:       "job_000004",
		FilePath: path,
		Options:  jobs.Options{MinConfidence: 0.85},
	}, func(string, float64) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := out.(Result)
	if result.Words != 2 {
		t.Errorf("words above floor = %d, want 2", result.Words)
	}
	if result.Discoveries != 0 {
		t.Errorf("discoveries = %d, want 0 after floor", result.Discoveries)
	}
}

func TestArtifactPathOverridesUploadPath(t *testing.T) {
	p, _ := newTestPipeline(t, echoEngine{})
	artifact := writeArtifact(t, testDrawing)

	// The upload itself is a binary drawing; only the converted artifact
	// decodes.
	upload := filepath.Join(t.TempDir(), "drawing.dwg")
	if err := os.WriteFile(upload, []byte("AC1032"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := p.Run(context.Background(), jobs.JobState{
		ID:       "job_000007",
		FilePath: upload,
		Options:  jobs.Options{ArtifactPath: artifact},
	}, func(string, float64) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := out.(Result)
	if result.Regions != 2 {
		t.Errorf("regions = %d, want 2", result.Regions)
	}
	// The result still names the upload, the user-facing path.
	if result.FilePath != upload {
		t.Errorf("result file = %q, want %q", result.FilePath, upload)
	}
}

func TestJobMetricsMirrorResult(t *testing.T) {
	p, _ := newTestPipeline(t, echoEngine{})
	path := writeArtifact(t, testDrawing)

	out, err := p.Run(context.Background(), jobs.JobState{ID: "job_000008", FilePath: path}, func(string, float64) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := out.(Result)

	m := result.JobMetrics()
	if m["regions"] != result.Regions || m["words"] != result.Words {
		t.Errorf("metrics %v do not mirror counters %d/%d", m, result.Regions, result.Words)
	}
	if m["validations"] != result.Validations || m["discoveries"] != result.Discoveries {
		t.Errorf("metrics %v do not mirror validation counters", m)
	}
	if m["quality_score"] != result.Quality.QualityScore {
		t.Errorf("quality_score = %v, want %v", m["quality_score"], result.Quality.QualityScore)
	}
}

func TestPipelineNoEngine(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	_, err := p.Run(context.Background(), jobs.JobState{ID: "job_000005", FilePath: "x.json"}, func(string, float64) {})
	if err == nil || !strings.Contains(err.Error(), "no OCR engine") {
		t.Fatalf("err = %v, want missing engine error", err)
	}
}

func TestPipelineMissingArtifact(t *testing.T) {
	p, _ := newTestPipeline(t, echoEngine{})
	_, err := p.Run(context.Background(), jobs.JobState{ID: "job_000006", FilePath: filepath.Join(t.TempDir(), "gone.json")}, func(string, float64) {})
	if err == nil {
		t.Fatal("expected error for missing artifact")
	}
}
