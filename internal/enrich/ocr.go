package enrich

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"regexp"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"cadgraph/internal/logging"
)

// Word is one recognized word or phrase.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OCRResult is the engine's reading of one rendered region.
type OCRResult struct {
	Engine          string        `json:"engine"`
	FullText        string        `json:"full_text"`
	Words           []Word        `json:"words"`
	ConfidenceScore float64       `json:"confidence_score"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// Engine recognizes text in a rendered region. The context carries the
// region type and its expected patterns so engines can prime themselves.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img image.Image, cadCtx CADContext) (OCRResult, error)
}

// GenAIEngine reads drawing regions with a Gemini vision model.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates the Gemini-backed OCR engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

func (e *GenAIEngine) Name() string { return "genai/" + e.model }

// Recognize sends the region image with a type-specific prompt and parses
// the response into words. The model does not report per-word confidence;
// a flat heuristic value is assigned based on pattern matches.
func (e *GenAIEngine) Recognize(ctx context.Context, img image.Image, cadCtx CADContext) (OCRResult, error) {
	start := time.Now()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return OCRResult{}, fmt.Errorf("encode region image: %w", err)
	}

	parts := []*genai.Part{
		genai.NewPartFromText(promptFor(cadCtx)),
		genai.NewPartFromBytes(buf.Bytes(), "image/png"),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, nil)
	if err != nil {
		return OCRResult{}, fmt.Errorf("genai recognize: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	result := parseOCRText(text, cadCtx)
	result.Engine = e.Name()
	result.ProcessingTime = time.Since(start)

	logging.EnrichDebug("genai read %d words from %s region in %s", len(result.Words), cadCtx.RegionType, result.ProcessingTime)
	return result, nil
}

// promptFor builds the contextual OCR prompt per region type.
func promptFor(cadCtx CADContext) string {
	var b strings.Builder
	switch cadCtx.RegionType {
	case RegionTitleBlock:
		b.WriteString("Extract project information, drawing numbers, scales, dates, and revision " +
			"information from this technical drawing title block. Focus on alphanumeric codes, " +
			"scales (1:X format), and dates.")
	case RegionDimension:
		b.WriteString("Extract dimension values, measurements, and numerical annotations from this " +
			"technical drawing. Look for numbers, units (mm, cm, m), radii (R), and diameters (Ø).")
	case RegionRoomLabel:
		b.WriteString("Extract room names, space labels, and short annotations from this technical drawing region.")
	default:
		b.WriteString("Extract all text from this technical drawing region.")
	}
	b.WriteString(" Return one word or phrase per line, nothing else.")
	if len(cadCtx.ExpectedPatterns) > 0 {
		b.WriteString(" Expected patterns: ")
		b.WriteString(strings.Join(cadCtx.ExpectedPatterns, ", "))
		b.WriteString(".")
	}
	return b.String()
}

// parseOCRText splits a line-per-phrase model response into words. Phrases
// matching an expected pattern score higher than free text.
func parseOCRText(text string, cadCtx CADContext) OCRResult {
	var words []Word
	total := 0.0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		conf := 0.6
		for _, pattern := range cadCtx.ExpectedPatterns {
			if matched := matchPattern(pattern, line); matched {
				conf = 0.85
				break
			}
		}
		words = append(words, Word{Text: line, Confidence: conf})
		total += conf
	}
	avg := 0.0
	if len(words) > 0 {
		avg = total / float64(len(words))
	}
	return OCRResult{FullText: text, Words: words, ConfidenceScore: avg}
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func matchPattern(pattern, text string) bool {
	cached, ok := patternCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		patternCache.Store(pattern, re)
		cached = re
	}
	return cached.(*regexp.Regexp).MatchString(text)
}
