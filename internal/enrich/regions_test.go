package enrich

import (
	"strings"
	"testing"

	"cadgraph/internal/entity"
)

// frame returns geometry spanning a 100x100 drawing so classification has
// real bounds to work against.
func frame() []entity.Entity {
	return []entity.Entity{
		{Kind: entity.KindLine, Layer: "0", Attrs: map[string]interface{}{
			"start": entity.Coordinate{X: 0, Y: 0},
			"end":   entity.Coordinate{X: 100, Y: 0},
		}},
		{Kind: entity.KindLine, Layer: "0", Attrs: map[string]interface{}{
			"start": entity.Coordinate{X: 100, Y: 0},
			"end":   entity.Coordinate{X: 100, Y: 100},
		}},
	}
}

func textAt(text string, x, y float64) entity.Entity {
	return entity.Entity{Kind: entity.KindText, Layer: "ANNOT", Attrs: map[string]interface{}{
		"text":   text,
		"insert": entity.Coordinate{X: x, Y: y},
		"height": 2.5,
	}}
}

func TestExtractRegionsClassification(t *testing.T) {
	entities := append(frame(),
		textAt("PLANTA BAJA", 50, 80),       // short label mid-drawing
		textAt("250.5 mm", 50, 50),          // numeric with unit
		textAt("R12.5", 30, 50),             // radius callout
		textAt("ARQ01-PB", 95, 5),           // bottom-right band
		textAt(strings.Repeat("x", 60), 10, 90), // long free text
	)

	regions := ExtractRegions(entities)

	byType := map[string]int{}
	for _, r := range regions {
		byType[r.Type]++
	}
	if byType[RegionRoomLabel] != 1 {
		t.Errorf("room_label regions = %d, want 1", byType[RegionRoomLabel])
	}
	if byType[RegionDimension] == 0 {
		t.Error("no dimension regions extracted")
	}
	if byType[RegionTitleBlock] != 1 {
		t.Errorf("title_block regions = %d, want 1", byType[RegionTitleBlock])
	}
	if byType[RegionGeneral] != 1 {
		t.Errorf("general regions = %d, want 1", byType[RegionGeneral])
	}
}

func TestExtractRegionsIDsAreDensePerType(t *testing.T) {
	entities := append(frame(),
		textAt("SALA", 20, 80),
		textAt("COCINA", 80, 80),
	)

	regions := ExtractRegions(entities)

	seen := map[string]bool{}
	for _, r := range regions {
		if r.Type != RegionRoomLabel {
			continue
		}
		seen[r.ID] = true
	}
	if !seen["room_label_001"] || !seen["room_label_002"] {
		t.Errorf("room label ids not dense: %v", seen)
	}
}

func TestExtractRegionsMergesOverlapping(t *testing.T) {
	// Two labels closer than the region pad collapse into one region
	// carrying both CAD strings.
	entities := append(frame(),
		textAt("BA", 50, 50),
		textAt("NO", 52, 50),
	)

	regions := ExtractRegions(entities)

	var labels []Region
	for _, r := range regions {
		if r.Type == RegionRoomLabel {
			labels = append(labels, r)
		}
	}
	if len(labels) != 1 {
		t.Fatalf("got %d room label regions, want 1 merged", len(labels))
	}
	if len(labels[0].CADText) != 2 {
		t.Errorf("merged region carries %d CAD strings, want 2", len(labels[0].CADText))
	}
}

func TestExtractRegionsEmptyDrawing(t *testing.T) {
	if regions := ExtractRegions(nil); regions != nil {
		t.Errorf("regions from empty drawing = %v, want nil", regions)
	}
}

func TestContextForPatterns(t *testing.T) {
	tb := ContextFor(Region{Type: RegionTitleBlock})
	if len(tb.ExpectedPatterns) == 0 {
		t.Fatal("title block context has no expected patterns")
	}
	if !matchPattern(tb.ExpectedPatterns[0], "ARQ01-PB") {
		t.Errorf("drawing code pattern %q does not match ARQ01-PB", tb.ExpectedPatterns[0])
	}

	dim := ContextFor(Region{Type: RegionDimension})
	matched := false
	for _, p := range dim.ExpectedPatterns {
		if matchPattern(p, "R12.5") {
			matched = true
		}
	}
	if !matched {
		t.Error("no dimension pattern matches R12.5")
	}

	if got := ContextFor(Region{Type: RegionRoomLabel}); len(got.ExpectedPatterns) != 0 {
		t.Errorf("room label context has patterns %v, want none", got.ExpectedPatterns)
	}
}

func TestRectExpandAndContains(t *testing.T) {
	r := Rect{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}.Expand(5)
	if r.MinX != 5 || r.MaxY != 25 {
		t.Errorf("expanded rect = %+v", r)
	}
	if !r.Contains(5, 25) || r.Contains(4, 10) {
		t.Error("containment after expand wrong")
	}
}
